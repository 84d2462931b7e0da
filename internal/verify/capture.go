package verify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"classattend/internal/attendance"
)

// ErrCaptureUnavailable means no capture backend could be acquired for the
// modality (permission denied, sensor missing). The flow aborts to idle
// without attempting a commit.
var ErrCaptureUnavailable = errors.New("capture resource unavailable")

// Sample is one raw signal from a capture source: a decoded text frame for
// QR, a face-presence reading, or a location fix. At most one field is set.
type Sample struct {
	Text string
	Face *attendance.FaceSignal
	GPS  *attendance.GPSSignal
	At   time.Time
}

// Source is an acquired capture resource. Samples delivers raw readings
// until Release is called or the stream's context ends; Release must be
// idempotent because cancellation can race normal shutdown.
type Source interface {
	Samples(ctx context.Context) <-chan Sample
	Release()
}

// Capability is one ranked capture backend for a modality. Available is
// probed at selection time; higher rank wins among available backends.
// This replaces scattering fallback-detection branches through the flow.
type Capability struct {
	Name     string
	Modality attendance.Modality
	Rank     int
	Probe    func() bool
	Open     func(ctx context.Context) (Source, error)
}

// Registry holds the capture capabilities registered at startup.
type Registry struct {
	mu   sync.RWMutex
	caps map[attendance.Modality][]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[attendance.Modality][]Capability)}
}

// Register adds a capability.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := append(r.caps[c.Modality], c)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Rank > list[j].Rank })
	r.caps[c.Modality] = list
}

// Acquire opens the highest-ranked available source for a modality.
func (r *Registry) Acquire(ctx context.Context, m attendance.Modality) (Source, error) {
	r.mu.RLock()
	list := r.caps[m]
	r.mu.RUnlock()
	for _, c := range list {
		if c.Probe != nil && !c.Probe() {
			continue
		}
		src, err := c.Open(ctx)
		if err != nil {
			continue
		}
		return src, nil
	}
	return nil, fmt.Errorf("%w: no backend for modality %s", ErrCaptureUnavailable, m)
}

// ChanSource adapts a plain sample channel into a Source. Used by tests and
// by transports that already deliver samples as a stream.
type ChanSource struct {
	ch       chan Sample
	once     sync.Once
	released chan struct{}
}

// NewChanSource creates a source fed through Emit.
func NewChanSource(buffer int) *ChanSource {
	if buffer <= 0 {
		buffer = 8
	}
	return &ChanSource{ch: make(chan Sample, buffer), released: make(chan struct{})}
}

// Emit feeds one sample; drops it if the source was released.
func (s *ChanSource) Emit(sample Sample) {
	select {
	case <-s.released:
	case s.ch <- sample:
	}
}

// Samples implements Source.
func (s *ChanSource) Samples(ctx context.Context) <-chan Sample {
	out := make(chan Sample)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.released:
				return
			case sample := <-s.ch:
				select {
				case out <- sample:
				case <-ctx.Done():
					return
				case <-s.released:
					return
				}
			}
		}
	}()
	return out
}

// Release implements Source.
func (s *ChanSource) Release() {
	s.once.Do(func() { close(s.released) })
}

// Released reports whether the capture resource has been let go.
func (s *ChanSource) Released() bool {
	select {
	case <-s.released:
		return true
	default:
		return false
	}
}
