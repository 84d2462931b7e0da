// Package verify runs the per-modality verification flows: sample the
// capture resource, debounce a candidate signal, submit it for adjudication,
// commit or retry. One machine instance drives one capture resource at a
// time; concurrency across students lives server-side.
package verify

import (
	"context"
	"errors"
	"sync"
	"time"

	"classattend/internal/attendance"
	"classattend/internal/checkin"
	"classattend/internal/eligibility"
)

// State of a verification flow.
type State string

const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateDetected  State = "detected"
	StateVerifying State = "verifying"
	StateSuccess   State = "success"
)

// ErrScanTimeout means no candidate signal appeared within the idle window.
// The capture resource is released so a camera is never left open forever.
var ErrScanTimeout = errors.New("scan timed out with no candidate signal")

// Verifier adjudicates a claim server-side. The checkin service implements
// it; verifying is the only step that takes a network round trip and it
// honors context cancellation.
type Verifier interface {
	Verify(ctx context.Context, claim attendance.Claim) (checkin.Result, error)
}

// Dwell is the debounce policy between scanning and detected. A candidate
// must be seen MinSamples consecutive times spanning at least MinSpan before
// it is trusted; a single frame is never a scan.
type Dwell struct {
	MinSamples int
	MinSpan    time.Duration
	// MaxIdle aborts the whole flow when no candidate shows up for this long.
	MaxIdle time.Duration
}

// DefaultDwell matches the production debounce policy.
func DefaultDwell() Dwell {
	return Dwell{MinSamples: 4, MinSpan: 2 * time.Second, MaxIdle: 30 * time.Second}
}

// Config parameterizes one verification flow.
type Config struct {
	StudentID string
	// SessionToken is the pre-selected session's token, used by the face and
	// GPS flows. The QR flow takes its token from the scanned code itself.
	SessionToken string
	DeviceInfo   string
	Dwell        Dwell

	// OnState observes transitions, for UI wiring. Optional.
	OnState func(State)
	// OnTransient is called when a verification rejection resumes scanning,
	// e.g. a stale-but-decodable code after rotation. Lets the UI say "code
	// expired, ask for a fresh one" instead of staying silent. Optional.
	OnTransient func(eligibility.Reason)
}

// Machine sequences capture -> local detection -> eligibility -> commit for
// one modality.
type Machine struct {
	cfg      Config
	detector Detector
	verifier Verifier
	registry *Registry

	mu    sync.Mutex
	state State
}

// NewMachine creates a flow in the idle state.
func NewMachine(cfg Config, det Detector, ver Verifier, reg *Registry) *Machine {
	if cfg.Dwell.MinSamples <= 0 {
		cfg.Dwell = DefaultDwell()
	}
	if cfg.Dwell.MaxIdle <= 0 {
		cfg.Dwell.MaxIdle = 30 * time.Second
	}
	return &Machine{cfg: cfg, detector: det, verifier: ver, registry: reg, state: StateIdle}
}

// State returns the current flow state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	if m.cfg.OnState != nil {
		m.cfg.OnState(s)
	}
}

// Run drives the flow until success, a policy rejection, a resource failure,
// or cancellation. Whatever the exit path, the capture resource is released
// and the machine lands in a terminal state (success) or back at idle.
// Cancelling ctx at any point returns ctx.Err() and never commits a record.
func (m *Machine) Run(ctx context.Context) (checkin.Result, error) {
	src, err := m.registry.Acquire(ctx, m.detector.Modality())
	if err != nil {
		m.setState(StateIdle)
		return checkin.Result{}, err
	}
	defer src.Release()
	m.setState(StateScanning)

	samples := src.Samples(ctx)
	idle := time.NewTimer(m.cfg.Dwell.MaxIdle)
	defer idle.Stop()

	var (
		key       string
		count     int
		firstSeen time.Time
		cand      Candidate
	)

	for {
		select {
		case <-ctx.Done():
			m.setState(StateIdle)
			return checkin.Result{}, ctx.Err()

		case <-idle.C:
			m.setState(StateIdle)
			return checkin.Result{}, ErrScanTimeout

		case s, ok := <-samples:
			if !ok {
				// capture resource destroyed mid-flow
				m.setState(StateIdle)
				return checkin.Result{}, ErrCaptureUnavailable
			}
			c, hit := m.detector.Detect(s)
			if !hit {
				// a miss breaks the streak; consecutive means consecutive
				key, count = "", 0
				continue
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.cfg.Dwell.MaxIdle)

			at := s.At
			if at.IsZero() {
				at = time.Now()
			}
			if c.Key != key {
				key, count, firstSeen, cand = c.Key, 1, at, c
				continue
			}
			count++
			cand = c
			if count < m.cfg.Dwell.MinSamples || at.Sub(firstSeen) < m.cfg.Dwell.MinSpan {
				continue
			}

			m.setState(StateDetected)
			res, err := m.submit(ctx, cand)
			if err != nil {
				m.setState(StateIdle)
				return checkin.Result{}, err
			}
			if res.Admitted {
				m.setState(StateSuccess)
				return res, nil
			}
			if res.Reason.Transient() {
				if m.cfg.OnTransient != nil {
					m.cfg.OnTransient(res.Reason)
				}
				key, count = "", 0
				m.setState(StateScanning)
				continue
			}
			// unrecoverable policy rejection: stop and inform
			m.setState(StateIdle)
			return res, nil
		}
	}
}

func (m *Machine) submit(ctx context.Context, cand Candidate) (checkin.Result, error) {
	m.setState(StateVerifying)

	raw := cand.RawToken
	if raw == "" {
		raw = m.cfg.SessionToken
	}
	claim := attendance.Claim{
		StudentID:  m.cfg.StudentID,
		RawToken:   raw,
		Modality:   m.detector.Modality(),
		ClientAt:   time.Now(),
		Face:       cand.Face,
		GPS:        cand.GPS,
		DeviceInfo: m.cfg.DeviceInfo,
	}
	return m.verifier.Verify(ctx, claim)
}
