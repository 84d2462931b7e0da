package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Observation is one claim sighting retained in the sliding window. The
// window backs the proxy and token-sharing heuristics; it holds recent
// claims per session, not just per student.
type Observation struct {
	SessionID  string
	StudentID  string
	TokenNonce string
	At         time.Time
}

// Window is a short sliding window of recent claims per session.
type Window interface {
	// Observe records a sighting.
	Observe(ctx context.Context, obs Observation) error
	// StudentClaims counts sightings for one student in a session since the
	// given instant.
	StudentClaims(ctx context.Context, sessionID, studentID string, since time.Time) (int, error)
	// DistinctStudentsForToken counts distinct students who presented the
	// same token nonce in a session since the given instant.
	DistinctStudentsForToken(ctx context.Context, sessionID, nonce string, since time.Time) (int, error)
}

// MemWindow is an in-memory Window for single-process deployments and tests.
type MemWindow struct {
	mu     sync.Mutex
	keep   time.Duration
	bySess map[string][]Observation
}

// NewMemWindow creates a window that retains observations for keep.
func NewMemWindow(keep time.Duration) *MemWindow {
	if keep <= 0 {
		keep = 2 * time.Minute
	}
	return &MemWindow{keep: keep, bySess: make(map[string][]Observation)}
}

// Observe implements Window.
func (w *MemWindow) Observe(_ context.Context, obs Observation) error {
	if obs.At.IsZero() {
		obs.At = time.Now()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	list := append(w.bySess[obs.SessionID], obs)
	w.bySess[obs.SessionID] = prune(list, obs.At.Add(-w.keep))
	return nil
}

// StudentClaims implements Window.
func (w *MemWindow) StudentClaims(_ context.Context, sessionID, studentID string, since time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, obs := range w.bySess[sessionID] {
		if obs.StudentID == studentID && !obs.At.Before(since) {
			n++
		}
	}
	return n, nil
}

// DistinctStudentsForToken implements Window.
func (w *MemWindow) DistinctStudentsForToken(_ context.Context, sessionID, nonce string, since time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	seen := make(map[string]struct{})
	for _, obs := range w.bySess[sessionID] {
		if obs.TokenNonce == nonce && !obs.At.Before(since) {
			seen[obs.StudentID] = struct{}{}
		}
	}
	return len(seen), nil
}

func prune(list []Observation, cutoff time.Time) []Observation {
	out := list[:0]
	for _, obs := range list {
		if !obs.At.Before(cutoff) {
			out = append(out, obs)
		}
	}
	return out
}

// RedisWindow keeps observations in per-session sorted sets scored by unix
// millis, so multiple API replicas share one view of recent claims.
type RedisWindow struct {
	client *redis.Client
	keep   time.Duration
	prefix string
}

// NewRedisWindow creates a Redis-backed window.
func NewRedisWindow(client *redis.Client, keep time.Duration) *RedisWindow {
	if keep <= 0 {
		keep = 2 * time.Minute
	}
	return &RedisWindow{client: client, keep: keep, prefix: "claims:window:"}
}

func (w *RedisWindow) key(sessionID string) string { return w.prefix + sessionID }

// Observe implements Window.
func (w *RedisWindow) Observe(ctx context.Context, obs Observation) error {
	if obs.At.IsZero() {
		obs.At = time.Now()
	}
	member := obs.StudentID + "|" + obs.TokenNonce + "|" + uuid.NewString()
	key := w.key(obs.SessionID)
	pipe := w.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(obs.At.UnixMilli()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", obs.At.Add(-w.keep).UnixMilli()))
	pipe.Expire(ctx, key, w.keep*2)
	_, err := pipe.Exec(ctx)
	return err
}

// StudentClaims implements Window.
func (w *RedisWindow) StudentClaims(ctx context.Context, sessionID, studentID string, since time.Time) (int, error) {
	members, err := w.rangeSince(ctx, sessionID, since)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range members {
		if strings.HasPrefix(m, studentID+"|") {
			n++
		}
	}
	return n, nil
}

// DistinctStudentsForToken implements Window.
func (w *RedisWindow) DistinctStudentsForToken(ctx context.Context, sessionID, nonce string, since time.Time) (int, error) {
	members, err := w.rangeSince(ctx, sessionID, since)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{})
	for _, m := range members {
		parts := strings.SplitN(m, "|", 3)
		if len(parts) == 3 && parts[1] == nonce {
			seen[parts[0]] = struct{}{}
		}
	}
	return len(seen), nil
}

func (w *RedisWindow) rangeSince(ctx context.Context, sessionID string, since time.Time) ([]string, error) {
	return w.client.ZRangeByScore(ctx, w.key(sessionID), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.UnixMilli()),
		Max: "+inf",
	}).Result()
}
