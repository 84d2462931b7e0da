package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"classattend/internal/token"
)

func newTestSession() ClassSession {
	return ClassSession{
		ID:             "CS301-2024-01-15",
		CourseID:       "CS301",
		Room:           "B204",
		LecturerID:     "lect-9",
		ScheduledStart: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
		ScheduledEnd:   time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC),
	}
}

func mustCreate(t *testing.T, m *Manager) ClassSession {
	t.Helper()
	s, err := m.Create(context.Background(), newTestSession())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	s := mustCreate(t, m)
	if s.Status != StatusScheduled {
		t.Fatalf("new session status = %s, want scheduled", s.Status)
	}

	// end before start is illegal
	if _, err := m.End(ctx, s.ID); !errors.Is(err, ErrBadTransition) {
		t.Errorf("End from scheduled: err = %v, want ErrBadTransition", err)
	}

	started, err := m.Start(ctx, s.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != StatusActive || started.CurrentToken == "" {
		t.Fatalf("after Start: status=%s token=%q", started.Status, started.CurrentToken)
	}

	if _, err := m.Start(ctx, s.ID); !errors.Is(err, ErrBadTransition) {
		t.Errorf("double Start: err = %v, want ErrBadTransition", err)
	}

	ended, err := m.End(ctx, s.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.Status != StatusCompleted || ended.CurrentToken != "" {
		t.Errorf("after End: status=%s token=%q", ended.Status, ended.CurrentToken)
	}

	// no way back from completed
	if _, err := m.Cancel(ctx, s.ID); !errors.Is(err, ErrBadTransition) {
		t.Errorf("Cancel after End: err = %v, want ErrBadTransition", err)
	}
}

func TestCancelFromEitherNonTerminalState(t *testing.T) {
	ctx := context.Background()
	for _, start := range []bool{false, true} {
		m := NewManager(nil)
		s := mustCreate(t, m)
		if start {
			if _, err := m.Start(ctx, s.ID); err != nil {
				t.Fatalf("Start: %v", err)
			}
		}
		got, err := m.Cancel(ctx, s.ID)
		if err != nil {
			t.Fatalf("Cancel (started=%v): %v", start, err)
		}
		if got.Status != StatusCancelled || got.CurrentToken != "" {
			t.Errorf("after Cancel: status=%s token=%q", got.Status, got.CurrentToken)
		}
	}
}

func TestTokenCurrency(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	s := mustCreate(t, m)

	if m.IsTokenCurrent(s.ID, "garbage") {
		t.Error("garbage token counted as current")
	}

	started, _ := m.Start(ctx, s.ID)
	t1 := started.CurrentToken
	if !m.IsTokenCurrent(s.ID, t1) {
		t.Fatal("freshly issued token not current")
	}

	rotated, err := m.RegenerateToken(ctx, s.ID)
	if err != nil {
		t.Fatalf("RegenerateToken: %v", err)
	}
	t2 := rotated.CurrentToken
	if t2 == t1 {
		t.Fatal("rotation produced the same token")
	}
	// stale token still decodes but is no longer current
	if _, err := token.Decode(t1); err != nil {
		t.Fatalf("stale token stopped decoding: %v", err)
	}
	if m.IsTokenCurrent(s.ID, t1) {
		t.Error("stale token still current after rotation")
	}
	if !m.IsTokenCurrent(s.ID, t2) {
		t.Error("rotated token not current")
	}

	if _, err := m.End(ctx, s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if m.IsTokenCurrent(s.ID, t2) {
		t.Error("token current after session ended")
	}
}

func TestTokenExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	s := mustCreate(t, m)
	started, _ := m.Start(ctx, s.ID)

	m.now = func() time.Time { return base.Add(token.TTL - time.Minute) }
	if !m.IsTokenCurrent(s.ID, started.CurrentToken) {
		t.Error("token not current one minute before expiry")
	}
	m.now = func() time.Time { return base.Add(token.TTL + time.Minute) }
	if m.IsTokenCurrent(s.ID, started.CurrentToken) {
		t.Error("token current after expiry")
	}
}

func TestTokenSessionMismatch(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	a := mustCreate(t, m)
	other := newTestSession()
	other.ID = "CS302-2024-01-15"
	other.CourseID = "CS302"
	if _, err := m.Create(ctx, other); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sa, _ := m.Start(ctx, a.ID)
	if m.IsTokenCurrent(other.ID, sa.CurrentToken) {
		t.Error("token for session A current for session B")
	}
}

// Readers racing a rotation must only ever see the old or the new token as
// current, never both and never a torn value.
func TestConcurrentRotationReaders(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	s := mustCreate(t, m)
	started, _ := m.Start(ctx, s.ID)
	t1 := started.CurrentToken

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cur, err := m.Get(s.ID)
				if err != nil {
					t.Error(err)
					return
				}
				ok1 := m.IsTokenCurrent(s.ID, t1)
				ok2 := cur.CurrentToken != t1 && m.IsTokenCurrent(s.ID, cur.CurrentToken)
				if ok1 && ok2 {
					t.Error("two distinct tokens current simultaneously")
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		if _, err := m.RegenerateToken(ctx, s.ID); err != nil {
			t.Fatalf("RegenerateToken: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}

type failingPersister struct{ err error }

func (f failingPersister) SaveSession(context.Context, ClassSession) error { return f.err }

func TestPersistFailureAbortsTransition(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("db down")
	m := NewManager(nil)
	s := mustCreate(t, m)

	m.persist = failingPersister{err: boom}
	if _, err := m.Start(ctx, s.ID); !errors.Is(err, boom) {
		t.Fatalf("Start with failing persister: err = %v", err)
	}
	got, _ := m.Get(s.ID)
	if got.Status != StatusScheduled || got.CurrentToken != "" {
		t.Errorf("state mutated despite persist failure: %+v", got)
	}
}
