package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"classattend/internal/token"
)

var (
	// ErrNotFound means no session with the given id is known to the manager.
	ErrNotFound = errors.New("session not found")
	// ErrBadTransition means the requested lifecycle operation is not legal
	// from the session's current status.
	ErrBadTransition = errors.New("illegal session transition")
)

// Persister writes session state through to durable storage. The manager
// remains authoritative for transitions; persistence failures abort the
// transition so memory and storage never diverge.
type Persister interface {
	SaveSession(ctx context.Context, s ClassSession) error
}

// Manager owns the lifecycle of class sessions and their tokens. The current
// token per session is the one piece of shared mutable state with multiple
// writers (rotate/end) and many readers (every claim); all access goes
// through the manager's lock so a reader never observes a half-rotated token.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*ClassSession

	persist Persister // may be nil in tests / memory-only mode
	now     func() time.Time
}

// NewManager creates a manager. persist may be nil.
func NewManager(persist Persister) *Manager {
	return &Manager{
		sessions: make(map[string]*ClassSession),
		persist:  persist,
		now:      time.Now,
	}
}

// Create registers a new scheduled session.
func (m *Manager) Create(ctx context.Context, s ClassSession) (ClassSession, error) {
	if s.CourseID == "" || s.LecturerID == "" {
		return ClassSession{}, errors.New("course and lecturer required")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Status = StatusScheduled
	s.CurrentToken = ""
	s.TokenExpiresAt = time.Time{}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ClassSession{}, fmt.Errorf("session %s already exists", s.ID)
	}
	if err := m.save(ctx, s); err != nil {
		return ClassSession{}, err
	}
	cp := s
	m.sessions[s.ID] = &cp
	return s, nil
}

// Load seeds the manager with an existing session, e.g. on restart.
func (m *Manager) Load(s ClassSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.sessions[s.ID] = &cp
}

// Get returns a snapshot of a session.
func (m *Manager) Get(id string) (ClassSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return ClassSession{}, ErrNotFound
	}
	return *s, nil
}

// Start transitions scheduled -> active and issues the first token.
func (m *Manager) Start(ctx context.Context, id string) (ClassSession, error) {
	return m.transition(ctx, id, StatusScheduled, StatusActive, true)
}

// RegenerateToken issues a fresh token for an active session. The prior
// token immediately stops being current even though it still decodes.
func (m *Manager) RegenerateToken(ctx context.Context, id string) (ClassSession, error) {
	return m.transition(ctx, id, StatusActive, StatusActive, true)
}

// End transitions active -> completed. The current token becomes permanently
// invalid for new admissions.
func (m *Manager) End(ctx context.Context, id string) (ClassSession, error) {
	return m.transition(ctx, id, StatusActive, StatusCompleted, false)
}

// Cancel moves a session to cancelled from either non-terminal state.
func (m *Manager) Cancel(ctx context.Context, id string) (ClassSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ClassSession{}, ErrNotFound
	}
	if !s.Open() {
		return ClassSession{}, fmt.Errorf("%w: %s -> cancelled", ErrBadTransition, s.Status)
	}
	next := *s
	next.Status = StatusCancelled
	next.CurrentToken = ""
	next.TokenExpiresAt = time.Time{}
	if err := m.save(ctx, next); err != nil {
		return ClassSession{}, err
	}
	*s = next
	return next, nil
}

func (m *Manager) transition(ctx context.Context, id string, from, to Status, issue bool) (ClassSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ClassSession{}, ErrNotFound
	}
	if s.Status != from {
		return ClassSession{}, fmt.Errorf("%w: %s -> %s requires %s", ErrBadTransition, s.Status, to, from)
	}
	next := *s
	next.Status = to
	if issue {
		payload := token.Issue(s.ID, s.CourseID, s.Room, s.LecturerID, m.now())
		raw, err := token.Encode(payload)
		if err != nil {
			return ClassSession{}, err
		}
		next.CurrentToken = raw
		next.TokenExpiresAt = payload.ExpiresAt
	} else {
		next.CurrentToken = ""
		next.TokenExpiresAt = time.Time{}
	}
	if err := m.save(ctx, next); err != nil {
		return ClassSession{}, err
	}
	*s = next
	return next, nil
}

// IsTokenCurrent reports whether raw decodes, matches the session's identity,
// is unexpired, and is byte-for-byte the session's currently issued token.
// A decodable token from before a rotation fails the last check.
func (m *Manager) IsTokenCurrent(id, raw string) bool {
	payload, err := token.Decode(raw)
	if err != nil {
		return false
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.RUnlock()
		return false
	}
	current := s.CurrentToken
	courseID := s.CourseID
	m.mu.RUnlock()

	if payload.SessionID != id || payload.CourseID != courseID {
		return false
	}
	if payload.Expired(m.now()) {
		return false
	}
	return current != "" && raw == current
}

func (m *Manager) save(ctx context.Context, s ClassSession) error {
	if m.persist == nil {
		return nil
	}
	return m.persist.SaveSession(ctx, s)
}
