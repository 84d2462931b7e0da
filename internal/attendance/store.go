package attendance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateRecord means a record for the (student, session) pair already
// exists. A duplicate detected at commit time is surfaced to callers as an
// AlreadyMarked rejection, never as a second successful record.
var ErrDuplicateRecord = errors.New("attendance record already exists for student and session")

// Store is the append-mostly attendance record store consumed by every
// dashboard. Append performs the duplicate check and the insert under one
// critical section per (student, session) key, which is what makes the
// at-most-one-record invariant hold under concurrent claims.
type Store struct {
	mu      sync.RWMutex
	records []Record
	byKey   map[recordKey]int

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

type recordKey struct {
	studentID string
	sessionID string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byKey: make(map[recordKey]int),
		subs:  make(map[int]chan Event),
	}
}

// Append commits a record if none exists for its (student, session) pair.
// Returns ErrDuplicateRecord otherwise. On success the record (with id and
// created-at filled in) is returned and an event is fanned out.
func (s *Store) Append(rec Record) (Record, error) {
	if rec.StudentID == "" || rec.SessionID == "" {
		return Record{}, errors.New("student and session ids required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CheckInTime.IsZero() {
		rec.CheckInTime = time.Now().UTC()
	}
	rec.CreatedAt = time.Now().UTC()

	key := recordKey{rec.StudentID, rec.SessionID}

	s.mu.Lock()
	if _, dup := s.byKey[key]; dup {
		s.mu.Unlock()
		return Record{}, ErrDuplicateRecord
	}
	s.byKey[key] = len(s.records)
	s.records = append(s.records, rec)
	s.mu.Unlock()

	s.publish(Event{
		Type:      EventRecordAppended,
		RecordID:  rec.ID,
		SessionID: rec.SessionID,
		StudentID: rec.StudentID,
		At:        rec.CreatedAt,
	})
	return rec, nil
}

// Seed inserts an already-committed record without assigning identity or
// fanning out events. Used at boot to rebuild the duplicate authority from
// durable storage, so a restart mid-session cannot re-admit a student whose
// record only survives in Postgres.
func (s *Store) Seed(rec Record) error {
	if rec.StudentID == "" || rec.SessionID == "" {
		return errors.New("student and session ids required")
	}
	key := recordKey{rec.StudentID, rec.SessionID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byKey[key]; dup {
		return ErrDuplicateRecord
	}
	s.byKey[key] = len(s.records)
	s.records = append(s.records, rec)
	return nil
}

// Get returns the record for a (student, session) pair, if any.
func (s *Store) Get(studentID, sessionID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byKey[recordKey{studentID, sessionID}]
	if !ok {
		return Record{}, false
	}
	return s.records[idx], true
}

// Exists reports whether a record is already committed for the pair.
func (s *Store) Exists(studentID, sessionID string) bool {
	_, ok := s.Get(studentID, sessionID)
	return ok
}

// GetByID returns a record by its id.
func (s *Store) GetByID(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.ID == id {
			return rec, true
		}
	}
	return Record{}, false
}

// List returns a snapshot of records matching the filter, newest first.
// All appends that completed before the call are visible; no partial
// records ever are.
func (s *Store) List(f Filter) []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if f.SessionID != "" && rec.SessionID != f.SessionID {
			continue
		}
		if f.StudentID != "" && rec.StudentID != f.StudentID {
			continue
		}
		if f.CourseID != "" && rec.CourseID != f.CourseID {
			continue
		}
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CheckInTime.After(out[j].CheckInTime) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Subscribe registers an event consumer. The returned cancel func must be
// called to release the subscription. Events are dropped rather than
// blocking a slow consumer.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) publish(evt Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default: // consumer is behind; it reconciles via List
		}
	}
}

// Enrollments is a read-only (student, course) membership set. The engine
// only ever asks "is this pair present"; course management owns the data.
type Enrollments interface {
	Enrolled(ctx context.Context, studentID, courseID string) (bool, error)
}

// MemEnrollments is an in-memory Enrollments for dev mode and tests.
type MemEnrollments struct {
	mu    sync.RWMutex
	pairs map[[2]string]struct{}
}

// NewMemEnrollments builds the set from (student, course) pairs.
func NewMemEnrollments() *MemEnrollments {
	return &MemEnrollments{pairs: make(map[[2]string]struct{})}
}

// Add enrolls a student in a course.
func (m *MemEnrollments) Add(studentID, courseID string) {
	m.mu.Lock()
	m.pairs[[2]string{studentID, courseID}] = struct{}{}
	m.mu.Unlock()
}

// Enrolled implements Enrollments.
func (m *MemEnrollments) Enrolled(_ context.Context, studentID, courseID string) (bool, error) {
	m.mu.RLock()
	_, ok := m.pairs[[2]string{studentID, courseID}]
	m.mu.RUnlock()
	return ok, nil
}
