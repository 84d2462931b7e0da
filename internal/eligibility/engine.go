// Package eligibility decides whether a presence claim is admitted. All four
// checks are server-authoritative; any client-side pre-check is UI sugar only.
package eligibility

import (
	"context"

	"classattend/internal/attendance"
	"classattend/internal/session"
	"classattend/internal/token"
)

// Reason is a typed rejection code. Callers use it to decide whether to keep
// scanning or abort the flow.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonInvalidOrExpiredToken Reason = "InvalidOrExpiredToken"
	ReasonSessionNotOpen        Reason = "SessionNotOpen"
	ReasonNotEnrolled           Reason = "NotEnrolled"
	ReasonAlreadyMarked         Reason = "AlreadyMarked"
)

// Transient reports whether a rejection is recoverable by rescanning.
// Rotation races and stray codes are; policy rejections are not.
func (r Reason) Transient() bool {
	return r == ReasonInvalidOrExpiredToken
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Admit   bool
	Reason  Reason
	Session session.ClassSession // populated on admit, for downstream scoring
}

// Duplicates answers "does a committed record already exist". The in-memory
// store and the Postgres repository both satisfy it.
type Duplicates interface {
	Exists(studentID, sessionID string) bool
}

// Engine runs the ordered admission checks.
type Engine struct {
	sessions    *session.Manager
	enrollments attendance.Enrollments
	records     Duplicates
}

// NewEngine wires the engine to its authoritative inputs.
func NewEngine(sessions *session.Manager, enrollments attendance.Enrollments, records Duplicates) *Engine {
	return &Engine{sessions: sessions, enrollments: enrollments, records: records}
}

// Evaluate runs the checks in order, short-circuiting on the first failure:
// session admissibility, token currency, enrollment, duplicate. The
// duplicate answer here is advisory; the store's atomic append re-checks it
// under the commit critical section.
func (e *Engine) Evaluate(ctx context.Context, claim attendance.Claim) (Decision, error) {
	payload, err := token.Decode(claim.RawToken)
	if err != nil {
		return Decision{Reason: ReasonInvalidOrExpiredToken}, nil
	}

	s, err := e.sessions.Get(payload.SessionID)
	if err != nil {
		return Decision{Reason: ReasonInvalidOrExpiredToken}, nil
	}
	// the status gate runs before token currency: End and Cancel clear the
	// current token, and a kept-around token against a closed session must
	// read as a non-retryable "session not open", not as a token failure
	// that keeps a scanner rescanning forever
	if !s.Open() {
		return Decision{Reason: ReasonSessionNotOpen}, nil
	}

	if !e.sessions.IsTokenCurrent(s.ID, claim.RawToken) {
		return Decision{Reason: ReasonInvalidOrExpiredToken}, nil
	}

	enrolled, err := e.enrollments.Enrolled(ctx, claim.StudentID, s.CourseID)
	if err != nil {
		return Decision{}, err
	}
	if !enrolled {
		return Decision{Reason: ReasonNotEnrolled}, nil
	}

	if e.records.Exists(claim.StudentID, s.ID) {
		return Decision{Reason: ReasonAlreadyMarked}, nil
	}

	return Decision{Admit: true, Session: s}, nil
}
