// Package checkin ties the admission pipeline together: eligibility, risk
// annotation, the atomic record commit, and fan-out to dashboards and the
// analytics worker.
package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"classattend/internal/attendance"
	"classattend/internal/eligibility"
	"classattend/internal/queue"
	"classattend/internal/risk"
	"classattend/internal/session"
)

// Result is the typed outcome of one verification attempt. Reason is set
// only on rejection; Record only on admission.
type Result struct {
	Admitted bool
	Reason   eligibility.Reason
	Record   *attendance.Record
}

// Recorder is the optional durable write-through behind the in-memory store.
type Recorder interface {
	InsertRecord(ctx context.Context, rec attendance.Record) (attendance.Record, error)
}

// Service coordinates claim verification and record commits.
type Service struct {
	engine    *eligibility.Engine
	scorer    *risk.Scorer
	store     *attendance.Store
	recorder  Recorder    // may be nil in memory-only mode
	q         queue.Queue // may be nil; worker fan-out only
	lateGrace time.Duration
	now       func() time.Time
}

// NewService wires the pipeline. lateGrace is how long after scheduled start
// a check-in still counts as present rather than late.
func NewService(engine *eligibility.Engine, scorer *risk.Scorer, store *attendance.Store,
	recorder Recorder, q queue.Queue, lateGrace time.Duration) *Service {
	if lateGrace <= 0 {
		lateGrace = 15 * time.Minute
	}
	return &Service{
		engine:    engine,
		scorer:    scorer,
		store:     store,
		recorder:  recorder,
		q:         q,
		lateGrace: lateGrace,
		now:       time.Now,
	}
}

// Verify adjudicates one claim end to end. The risk annotation never blocks
// admission; it only marks the record for review. Commit and cancellation
// are exclusive: once ctx is cancelled, no record is committed.
func (s *Service) Verify(ctx context.Context, claim attendance.Claim) (Result, error) {
	decision, err := s.engine.Evaluate(ctx, claim)
	if err != nil {
		return Result{}, err
	}
	if !decision.Admit {
		return Result{Reason: decision.Reason}, nil
	}

	ann := s.scorer.Score(ctx, claim, decision.Session)

	// last cancellation point before the commit
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	rec := s.buildRecord(claim, decision.Session, ann)
	committed, err := s.store.Append(rec)
	if errors.Is(err, attendance.ErrDuplicateRecord) {
		// lost the commit race; exactly one claim wins
		return Result{Reason: eligibility.ReasonAlreadyMarked}, nil
	}
	if err != nil {
		return Result{}, err
	}

	s.persist(ctx, committed)
	s.announce(ctx, committed)
	return Result{Admitted: true, Record: &committed}, nil
}

// ManualMark records a lecturer-entered attendance record. It bypasses
// modality signals and token checks but never the duplicate invariant.
func (s *Service) ManualMark(ctx context.Context, sess session.ClassSession, studentID string, status attendance.RecordStatus) (Result, error) {
	if sess.Status == session.StatusCancelled {
		return Result{Reason: eligibility.ReasonSessionNotOpen}, nil
	}
	if status == "" {
		status = attendance.StatusPresent
	}
	rec := attendance.Record{
		StudentID:   studentID,
		SessionID:   sess.ID,
		CourseID:    sess.CourseID,
		Status:      status,
		Method:      attendance.MethodManual,
		CheckInTime: s.now().UTC(),
		IsVerified:  true,
	}
	committed, err := s.store.Append(rec)
	if errors.Is(err, attendance.ErrDuplicateRecord) {
		return Result{Reason: eligibility.ReasonAlreadyMarked}, nil
	}
	if err != nil {
		return Result{}, err
	}
	s.persist(ctx, committed)
	s.announce(ctx, committed)
	return Result{Admitted: true, Record: &committed}, nil
}

func (s *Service) buildRecord(claim attendance.Claim, sess session.ClassSession, ann risk.Annotation) attendance.Record {
	checkIn := claim.ClientAt
	if checkIn.IsZero() {
		checkIn = s.now()
	}
	checkIn = checkIn.UTC()

	status := attendance.StatusPresent
	if !sess.ScheduledStart.IsZero() && checkIn.After(sess.ScheduledStart.Add(s.lateGrace)) {
		status = attendance.StatusLate
	}

	fraud := ann.FraudScore
	rec := attendance.Record{
		StudentID:      claim.StudentID,
		SessionID:      sess.ID,
		CourseID:       sess.CourseID,
		Status:         status,
		Method:         attendance.MethodFor(claim.Modality),
		CheckInTime:    checkIn,
		IsVerified:     !ann.Flagged,
		FaceConfidence: ann.FaceConfidence,
		FraudScore:     &fraud,
		DeviceInfo:     claim.DeviceInfo,
	}
	if claim.GPS != nil {
		loc, _ := json.Marshal(claim.GPS)
		rec.LocationInfo = string(loc)
	}
	return rec
}

// persist writes through to Postgres. The in-memory store already holds the
// committed record, so a duplicate here is a contract violation worth a log
// line, not a user-facing failure.
func (s *Service) persist(ctx context.Context, rec attendance.Record) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.InsertRecord(ctx, rec); err != nil {
		if errors.Is(err, attendance.ErrDuplicateRecord) {
			log.Printf("checkin: store/db divergence on %s/%s: %v", rec.StudentID, rec.SessionID, err)
			return
		}
		log.Printf("checkin: durable write failed for record %s: %v", rec.ID, err)
	}
}

func (s *Service) announce(ctx context.Context, rec attendance.Record) {
	if s.q == nil {
		return
	}
	body, _ := json.Marshal(attendance.Event{
		Type:      attendance.EventRecordAppended,
		RecordID:  rec.ID,
		SessionID: rec.SessionID,
		StudentID: rec.StudentID,
		At:        rec.CreatedAt,
	})
	if err := s.q.Publish(ctx, queue.Message{Type: attendance.EventRecordAppended, Body: body}); err != nil {
		log.Printf("checkin: queue publish failed: %v", err)
	}
}
