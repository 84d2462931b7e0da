package checkin

import (
	"context"
	"sync"
	"testing"
	"time"

	"classattend/internal/attendance"
	"classattend/internal/eligibility"
	"classattend/internal/queue"
	"classattend/internal/risk"
	"classattend/internal/session"
)

type env struct {
	mgr   *session.Manager
	store *attendance.Store
	enr   *attendance.MemEnrollments
	q     *queue.InMemory
	svc   *Service
	sess  session.ClassSession
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mgr := session.NewManager(nil)
	sess, err := mgr.Create(context.Background(), session.ClassSession{
		ID:             "CS301-2024-01-15",
		CourseID:       "CS301",
		Room:           "B204",
		LecturerID:     "lect-9",
		ScheduledStart: time.Now().Add(-5 * time.Minute),
		ScheduledEnd:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	store := attendance.NewStore()
	enr := attendance.NewMemEnrollments()
	enr.Add("20230001", "CS301")
	enr.Add("20230002", "CS301")
	enr.Add("20230003", "CS301")

	engine := eligibility.NewEngine(mgr, enr, store)
	scorer := risk.NewScorer(risk.DefaultConfig(), risk.NewMemWindow(2*time.Minute))
	q := queue.NewInMemory(64)
	svc := NewService(engine, scorer, store, nil, q, 15*time.Minute)

	return &env{mgr: mgr, store: store, enr: enr, q: q, svc: svc, sess: sess}
}

func (e *env) startSession(t *testing.T) string {
	t.Helper()
	s, err := e.mgr.Start(context.Background(), e.sess.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s.CurrentToken
}

func qrClaim(student, raw string) attendance.Claim {
	return attendance.Claim{
		StudentID: student,
		RawToken:  raw,
		Modality:  attendance.ModalityQR,
		ClientAt:  time.Now(),
	}
}

// Scenario 1: enrolled student scans the current token -> admitted, record
// with method qr_code and status present.
func TestVerifyAdmitsQRClaim(t *testing.T) {
	e := newEnv(t)
	tok := e.startSession(t)

	res, err := e.svc.Verify(context.Background(), qrClaim("20230001", tok))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Admitted || res.Record == nil {
		t.Fatalf("result = %+v, want admitted with record", res)
	}
	rec := *res.Record
	if rec.Method != attendance.MethodQRCode || rec.Status != attendance.StatusPresent {
		t.Errorf("record = method %s status %s", rec.Method, rec.Status)
	}
	if !rec.IsVerified {
		t.Error("clean QR admit should be verified")
	}
	if rec.SessionID != e.sess.ID || rec.CourseID != "CS301" {
		t.Errorf("record identity wrong: %+v", rec)
	}
}

// Scenario 2: resubmission -> AlreadyMarked, still exactly one record.
func TestVerifyRejectsResubmission(t *testing.T) {
	e := newEnv(t)
	tok := e.startSession(t)
	ctx := context.Background()

	if _, err := e.svc.Verify(ctx, qrClaim("20230001", tok)); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	res, err := e.svc.Verify(ctx, qrClaim("20230001", tok))
	if err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	if res.Admitted || res.Reason != eligibility.ReasonAlreadyMarked {
		t.Fatalf("result = %+v, want AlreadyMarked", res)
	}
	if got := len(e.store.List(attendance.Filter{SessionID: e.sess.ID})); got != 1 {
		t.Errorf("store holds %d records, want 1", got)
	}
}

// Scenario 3: a rotated-away token is rejected even before its expiry.
func TestVerifyRejectsStaleTokenAfterRotation(t *testing.T) {
	e := newEnv(t)
	t1 := e.startSession(t)
	ctx := context.Background()
	if _, err := e.mgr.RegenerateToken(ctx, e.sess.ID); err != nil {
		t.Fatalf("RegenerateToken: %v", err)
	}

	res, err := e.svc.Verify(ctx, qrClaim("20230003", t1))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Reason != eligibility.ReasonInvalidOrExpiredToken {
		t.Errorf("reason = %s, want InvalidOrExpiredToken", res.Reason)
	}
}

// Scenario 4: fresh token, unenrolled student -> NotEnrolled.
func TestVerifyRejectsUnenrolled(t *testing.T) {
	e := newEnv(t)
	tok := e.startSession(t)
	res, err := e.svc.Verify(context.Background(), qrClaim("99999999", tok))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Reason != eligibility.ReasonNotEnrolled {
		t.Errorf("reason = %s, want NotEnrolled", res.Reason)
	}
}

// Scenario 5: low face confidence -> admitted but flagged, record keeps the
// confidence and an elevated fraud score.
func TestVerifyFlagsLowFaceConfidence(t *testing.T) {
	e := newEnv(t)
	tok := e.startSession(t)

	claim := attendance.Claim{
		StudentID: "20230001",
		RawToken:  tok,
		Modality:  attendance.ModalityFace,
		ClientAt:  time.Now(),
		Face:      &attendance.FaceSignal{Confidence: 62, Landmarks: 68},
	}
	res, err := e.svc.Verify(context.Background(), claim)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Admitted {
		t.Fatalf("low confidence must not block admission: %+v", res)
	}
	rec := *res.Record
	if rec.Method != attendance.MethodFace {
		t.Errorf("method = %s, want facial_recognition", rec.Method)
	}
	if rec.IsVerified {
		t.Error("flagged record must have is_verified=false")
	}
	if rec.FaceConfidence == nil || *rec.FaceConfidence != 62 {
		t.Errorf("face confidence = %v, want 62", rec.FaceConfidence)
	}
	if rec.FraudScore == nil || *rec.FraudScore <= 0 {
		t.Errorf("fraud score = %v, want elevated", rec.FraudScore)
	}
}

// Scenario 6: GPS fix outside the geofence -> high fraud score, flagged,
// still admitted.
func TestVerifyFlagsOutOfFenceGPS(t *testing.T) {
	e := newEnv(t)
	e.mgr.Load(session.ClassSession{
		ID:         "geo-sess",
		CourseID:   "CS301",
		LecturerID: "lect-9",
		Status:     session.StatusScheduled,
		Geofence:   &session.Geofence{Lat: 40.0, Lng: -75.0, RadiusM: 50},
	})
	s, err := e.mgr.Start(context.Background(), "geo-sess")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	claim := attendance.Claim{
		StudentID: "20230001",
		RawToken:  s.CurrentToken,
		Modality:  attendance.ModalityGPS,
		ClientAt:  time.Now(),
		GPS:       &attendance.GPSSignal{Lat: 40.00108, Lng: -75.0, Accuracy: 40},
	}
	res, err := e.svc.Verify(context.Background(), claim)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Admitted {
		t.Fatal("scorer must never block admission")
	}
	rec := *res.Record
	if rec.IsVerified {
		t.Error("out-of-fence GPS record must be flagged")
	}
	if rec.FraudScore == nil || *rec.FraudScore < 40 {
		t.Errorf("fraud score = %v, want high", rec.FraudScore)
	}
	if rec.LocationInfo == "" {
		t.Error("GPS claim should carry location metadata")
	}
}

func TestVerifyMarksLateAfterGrace(t *testing.T) {
	e := newEnv(t)
	e.mgr.Load(session.ClassSession{
		ID:             "late-sess",
		CourseID:       "CS301",
		LecturerID:     "lect-9",
		Status:         session.StatusScheduled,
		ScheduledStart: time.Now().Add(-time.Hour),
		ScheduledEnd:   time.Now().Add(time.Hour),
	})
	s, err := e.mgr.Start(context.Background(), "late-sess")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := e.svc.Verify(context.Background(), qrClaim("20230001", s.CurrentToken))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Admitted || res.Record.Status != attendance.StatusLate {
		t.Errorf("result = %+v, want admitted late", res)
	}
}

// Concurrent claims from two modalities for one student: the duplicate
// check at commit guarantees exactly one winner.
func TestConcurrentClaimsOneWinner(t *testing.T) {
	e := newEnv(t)
	tok := e.startSession(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claim := qrClaim("20230001", tok)
			if i%2 == 1 {
				claim.Modality = attendance.ModalityFace
				claim.Face = &attendance.FaceSignal{Confidence: 95, Landmarks: 68}
			}
			res, err := e.svc.Verify(ctx, claim)
			if err != nil {
				t.Errorf("Verify: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	admits, alreadyMarked := 0, 0
	for _, r := range results {
		if r.Admitted {
			admits++
		} else if r.Reason == eligibility.ReasonAlreadyMarked {
			alreadyMarked++
		}
	}
	if admits != 1 || alreadyMarked != n-1 {
		t.Fatalf("admits=%d alreadyMarked=%d, want 1 and %d", admits, alreadyMarked, n-1)
	}
	if got := len(e.store.List(attendance.Filter{StudentID: "20230001"})); got != 1 {
		t.Fatalf("store holds %d records, want 1", got)
	}
}

// memRecorder stands in for the durable repository, capturing committed
// records and enforcing the same duplicate contract.
type memRecorder struct {
	mu   sync.Mutex
	recs []attendance.Record
}

func (m *memRecorder) InsertRecord(_ context.Context, rec attendance.Record) (attendance.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.StudentID == rec.StudentID && r.SessionID == rec.SessionID {
			return attendance.Record{}, attendance.ErrDuplicateRecord
		}
	}
	m.recs = append(m.recs, rec)
	return rec, nil
}

func (m *memRecorder) list() []attendance.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]attendance.Record(nil), m.recs...)
}

// A restart empties the in-memory store while the durable rows survive.
// Boot seeds the fresh store from those rows, so a student who checked in
// before the restart is rejected as AlreadyMarked, not re-admitted.
func TestRestartRebuildsDuplicateAuthority(t *testing.T) {
	ctx := context.Background()
	mgr := session.NewManager(nil)
	sess, err := mgr.Create(ctx, session.ClassSession{
		ID:         "restart-sess",
		CourseID:   "CS301",
		LecturerID: "lect-9",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	started, err := mgr.Start(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	enr := attendance.NewMemEnrollments()
	enr.Add("20230001", "CS301")
	durable := &memRecorder{}
	scorer := risk.NewScorer(risk.DefaultConfig(), risk.NewMemWindow(2*time.Minute))

	store1 := attendance.NewStore()
	svc1 := NewService(eligibility.NewEngine(mgr, enr, store1), scorer, store1, durable, nil, 15*time.Minute)
	res, err := svc1.Verify(ctx, qrClaim("20230001", started.CurrentToken))
	if err != nil || !res.Admitted {
		t.Fatalf("first Verify = %+v, %v, want admitted", res, err)
	}

	// restart: fresh store rebuilt from the durable rows
	store2 := attendance.NewStore()
	for _, rec := range durable.list() {
		if err := store2.Seed(rec); err != nil {
			t.Fatalf("Seed: %v", err)
		}
	}
	svc2 := NewService(eligibility.NewEngine(mgr, enr, store2), scorer, store2, durable, nil, 15*time.Minute)

	again, err := svc2.Verify(ctx, qrClaim("20230001", started.CurrentToken))
	if err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	if again.Admitted || again.Reason != eligibility.ReasonAlreadyMarked {
		t.Fatalf("post-restart result = %+v, want AlreadyMarked", again)
	}
	if got := len(store2.List(attendance.Filter{SessionID: sess.ID})); got != 1 {
		t.Fatalf("store holds %d records, want 1", got)
	}
	if got := len(durable.list()); got != 1 {
		t.Fatalf("durable store holds %d records, want 1", got)
	}
}

func TestVerifyCancelledBeforeCommit(t *testing.T) {
	e := newEnv(t)
	tok := e.startSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.svc.Verify(ctx, qrClaim("20230001", tok)); err == nil {
		t.Fatal("cancelled Verify returned no error")
	}
	if got := len(e.store.List(attendance.Filter{})); got != 0 {
		t.Fatalf("cancelled verify committed %d records", got)
	}
}

func TestVerifyPublishesEvent(t *testing.T) {
	e := newEnv(t)
	tok := e.startSession(t)
	ctx := context.Background()

	msgs, err := e.q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	res, err := e.svc.Verify(ctx, qrClaim("20230001", tok))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Type != attendance.EventRecordAppended {
			t.Errorf("message type = %s", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no queue message published")
	}
	_ = res
}

func TestManualMark(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess, _ := e.mgr.Get(e.sess.ID)

	res, err := e.svc.ManualMark(ctx, sess, "20230002", attendance.StatusPresent)
	if err != nil {
		t.Fatalf("ManualMark: %v", err)
	}
	if !res.Admitted || res.Record.Method != attendance.MethodManual {
		t.Fatalf("result = %+v, want manual record", res)
	}

	// manual marks still respect the duplicate invariant
	dup, err := e.svc.ManualMark(ctx, sess, "20230002", attendance.StatusPresent)
	if err != nil {
		t.Fatalf("second ManualMark: %v", err)
	}
	if dup.Admitted || dup.Reason != eligibility.ReasonAlreadyMarked {
		t.Errorf("duplicate manual mark = %+v, want AlreadyMarked", dup)
	}

	// and never touch a cancelled session
	cancelled, _ := e.mgr.Cancel(ctx, e.sess.ID)
	blocked, err := e.svc.ManualMark(ctx, cancelled, "20230003", attendance.StatusPresent)
	if err != nil {
		t.Fatalf("ManualMark on cancelled: %v", err)
	}
	if blocked.Admitted || blocked.Reason != eligibility.ReasonSessionNotOpen {
		t.Errorf("manual mark on cancelled session = %+v, want SessionNotOpen", blocked)
	}
}
