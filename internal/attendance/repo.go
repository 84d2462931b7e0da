package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository persists attendance data in Postgres. A unique index on
// (student_id, session_id) backs the same at-most-one-record invariant the
// in-memory store enforces, so a duplicate race that slips past the fast
// path still cannot produce a second row.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertRecord writes a new attendance record. Returns ErrDuplicateRecord
// when a row for the (student, session) pair already exists.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, student_id, session_id, course_id, status, verification_method,
			 check_in_time, is_verified, face_confidence, fraud_score,
			 device_info, location_info)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (student_id, session_id) DO NOTHING
		RETURNING created_at
	`, rec.ID, rec.StudentID, rec.SessionID, rec.CourseID, string(rec.Status),
		string(rec.Method), rec.CheckInTime, rec.IsVerified,
		rec.FaceConfidence, rec.FraudScore, rec.DeviceInfo, rec.LocationInfo)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// conflict path: the insert was skipped
			return Record{}, ErrDuplicateRecord
		}
		return Record{}, err
	}
	return rec, nil
}

// HasRecord reports whether a record exists for the pair.
func (r *Repository) HasRecord(ctx context.Context, studentID, sessionID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM attendance_records WHERE student_id = $1 AND session_id = $2
	`, studentID, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ListRecords returns records with basic filters, newest first.
func (r *Repository) ListRecords(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, student_id, session_id, course_id, status, verification_method,
		check_in_time, is_verified, face_confidence, fraud_score,
		device_info, location_info, created_at
		FROM attendance_records`
	args := []any{}
	clauses := []string{}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		clauses = append(clauses, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if f.StudentID != "" {
		args = append(args, f.StudentID)
		clauses = append(clauses, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if f.CourseID != "" {
		args = append(args, f.CourseID)
		clauses = append(clauses, fmt.Sprintf("course_id = $%d", len(args)))
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY check_in_time DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec            Record
			status, method string
			device, loc    sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.SessionID, &rec.CourseID,
			&status, &method, &rec.CheckInTime, &rec.IsVerified,
			&rec.FaceConfidence, &rec.FraudScore, &device, &loc, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Status = RecordStatus(status)
		rec.Method = Method(method)
		rec.DeviceInfo = device.String
		rec.LocationInfo = loc.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRecord returns one record by id.
func (r *Repository) GetRecord(ctx context.Context, id string) (Record, error) {
	var (
		rec            Record
		status, method string
		device, loc    sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, session_id, course_id, status, verification_method,
		       check_in_time, is_verified, face_confidence, fraud_score,
		       device_info, location_info, created_at
		FROM attendance_records WHERE id = $1
	`, id).Scan(&rec.ID, &rec.StudentID, &rec.SessionID, &rec.CourseID,
		&status, &method, &rec.CheckInTime, &rec.IsVerified,
		&rec.FaceConfidence, &rec.FraudScore, &device, &loc, &rec.CreatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.Status = RecordStatus(status)
	rec.Method = Method(method)
	rec.DeviceInfo = device.String
	rec.LocationInfo = loc.String
	return rec, nil
}

// Enrolled implements Enrollments against course_enrollments.
func (r *Repository) Enrolled(ctx context.Context, studentID, courseID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM course_enrollments WHERE student_id = $1 AND course_id = $2
	`, studentID, courseID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// RefreshAnalytics recomputes the attendance_analytics row for a session.
// Called by the worker on record-appended events; the table is read-only to
// everything else in this core.
func (r *Repository) RefreshAnalytics(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_analytics
			(session_id, total_records, present_count, late_count,
			 flagged_count, avg_fraud_score, updated_at)
		SELECT session_id,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'present'),
		       COUNT(*) FILTER (WHERE status = 'late'),
		       COUNT(*) FILTER (WHERE NOT is_verified),
		       COALESCE(AVG(fraud_score), 0),
		       NOW()
		FROM attendance_records
		WHERE session_id = $1
		GROUP BY session_id
		ON CONFLICT (session_id) DO UPDATE SET
			total_records   = EXCLUDED.total_records,
			present_count   = EXCLUDED.present_count,
			late_count      = EXCLUDED.late_count,
			flagged_count   = EXCLUDED.flagged_count,
			avg_fraud_score = EXCLUDED.avg_fraud_score,
			updated_at      = NOW()
	`, sessionID)
	return err
}

// MarkAbsentees inserts absent records for enrolled students with no record
// once a session completes. Runs in the worker; the conflict clause keeps
// the at-most-one-record invariant intact.
func (r *Repository) MarkAbsentees(ctx context.Context, sessionID, courseID string, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, student_id, session_id, course_id, status, verification_method,
			 check_in_time, is_verified)
		SELECT gen_random_uuid(), e.student_id, $1, $2, 'absent', 'manual', $3, TRUE
		FROM course_enrollments e
		WHERE e.course_id = $2
		ON CONFLICT (student_id, session_id) DO NOTHING
	`, sessionID, courseID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
