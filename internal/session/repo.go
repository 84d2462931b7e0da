package session

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository persists class sessions in Postgres. It implements Persister.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SaveSession upserts the full session row, including the current token.
func (r *Repository) SaveSession(ctx context.Context, s ClassSession) error {
	var lat, lng, radius sql.NullFloat64
	if s.Geofence != nil {
		lat = sql.NullFloat64{Float64: s.Geofence.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: s.Geofence.Lng, Valid: true}
		radius = sql.NullFloat64{Float64: s.Geofence.RadiusM, Valid: true}
	}
	var tokenExp sql.NullTime
	if !s.TokenExpiresAt.IsZero() {
		tokenExp = sql.NullTime{Time: s.TokenExpiresAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO class_sessions
			(id, course_id, room, lecturer_id, scheduled_start, scheduled_end,
			 status, geofence_lat, geofence_lng, geofence_radius_m,
			 current_token, token_expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_token = EXCLUDED.current_token,
			token_expires_at = EXCLUDED.token_expires_at,
			updated_at = NOW()
	`, s.ID, s.CourseID, s.Room, s.LecturerID, s.ScheduledStart, s.ScheduledEnd,
		string(s.Status), lat, lng, radius, nullStr(s.CurrentToken), tokenExp)
	return err
}

// GetSession loads one session row; returns (nil, nil) when absent.
func (r *Repository) GetSession(ctx context.Context, id string) (*ClassSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_id, room, lecturer_id, scheduled_start, scheduled_end,
		       status, geofence_lat, geofence_lng, geofence_radius_m,
		       current_token, token_expires_at
		FROM class_sessions WHERE id = $1
	`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListOpen returns sessions still able to admit claims, for warm-up on boot.
func (r *Repository) ListOpen(ctx context.Context) ([]ClassSession, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, course_id, room, lecturer_id, scheduled_start, scheduled_end,
		       status, geofence_lat, geofence_lng, geofence_radius_m,
		       current_token, token_expires_at
		FROM class_sessions
		WHERE status IN ('scheduled', 'active')
		ORDER BY scheduled_start
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ClassSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*ClassSession, error) {
	var (
		s                time.Time
		e                time.Time
		status           string
		lat, lng, radius sql.NullFloat64
		tok              sql.NullString
		tokenExp         sql.NullTime
		out              ClassSession
	)
	if err := row.Scan(&out.ID, &out.CourseID, &out.Room, &out.LecturerID,
		&s, &e, &status, &lat, &lng, &radius, &tok, &tokenExp); err != nil {
		return nil, err
	}
	out.ScheduledStart = s
	out.ScheduledEnd = e
	out.Status = Status(status)
	if lat.Valid && lng.Valid && radius.Valid {
		out.Geofence = &Geofence{Lat: lat.Float64, Lng: lng.Float64, RadiusM: radius.Float64}
	}
	out.CurrentToken = tok.String
	if tokenExp.Valid {
		out.TokenExpiresAt = tokenExp.Time
	}
	return &out, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
