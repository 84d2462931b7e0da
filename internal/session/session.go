package session

import "time"

// Status is the lifecycle state of a class session.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Geofence is the allowed radius around a session's registered location for
// GPS-based claims.
type Geofence struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	RadiusM float64 `json:"radius_m"`
}

// ClassSession is one scheduled class meeting instance. Status transitions
// are owned exclusively by the Manager; everyone else reads.
type ClassSession struct {
	ID             string    `json:"id"`
	CourseID       string    `json:"course_id"`
	Room           string    `json:"room"`
	LecturerID     string    `json:"lecturer_id"`
	ScheduledStart time.Time `json:"scheduled_start"`
	ScheduledEnd   time.Time `json:"scheduled_end"`
	Status         Status    `json:"status"`
	Geofence       *Geofence `json:"geofence,omitempty"`

	// CurrentToken is the raw encoded form of the one token that currently
	// admits claims; empty before start and after end/cancel.
	CurrentToken   string    `json:"current_token,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`
}

// Open reports whether the session can still admit claims.
func (s *ClassSession) Open() bool {
	return s.Status == StatusScheduled || s.Status == StatusActive
}
