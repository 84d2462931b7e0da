package attendance

import "time"

// RecordStatus classifies the attendance outcome.
type RecordStatus string

const (
	StatusPresent RecordStatus = "present"
	StatusAbsent  RecordStatus = "absent"
	StatusLate    RecordStatus = "late"
)

// Method is how presence was verified.
type Method string

const (
	MethodQRCode Method = "qr_code"
	MethodFace   Method = "facial_recognition"
	MethodGPS    Method = "gps"
	MethodManual Method = "manual"
)

// Record is one committed attendance record. Created exactly once per
// (student, session); never mutated afterwards except for out-of-scope
// human review.
type Record struct {
	ID             string       `json:"id"`
	StudentID      string       `json:"student_id"`
	SessionID      string       `json:"session_id"`
	CourseID       string       `json:"course_id"`
	Status         RecordStatus `json:"status"`
	Method         Method       `json:"method"`
	CheckInTime    time.Time    `json:"check_in_time"`
	IsVerified     bool         `json:"is_verified"`
	FaceConfidence *float64     `json:"face_confidence,omitempty"`
	FraudScore     *float64     `json:"fraud_score,omitempty"`
	DeviceInfo     string       `json:"device_info,omitempty"`
	LocationInfo   string       `json:"location_info,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	SessionID string
	StudentID string
	CourseID  string
	Limit     int
}

// Event is a lightweight notification fanned out after an append or a
// session lifecycle change. Delivery is best-effort; consumers reconcile
// via List.
type Event struct {
	Type      string    `json:"type"`
	RecordID  string    `json:"record_id,omitempty"`
	SessionID string    `json:"session_id"`
	CourseID  string    `json:"course_id,omitempty"`
	StudentID string    `json:"student_id,omitempty"`
	At        time.Time `json:"at"`
}

// Event types carried over the worker queue.
const (
	EventRecordAppended = "record.appended"
	EventSessionEnded   = "session.ended"
)
