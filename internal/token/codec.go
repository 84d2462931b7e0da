package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TTL is the fixed validity window for issued session tokens.
const TTL = 2 * time.Hour

// ErrMalformedPayload is returned by Decode for any structurally invalid
// token string. Callers should treat it as "not one of ours, keep scanning",
// not as a fatal condition.
var ErrMalformedPayload = errors.New("malformed token payload")

// Payload is the decoded content of a session token. It is transported as
// base64url-encoded compact JSON. The codec is tamper-evident only in the
// sense that garbage fails fast; the server re-validates every field against
// the session store before admitting anyone.
type Payload struct {
	SessionID  string    `json:"sessionId"`
	CourseID   string    `json:"courseId"`
	Room       string    `json:"room"`
	LecturerID string    `json:"lecturerId"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Nonce      string    `json:"nonce"`
}

// Issue builds a fresh payload for a session with the fixed TTL and a random
// nonce so tokens cannot be guessed or replayed across rotations.
func Issue(sessionID, courseID, room, lecturerID string, now time.Time) Payload {
	now = now.UTC()
	return Payload{
		SessionID:  sessionID,
		CourseID:   courseID,
		Room:       room,
		LecturerID: lecturerID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(TTL),
		Nonce:      uuid.NewString(),
	}
}

// Expired reports whether the payload's validity window has passed.
func (p Payload) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Encode serializes a payload to its transportable string form.
func Encode(p Payload) (string, error) {
	if p.SessionID == "" || p.CourseID == "" {
		return "", fmt.Errorf("encode: session and course ids required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a token string back into a payload. Any structural problem
// (bad base64, bad JSON, missing identity fields, zero timestamps) yields
// ErrMalformedPayload so callers can cheaply ignore stray scans.
func Decode(s string) (Payload, error) {
	if s == "" {
		return Payload{}, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.SessionID == "" || p.CourseID == "" || p.Nonce == "" {
		return Payload{}, fmt.Errorf("%w: missing identity fields", ErrMalformedPayload)
	}
	if p.IssuedAt.IsZero() || p.ExpiresAt.IsZero() || !p.ExpiresAt.After(p.IssuedAt) {
		return Payload{}, fmt.Errorf("%w: invalid validity window", ErrMalformedPayload)
	}
	return p, nil
}
