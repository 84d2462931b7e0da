package token

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	p := Issue("CS301-2024-01-15", "CS301", "B204", "lect-9", now)

	if got := p.ExpiresAt.Sub(p.IssuedAt); got != TTL {
		t.Fatalf("validity window = %v, want %v", got, TTL)
	}

	s, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(s)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != p {
		t.Errorf("round trip mismatch: got %+v want %+v", out, p)
	}
}

func TestIssueNonceUnique(t *testing.T) {
	now := time.Now()
	a := Issue("s1", "c1", "r", "l", now)
	b := Issue("s1", "c1", "r", "l", now)
	if a.Nonce == b.Nonce {
		t.Error("two issued tokens share a nonce")
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid := Issue("s1", "c1", "room", "l1", time.Now())
	noNonce := valid
	noNonce.Nonce = ""

	encode := func(p Payload) string {
		s, err := Encode(p)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		return s
	}

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not base64", "%%%not-base64%%%"},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("hello"))},
		{"json but wrong shape", base64.RawURLEncoding.EncodeToString([]byte(`[1,2,3]`))},
		{"missing nonce", encode(noNonce)},
		{"zero timestamps", base64.RawURLEncoding.EncodeToString(
			[]byte(`{"sessionId":"s","courseId":"c","nonce":"n"}`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.input)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("Decode(%q) err = %v, want ErrMalformedPayload", tt.input, err)
			}
		})
	}
}

func TestExpired(t *testing.T) {
	now := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	p := Issue("s1", "c1", "room", "l1", now)
	if p.Expired(now.Add(time.Hour)) {
		t.Error("token expired inside its window")
	}
	if !p.Expired(now.Add(TTL)) {
		t.Error("token still valid at the expiry instant")
	}
}
