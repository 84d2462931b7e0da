// Package risk annotates admitted claims with a fraud score. It never blocks
// admission; blocking is a downstream review policy.
package risk

import (
	"context"
	"log"
	"math"
	"time"

	"classattend/internal/attendance"
	"classattend/internal/session"
	"classattend/internal/token"
)

// Config holds the scoring policy knobs.
type Config struct {
	// FaceConfidenceThreshold is the confidence below which face risk grows
	// linearly.
	FaceConfidenceThreshold float64
	// GPSAccuracyThreshold is the reported accuracy (meters) beyond which a
	// fix is considered untrustworthy.
	GPSAccuracyThreshold float64
	// SharingWindow bounds the token-sharing and proxy heuristics.
	SharingWindow time.Duration
	// ReviewThreshold is the fraud score at or above which a record is
	// flagged for review (is_verified=false).
	ReviewThreshold float64
}

// DefaultConfig matches the production policy values.
func DefaultConfig() Config {
	return Config{
		FaceConfidenceThreshold: 85,
		GPSAccuracyThreshold:    25,
		SharingWindow:           90 * time.Second,
		ReviewThreshold:         40,
	}
}

// Annotation is attached to an admitted claim.
type Annotation struct {
	FraudScore     float64
	FaceConfidence *float64
	Flagged        bool
}

// Scorer computes fraud scores from modality signals and the sliding window
// of recent claims.
type Scorer struct {
	cfg    Config
	window Window
	now    func() time.Time
}

// NewScorer creates a scorer over the given claim window.
func NewScorer(cfg Config, window Window) *Scorer {
	if cfg.FaceConfidenceThreshold <= 0 {
		cfg.FaceConfidenceThreshold = 85
	}
	if cfg.SharingWindow <= 0 {
		cfg.SharingWindow = 90 * time.Second
	}
	if cfg.GPSAccuracyThreshold <= 0 {
		cfg.GPSAccuracyThreshold = 25
	}
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = 40
	}
	return &Scorer{cfg: cfg, window: window, now: time.Now}
}

// Score annotates one admitted claim. The session comes from the eligibility
// decision so scoring only ever sees verification-time state. Window errors
// degrade to signal-only scoring; a broken Redis must not stop check-ins.
func (s *Scorer) Score(ctx context.Context, claim attendance.Claim, sess session.ClassSession) Annotation {
	now := s.now()
	since := now.Add(-s.cfg.SharingWindow)
	nonce := tokenNonce(claim.RawToken)

	if err := s.window.Observe(ctx, Observation{
		SessionID:  sess.ID,
		StudentID:  claim.StudentID,
		TokenNonce: nonce,
		At:         now,
	}); err != nil {
		log.Printf("risk: window observe failed: %v", err)
	}

	var score float64
	var ann Annotation

	switch claim.Modality {
	case attendance.ModalityFace:
		if claim.Face != nil {
			conf := claim.Face.Confidence
			ann.FaceConfidence = &conf
			if conf < s.cfg.FaceConfidenceThreshold {
				score += (s.cfg.FaceConfidenceThreshold - conf) * 100 / s.cfg.FaceConfidenceThreshold
			}
		}
		// multiple concurrent claims for the same student smell like a proxy
		n, err := s.window.StudentClaims(ctx, sess.ID, claim.StudentID, since)
		if err != nil {
			log.Printf("risk: student claim count failed: %v", err)
		} else if n > 1 {
			score += 40
		}

	case attendance.ModalityGPS:
		if claim.GPS != nil {
			if sess.Geofence != nil {
				dist := haversineMeters(claim.GPS.Lat, claim.GPS.Lng, sess.Geofence.Lat, sess.Geofence.Lng)
				if beyond := dist - sess.Geofence.RadiusM; beyond > 0 {
					score += math.Min(70, beyond/sess.Geofence.RadiusM*50)
				}
			}
			if claim.GPS.Accuracy > s.cfg.GPSAccuracyThreshold {
				score += math.Min(30, claim.GPS.Accuracy-s.cfg.GPSAccuracyThreshold)
			}
		}

	default: // qr
		n, err := s.window.DistinctStudentsForToken(ctx, sess.ID, nonce, since)
		if err != nil {
			log.Printf("risk: token sharing count failed: %v", err)
		} else if n > 2 {
			score += math.Min(100, float64(n-2)*25)
		}
	}

	ann.FraudScore = clamp(score)
	ann.Flagged = ann.FraudScore >= s.cfg.ReviewThreshold ||
		(ann.FaceConfidence != nil && *ann.FaceConfidence < s.cfg.FaceConfidenceThreshold)
	return ann
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func tokenNonce(raw string) string {
	p, err := token.Decode(raw)
	if err != nil {
		return ""
	}
	return p.Nonce
}

const earthRadiusM = 6371000

// haversineMeters is the great-circle distance between two coordinates.
func haversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
