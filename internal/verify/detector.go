package verify

import (
	"fmt"

	"classattend/internal/attendance"
	"classattend/internal/token"
)

// Candidate is a locally detected signal worth verifying. Key identifies
// the signal across consecutive samples so the dwell debounce can tell
// "same code held steady" from "different code each frame".
type Candidate struct {
	Key      string
	RawToken string
	Face     *attendance.FaceSignal
	GPS      *attendance.GPSSignal
}

// Detector runs the client-side detection step of one modality. A false
// return swallows the sample: bad frames and weak fixes drive a silent
// retry inside the machine, never an error.
type Detector interface {
	Modality() attendance.Modality
	Detect(s Sample) (Candidate, bool)
}

// QRDetector flags frames whose decoded text is a structurally valid session
// token. Stray codes in frame fail Decode cheaply and are ignored.
type QRDetector struct{}

// Modality implements Detector.
func (QRDetector) Modality() attendance.Modality { return attendance.ModalityQR }

// Detect implements Detector.
func (QRDetector) Detect(s Sample) (Candidate, bool) {
	if s.Text == "" {
		return Candidate{}, false
	}
	if _, err := token.Decode(s.Text); err != nil {
		return Candidate{}, false
	}
	return Candidate{Key: s.Text, RawToken: s.Text}, true
}

// FaceDetector flags frames with a plausible face: enough landmarks for the
// downstream matcher to work with. Confidence is carried through untouched;
// scoring it is the risk engine's job.
type FaceDetector struct {
	// MinLandmarks below which a frame is treated as face-free noise.
	MinLandmarks int
}

// Modality implements Detector.
func (FaceDetector) Modality() attendance.Modality { return attendance.ModalityFace }

// Detect implements Detector.
func (d FaceDetector) Detect(s Sample) (Candidate, bool) {
	min := d.MinLandmarks
	if min <= 0 {
		min = 5
	}
	if s.Face == nil || s.Face.Landmarks < min {
		return Candidate{}, false
	}
	return Candidate{Key: "face", Face: s.Face}, true
}

// GPSDetector flags location fixes accurate enough to be worth submitting.
// MaxAccuracy is a sanity cut only; a fix that passes it can still score
// high risk server-side.
type GPSDetector struct {
	MaxAccuracy float64
}

// Modality implements Detector.
func (GPSDetector) Modality() attendance.Modality { return attendance.ModalityGPS }

// Detect implements Detector.
func (d GPSDetector) Detect(s Sample) (Candidate, bool) {
	max := d.MaxAccuracy
	if max <= 0 {
		max = 100
	}
	if s.GPS == nil || s.GPS.Accuracy <= 0 || s.GPS.Accuracy > max {
		return Candidate{}, false
	}
	// quantize so successive fixes of one stationary phone count as the
	// same candidate for dwell purposes
	key := fmt.Sprintf("gps:%.4f:%.4f", s.GPS.Lat, s.GPS.Lng)
	return Candidate{Key: key, GPS: s.GPS}, true
}
