package attendance

import "time"

// Modality is the channel through which a presence claim arrives.
type Modality string

const (
	ModalityQR   Modality = "qr"
	ModalityFace Modality = "face"
	ModalityGPS  Modality = "gps"
)

// Claim is one attempt by a student to prove presence. It is ephemeral:
// it lives for the duration of a single verification attempt and is never
// persisted as-is.
type Claim struct {
	StudentID string
	RawToken  string
	Modality  Modality
	ClientAt  time.Time

	// modality signal, exactly one populated
	Face *FaceSignal
	GPS  *GPSSignal

	DeviceInfo string
}

// FaceSignal is the opaque capability output of face capture: a confidence
// score in [0,100] and the landmark count the detector saw.
type FaceSignal struct {
	Confidence float64
	Landmarks  int
}

// GPSSignal is a geolocation fix. Accuracy is the reported error radius in
// meters; larger is worse.
type GPSSignal struct {
	Lat      float64
	Lng      float64
	Accuracy float64
}

// MethodFor maps a claim modality to the record verification method.
func MethodFor(m Modality) Method {
	switch m {
	case ModalityFace:
		return MethodFace
	case ModalityGPS:
		return MethodGPS
	default:
		return MethodQRCode
	}
}
