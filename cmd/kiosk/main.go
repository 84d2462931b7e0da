// Kiosk drives one verification flow against the API from a terminal. It is
// the development stand-in for the lecture-hall scanner: samples come from
// stdin lines instead of a camera, everything else is the real flow.
//
// Sample input per modality:
//
//	qr    <raw token text>
//	face  <confidence> <landmarks>
//	gps   <lat> <lng> <accuracy>
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"classattend/internal/attendance"
	"classattend/internal/checkin"
	"classattend/internal/config"
	"classattend/internal/eligibility"
	"classattend/internal/verify"
)

func main() {
	cfg := config.Load()

	apiBase := getenv("KIOSK_API_URL", "http://localhost:"+cfg.HTTPPort)
	bearer := os.Getenv("KIOSK_BEARER")
	studentID := os.Getenv("KIOSK_STUDENT_ID")
	modality := attendance.Modality(getenv("KIOSK_MODALITY", "qr"))
	sessionToken := os.Getenv("KIOSK_SESSION_TOKEN")

	if bearer == "" || studentID == "" {
		log.Fatal("KIOSK_BEARER and KIOSK_STUDENT_ID are required")
	}

	var detector verify.Detector
	switch modality {
	case attendance.ModalityQR:
		detector = verify.QRDetector{}
	case attendance.ModalityFace:
		detector = verify.FaceDetector{}
	case attendance.ModalityGPS:
		detector = verify.GPSDetector{MaxAccuracy: cfg.GPSAccuracyMax * 4}
	default:
		log.Fatalf("unknown modality %q", modality)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	registry := verify.NewRegistry()
	registry.Register(verify.Capability{
		Name:     "stdin",
		Modality: modality,
		Rank:     0,
		Open: func(ctx context.Context) (verify.Source, error) {
			return stdinSource(modality), nil
		},
	})

	hostname, _ := os.Hostname()
	machine := verify.NewMachine(verify.Config{
		StudentID:    studentID,
		SessionToken: sessionToken,
		DeviceInfo:   "kiosk/" + hostname,
		Dwell: verify.Dwell{
			MinSamples: cfg.DwellMinSamples,
			MinSpan:    cfg.DwellMinSpan,
			MaxIdle:    cfg.ScanIdleTimeout,
		},
		OnState: func(s verify.State) { log.Printf("state: %s", s) },
		OnTransient: func(r eligibility.Reason) {
			log.Printf("code expired, hold up the current one (%s)", r)
		},
	}, detector, &httpVerifier{base: apiBase, bearer: bearer}, registry)

	result, err := machine.Run(ctx)
	if err != nil {
		log.Fatalf("flow aborted: %v", err)
	}
	if !result.Admitted {
		log.Fatalf("rejected: %s", result.Reason)
	}
	log.Printf("marked %s for session %s (%s)", result.Record.Status, result.Record.SessionID, result.Record.Method)
}

// stdinSource feeds parsed stdin lines into the machine. EOF simply stops
// emitting; the machine's idle timeout closes the flow.
func stdinSource(modality attendance.Modality) verify.Source {
	src := verify.NewChanSource(8)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if s, ok := parseSample(modality, strings.TrimSpace(sc.Text())); ok {
				s.At = time.Now()
				src.Emit(s)
			}
		}
	}()
	return src
}

func parseSample(modality attendance.Modality, line string) (verify.Sample, bool) {
	if line == "" {
		return verify.Sample{}, false
	}
	switch modality {
	case attendance.ModalityFace:
		var conf float64
		var landmarks int
		if _, err := fmt.Sscanf(line, "%g %d", &conf, &landmarks); err != nil {
			return verify.Sample{}, false
		}
		return verify.Sample{Face: &attendance.FaceSignal{Confidence: conf, Landmarks: landmarks}}, true
	case attendance.ModalityGPS:
		var lat, lng, acc float64
		if _, err := fmt.Sscanf(line, "%g %g %g", &lat, &lng, &acc); err != nil {
			return verify.Sample{}, false
		}
		return verify.Sample{GPS: &attendance.GPSSignal{Lat: lat, Lng: lng, Accuracy: acc}}, true
	default:
		return verify.Sample{Text: line}, true
	}
}

// httpVerifier submits claims to POST /v1/claims and maps the response back
// to a typed result.
type httpVerifier struct {
	base   string
	bearer string
}

func (v *httpVerifier) Verify(ctx context.Context, claim attendance.Claim) (checkin.Result, error) {
	payload := map[string]any{
		"student_id":  claim.StudentID,
		"token":       claim.RawToken,
		"modality":    string(claim.Modality),
		"client_at":   claim.ClientAt,
		"device_info": claim.DeviceInfo,
	}
	if claim.Face != nil {
		payload["face"] = map[string]any{"confidence": claim.Face.Confidence, "landmarks": claim.Face.Landmarks}
	}
	if claim.GPS != nil {
		payload["gps"] = map[string]any{"lat": claim.GPS.Lat, "lng": claim.GPS.Lng, "accuracy": claim.GPS.Accuracy}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return checkin.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.base+"/v1/claims", bytes.NewReader(body))
	if err != nil {
		return checkin.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.bearer)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return checkin.Result{}, err
	}
	defer resp.Body.Close()

	var out struct {
		Admitted bool               `json:"admitted"`
		Reason   eligibility.Reason `json:"reason"`
		Record   *attendance.Record `json:"record"`
		Error    string             `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return checkin.Result{}, fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	if out.Admitted {
		return checkin.Result{Admitted: true, Record: out.Record}, nil
	}
	if out.Reason != "" {
		return checkin.Result{Reason: out.Reason}, nil
	}
	return checkin.Result{}, fmt.Errorf("claim failed (%s): %s", resp.Status, out.Error)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
