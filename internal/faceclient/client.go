// Package faceclient talks to the face-matching microservice. The matcher
// itself is opaque to this core: all we consume is a confidence score in
// [0,100] and the landmark count behind it.
package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ScoreResult is the capability output for one capture.
type ScoreResult struct {
	Confidence    float64 `json:"confidence"`
	Landmarks     int     `json:"landmarks"`
	FacesDetected int     `json:"faces_detected"`
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Skip short-circuits with a canned result so dev environments work
	// without the matcher running.
	Skip bool
}

// New creates a client. Face processing can take a while, hence the
// generous timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Score asks the matcher to verify the capture at imageURL against the
// student's enrolled face and returns the confidence.
func (c *Client) Score(ctx context.Context, studentID, imageURL string) (*ScoreResult, error) {
	if c.Skip {
		return &ScoreResult{Confidence: 92, Landmarks: 68, FacesDetected: 1}, nil
	}
	if imageURL == "" {
		return nil, fmt.Errorf("image url required")
	}

	body, _ := json.Marshal(map[string]string{
		"student_id": studentID,
		"image_url":  imageURL,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out ScoreResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.FacesDetected == 0 {
		return nil, fmt.Errorf("no face detected in image")
	}
	return &out, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}
