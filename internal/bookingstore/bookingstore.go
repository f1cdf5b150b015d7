// Package bookingstore is the client contract for the remote booking/
// metadata database: status advances and final video metadata, both
// idempotent by booking id. Only the contract is implemented here — the
// database itself is an external collaborator.
package bookingstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/windalfin/dualcam-recorder/internal/model"
)

// Store is the interface the post-processing stage and recorder supervisor
// depend on; HTTPStore is the implementation in this package.
type Store interface {
	UpdateBookingStatus(ctx context.Context, bookingID string, status model.Status) error
	InsertVideoMetadata(ctx context.Context, bookingID, url string, size int64, duration float64, checksum string) error
}

// HTTPStore talks to the remote booking API over HTTP with a small
// idempotency-key header so retried requests don't double-apply.
type HTTPStore struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// New builds an HTTPStore. baseURL and apiKey come from configuration.
func New(baseURL, apiKey string) *HTTPStore {
	return &HTTPStore{BaseURL: baseURL, APIKey: apiKey, Client: &http.Client{Timeout: 15 * time.Second}}
}

type statusUpdateRequest struct {
	Status model.Status `json:"status"`
}

// UpdateBookingStatus sets a booking's lifecycle status. Idempotent by
// booking id: applying the same status twice is a no-op on the server.
func (s *HTTPStore) UpdateBookingStatus(ctx context.Context, bookingID string, status model.Status) error {
	body, err := json.Marshal(statusUpdateRequest{Status: status})
	if err != nil {
		return fmt.Errorf("bookingstore: marshal status update: %w", err)
	}
	url := fmt.Sprintf("%s/bookings/%s/status", s.BaseURL, bookingID)
	return s.doIdempotent(ctx, http.MethodPatch, url, bookingID+":"+string(status), body)
}

type videoMetadataRequest struct {
	URL      string  `json:"url"`
	Size     int64   `json:"size"`
	Duration float64 `json:"duration"`
	Checksum string  `json:"checksum"`
}

// InsertVideoMetadata records the final artifact's location and integrity
// info against a booking. Idempotent by booking id.
func (s *HTTPStore) InsertVideoMetadata(ctx context.Context, bookingID, url string, size int64, duration float64, checksum string) error {
	body, err := json.Marshal(videoMetadataRequest{URL: url, Size: size, Duration: duration, Checksum: checksum})
	if err != nil {
		return fmt.Errorf("bookingstore: marshal video metadata: %w", err)
	}
	reqURL := fmt.Sprintf("%s/bookings/%s/video", s.BaseURL, bookingID)
	return s.doIdempotent(ctx, http.MethodPut, reqURL, bookingID+":"+checksum, body)
}

func (s *HTTPStore) doIdempotent(ctx context.Context, method, url, idempotencyKey string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bookingstore: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("bookingstore: request %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("bookingstore: %s %s: unexpected status %d", method, url, resp.StatusCode)
	}
	return nil
}
