package bookingstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/windalfin/dualcam-recorder/internal/model"
)

func TestUpdateBookingStatusSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, "")
	err := s.UpdateBookingStatus(context.Background(), "b1", model.StatusUploaded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != http.MethodPatch {
		t.Errorf("expected PATCH, got %s", gotMethod)
	}
	if gotPath != "/bookings/b1/status" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotKey != "b1:uploaded" {
		t.Errorf("unexpected idempotency key %q", gotKey)
	}
}

func TestInsertVideoMetadataErrorsOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(srv.URL, "")
	err := s.InsertVideoMetadata(context.Background(), "b1", "https://example.com/b1.mp4", 1024, 12.5, "deadbeef")
	if err == nil {
		t.Fatal("expected error on 500 response")
	}
}
