package postprocess

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/windalfin/dualcam-recorder/internal/markers"
	"github.com/windalfin/dualcam-recorder/internal/model"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func TestAcquireProcessLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	if err := acquireProcessLock(dir); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := acquireProcessLock(dir); err == nil {
		t.Error("expected second acquire on the same directory to fail")
	}
	releaseProcessLock(dir)
	if err := acquireProcessLock(dir); err != nil {
		t.Errorf("expected acquire to succeed after release, got %v", err)
	}
}

func TestReadyForPostProcessPredicate(t *testing.T) {
	dirPath := filepath.Join(t.TempDir(), "booking-1")
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		t.Fatal(err)
	}
	dir := markers.New(dirPath)

	if dir.ReadyForPostProcess() {
		t.Fatal("expected not ready before .done/.merged exist")
	}
	if err := dir.Create(markers.Lock, nil); err != nil {
		t.Fatal(err)
	}
	if err := dir.Create(markers.Done, nil); err != nil {
		t.Fatal(err)
	}
	if dir.ReadyForPostProcess() {
		t.Fatal("expected not ready with .done but no .merged")
	}
	if err := dir.Create(markers.Merged, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if !dir.ReadyForPostProcess() {
		t.Fatal("expected ready once .done and .merged are both present")
	}
	if err := dir.Create(markers.Completed, nil); err != nil {
		t.Fatal(err)
	}
	if dir.ReadyForPostProcess() {
		t.Fatal("expected not ready once .completed is present")
	}
}

func TestBookingUserIDReadsMetadata(t *testing.T) {
	dirPath := t.TempDir()
	meta := model.Metadata{BookingID: "b1", UserID: "user-42"}
	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dirPath, "metadata.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := bookingUserID(dirPath); got != "user-42" {
		t.Errorf("expected user-42, got %q", got)
	}
}

func TestBookingUserIDMissingFile(t *testing.T) {
	dirPath := t.TempDir()
	if got := bookingUserID(dirPath); got != "" {
		t.Errorf("expected empty string for missing metadata.json, got %q", got)
	}
}

func TestBackoffBaseDefaultsWhenUnset(t *testing.T) {
	p := &Processor{}
	if got := p.backoffBase(); got <= 0 {
		t.Errorf("expected a positive default backoff, got %v", got)
	}
}
