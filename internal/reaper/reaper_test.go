package reaper

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/windalfin/dualcam-recorder/internal/markers"
	"github.com/windalfin/dualcam-recorder/internal/merge"
	"github.com/windalfin/dualcam-recorder/internal/model"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func TestSweepIgnoresFreshLock(t *testing.T) {
	root := t.TempDir()
	dirPath := filepath.Join(root, "2026-07-31", "booking-1")
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		t.Fatal(err)
	}
	dir := markers.New(dirPath)
	if err := dir.Create(markers.Lock, nil); err != nil {
		t.Fatal(err)
	}

	r := New(root, time.Hour, model.MethodSideBySide, defaultMergeOpts(), testLogger())
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dir.Has(markers.Lock) {
		t.Error("expected fresh lock to survive a sweep")
	}
}

func TestSweepSalvagesStaleLockWithNoUsableFiles(t *testing.T) {
	root := t.TempDir()
	dirPath := filepath.Join(root, "2026-07-31", "booking-2")
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		t.Fatal(err)
	}
	dir := markers.New(dirPath)
	if err := dir.Create(markers.Lock, nil); err != nil {
		t.Fatal(err)
	}
	// Backdate the lock past the grace window.
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(filepath.Join(dirPath, string(markers.Lock)), old, old); err != nil {
		t.Fatal(err)
	}

	r := New(root, time.Hour, model.MethodSideBySide, defaultMergeOpts(), testLogger())
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dir.Has(markers.Lock) {
		t.Error("expected stale lock to be removed")
	}
	if !dir.Has(markers.Error) {
		t.Error("expected .error marker when no usable capture files exist")
	}
}

func TestSweepSalvagesStaleLockWithUsableFiles(t *testing.T) {
	root := t.TempDir()
	dirPath := filepath.Join(root, "2026-07-31", "booking-3")
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		t.Fatal(err)
	}
	dir := markers.New(dirPath)
	if err := dir.Create(markers.Lock, nil); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(filepath.Join(dirPath, string(markers.Lock)), old, old); err != nil {
		t.Fatal(err)
	}
	// A usable cam0.mp4 survives the crash; cam1.mp4 does not.
	if err := os.WriteFile(filepath.Join(dirPath, "cam0.mp4"), make([]byte, minNonTrivialBytes+1), 0o644); err != nil {
		t.Fatal(err)
	}

	// "false" exits non-zero immediately, forcing merge.Merge to fail
	// deterministically without needing a real ffmpeg binary; this still
	// exercises the .done-before-.lock-removal ordering the salvage path
	// must get right even when the merge itself doesn't succeed.
	opts := merge.Options{FFmpegBinary: "false", FFprobeBinary: "false"}
	r := New(root, time.Hour, model.MethodSideBySide, opts, testLogger())
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dir.Has(markers.Lock) {
		t.Error("expected stale lock to be removed")
	}
	if !dir.Has(markers.Done) {
		t.Error("expected .done to be written once a usable capture file was found")
	}
	if !dir.Has(markers.MergeError) {
		t.Error("expected .merge_error once the forced merge failure runs")
	}
}

func defaultMergeOpts() merge.Options { return merge.Options{} }
