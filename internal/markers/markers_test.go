package markers

import (
	"path/filepath"
	"testing"
)

func TestCreateEnforcesLockBeforeDone(t *testing.T) {
	dir := New(filepath.Join(t.TempDir(), "booking-1"))
	if err := dir.Create(Done, nil); err == nil {
		t.Fatal("expected error writing .done before .lock")
	}
	if err := dir.Create(Lock, nil); err != nil {
		t.Fatalf("unexpected error creating .lock: %v", err)
	}
	if err := dir.Create(Done, nil); err != nil {
		t.Fatalf("unexpected error creating .done after .lock: %v", err)
	}
}

func TestCreateEnforcesMergedBeforeCompleted(t *testing.T) {
	dir := New(filepath.Join(t.TempDir(), "booking-1"))
	_ = dir.Create(Lock, nil)
	_ = dir.Create(Done, nil)

	if err := dir.Create(Completed, nil); err == nil {
		t.Fatal("expected error writing .completed before .merged")
	}
	if err := dir.Create(Merged, []byte(`{}`)); err != nil {
		t.Fatalf("unexpected error creating .merged: %v", err)
	}
	if err := dir.Create(Completed, nil); err != nil {
		t.Fatalf("unexpected error creating .completed after .merged: %v", err)
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	dir := New(filepath.Join(t.TempDir(), "booking-1"))
	_ = dir.Create(Lock, nil)
	if err := dir.Create(Lock, nil); err == nil {
		t.Fatal("expected error creating .lock twice")
	}
}

func TestErrorMarkersHaveNoOrderingConstraint(t *testing.T) {
	dir := New(filepath.Join(t.TempDir(), "booking-1"))
	if err := dir.Create(Error, []byte("boom")); err != nil {
		t.Fatalf("expected .error creatable with no predecessor, got: %v", err)
	}
	dir2 := New(filepath.Join(t.TempDir(), "booking-2"))
	_ = dir2.Create(Lock, nil)
	_ = dir2.Create(Done, nil)
	if err := dir2.Create(MergeError, []byte("boom")); err != nil {
		t.Fatalf("expected .merge_error creatable after .done, got: %v", err)
	}
}

func TestReadyForMergeAndPostProcess(t *testing.T) {
	dir := New(filepath.Join(t.TempDir(), "booking-1"))
	if dir.ReadyForMerge() {
		t.Error("empty directory should not be ready for merge")
	}
	_ = dir.Create(Lock, nil)
	_ = dir.Create(Done, nil)
	if !dir.ReadyForMerge() {
		t.Error("expected ready for merge after .done")
	}
	if dir.ReadyForPostProcess() {
		t.Error("should not be ready for post-process before .merged")
	}
	_ = dir.Create(Merged, nil)
	if dir.ReadyForMerge() {
		t.Error("should no longer be ready for merge once .merged exists")
	}
	if !dir.ReadyForPostProcess() {
		t.Error("expected ready for post-process after .done and .merged")
	}
	_ = dir.Create(Completed, nil)
	if dir.ReadyForPostProcess() {
		t.Error("should no longer be ready for post-process once .completed exists")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	dir := New(filepath.Join(t.TempDir(), "booking-1"))
	if err := dir.Remove(Lock); err != nil {
		t.Fatalf("removing an absent marker should not error: %v", err)
	}
	_ = dir.Create(Lock, nil)
	if err := dir.Remove(Lock); err != nil {
		t.Fatalf("unexpected error removing present marker: %v", err)
	}
	if dir.Has(Lock) {
		t.Error("expected .lock to be gone after Remove")
	}
}
