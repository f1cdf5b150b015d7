package fifoset

import "testing"

func TestAddReturnsTrueForNewKey(t *testing.T) {
	s := New(3)
	if !s.Add("a") {
		t.Error("expected Add to return true for new key")
	}
	if s.Size() != 1 {
		t.Errorf("expected size 1, got %d", s.Size())
	}
}

func TestAddReturnsFalseForDuplicate(t *testing.T) {
	s := New(3)
	s.Add("a")
	if s.Add("a") {
		t.Error("expected Add to return false for duplicate key")
	}
	if s.Size() != 1 {
		t.Errorf("expected size to remain 1, got %d", s.Size())
	}
}

func TestEvictsOldestBeyondCapacity(t *testing.T) {
	s := New(2)
	s.Add("a")
	s.Add("b")
	s.Add("c") // evicts "a"

	if s.Size() != 2 {
		t.Errorf("expected size 2, got %d", s.Size())
	}
	if !s.Add("a") {
		t.Error("expected \"a\" to have been evicted and be addable again")
	}
}

func TestForgetAllowsReAdd(t *testing.T) {
	s := New(3)
	s.Add("a")
	s.Forget("a")
	if s.Size() != 0 {
		t.Errorf("expected size 0 after forget, got %d", s.Size())
	}
	if !s.Add("a") {
		t.Error("expected Add to succeed after Forget")
	}
}
