package objectstore

import "testing"

func TestKeyWithPrefix(t *testing.T) {
	s := &Store{prefix: "recordings"}
	got := s.Key("user-1", "2026-07-31", "booking-42")
	want := "recordings/user-1/2026-07-31/booking-42.mp4"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestKeyWithoutPrefix(t *testing.T) {
	s := &Store{}
	got := s.Key("user-1", "2026-07-31", "booking-42")
	want := "user-1/2026-07-31/booking-42.mp4"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
