package supervisor

import (
	"testing"
	"time"

	"github.com/windalfin/dualcam-recorder/internal/model"
)

func booking(id string, start, end time.Time) model.Booking {
	return model.Booking{ID: id, StartTime: start, EndTime: end}
}

func TestActiveBookingNoneActive(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	bookings := []model.Booking{
		booking("b1", now.Add(time.Hour), now.Add(2*time.Hour)),
	}
	if got := activeBooking(bookings, now); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestActiveBookingSingleMatch(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	bookings := []model.Booking{
		booking("b1", now.Add(-time.Minute), now.Add(time.Hour)),
	}
	got := activeBooking(bookings, now)
	if got == nil || got.ID != "b1" {
		t.Errorf("expected b1 active, got %v", got)
	}
}

func TestActiveBookingConflictPicksEarliestStart(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	bookings := []model.Booking{
		booking("later", now.Add(-time.Minute), now.Add(time.Hour)),
		booking("earlier", now.Add(-2*time.Hour), now.Add(time.Hour)),
	}
	got := activeBooking(bookings, now)
	if got == nil || got.ID != "earlier" {
		t.Errorf("expected earlier-start booking to win conflict, got %v", got)
	}
}

func TestActiveBookingEndExclusive(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	bookings := []model.Booking{
		booking("b1", now.Add(-time.Hour), now),
	}
	if got := activeBooking(bookings, now); got != nil {
		t.Errorf("expected end_time to be exclusive, got %v", got)
	}
}
