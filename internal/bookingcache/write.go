package bookingcache

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/windalfin/dualcam-recorder/internal/model"
)

// WriteAtomic replaces the cache file as a whole via write-to-temp+rename,
// so a reader never observes a partially-written file. Nothing in this
// module calls it: the recorder supervisor only reads the cache, and the
// file is produced by the external booking API.
func WriteAtomic(path string, bookings []model.Booking) error {
	data, err := json.Marshal(bookings)
	if err != nil {
		return fmt.Errorf("bookingcache: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("bookingcache: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("bookingcache: rename into place: %w", err)
	}
	return nil
}
