// Package bookingcache reads the booking cache file written by the external
// booking API and optionally watches it for change events, supplying the
// "event" half of an event+poll hybrid — the poll loop in
// internal/supervisor remains the correctness backbone regardless.
package bookingcache

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/windalfin/dualcam-recorder/internal/model"
)

// Cache reads a booking-cache file and remembers the last-good snapshot so
// a transient read/parse failure doesn't blank out the active booking set.
type Cache struct {
	path         string
	log          zerolog.Logger
	last         []model.Booking
	consecutive  int
	failThreshold int
}

// New builds a Cache for the file at path. failThreshold is the number of
// consecutive read failures before the caller should alert.
func New(path string, failThreshold int, log zerolog.Logger) *Cache {
	if failThreshold <= 0 {
		failThreshold = 3
	}
	return &Cache{path: path, log: log, failThreshold: failThreshold}
}

// Load reads the cache file, tolerating a missing file (zero bookings) and
// a parse failure (keeps the last-good snapshot). It returns the current
// best-known booking slice and whether this read should trigger an alert
// (consecutive failures crossed failThreshold).
func (c *Cache) Load() (bookings []model.Booking, shouldAlert bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.consecutive = 0
			c.last = nil
			return nil, false
		}
		return c.fail(err)
	}
	if len(data) == 0 {
		c.consecutive = 0
		c.last = nil
		return nil, false
	}

	var parsed []model.Booking
	if err := json.Unmarshal(data, &parsed); err != nil {
		return c.fail(err)
	}

	c.consecutive = 0
	c.last = parsed
	return parsed, false
}

func (c *Cache) fail(err error) ([]model.Booking, bool) {
	c.consecutive++
	c.log.Warn().Err(err).Int("consecutive_failures", c.consecutive).Msg("booking cache read/parse failed, using last-good snapshot")
	return c.last, c.consecutive >= c.failThreshold
}

// Watch starts an fsnotify watcher on the cache file's directory and invokes
// onChange whenever the file is written or renamed into place (an atomic
// write-to-temp+rename shows up as a Rename/Create event on the final
// name). Watch runs until stop is closed; watcher setup errors are
// returned immediately, delivery errors are logged and ignored — a lost
// event is recovered by the next poll tick.
func (c *Cache) Watch(stop <-chan struct{}, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("bookingcache: new watcher: %w", err)
	}

	dir := dirOf(c.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("bookingcache: watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == c.path && (ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0) {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.log.Warn().Err(err).Msg("booking cache watcher error, relying on poll loop")
			}
		}
	}()
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
