// Package logging wires up the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a logger tagged with a component name, console-formatted by
// default and switched to JSON when LOG_FORMAT=json.
func New(component string) zerolog.Logger {
	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if os.Getenv("LOG_FORMAT") == "json" {
		w = os.Stderr
	}
	return zerolog.New(w).With().Timestamp().Str("component", component).Logger()
}

// ForBooking returns a child logger scoped to one booking.
func ForBooking(l zerolog.Logger, bookingID string) zerolog.Logger {
	return l.With().Str("booking_id", bookingID).Logger()
}
