// Package supervisor drives the booking lifecycle: it polls the booking
// cache, decides which booking (if any) should be recording right now,
// and orchestrates the Capture Driver and Merge Engine through each
// booking's markers.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/windalfin/dualcam-recorder/internal/bookingcache"
	"github.com/windalfin/dualcam-recorder/internal/capture"
	"github.com/windalfin/dualcam-recorder/internal/markers"
	"github.com/windalfin/dualcam-recorder/internal/merge"
	"github.com/windalfin/dualcam-recorder/internal/model"
)

// State is the Supervisor's own process state: idle, or recording a
// specific booking.
type State struct {
	Recording   bool
	BookingID   string
	UserID      string
	ArtifactDir string
	StartedAt   time.Time
}

// Config configures one Supervisor instance.
type Config struct {
	WorkspaceRoot string
	PollInterval  time.Duration
	StopTimeout   time.Duration
	MergeMethod   model.MergeMethod
	MergeOptions  merge.Options
	CaptureOpts   capture.Options
}

// Supervisor is the single long-running process that owns the booking
// lifecycle. Exactly one instance runs per host.
type Supervisor struct {
	cfg     Config
	cache   *bookingcache.Cache
	driver  *capture.Driver
	bstore  BookingStatusSetter
	log     zerolog.Logger

	mu    sync.Mutex
	state State
}

// BookingStatusSetter is the narrow slice of the booking store the
// Supervisor needs: advancing status. It never mutates anything else.
type BookingStatusSetter interface {
	UpdateBookingStatus(ctx context.Context, bookingID string, status model.Status) error
}

// New builds a Supervisor.
func New(cfg Config, cache *bookingcache.Cache, driver *capture.Driver, bstore BookingStatusSetter, log zerolog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, cache: cache, driver: driver, bstore: bstore, log: log}
}

// State returns a snapshot of the current process state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Serve implements suture.Service so the supervisor can run under a
// restart-on-panic supervision tree instead of a bare goroutine.
func (s *Supervisor) Serve(ctx context.Context) error {
	return s.Run(ctx)
}

// Run executes the tick loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	if err := s.tick(ctx); err != nil {
		s.log.Error().Err(err).Msg("initial tick failed")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.log.Error().Err(err).Msg("tick failed")
			}
		}
	}
}

// Tick runs a single pass of the supervisor loop and returns. It is the
// entry point for --once invocations and for tests that want to drive the
// loop deterministically rather than through Run's ticker.
func (s *Supervisor) Tick(ctx context.Context) error {
	return s.tick(ctx)
}

// tick runs one pass of the supervisor loop: load the cache, determine
// the active booking, and react to state transitions.
func (s *Supervisor) tick(ctx context.Context) error {
	bookings, shouldAlert := s.cache.Load()
	if shouldAlert {
		s.log.Error().Msg("booking cache has failed to load for consecutive ticks")
	}

	active := activeBooking(bookings, time.Now())

	s.mu.Lock()
	cur := s.state
	s.mu.Unlock()

	switch {
	case !cur.Recording && active != nil:
		return s.start(ctx, *active)
	case cur.Recording && (active == nil || active.ID != cur.BookingID):
		return s.stopAndProcess(ctx, cur.BookingID)
	case cur.Recording && active != nil && time.Now().After(active.EndTime):
		return s.stopAndProcess(ctx, cur.BookingID)
	}
	return nil
}

// activeBooking finds the unique booking whose window contains now. If
// more than one qualifies, the earliest start_time wins and the rest are
// rejected for this tick.
func activeBooking(bookings []model.Booking, now time.Time) *model.Booking {
	var best *model.Booking
	for i := range bookings {
		b := &bookings[i]
		if !b.Active(now) {
			continue
		}
		if best == nil || b.StartTime.Before(best.StartTime) {
			best = b
		}
	}
	return best
}

func (s *Supervisor) artifactDir(b model.Booking) string {
	date := b.StartTime.Format("2006-01-02")
	return filepath.Join(s.cfg.WorkspaceRoot, date, b.ID)
}

func (s *Supervisor) start(ctx context.Context, b model.Booking) error {
	dir := markers.New(s.artifactDir(b))
	if dir.Has(markers.Lock) {
		// A lock already exists for this booking (e.g. process restarted
		// mid-session); let the reaper handle staleness rather than racing it.
		return nil
	}
	if err := dir.Create(markers.Lock, nil); err != nil {
		return fmt.Errorf("supervisor: create lock for %s: %w", b.ID, err)
	}

	out0 := filepath.Join(dir.Path, "cam0.mp4")
	out1 := filepath.Join(dir.Path, "cam1.mp4")
	if err := s.driver.StartSession(ctx, b.ID, out0, out1, s.cfg.CaptureOpts); err != nil {
		_ = dir.Create(markers.Error, []byte(err.Error()))
		_ = s.bstore.UpdateBookingStatus(ctx, b.ID, model.StatusFailed)
		s.log.Error().Err(err).Str("booking_id", b.ID).Msg("capture session failed to start")
		return nil
	}

	if err := s.bstore.UpdateBookingStatus(ctx, b.ID, model.StatusRecording); err != nil {
		s.log.Warn().Err(err).Str("booking_id", b.ID).Msg("failed to advance booking status to recording")
	}

	s.mu.Lock()
	s.state = State{Recording: true, BookingID: b.ID, UserID: b.UserID, ArtifactDir: dir.Path, StartedAt: time.Now()}
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) stopAndProcess(ctx context.Context, bookingID string) error {
	stopCtx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancel()

	result, err := s.driver.StopSession(stopCtx)
	s.mu.Lock()
	dirPath := s.state.ArtifactDir
	userID := s.state.UserID
	s.mu.Unlock()
	dir := markers.New(dirPath)

	s.mu.Lock()
	s.state = State{}
	s.mu.Unlock()

	if err != nil {
		_ = dir.Create(markers.Error, []byte(err.Error()))
		_ = dir.Remove(markers.Lock)
		_ = s.bstore.UpdateBookingStatus(ctx, bookingID, model.StatusFailed)
		return fmt.Errorf("supervisor: stop session for %s: %w", bookingID, err)
	}

	if !result.NonTrivial0() && !result.NonTrivial1() {
		_ = dir.Create(markers.Error, []byte("capture produced no usable files"))
		_ = dir.Remove(markers.Lock)
		_ = s.bstore.UpdateBookingStatus(ctx, bookingID, model.StatusFailed)
		return nil
	}

	// .done requires .lock to still be present (markers.checkOrder); remove
	// the lock only after the done marker is safely written.
	if err := dir.Create(markers.Done, nil); err != nil {
		return fmt.Errorf("supervisor: create done marker for %s: %w", bookingID, err)
	}
	_ = dir.Remove(markers.Lock)

	mergeResult, err := merge.Merge(ctx, result.Path0, result.Path1, filepath.Join(dirPath, "merged.mp4"), s.cfg.MergeMethod, s.cfg.MergeOptions)
	if err != nil {
		_ = dir.Create(markers.MergeError, []byte(err.Error()))
		s.log.Error().Err(err).Str("booking_id", bookingID).Msg("merge failed after exhausting fallback chain")
		return nil
	}

	meta := model.Metadata{
		BookingID:       bookingID,
		UserID:          userID,
		Method:          mergeResult.Method,
		SkewMillis:      result.SkewMillis,
		Camera0Bytes:    result.Path0Bytes,
		Camera1Bytes:    result.Path1Bytes,
		FallbackReason:  mergeResult.FallbackReason,
		DurationSeconds: mergeResult.DurationSecs,
	}
	if err := writeMetadata(dirPath, meta); err != nil {
		s.log.Warn().Err(err).Str("booking_id", bookingID).Msg("failed to write metadata.json")
	}

	payload := fmt.Sprintf(`{"method":%q,"fallback_reason":%q}`, mergeResult.Method, mergeResult.FallbackReason)
	if err := dir.Create(markers.Merged, []byte(payload)); err != nil {
		return fmt.Errorf("supervisor: create merged marker for %s: %w", bookingID, err)
	}

	if err := s.bstore.UpdateBookingStatus(ctx, bookingID, model.StatusCompleted); err != nil {
		s.log.Warn().Err(err).Str("booking_id", bookingID).Msg("failed to advance booking status to completed")
	}
	return nil
}

func writeMetadata(dirPath string, meta model.Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("supervisor: marshal metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(dirPath, "metadata.json"), data, 0o644)
}
