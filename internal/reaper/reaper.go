// Package reaper periodically scans the workspace for stale .lock markers
// left behind by a crashed process and runs the salvage path: merge
// whatever per-camera files exist, or give up with .error.
package reaper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/windalfin/dualcam-recorder/internal/markers"
	"github.com/windalfin/dualcam-recorder/internal/merge"
	"github.com/windalfin/dualcam-recorder/internal/model"
)

const minNonTrivialBytes = 4096

// Reaper scans WorkspaceRoot for stale .lock files and salvages them.
type Reaper struct {
	WorkspaceRoot string
	GraceWindow   time.Duration
	MergeMethod   model.MergeMethod
	MergeOptions  merge.Options
	log           zerolog.Logger
	cron          *cron.Cron
}

// New builds a Reaper. log receives one entry per salvage attempt.
func New(workspaceRoot string, graceWindow time.Duration, method model.MergeMethod, mergeOpts merge.Options, log zerolog.Logger) *Reaper {
	return &Reaper{
		WorkspaceRoot: workspaceRoot,
		GraceWindow:   graceWindow,
		MergeMethod:   method,
		MergeOptions:  mergeOpts,
		log:           log,
	}
}

// Start schedules the sweep to run on the given cron expression and begins
// the cron scheduler's own goroutine. Call Stop to halt it.
func (r *Reaper) Start(schedule string) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(schedule, func() {
		if err := r.Sweep(context.Background()); err != nil {
			r.log.Error().Err(err).Msg("reaper sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("reaper: schedule sweep: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Sweep runs one pass over the workspace, synchronously, usable both from
// the cron schedule and from a Supervisor's own startup (crash recovery).
func (r *Reaper) Sweep(ctx context.Context) error {
	dateDirs, err := os.ReadDir(r.WorkspaceRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reaper: read workspace %s: %w", r.WorkspaceRoot, err)
	}
	for _, dateDir := range dateDirs {
		if !dateDir.IsDir() {
			continue
		}
		datePath := filepath.Join(r.WorkspaceRoot, dateDir.Name())
		bookingDirs, err := os.ReadDir(datePath)
		if err != nil {
			r.log.Warn().Err(err).Str("path", datePath).Msg("reaper: failed to list date directory")
			continue
		}
		for _, bd := range bookingDirs {
			if !bd.IsDir() {
				continue
			}
			r.maybeSalvage(ctx, filepath.Join(datePath, bd.Name()))
		}
	}
	return nil
}

func (r *Reaper) maybeSalvage(ctx context.Context, dirPath string) {
	dir := markers.New(dirPath)
	if !dir.Has(markers.Lock) {
		return
	}
	modTime, err := dir.ModTime(markers.Lock)
	if err != nil {
		return
	}
	if time.Since(modTime) < r.GraceWindow {
		return
	}

	log := r.log.With().Str("dir", dirPath).Logger()
	log.Warn().Dur("age", time.Since(modTime)).Msg("found stale lock, salvaging")

	cam0 := filepath.Join(dirPath, "cam0.mp4")
	cam1 := filepath.Join(dirPath, "cam1.mp4")
	ok0 := nonTrivial(cam0)
	ok1 := nonTrivial(cam1)

	if !ok0 && !ok1 {
		_ = dir.Create(markers.Error, []byte("reaper: no usable capture files after crash"))
		_ = dir.Remove(markers.Lock)
		return
	}

	// .done requires .lock to still be present (markers.checkOrder); remove
	// the lock only after the done marker is safely written.
	if err := dir.Create(markers.Done, nil); err != nil {
		log.Error().Err(err).Msg("failed to write done marker during salvage")
		return
	}
	if err := dir.Remove(markers.Lock); err != nil {
		log.Error().Err(err).Msg("failed to remove stale lock")
		return
	}

	mergeResult, err := merge.Merge(ctx, cam0, cam1, filepath.Join(dirPath, "merged.mp4"), r.MergeMethod, r.MergeOptions)
	if err != nil {
		_ = dir.Create(markers.MergeError, []byte(err.Error()))
		log.Error().Err(err).Msg("salvage merge failed")
		return
	}
	payload := fmt.Sprintf(`{"method":%q,"fallback_reason":%q,"salvaged":true}`, mergeResult.Method, mergeResult.FallbackReason)
	if err := dir.Create(markers.Merged, []byte(payload)); err != nil {
		log.Error().Err(err).Msg("failed to write merged marker during salvage")
	}
}

func nonTrivial(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > minNonTrivialBytes
}
