// Command supervisor drives the booking lifecycle on one host: it polls the
// booking cache, starts and stops the dual-camera capture session, and
// merges the result, handing off to the post-processor via filesystem
// markers. It also runs the stale-lock reaper so a crash mid-recording is
// salvaged on the next startup and on a periodic schedule thereafter.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/thejerf/suture/v4"

	"github.com/windalfin/dualcam-recorder/internal/bookingcache"
	"github.com/windalfin/dualcam-recorder/internal/bookingstore"
	"github.com/windalfin/dualcam-recorder/internal/calibration"
	"github.com/windalfin/dualcam-recorder/internal/capture"
	"github.com/windalfin/dualcam-recorder/internal/config"
	"github.com/windalfin/dualcam-recorder/internal/logging"
	"github.com/windalfin/dualcam-recorder/internal/merge"
	"github.com/windalfin/dualcam-recorder/internal/model"
	"github.com/windalfin/dualcam-recorder/internal/reaper"
	"github.com/windalfin/dualcam-recorder/internal/supervisor"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	once := flag.Bool("once", false, "run a single tick and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("supervisor " + version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: %v\n", err)
		return 1
	}

	log := logging.New("supervisor")

	cal, err := calibration.Load(cfg.CalibrationPath)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load calibration, stitch merge method will fall back")
	}

	mergeOpts := merge.Options{
		RotateDegrees: cfg.RotateDegrees,
		OverlapPixels: cfg.OverlapPixels,
		Calibration:   cal,
		FFmpegBinary:  cfg.FFmpegBinary,
		FFprobeBinary: cfg.FFprobeBinary,
		RetryMax:      cfg.RetryMax,
		RetryBackoff:  cfg.RetryBackoff(),
	}

	camera0, camera1 := capture.ResolveDeviceSelectors(cfg.DeviceSelectorStatePath, cfg.Camera0ID, cfg.Camera1ID, log)
	driver := capture.New(camera0, camera1, log.With().Str("component", "capture").Logger())
	cache := bookingcache.New(cfg.BookingCachePath, cfg.BookingCacheFailAfter, log.With().Str("component", "bookingcache").Logger())
	bstore := bookingstore.New(cfg.BookingStoreURL, cfg.BookingStoreKey)

	sup := supervisor.New(supervisor.Config{
		WorkspaceRoot: cfg.WorkspaceRoot,
		PollInterval:  cfg.PollInterval(),
		StopTimeout:   cfg.PollInterval(),
		MergeMethod:   model.MergeMethod(cfg.MergeMethod),
		MergeOptions:  mergeOpts,
		CaptureOpts: capture.Options{
			ResolutionWidth:  cfg.ResolutionWidth,
			ResolutionHeight: cfg.ResolutionHeight,
			Framerate:        cfg.Framerate,
			BitrateKbps:      cfg.BitrateKbps,
			RotateDegrees:    cfg.RotateDegrees,
			FFmpegBinary:     cfg.FFmpegBinary,
			RetryMax:         cfg.RetryMax,
			RetryBackoff:     cfg.RetryBackoff(),
		},
	}, cache, driver, bstore, log)

	rpr := reaper.New(cfg.WorkspaceRoot, cfg.ReaperGrace(), model.MergeMethod(cfg.MergeMethod), mergeOpts, log.With().Str("component", "reaper").Logger())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Crash recovery: salvage any stale .lock left by a previous process
	// before the new one starts claiming bookings.
	if err := rpr.Sweep(ctx); err != nil {
		log.Error().Err(err).Msg("startup salvage sweep failed")
	}

	if *once {
		if err := sup.Tick(ctx); err != nil {
			log.Error().Err(err).Msg("tick failed")
			return 2
		}
		return 0
	}

	if err := rpr.Start(cfg.ReaperSchedule); err != nil {
		log.Error().Err(err).Msg("failed to schedule reaper")
		return 1
	}
	defer rpr.Stop()

	root := suture.NewSimple("supervisor")
	root.Add(sup)

	if err := root.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("supervisor tree exited")
		return 2
	}
	return 0
}
