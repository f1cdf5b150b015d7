// Command postprocessor watches the workspace for recordings whose merge
// has completed, brands them (intro concatenation, logo overlays), uploads
// the final artifact to object storage, and advances booking status. Failed
// uploads are deferred to a local retry queue drained on every pass.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/thejerf/suture/v4"

	"github.com/windalfin/dualcam-recorder/internal/bookingstore"
	"github.com/windalfin/dualcam-recorder/internal/config"
	"github.com/windalfin/dualcam-recorder/internal/logging"
	"github.com/windalfin/dualcam-recorder/internal/objectstore"
	"github.com/windalfin/dualcam-recorder/internal/postprocess"
	"github.com/windalfin/dualcam-recorder/internal/store"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	once := flag.Bool("once", false, "run a single scan/drain pass and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("postprocessor " + version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postprocessor: %v\n", err)
		return 1
	}

	log := logging.New("postprocessor")

	objStore, err := objectstore.New(objectstore.Config{
		Bucket:    cfg.ObjectStoreBucket,
		Prefix:    cfg.ObjectStorePrefix,
		AccessKey: cfg.ObjectStoreAccessKey,
		SecretKey: cfg.ObjectStoreSecretKey,
		Endpoint:  cfg.ObjectStoreEndpoint,
		Region:    cfg.ObjectStoreRegion,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build object store client")
		return 1
	}

	retryStore, err := store.Open(cfg.RetryStorePath)
	if err != nil {
		log.Error().Err(err).Msg("failed to open retry queue store")
		return 1
	}
	defer retryStore.Close()

	bstore := bookingstore.New(cfg.BookingStoreURL, cfg.BookingStoreKey)

	overlays := []postprocess.LogoOverlay{
		{Path: cfg.LogoMainPath, Corner: postprocess.Corner(cfg.LogoMainCorner), Required: true, WidthPx: cfg.LogoMainWidthPx},
	}
	if cfg.LogoSecondPath != "" {
		overlays = append(overlays, postprocess.LogoOverlay{
			Path:     cfg.LogoSecondPath,
			Corner:   postprocess.Corner(cfg.LogoSecondCorner),
			Required: false,
		})
	}

	proc := postprocess.New(cfg.WorkspaceRoot, postprocess.Options{
		IntroPath:     cfg.IntroPath,
		Overlays:      overlays,
		FFmpegBinary:  cfg.FFmpegBinary,
		FFprobeBinary: cfg.FFprobeBinary,
		RetryMax:      cfg.RetryMax,
		RetryBackoff:  cfg.RetryBackoff(),
		Workers:       int64(cfg.PostProcessWorkers),
	}, objStore, bstore, retryStore, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *once {
		if err := proc.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("pass failed")
			return 2
		}
		return 0
	}

	root := suture.NewSimple("postprocessor")
	root.Add(proc)

	if err := root.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("postprocessor tree exited")
		return 2
	}
	return 0
}
