// Package postprocess watches for directories whose merge has completed,
// brands the result (intro concatenation, logo overlays), uploads the
// final artifact, advances booking status, and defers failed uploads to a
// local retry queue drained oldest-first.
package postprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/windalfin/dualcam-recorder/internal/bookingstore"
	"github.com/windalfin/dualcam-recorder/internal/fifoset"
	"github.com/windalfin/dualcam-recorder/internal/markers"
	"github.com/windalfin/dualcam-recorder/internal/metrics"
	"github.com/windalfin/dualcam-recorder/internal/model"
	"github.com/windalfin/dualcam-recorder/internal/objectstore"
	"github.com/windalfin/dualcam-recorder/internal/retry"
	"github.com/windalfin/dualcam-recorder/internal/store"
)

// LogoOverlay places a branding asset at one of the four corners.
type LogoOverlay struct {
	Path     string
	Corner   Corner
	Required bool
	WidthPx  int
}

// Corner is one of the four output positions an overlay can be anchored to.
type Corner string

const (
	TopLeft     Corner = "tl"
	TopRight    Corner = "tr"
	BottomLeft  Corner = "bl"
	BottomRight Corner = "br"
)

// Options configures the processing pipeline applied to every recording.
type Options struct {
	IntroPath     string
	Overlays      []LogoOverlay
	FFmpegBinary  string
	FFprobeBinary string
	RetryMax      int
	RetryBackoff  time.Duration
	Workers       int64
}

// Processor watches a workspace for ready-to-process recordings and runs
// the branding/upload pipeline on each, bounded to Options.Workers
// concurrent directories.
type Processor struct {
	workspaceRoot string
	opt           Options
	objStore      *objectstore.Store
	bookingStore  bookingstore.Store
	retryStore    *store.Store
	seen          *fifoset.Set
	sem           *semaphore.Weighted
	log           zerolog.Logger

	introCache *introCache
}

// New builds a Processor.
func New(workspaceRoot string, opt Options, objStore *objectstore.Store, bookingStore bookingstore.Store, retryStore *store.Store, log zerolog.Logger) *Processor {
	workers := opt.Workers
	if workers <= 0 {
		workers = int64(runtime.NumCPU() / 2)
		if workers < 1 {
			workers = 1
		}
	}
	return &Processor{
		workspaceRoot: workspaceRoot,
		opt:           opt,
		objStore:      objStore,
		bookingStore:  bookingStore,
		retryStore:    retryStore,
		seen:          fifoset.New(1024),
		sem:           semaphore.NewWeighted(workers),
		log:           log,
		introCache:    newIntroCache(),
	}
}

// Serve implements suture.Service, running the watch loop at a fixed
// interval until ctx is cancelled.
func (p *Processor) Serve(ctx context.Context) error {
	return p.Run(ctx, 5*time.Second)
}

// RunOnce scans for ready recordings and drains the retry queue exactly
// once. It is the entry point for --once invocations.
func (p *Processor) RunOnce(ctx context.Context) error {
	p.scanOnce(ctx)
	return p.drainRetryQueue(ctx)
}

// Run alternates between scanning for newly-ready recordings and draining
// the deferred upload retry queue, until ctx is cancelled.
func (p *Processor) Run(ctx context.Context, scanInterval time.Duration) error {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		p.scanOnce(ctx)
		if err := p.drainRetryQueue(ctx); err != nil {
			p.log.Error().Err(err).Msg("retry queue drain failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Processor) scanOnce(ctx context.Context) {
	dateDirs, err := os.ReadDir(p.workspaceRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Error().Err(err).Msg("failed to list workspace root")
		}
		return
	}
	for _, dd := range dateDirs {
		if !dd.IsDir() {
			continue
		}
		datePath := filepath.Join(p.workspaceRoot, dd.Name())
		bookingDirs, err := os.ReadDir(datePath)
		if err != nil {
			continue
		}
		for _, bd := range bookingDirs {
			if !bd.IsDir() {
				continue
			}
			dirPath := filepath.Join(datePath, bd.Name())
			dir := markers.New(dirPath)
			if !dir.ReadyForPostProcess() {
				continue
			}
			if !p.seen.Add(dirPath) {
				continue
			}
			if err := p.sem.Acquire(ctx, 1); err != nil {
				p.seen.Forget(dirPath)
				return
			}
			go func(dirPath, bookingID string) {
				defer p.sem.Release(1)
				defer p.seen.Forget(dirPath)
				p.process(ctx, dirPath, bookingID)
			}(dirPath, bd.Name())
		}
	}
}

func (p *Processor) process(ctx context.Context, dirPath, bookingID string) {
	dir := markers.New(dirPath)
	if err := acquireProcessLock(dirPath); err != nil {
		p.log.Debug().Str("dir", dirPath).Msg("recording already claimed by another worker")
		return
	}
	defer releaseProcessLock(dirPath)

	log := p.log.With().Str("booking_id", bookingID).Logger()
	merged := filepath.Join(dirPath, "merged.mp4")

	branded, err := p.applyIntroAndLogos(ctx, dirPath, merged)
	if err != nil {
		_ = dir.Create(markers.Error, []byte(err.Error()))
		log.Error().Err(err).Msg("branding pipeline failed")
		return
	}

	if err := validateFinal(ctx, branded, p.opt); err != nil {
		_ = dir.Create(markers.Error, []byte(err.Error()))
		log.Error().Err(err).Msg("final validation failed")
		return
	}

	date := filepath.Base(filepath.Dir(dirPath))
	userID := bookingUserID(dirPath)
	if userID == "" {
		log.Warn().Msg("metadata.json missing or unreadable user_id, falling back to unknown")
		userID = "unknown"
	}
	key := p.objStore.Key(userID, date, bookingID)

	if err := p.uploadWithDeferral(ctx, bookingID, branded, key); err != nil {
		log.Warn().Err(err).Msg("upload deferred to retry queue")
		return
	}

	if err := p.finalize(ctx, dir, bookingID, branded, key); err != nil {
		log.Error().Err(err).Msg("failed to finalize booking after upload")
	}
}

func (p *Processor) finalize(ctx context.Context, dir markers.Dir, bookingID, finalPath, key string) error {
	info, err := os.Stat(finalPath)
	if err != nil {
		return fmt.Errorf("postprocess: stat final artifact: %w", err)
	}
	checksum, err := sha256File(finalPath)
	if err != nil {
		return fmt.Errorf("postprocess: checksum final artifact: %w", err)
	}
	duration, _ := probeDuration(ctx, finalPath, p.opt)

	if err := p.bookingStore.InsertVideoMetadata(ctx, bookingID, key, info.Size(), duration, checksum); err != nil {
		return fmt.Errorf("postprocess: insert video metadata: %w", err)
	}
	if err := p.bookingStore.UpdateBookingStatus(ctx, bookingID, model.StatusUploaded); err != nil {
		return fmt.Errorf("postprocess: update booking status: %w", err)
	}
	p.log.Info().
		Str("booking_id", bookingID).
		Str("final_size", humanize.Bytes(uint64(info.Size()))).
		Float64("duration_secs", duration).
		Msg("uploaded final artifact")
	return dir.Create(markers.Completed, nil)
}

// uploadWithDeferral attempts the upload inline up to RetryMax times; on
// exhaustion it persists a RetryRecord instead of surfacing a terminal
// error, per the deferred-retry contract.
func (p *Processor) uploadWithDeferral(ctx context.Context, bookingID, finalPath, key string) error {
	maxAttempts := p.opt.RetryMax
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoffBase := p.opt.RetryBackoff
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	err := retry.Do(ctx, maxAttempts, backoffBase, time.Minute, func(attempt int) error {
		_, uerr := p.objStore.Upload(ctx, finalPath, key)
		return uerr
	})
	if err == nil {
		metrics.UploadsTotal.WithLabelValues("succeeded").Inc()
		return nil
	}
	metrics.UploadsDeferredTotal.Inc()
	_, enqErr := p.retryStore.Enqueue(store.RetryRecord{
		BookingID: bookingID,
		FinalPath: finalPath,
		Key:       key,
		Attempt:   1,
		NextTime:  time.Now().Add(retry.Backoff(backoffBase, 1, time.Minute)),
	})
	if enqErr != nil {
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("postprocess: upload failed and could not enqueue retry: %w (upload error: %v)", enqErr, err)
	}
	return err
}

// drainRetryQueue processes every due retry record, oldest-first, so a
// recording that failed to upload earlier is not starved by later ones.
func (p *Processor) drainRetryQueue(ctx context.Context) error {
	due, err := p.retryStore.Due(time.Now())
	if err != nil {
		return fmt.Errorf("postprocess: query due retries: %w", err)
	}
	for _, rec := range due {
		// A previous attempt may have actually landed server-side even
		// though the client never saw the response (network blip after the
		// PUT, context deadline on the ack). Check before re-uploading so a
		// successful-but-unconfirmed transfer isn't paid for twice.
		if exists, herr := p.objStore.Head(ctx, rec.Key); herr == nil && exists {
			metrics.UploadsTotal.WithLabelValues("succeeded").Inc()
			if derr := p.retryStore.Delete(rec.ID); derr != nil {
				p.log.Error().Err(derr).Uint64("id", rec.ID).Msg("failed to delete drained retry record")
			}
			p.onRetrySucceeded(ctx, rec)
			continue
		}

		_, err := p.objStore.Upload(ctx, rec.FinalPath, rec.Key)
		if err == nil {
			metrics.UploadsTotal.WithLabelValues("succeeded").Inc()
			if derr := p.retryStore.Delete(rec.ID); derr != nil {
				p.log.Error().Err(derr).Uint64("id", rec.ID).Msg("failed to delete drained retry record")
			}
			p.onRetrySucceeded(ctx, rec)
			continue
		}
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		rec.Attempt++
		rec.NextTime = time.Now().Add(retry.Backoff(p.backoffBase(), rec.Attempt, time.Minute))
		if uerr := p.retryStore.Update(rec); uerr != nil {
			p.log.Error().Err(uerr).Uint64("id", rec.ID).Msg("failed to update retry record")
		}
	}
	return nil
}

func (p *Processor) onRetrySucceeded(ctx context.Context, rec store.RetryRecord) {
	dirPath := filepath.Dir(rec.FinalPath)
	dir := markers.New(dirPath)
	if err := p.finalize(ctx, dir, rec.BookingID, rec.FinalPath, rec.Key); err != nil {
		p.log.Error().Err(err).Str("booking_id", rec.BookingID).Msg("failed to finalize after drained retry")
	}
}

func (p *Processor) backoffBase() time.Duration {
	if p.opt.RetryBackoff <= 0 {
		return time.Second
	}
	return p.opt.RetryBackoff
}

// bookingUserID reads the user_id recorded into metadata.json by the
// Supervisor at merge time. It returns "" if the file is missing or
// doesn't parse, leaving the caller to decide on a fallback.
func bookingUserID(dirPath string) string {
	data, err := os.ReadFile(filepath.Join(dirPath, "metadata.json"))
	if err != nil {
		return ""
	}
	var meta model.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return ""
	}
	return meta.UserID
}

func acquireProcessLock(dirPath string) error {
	f, err := os.OpenFile(filepath.Join(dirPath, ".processing"), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func releaseProcessLock(dirPath string) {
	_ = os.Remove(filepath.Join(dirPath, ".processing"))
}

func probeDuration(ctx context.Context, path string, opt Options) (float64, error) {
	bin := opt.FFprobeBinary
	if bin == "" {
		bin = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	var dur float64
	_, err = fmt.Sscanf(string(out), "%f", &dur)
	return dur, err
}

func validateFinal(ctx context.Context, path string, opt Options) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("validate final: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("validate final: %s is zero bytes", path)
	}
	if _, err := probeDuration(ctx, path, opt); err != nil {
		return fmt.Errorf("validate final: not decodable: %w", err)
	}
	return nil
}
