// Package capture owns the two physical camera devices and produces
// time-aligned encoded files per booking via ffmpeg subprocesses.
package capture

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/windalfin/dualcam-recorder/internal/metrics"
	"github.com/windalfin/dualcam-recorder/internal/pkgerr"
	"github.com/windalfin/dualcam-recorder/internal/retry"
)

// DeviceStatus is a single camera's lifecycle state.
type DeviceStatus string

const (
	DeviceAbsent    DeviceStatus = "absent"
	DeviceAcquired  DeviceStatus = "acquired"
	DeviceRecording DeviceStatus = "recording"
	DeviceFaulted   DeviceStatus = "faulted"
)

// Options configures one capture session.
type Options struct {
	ResolutionWidth  int
	ResolutionHeight int
	Framerate        int
	BitrateKbps      int
	RotateDegrees    int
	FFmpegBinary     string
	RetryMax         int
	RetryBackoff     time.Duration
}

// Health reports per-device status, returned by Driver.Health.
type Health struct {
	Device0 DeviceStatus
	Device1 DeviceStatus
}

// Result is returned by StopSession: what actually landed on disk and the
// measured start skew between the two encoders.
type Result struct {
	Path0        string
	Path1        string
	Path0Exists  bool
	Path1Exists  bool
	Path0Bytes   int64
	Path1Bytes   int64
	SkewMillis   int64
}

const minNonTrivialBytes = 4096

// Driver owns two cameras identified by device path (e.g. /dev/video0) and
// drives one ffmpeg encoder per camera. Only one session may be active at a
// time.
type Driver struct {
	Camera0 string
	Camera1 string
	log     zerolog.Logger

	mu      sync.Mutex
	session *session
}

type session struct {
	bookingID string
	cmd0      *exec.Cmd
	cmd1      *exec.Cmd
	start0    time.Time
	start1    time.Time
	path0     string
	path1     string
	status0   DeviceStatus
	status1   DeviceStatus
	done0     chan error
	done1     chan error
}

// New builds a Driver for the two given device paths.
func New(camera0, camera1 string, log zerolog.Logger) *Driver {
	return &Driver{Camera0: camera0, Camera1: camera1, log: log}
}

// Health reports current per-device status. Absent when no session exists.
func (d *Driver) Health() Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return Health{Device0: DeviceAbsent, Device1: DeviceAbsent}
	}
	return Health{Device0: d.session.status0, Device1: d.session.status1}
}

// StartSession reserves both devices and begins encoding to out0/out1.
// It returns once both encoders report steady state (their first stderr
// progress line), or fails fast if either does not start within the
// context deadline.
func (d *Driver) StartSession(ctx context.Context, bookingID string, out0, out1 string, opt Options) error {
	d.mu.Lock()
	if d.session != nil {
		d.mu.Unlock()
		return pkgerr.New(pkgerr.KindDevice, "capture.StartSession", bookingID, fmt.Errorf("busy: session %s already active", d.session.bookingID))
	}
	if err := probeStaleHolder(out0); err != nil {
		d.mu.Unlock()
		return pkgerr.New(pkgerr.KindDevice, "capture.StartSession", bookingID, fmt.Errorf("device unavailable: %w", err))
	}
	sess := &session{
		bookingID: bookingID,
		path0:     out0,
		path1:     out1,
		status0:   DeviceAcquired,
		status1:   DeviceAcquired,
		done0:     make(chan error, 1),
		done1:     make(chan error, 1),
	}
	d.session = sess
	d.mu.Unlock()

	var wg sync.WaitGroup
	var err0, err1 error
	wg.Add(2)
	go func() {
		defer wg.Done()
		err0 = retry.Do(ctx, maxAttempts(opt.RetryMax), backoffBase(opt.RetryBackoff), 30*time.Second, func(attempt int) error {
			return d.startEncoder(ctx, sess, 0, d.Camera0, out0, opt)
		})
	}()
	go func() {
		defer wg.Done()
		err1 = retry.Do(ctx, maxAttempts(opt.RetryMax), backoffBase(opt.RetryBackoff), 30*time.Second, func(attempt int) error {
			return d.startEncoder(ctx, sess, 1, d.Camera1, out1, opt)
		})
	}()
	wg.Wait()

	if err0 != nil || err1 != nil {
		d.mu.Lock()
		sess.status0, sess.status1 = DeviceFaulted, DeviceFaulted
		d.session = nil
		d.mu.Unlock()
		metrics.CaptureSessionsTotal.WithLabelValues("failed").Inc()
		if err0 != nil {
			return pkgerr.New(pkgerr.KindDevice, "capture.StartSession", bookingID, err0)
		}
		return pkgerr.New(pkgerr.KindDevice, "capture.StartSession", bookingID, err1)
	}

	d.mu.Lock()
	sess.status0, sess.status1 = DeviceRecording, DeviceRecording
	skew := sess.start1.Sub(sess.start0)
	d.mu.Unlock()
	if abs(skew) > 100*time.Millisecond {
		d.log.Warn().Str("booking_id", bookingID).Dur("skew", skew).Msg("capture start skew exceeds 100ms target")
	}
	metrics.CaptureSessionsTotal.WithLabelValues("started").Inc()
	return nil
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func maxAttempts(retryMax int) int {
	if retryMax <= 0 {
		return 1
	}
	return retryMax + 1
}

func backoffBase(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return d
}

// startEncoder launches one ffmpeg encoder and blocks until it either
// produces its first progress output (steady state) or exits/errs.
func (d *Driver) startEncoder(ctx context.Context, sess *session, idx int, device, out string, opt Options) error {
	bin := opt.FFmpegBinary
	if bin == "" {
		bin = "ffmpeg"
	}
	args := buildFFmpegArgs(device, out, opt)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("capture: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("capture: start ffmpeg for %s: %w", device, err)
	}

	started := time.Now()
	steady := make(chan struct{}, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if looksLikeProgress(line) {
				select {
				case steady <- struct{}{}:
				default:
				}
			}
		}
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-steady:
		d.mu.Lock()
		if idx == 0 {
			sess.cmd0, sess.start0 = cmd, started
		} else {
			sess.cmd1, sess.start1 = cmd, started
		}
		d.mu.Unlock()
		go func() { sess.doneChan(idx) <- <-waitErr }()
		return nil
	case err := <-waitErr:
		if err != nil {
			return fmt.Errorf("capture: ffmpeg for %s exited before steady state: %w", device, err)
		}
		return fmt.Errorf("capture: ffmpeg for %s exited immediately", device)
	case <-ctx.Done():
		_ = killProcess(cmd, syscall.SIGKILL)
		return ctx.Err()
	}
}

func (s *session) doneChan(idx int) chan error {
	if idx == 0 {
		return s.done0
	}
	return s.done1
}

func looksLikeProgress(line string) bool {
	return len(line) > 0 && (contains(line, "frame=") || contains(line, "time="))
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// StopSession issues a graceful stop to both encoders, flushes trailing
// frames, closes files, and releases the devices. Idempotent: calling it
// with no active session is a no-op that returns a zero Result.
func (d *Driver) StopSession(ctx context.Context) (Result, error) {
	d.mu.Lock()
	sess := d.session
	d.mu.Unlock()
	if sess == nil {
		return Result{}, nil
	}

	stopOne := func(cmd *exec.Cmd, done chan error) {
		if cmd == nil {
			return
		}
		_ = killProcess(cmd, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = killProcess(cmd, syscall.SIGKILL)
			<-done
		}
	}
	stopOne(sess.cmd0, sess.done0)
	stopOne(sess.cmd1, sess.done1)

	result := Result{Path0: sess.path0, Path1: sess.path1}
	if info, err := os.Stat(sess.path0); err == nil {
		result.Path0Exists = true
		result.Path0Bytes = info.Size()
	}
	if info, err := os.Stat(sess.path1); err == nil {
		result.Path1Exists = true
		result.Path1Bytes = info.Size()
	}
	result.SkewMillis = sess.start1.Sub(sess.start0).Milliseconds()

	d.log.Info().
		Str("booking_id", sess.bookingID).
		Str("cam0_bytes", humanize.Bytes(uint64(result.Path0Bytes))).
		Str("cam1_bytes", humanize.Bytes(uint64(result.Path1Bytes))).
		Int64("skew_ms", result.SkewMillis).
		Msg("capture session stopped")

	d.mu.Lock()
	d.session = nil
	d.mu.Unlock()
	return result, nil
}

// NonTrivial0 and NonTrivial1 report whether a captured file is worth merging rather than
// treating the session as a total failure.
func (r Result) NonTrivial0() bool { return r.Path0Exists && r.Path0Bytes > minNonTrivialBytes }
func (r Result) NonTrivial1() bool { return r.Path1Exists && r.Path1Bytes > minNonTrivialBytes }

func buildFFmpegArgs(device, out string, opt Options) []string {
	args := []string{
		"-y",
		"-f", "v4l2",
		"-framerate", fmt.Sprintf("%d", opt.Framerate),
		"-video_size", fmt.Sprintf("%dx%d", opt.ResolutionWidth, opt.ResolutionHeight),
		"-i", device,
	}
	if opt.RotateDegrees != 0 {
		args = append(args, "-vf", rotateFilter(opt.RotateDegrees))
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", fmt.Sprintf("%dk", opt.BitrateKbps),
		"-an",
		out,
	)
	return args
}

func rotateFilter(degrees int) string {
	switch ((degrees % 360) + 360) % 360 {
	case 90:
		return "transpose=1"
	case 180:
		return "transpose=1,transpose=1"
	case 270:
		return "transpose=2"
	default:
		return "null"
	}
}

// killProcess signals the whole process group so ffmpeg's own children
// (if any) are reaped along with it.
func killProcess(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return cmd.Process.Signal(sig)
	}
	return syscall.Kill(-pgid, sig)
}

// probeStaleHolder fails fast with DeviceUnavailable semantics if the
// target output path is currently locked by a stale session marker,
// rather than blocking indefinitely waiting for a device that will never
// free up.
func probeStaleHolder(out string) error {
	if _, err := os.Stat(out + ".lock"); err == nil {
		return fmt.Errorf("stale lock file present at %s.lock", out)
	}
	return nil
}
