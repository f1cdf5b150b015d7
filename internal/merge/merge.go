// Package merge implements the pure file-to-file transform that turns two
// synchronized per-camera clips into one panoramic clip: side-by-side
// concatenation, a feathered alpha-blend seam, or (given a valid
// calibration) a homography-warp stitch, each shelled out to ffmpeg via
// filter_complex graphs.
package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/windalfin/dualcam-recorder/internal/calibration"
	"github.com/windalfin/dualcam-recorder/internal/metrics"
	"github.com/windalfin/dualcam-recorder/internal/model"
	"github.com/windalfin/dualcam-recorder/internal/retry"
)

// Options carries the tunables a merge needs beyond the two input paths.
type Options struct {
	RotateDegrees int
	OverlapPixels int
	Calibration   *model.Calibration
	FFmpegBinary  string
	FFprobeBinary string
	RetryMax      int
	RetryBackoff  time.Duration
}

// Result describes what actually happened: the method that produced the
// output (which may differ from the one requested, after fallback) and the
// reason for any fallback.
type Result struct {
	Method         model.MergeMethod
	FallbackReason string
	DurationSecs   float64
}

// Merge produces out from left and right using method, retrying the
// requested method, then falling back to feather_blend, then to a minimal
// side_by_side, recording whichever one actually succeeded.
func Merge(ctx context.Context, left, right, out string, method model.MergeMethod, opt Options) (Result, error) {
	if err := validateInputs(ctx, left, right, opt); err != nil {
		return Result{}, fmt.Errorf("merge: %w", err)
	}

	chain := fallbackChain(method)
	var lastErr error
	for i, m := range chain {
		err := retry.Do(ctx, maxAttempts(opt.RetryMax), backoffBase(opt.RetryBackoff), 30*time.Second, func(attempt int) error {
			return runMethod(ctx, m, left, right, out, opt)
		})
		if err == nil {
			res := Result{Method: m}
			if i > 0 {
				res.FallbackReason = fmt.Sprintf("%s failed after retries: %v", chain[0], lastErr)
			}
			dur, verr := validateOutput(ctx, out, left, right, opt)
			if verr != nil {
				lastErr = verr
				continue
			}
			res.DurationSecs = dur
			metrics.MergeAttemptsTotal.WithLabelValues(string(m), "succeeded").Inc()
			if i > 0 {
				metrics.MergeFallbacksTotal.Inc()
			}
			return res, nil
		}
		metrics.MergeAttemptsTotal.WithLabelValues(string(m), "failed").Inc()
		lastErr = err
	}
	return Result{}, fmt.Errorf("merge: all methods exhausted, last error: %w", lastErr)
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

// fallbackChain returns the sequence of methods to try, in order, for a
// requested method: stitch falls back to feather_blend then side_by_side;
// feather_blend falls back to side_by_side; side_by_side has no fallback.
func fallbackChain(requested model.MergeMethod) []model.MergeMethod {
	switch requested {
	case model.MethodStitch:
		return []model.MergeMethod{model.MethodStitch, model.MethodFeatherBlend, model.MethodSideBySide}
	case model.MethodFeatherBlend:
		return []model.MergeMethod{model.MethodFeatherBlend, model.MethodSideBySide}
	default:
		return []model.MergeMethod{model.MethodSideBySide}
	}
}

func runMethod(ctx context.Context, method model.MergeMethod, left, right, out string, opt Options) error {
	switch method {
	case model.MethodStitch:
		return runStitch(ctx, left, right, out, opt)
	case model.MethodFeatherBlend:
		return runFeatherBlend(ctx, left, right, out, opt)
	default:
		return runSideBySide(ctx, left, right, out, opt)
	}
}

func rotateFilter(tag string, degrees int) string {
	switch ((degrees % 360) + 360) % 360 {
	case 90:
		return fmt.Sprintf("[%s]transpose=1[%s]", tag, tag+"r")
	case 180:
		return fmt.Sprintf("[%s]transpose=1,transpose=1[%s]", tag, tag+"r")
	case 270:
		return fmt.Sprintf("[%s]transpose=2[%s]", tag, tag+"r")
	default:
		return ""
	}
}

func runSideBySide(ctx context.Context, left, right, out string, opt Options) error {
	leftTag, rightTag := "0:v", "1:v"
	var pre []string
	if opt.RotateDegrees != 0 {
		if f := rotateFilter("0:v", opt.RotateDegrees); f != "" {
			pre = append(pre, f)
			leftTag = "0:vr"
		}
		if f := rotateFilter("1:v", opt.RotateDegrees); f != "" {
			pre = append(pre, f)
			rightTag = "1:vr"
		}
	}
	filter := strings.Join(append(pre,
		fmt.Sprintf("[%s]scale=-2:720[l]", leftTag),
		fmt.Sprintf("[%s]scale=-2:720[r]", rightTag),
		"[l][r]hstack=inputs=2[v]",
	), ";")
	return runFFmpeg(ctx, opt, left, right, out, filter, "[v]")
}

func runFeatherBlend(ctx context.Context, left, right, out string, opt Options) error {
	overlap := opt.OverlapPixels
	if overlap <= 0 {
		overlap = 80
	}
	leftTag, rightTag := "0:v", "1:v"
	var pre []string
	if opt.RotateDegrees != 0 {
		if f := rotateFilter("0:v", opt.RotateDegrees); f != "" {
			pre = append(pre, f)
			leftTag = "0:vr"
		}
		if f := rotateFilter("1:v", opt.RotateDegrees); f != "" {
			pre = append(pre, f)
			rightTag = "1:vr"
		}
	}
	// Linear alpha ramp across the seam: crop out the overlap strip from
	// each side, blend it with per-column weight (1 - i/overlap) on the
	// left source and i/overlap on the right, then hstack the two
	// non-blended mains around the blended seam.
	filter := strings.Join(append(pre,
		fmt.Sprintf("[%s]scale=-2:720[l]", leftTag),
		fmt.Sprintf("[%s]scale=-2:720[r]", rightTag),
		fmt.Sprintf("[l]crop=iw-%d:ih:0:0[lmain]", overlap),
		fmt.Sprintf("[l]crop=%d:ih:iw-%d:0[lseam]", overlap, overlap),
		fmt.Sprintf("[r]crop=%d:ih:0:0[rseam]", overlap),
		fmt.Sprintf("[r]crop=iw-%d:ih:%d:0[rmain]", overlap, overlap),
		fmt.Sprintf("[lseam][rseam]blend=all_expr='A*(1-X/%d)+B*(X/%d)'[seam]", overlap, overlap),
		"[lmain][seam][rmain]hstack=inputs=3[v]",
	), ";")
	return runFFmpeg(ctx, opt, left, right, out, filter, "[v]")
}

func runStitch(ctx context.Context, left, right, out string, opt Options) error {
	if opt.Calibration == nil {
		return fmt.Errorf("stitch requires calibration, none provided")
	}
	canvasW, canvasH := 1920, 1080 // nominal post-scale canvas used for validation
	if err := calibration.Validate(*opt.Calibration, canvasW, canvasH); err != nil {
		return fmt.Errorf("stitch: invalid calibration: %w", err)
	}
	h := opt.Calibration.Homography
	persp := fmt.Sprintf("%g:%g:%g:%g:%g:%g:%g:%g:%g",
		h[0][0], h[0][1], h[0][2], h[1][0], h[1][1], h[1][2], h[2][0], h[2][1], h[2][2])
	filter := strings.Join([]string{
		"[0:v]scale=-2:720[l]",
		fmt.Sprintf("[1:v]scale=-2:720,perspective=%s[rw]", persp),
		"[l][rw]blend=all_mode=average[v]",
	}, ";")
	return runFFmpeg(ctx, opt, left, right, out, filter, "[v]")
}

func runFFmpeg(ctx context.Context, opt Options, left, right, out, filter, mapLabel string) error {
	bin := opt.FFmpegBinary
	if bin == "" {
		bin = "ffmpeg"
	}
	tmp := out + ".tmp.mp4"
	args := []string{
		"-y",
		"-i", left,
		"-i", right,
		"-filter_complex", filter,
		"-map", mapLabel,
		"-an",
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "20",
		tmp,
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ffmpeg merge failed: %w\noutput: %s", err, string(output))
	}
	if err := os.Rename(tmp, out); err != nil {
		return fmt.Errorf("merge: rename into place: %w", err)
	}
	return nil
}

func validateInputs(ctx context.Context, left, right string, opt Options) error {
	for _, p := range []string{left, right} {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("input %s: %w", p, err)
		}
		if info.Size() == 0 {
			return fmt.Errorf("input %s is empty", p)
		}
		if _, err := probeDuration(ctx, p, opt); err != nil {
			return fmt.Errorf("input %s is not decodable: %w", p, err)
		}
	}
	return nil
}

// validateOutput re-probes out to confirm duration >= 0.9 * min(dur(left),
// dur(right)), positive dimensions, non-zero size, and a decodable header.
func validateOutput(ctx context.Context, out, left, right string, opt Options) (float64, error) {
	info, err := os.Stat(out)
	if err != nil {
		return 0, fmt.Errorf("validate: stat %s: %w", out, err)
	}
	if info.Size() == 0 {
		return 0, fmt.Errorf("validate: %s is zero bytes", out)
	}
	durLeft, err := probeDuration(ctx, left, opt)
	if err != nil {
		return 0, err
	}
	durRight, err := probeDuration(ctx, right, opt)
	if err != nil {
		return 0, err
	}
	expected := durLeft
	if durRight < expected {
		expected = durRight
	}
	durOut, err := probeDuration(ctx, out, opt)
	if err != nil {
		return 0, fmt.Errorf("validate: %s is not decodable: %w", out, err)
	}
	if durOut < 0.9*expected {
		return 0, fmt.Errorf("validate: output duration %.2fs below 0.9x expected %.2fs", durOut, expected)
	}
	w, h, err := probeDimensions(ctx, out, opt)
	if err != nil {
		return 0, err
	}
	if w <= 0 || h <= 0 {
		return 0, fmt.Errorf("validate: output has non-positive dimensions %dx%d", w, h)
	}
	return durOut, nil
}

func ffprobeBin(opt Options) string {
	if opt.FFprobeBinary == "" {
		return "ffprobe"
	}
	return opt.FFprobeBinary
}

func probeDuration(ctx context.Context, path string, opt Options) (float64, error) {
	cmd := exec.CommandContext(ctx, ffprobeBin(opt),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w", err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: parse %q: %w", string(out), err)
	}
	return dur, nil
}

type streamDims struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}
type probeStreams struct {
	Streams []streamDims `json:"streams"`
}

func probeDimensions(ctx context.Context, path string, opt Options) (int, int, error) {
	cmd := exec.CommandContext(ctx, ffprobeBin(opt),
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe dimensions: %w", err)
	}
	var parsed probeStreams
	if err := json.Unmarshal(out, &parsed); err != nil || len(parsed.Streams) == 0 {
		return 0, 0, fmt.Errorf("ffprobe dimensions: parse %q: %w", string(out), err)
	}
	return parsed.Streams[0].Width, parsed.Streams[0].Height, nil
}
