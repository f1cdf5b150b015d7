package postprocess

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// introCache remembers the last re-encoded intro asset, keyed by the
// source intro's mtime plus the target codec/resolution, so a repeated
// run against an unchanged intro.mp4 doesn't pay for a fresh re-encode.
type introCache struct {
	mu   sync.Mutex
	key  string
	path string
}

func newIntroCache() *introCache { return &introCache{} }

func (c *introCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == key {
		if _, err := os.Stat(c.path); err == nil {
			return c.path, true
		}
	}
	return "", false
}

func (c *introCache) put(key, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	c.path = path
}

// applyIntroAndLogos runs the branding pipeline against merged, producing
// a final branded file in the same directory. If there is nothing to brand,
// it copies merged to final.mp4 and returns that path.
func (p *Processor) applyIntroAndLogos(ctx context.Context, dirPath, merged string) (string, error) {
	current := merged

	if p.opt.IntroPath != "" {
		if _, err := os.Stat(p.opt.IntroPath); err == nil {
			withIntro := filepath.Join(dirPath, "intro_merged.mp4")
			if err := p.concatIntro(ctx, current, withIntro); err != nil {
				return "", fmt.Errorf("intro concatenation: %w", err)
			}
			current = withIntro
		}
	}

	if len(p.opt.Overlays) > 0 {
		branded := filepath.Join(dirPath, "final.mp4")
		if err := p.overlayLogos(ctx, current, branded); err != nil {
			return "", fmt.Errorf("logo overlay: %w", err)
		}
		return branded, nil
	}

	if current == merged {
		// Nothing to brand; final.mp4 is just a copy-in-place rename target.
		final := filepath.Join(dirPath, "final.mp4")
		if err := copyFile(merged, final); err != nil {
			return "", fmt.Errorf("copy merged to final: %w", err)
		}
		return final, nil
	}
	final := filepath.Join(dirPath, "final.mp4")
	if err := os.Rename(current, final); err != nil {
		return "", fmt.Errorf("rename branded output to final: %w", err)
	}
	return final, nil
}

// concatIntro demuxes intro.mp4 then merged into out. If codec/resolution
// don't match, the intro is re-encoded once to match merged and cached.
func (p *Processor) concatIntro(ctx context.Context, merged, out string) error {
	introPath := p.opt.IntroPath
	mergedCodec, mergedW, mergedH, err := probeCodecAndDims(ctx, merged, p.opt)
	if err != nil {
		return fmt.Errorf("probe merged: %w", err)
	}
	introCodec, introW, introH, err := probeCodecAndDims(ctx, introPath, p.opt)
	if err != nil {
		return fmt.Errorf("probe intro: %w", err)
	}

	usableIntro := introPath
	if introCodec != mergedCodec || introW != mergedW || introH != mergedH {
		mtime, err := introMTime(introPath)
		if err != nil {
			return err
		}
		cacheKey := fmt.Sprintf("%s:%s:%dx%d", mtime, mergedCodec, mergedW, mergedH)
		if cached, ok := p.introCache.get(cacheKey); ok {
			usableIntro = cached
		} else {
			reencoded := filepath.Join(filepath.Dir(out), "intro_reencoded.mp4")
			if err := reencodeIntro(ctx, introPath, reencoded, mergedCodec, mergedW, mergedH, p.opt); err != nil {
				return fmt.Errorf("re-encode intro: %w", err)
			}
			p.introCache.put(cacheKey, reencoded)
			usableIntro = reencoded
		}
	}

	listFile := filepath.Join(filepath.Dir(out), "concat.txt")
	content := fmt.Sprintf("file '%s'\nfile '%s'\n", usableIntro, merged)
	if err := os.WriteFile(listFile, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	bin := p.opt.FFmpegBinary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, "-y", "-f", "concat", "-safe", "0", "-i", listFile, "-c", "copy", out)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w\noutput: %s", err, string(output))
	}
	return nil
}

func reencodeIntro(ctx context.Context, introPath, out, codec string, width, height int, opt Options) error {
	bin := opt.FFmpegBinary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, "-y", "-i", introPath,
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-c:v", codec,
		"-an",
		out,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w\noutput: %s", err, string(output))
	}
	return nil
}

// overlayLogos applies up to N overlays in a single filter_complex chain.
// A missing non-required overlay is skipped silently; a missing required
// overlay is a hard error.
func (p *Processor) overlayLogos(ctx context.Context, input, out string) error {
	bin := p.opt.FFmpegBinary
	if bin == "" {
		bin = "ffmpeg"
	}

	var present []LogoOverlay
	for _, ov := range p.opt.Overlays {
		if _, err := os.Stat(ov.Path); err != nil {
			if ov.Required {
				return fmt.Errorf("required logo overlay missing: %s", ov.Path)
			}
			continue
		}
		present = append(present, ov)
	}
	if len(present) == 0 {
		return copyFile(input, out)
	}

	args := []string{"-y", "-i", input}
	for _, ov := range present {
		args = append(args, "-i", ov.Path)
	}

	var filters []string
	stage := "0:v"
	for i, ov := range present {
		tag := fmt.Sprintf("v%d", i+1)
		scaled := fmt.Sprintf("s%d", i+1)
		if ov.WidthPx > 0 {
			filters = append(filters, fmt.Sprintf("[%d:v]scale=%d:-1[%s]", i+1, ov.WidthPx, scaled))
		} else {
			scaled = fmt.Sprintf("%d:v", i+1)
		}
		filters = append(filters, fmt.Sprintf("[%s][%s]overlay=%s[%s]", stage, scaled, overlayExpr(ov.Corner), tag))
		stage = tag
	}
	filterComplex := strings.Join(filters, ";")

	args = append(args, "-filter_complex", filterComplex, "-map", fmt.Sprintf("[%s]", stage), "-c:a", "copy", out)
	cmd := exec.CommandContext(ctx, bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg overlay: %w\noutput: %s", err, string(output))
	}
	return nil
}

func overlayExpr(c Corner) string {
	const margin = 16
	switch c {
	case TopLeft:
		return fmt.Sprintf("%d:%d", margin, margin)
	case TopRight:
		return fmt.Sprintf("main_w-overlay_w-%d:%d", margin, margin)
	case BottomLeft:
		return fmt.Sprintf("%d:main_h-overlay_h-%d", margin, margin)
	case BottomRight:
		return fmt.Sprintf("main_w-overlay_w-%d:main_h-overlay_h-%d", margin, margin)
	default:
		return fmt.Sprintf("%d:%d", margin, margin)
	}
}

func probeCodecAndDims(ctx context.Context, path string, opt Options) (codec string, width, height int, err error) {
	bin := opt.FFprobeBinary
	if bin == "" {
		bin = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height",
		"-of", "csv=p=0",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return "", 0, 0, err
	}
	parts := strings.Split(strings.TrimSpace(string(out)), ",")
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("unexpected ffprobe output %q", string(out))
	}
	var w, h int
	if _, err := fmt.Sscanf(parts[1], "%d", &w); err != nil {
		return "", 0, 0, err
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &h); err != nil {
		return "", 0, 0, err
	}
	return parts[0], w, h, nil
}

func introMTime(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return info.ModTime().UTC().Format("20060102T150405"), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
