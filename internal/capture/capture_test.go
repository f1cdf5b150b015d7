package capture

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestRotateFilterKnownAngles(t *testing.T) {
	cases := map[int]string{0: "null", 90: "transpose=1", 180: "transpose=1,transpose=1", 270: "transpose=2", -90: "transpose=2"}
	for degrees, want := range cases {
		if got := rotateFilter(degrees); got != want {
			t.Errorf("rotateFilter(%d) = %q, want %q", degrees, got, want)
		}
	}
}

func TestBuildFFmpegArgsIncludesCoreFlags(t *testing.T) {
	opt := Options{ResolutionWidth: 1920, ResolutionHeight: 1080, Framerate: 30, BitrateKbps: 4000}
	args := buildFFmpegArgs("/dev/video0", "/tmp/out.mp4", opt)

	want := []string{"-i", "/dev/video0", "-video_size", "1920x1080", "-framerate", "30", "-b:v", "4000k", "/tmp/out.mp4"}
	for _, w := range want {
		found := false
		for _, a := range args {
			if a == w {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected arg %q in %v", w, args)
		}
	}
}

func TestLooksLikeProgress(t *testing.T) {
	if !looksLikeProgress("frame=  120 fps=30 q=28.0 size=...") {
		t.Error("expected frame= line to be recognized as progress")
	}
	if looksLikeProgress("Input #0, video4linux2,v4l2") {
		t.Error("did not expect input-probe line to be recognized as progress")
	}
}

func TestResultNonTrivial(t *testing.T) {
	r := Result{Path0Exists: true, Path0Bytes: minNonTrivialBytes + 1, Path1Exists: true, Path1Bytes: 10}
	if !r.NonTrivial0() {
		t.Error("expected Path0 to be non-trivial")
	}
	if r.NonTrivial1() {
		t.Error("expected Path1 to be trivial")
	}
}

func TestHealthAbsentWithNoSession(t *testing.T) {
	d := New("/dev/video0", "/dev/video1", testLogger())
	h := d.Health()
	if h.Device0 != DeviceAbsent || h.Device1 != DeviceAbsent {
		t.Errorf("expected both devices absent, got %+v", h)
	}
}
