package merge

import (
	"testing"

	"github.com/windalfin/dualcam-recorder/internal/model"
)

func TestFallbackChainStitch(t *testing.T) {
	got := fallbackChain(model.MethodStitch)
	want := []model.MergeMethod{model.MethodStitch, model.MethodFeatherBlend, model.MethodSideBySide}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestFallbackChainFeatherBlend(t *testing.T) {
	got := fallbackChain(model.MethodFeatherBlend)
	if len(got) != 2 || got[0] != model.MethodFeatherBlend || got[1] != model.MethodSideBySide {
		t.Errorf("unexpected chain: %v", got)
	}
}

func TestFallbackChainSideBySideHasNoFallback(t *testing.T) {
	got := fallbackChain(model.MethodSideBySide)
	if len(got) != 1 || got[0] != model.MethodSideBySide {
		t.Errorf("unexpected chain: %v", got)
	}
}

func TestRotateFilterEmptyForZeroDegrees(t *testing.T) {
	if f := rotateFilter("0:v", 0); f != "" {
		t.Errorf("expected no filter for 0 degrees, got %q", f)
	}
}

func TestRotateFilterNinety(t *testing.T) {
	f := rotateFilter("0:v", 90)
	want := "[0:v]transpose=1[0:vr]"
	if f != want {
		t.Errorf("got %q, want %q", f, want)
	}
}

func TestMaxAttemptsFloor(t *testing.T) {
	if maxAttempts(0) != 1 {
		t.Errorf("expected floor of 1 attempt")
	}
	if maxAttempts(3) != 4 {
		t.Errorf("expected retryMax+1 attempts")
	}
}
