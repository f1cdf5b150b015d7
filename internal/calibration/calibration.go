// Package calibration loads the optional homography document that enables
// the stitch merge path.
package calibration

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/windalfin/dualcam-recorder/internal/model"
)

// Load reads and parses a calibration document. A missing file is not an
// error — the caller treats a nil result the same as "absent", forcing the
// feather_blend fallback.
func Load(path string) (*model.Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("calibration: read %s: %w", path, err)
	}
	var cal model.Calibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("calibration: parse %s: %w", path, err)
	}
	return &cal, nil
}

// Corner is a 2D point in pixel space.
type Corner struct{ X, Y float64 }

// ProjectCorners applies the homography to the four corners of a
// frameW x frameH frame, used by Validate to check that the stitch doesn't
// throw the image off-canvas.
func ProjectCorners(cal model.Calibration, frameW, frameH int) [4]Corner {
	h := cal.Homography
	corners := [4][2]float64{
		{0, 0}, {float64(frameW), 0}, {0, float64(frameH)}, {float64(frameW), float64(frameH)},
	}
	var out [4]Corner
	for i, c := range corners {
		x, y := c[0], c[1]
		wx := h[0][0]*x + h[0][1]*y + h[0][2]
		wy := h[1][0]*x + h[1][1]*y + h[1][2]
		wz := h[2][0]*x + h[2][1]*y + h[2][2]
		if wz == 0 {
			wz = 1e-9
		}
		out[i] = Corner{X: wx / wz, Y: wy / wz}
	}
	return out
}

// Validate checks that a calibration is usable for stitching: determinant
// in [0.5, 2.0], and every projected corner must land within a generous
// margin of the canvas (allowing some overhang for the blend region).
func Validate(cal model.Calibration, canvasW, canvasH int) error {
	if !cal.ValidForStitch() {
		return fmt.Errorf("calibration: determinant %.4f out of range [0.5, 2.0]", cal.Determinant())
	}
	margin := 0.5 // corners may land up to 50% of canvas size outside it
	corners := ProjectCorners(cal, canvasW, canvasH)
	minX, minY := -float64(canvasW)*margin, -float64(canvasH)*margin
	maxX, maxY := float64(canvasW)*(1+margin), float64(canvasH)*(1+margin)
	for _, c := range corners {
		if c.X < minX || c.X > maxX || c.Y < minY || c.Y > maxY {
			return fmt.Errorf("calibration: projected corner (%.1f, %.1f) leaves canvas bounds", c.X, c.Y)
		}
	}
	return nil
}
