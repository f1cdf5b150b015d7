// Package model holds the shared data types: Booking, Calibration, and
// the on-disk artifact layout.
package model

import "time"

// Status is the booking lifecycle state.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusRecording  Status = "recording"
	StatusCompleted  Status = "completed"
	StatusProcessing Status = "processing"
	StatusUploaded   Status = "uploaded"
	StatusFailed     Status = "failed"
)

// order gives the monotone total order scheduled < recording < completed <
// processing < uploaded. failed is off-axis and terminal.
var order = map[Status]int{
	StatusScheduled:  0,
	StatusRecording:  1,
	StatusCompleted:  2,
	StatusProcessing: 3,
	StatusUploaded:   4,
}

// AdvancesFrom reports whether moving from `from` to `to` is a legal
// forward transition (or a transition into the terminal `failed` state).
func AdvancesFrom(from, to Status) bool {
	if to == StatusFailed {
		return from != StatusFailed
	}
	fromRank, fromOK := order[from]
	toRank, toOK := order[to]
	if !fromOK || !toOK {
		return false
	}
	return toRank > fromRank
}

// Booking is the unit of recording work scheduled against a camera.
type Booking struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CameraID  string    `json:"camera_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Status    Status    `json:"status,omitempty"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Duration returns end-start.
func (b Booking) Duration() time.Duration { return b.EndTime.Sub(b.StartTime) }

// Active reports whether `at` falls within [start, end).
func (b Booking) Active(at time.Time) bool {
	return !at.Before(b.StartTime) && at.Before(b.EndTime)
}

// Valid checks the basic invariants of a booking record.
func (b Booking) Valid() bool {
	return b.ID != "" && b.EndTime.After(b.StartTime) && b.Duration() >= time.Second
}

// MergeMethod enumerates the supported merge_method config values.
type MergeMethod string

const (
	MethodSideBySide   MergeMethod = "side_by_side"
	MethodStitch       MergeMethod = "stitch"
	MethodFeatherBlend MergeMethod = "feather_blend"
)

// Calibration is the optional homography document enabling the stitch
// merge path.
type Calibration struct {
	Homography   [3][3]float64 `json:"homography"`
	CreatedAt    time.Time     `json:"created_at"`
	FeatureCount int           `json:"feature_count"`
	InlierRatio  float64       `json:"inlier_ratio"`
}

// Determinant computes det(H).
func (c Calibration) Determinant() float64 {
	h := c.Homography
	return h[0][0]*(h[1][1]*h[2][2]-h[1][2]*h[2][1]) -
		h[0][1]*(h[1][0]*h[2][2]-h[1][2]*h[2][0]) +
		h[0][2]*(h[1][0]*h[2][1]-h[1][1]*h[2][0])
}

// ValidForStitch reports whether the homography's determinant falls in
// [0.5, 2.0]. Corner-projection-stays-on-canvas is checked by the caller,
// which has the frame dimensions that this package does not.
func (c Calibration) ValidForStitch() bool {
	det := c.Determinant()
	return det >= 0.5 && det <= 2.0
}

// ArtifactDir describes the per-booking recording directory layout.
type ArtifactDir struct {
	Root      string // <workspace>/<date>/<booking_id>
	BookingID string
	Date      string
}

func (a ArtifactDir) Cam0() string    { return a.Root + "/cam0.mp4" }
func (a ArtifactDir) Cam1() string    { return a.Root + "/cam1.mp4" }
func (a ArtifactDir) Merged() string  { return a.Root + "/merged.mp4" }
func (a ArtifactDir) Final() string   { return a.Root + "/final.mp4" }
func (a ArtifactDir) Metadata() string { return a.Root + "/metadata.json" }

// Metadata is the per-recording metadata.json document.
type Metadata struct {
	BookingID        string      `json:"booking_id"`
	UserID           string      `json:"user_id"`
	Method           MergeMethod `json:"method"`
	SkewMillis       int64       `json:"skew_ms"`
	Camera0Bytes     int64       `json:"camera0_bytes"`
	Camera1Bytes     int64       `json:"camera1_bytes"`
	Camera1Truncated bool        `json:"camera1_truncated,omitempty"`
	FallbackReason   string      `json:"fallback_reason,omitempty"`
	DurationSeconds  float64     `json:"duration_seconds,omitempty"`
	Checksum         string      `json:"checksum,omitempty"`
	FailureReason    string      `json:"failure_reason,omitempty"`
}
