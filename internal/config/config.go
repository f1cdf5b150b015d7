// Package config loads and validates the process-wide configuration: camera
// selection, encode settings, merge policy, retry budgets, and the object
// store / booking store connection details. Configuration is loaded once at
// startup and treated as immutable afterward.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// MergeMethod mirrors model.MergeMethod without importing internal/model,
// keeping config dependency-free of the domain package it configures.
type MergeMethod string

const (
	MethodSideBySide   MergeMethod = "side_by_side"
	MethodStitch       MergeMethod = "stitch"
	MethodFeatherBlend MergeMethod = "feather_blend"
)

// Config is the full set of process-wide options.
type Config struct {
	Camera0ID string `koanf:"camera_0_id"`
	Camera1ID string `koanf:"camera_1_id"`

	ResolutionWidth  int `koanf:"resolution_width"`
	ResolutionHeight int `koanf:"resolution_height"`
	Framerate        int `koanf:"framerate"`
	BitrateKbps      int `koanf:"bitrate_kbps"`

	MergeMethod    MergeMethod `koanf:"merge_method"`
	RotateDegrees  int         `koanf:"rotate_degrees"`
	OverlapPixels  int         `koanf:"overlap_pixels"`

	PollIntervalSecs int `koanf:"poll_interval_secs"`

	RetryMax          int `koanf:"retry_max"`
	RetryBackoffSecs  int `koanf:"retry_backoff_secs"`

	WorkspaceRoot string `koanf:"workspace_root"`

	ObjectStoreBucket    string `koanf:"object_store_bucket"`
	ObjectStorePrefix    string `koanf:"object_store_prefix"`
	ObjectStoreAccessKey string `koanf:"object_store_creds_access_key"`
	ObjectStoreSecretKey string `koanf:"object_store_creds_secret_key"`
	ObjectStoreEndpoint  string `koanf:"object_store_creds_endpoint"`
	ObjectStoreRegion    string `koanf:"object_store_creds_region"`

	BookingStoreURL string `koanf:"booking_store_url"`
	BookingStoreKey string `koanf:"booking_store_key"`

	TimezoneName string `koanf:"timezone_name"`

	FFmpegBinary  string `koanf:"ffmpeg_binary"`
	FFprobeBinary string `koanf:"ffprobe_binary"`

	PostProcessWorkers int `koanf:"postprocess_workers"`

	BookingCachePath        string `koanf:"booking_cache_path"`
	BookingCacheFailAfter   int    `koanf:"booking_cache_fail_after"`
	CalibrationPath         string `koanf:"calibration_path"`
	RetryStorePath          string `koanf:"retry_store_path"`
	DeviceSelectorStatePath string `koanf:"device_selector_state_path"`

	IntroPath        string `koanf:"intro_path"`
	LogoMainPath     string `koanf:"logo_main_path"`
	LogoMainCorner   string `koanf:"logo_main_corner"`
	LogoMainWidthPx  int    `koanf:"logo_main_width_px"`
	LogoSecondPath   string `koanf:"logo_second_path"`
	LogoSecondCorner string `koanf:"logo_second_corner"`

	ReaperGraceSecs int    `koanf:"reaper_grace_secs"`
	ReaperSchedule  string `koanf:"reaper_schedule"`

	MonitorBindAddr string `koanf:"monitor_bind_addr"`
}

// PollInterval is config.PollIntervalSecs as a time.Duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// RetryBackoff is config.RetryBackoffSecs as a time.Duration.
func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSecs) * time.Second
}

// ReaperGrace is config.ReaperGraceSecs as a time.Duration.
func (c Config) ReaperGrace() time.Duration {
	return time.Duration(c.ReaperGraceSecs) * time.Second
}

// defaults holds the built-in default value for every option, loaded as
// koanf's lowest-precedence layer.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"resolution_width":    1920,
		"resolution_height":   1080,
		"framerate":           30,
		"bitrate_kbps":        4000,
		"merge_method":        string(MethodSideBySide),
		"rotate_degrees":      0,
		"overlap_pixels":      80,
		"poll_interval_secs":  5,
		"retry_max":           5,
		"retry_backoff_secs":  10,
		"workspace_root":      "/var/lib/dualcam/workspace",
		"ffmpeg_binary":       "ffmpeg",
		"ffprobe_binary":      "ffprobe",
		"postprocess_workers": 0, // 0 = CPU cores / 2, clamped >= 1 (applied by postprocess.New)

		"booking_cache_path":          "/var/lib/dualcam/booking_cache.json",
		"booking_cache_fail_after":    3,
		"retry_store_path":            "/var/lib/dualcam/retry_queue.db",
		"device_selector_state_path":  "/var/lib/dualcam/device_selectors.json",

		"logo_main_corner":    "br",
		"logo_main_width_px":  200,
		"logo_second_corner":  "tl",

		"reaper_grace_secs": 300,
		"reaper_schedule":   "@every 1m",

		"monitor_bind_addr": ":9090",
	}
}

// Load builds a Config from an optional YAML file plus environment
// variables. Env vars always win over the file, which always wins over
// built-in defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	var resolutionRaw string
	envProvider := env.Provider(".", env.Opt{
		TransformFunc: func(key, value string) (string, any) {
			if key == "RESOLUTION" {
				resolutionRaw = value
				return "", nil
			}
			mapped, ok := envKeyMap[key]
			if !ok {
				return "", nil
			}
			return mapped, value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if resolutionRaw != "" {
		w, h, err := resolveResolution(resolutionRaw)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		cfg.ResolutionWidth, cfg.ResolutionHeight = w, h
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKeyMap is the environment-variable-name to koanf-key table.
var envKeyMap = map[string]string{
	"CAMERA_0_ID":             "camera_0_id",
	"CAMERA_1_ID":             "camera_1_id",
	"FRAMERATE":               "framerate",
	"BITRATE":                 "bitrate_kbps",
	"MERGE_METHOD":            "merge_method",
	"ROTATE_DEGREES":          "rotate_degrees",
	"OVERLAP_PIXELS":          "overlap_pixels",
	"WORKSPACE_ROOT":          "workspace_root",
	"POLL_INTERVAL_SECS":      "poll_interval_secs",
	"RETRY_MAX":               "retry_max",
	"RETRY_BACKOFF_SECS":      "retry_backoff_secs",
	"OBJECT_STORE_BUCKET":     "object_store_bucket",
	"OBJECT_STORE_PREFIX":     "object_store_prefix",
	"OBJECT_STORE_CREDS_ACCESS_KEY": "object_store_creds_access_key",
	"OBJECT_STORE_CREDS_SECRET_KEY": "object_store_creds_secret_key",
	"OBJECT_STORE_CREDS_ENDPOINT":   "object_store_creds_endpoint",
	"OBJECT_STORE_CREDS_REGION":     "object_store_creds_region",
	"BOOKING_STORE_URL":       "booking_store_url",
	"BOOKING_STORE_KEY":       "booking_store_key",
	"TIMEZONE_NAME":           "timezone_name",
	"RESOLUTION":              "resolution", // handled specially, see resolveResolution

	"BOOKING_CACHE_PATH":          "booking_cache_path",
	"BOOKING_CACHE_FAIL_AFTER":    "booking_cache_fail_after",
	"CALIBRATION_PATH":            "calibration_path",
	"RETRY_STORE_PATH":            "retry_store_path",
	"DEVICE_SELECTOR_STATE_PATH":  "device_selector_state_path",

	"INTRO_PATH":          "intro_path",
	"LOGO_MAIN_PATH":      "logo_main_path",
	"LOGO_MAIN_CORNER":    "logo_main_corner",
	"LOGO_MAIN_WIDTH_PX":  "logo_main_width_px",
	"LOGO_SECOND_PATH":    "logo_second_path",
	"LOGO_SECOND_CORNER":  "logo_second_corner",

	"REAPER_GRACE_SECS": "reaper_grace_secs",
	"REAPER_SCHEDULE":   "reaper_schedule",

	"MONITOR_BIND_ADDR": "monitor_bind_addr",
}

// Validate fail-fasts on missing or invalid configuration.
func (c *Config) Validate() error {
	if c.Camera0ID == "" || c.Camera1ID == "" {
		return fmt.Errorf("config: camera_0_id and camera_1_id are required (CAMERA_0_ID, CAMERA_1_ID)")
	}
	if c.Camera0ID == c.Camera1ID {
		return fmt.Errorf("config: camera_0_id and camera_1_id must differ")
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("config: workspace_root is required (WORKSPACE_ROOT)")
	}
	if c.Framerate <= 0 {
		return fmt.Errorf("config: framerate must be positive")
	}
	if c.ResolutionWidth <= 0 || c.ResolutionHeight <= 0 {
		return fmt.Errorf("config: resolution must be positive (got %dx%d)", c.ResolutionWidth, c.ResolutionHeight)
	}
	switch c.MergeMethod {
	case MethodSideBySide, MethodStitch, MethodFeatherBlend:
	default:
		return fmt.Errorf("config: merge_method must be one of side_by_side|stitch|feather_blend, got %q", c.MergeMethod)
	}
	if c.PollIntervalSecs <= 0 {
		return fmt.Errorf("config: poll_interval_secs must be positive")
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("config: retry_max must be >= 0")
	}
	if c.MergeMethod == MethodFeatherBlend && c.OverlapPixels <= 0 {
		return fmt.Errorf("config: overlap_pixels must be positive for feather_blend")
	}
	return nil
}

// resolveResolution parses a "WIDTHxHEIGHT" RESOLUTION env override, applied
// by the caller after Unmarshal since koanf has no native "1920x1080" type.
func resolveResolution(raw string) (w, h int, err error) {
	parts := strings.SplitN(raw, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid RESOLUTION %q, want WIDTHxHEIGHT", raw)
	}
	w, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid RESOLUTION width %q: %w", parts[0], err)
	}
	h, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid RESOLUTION height %q: %w", parts[1], err)
	}
	return w, h, nil
}
