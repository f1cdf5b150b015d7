package capture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// sysfsVideoRoot is where Linux exposes one directory per V4L2 node
// (video4linux/videoN/device/.../serial carries the USB serial for
// USB-attached cameras). Overridden in tests against a fake tree.
var sysfsVideoRoot = "/sys/class/video4linux"

type deviceRecord struct {
	Serial string `json:"serial"`
	Path   string `json:"path"`
}

type deviceSelectorState struct {
	Camera0 deviceRecord `json:"camera_0"`
	Camera1 deviceRecord `json:"camera_1"`
}

// ResolveDeviceSelectors re-resolves camera0/camera1 against a serial
// mapping persisted at statePath, so a reboot that reassigns /dev/videoN
// device nodes doesn't silently swap which physical camera a logical slot
// records from. The first successful probe of a selector persists its
// serial; later runs trust the configured path unless its serial no longer
// matches what was persisted, in which case the path currently reporting
// the persisted serial is used instead and a warning is logged. A camera
// that can't be probed (no sysfs serial, e.g. a non-USB source or a
// platform without /sys) is passed through unchanged.
func ResolveDeviceSelectors(statePath, camera0, camera1 string, log zerolog.Logger) (string, string) {
	state := loadDeviceSelectorState(statePath)

	resolved0 := resolveSelector(&state.Camera0, camera0, "camera_0", log)
	resolved1 := resolveSelector(&state.Camera1, camera1, "camera_1", log)

	if err := saveDeviceSelectorState(statePath, state); err != nil {
		log.Warn().Err(err).Str("path", statePath).Msg("failed to persist device selector state")
	}
	return resolved0, resolved1
}

func resolveSelector(rec *deviceRecord, configured, label string, log zerolog.Logger) string {
	serial, err := probeSerial(configured)
	if err != nil || serial == "" {
		return configured
	}

	switch {
	case rec.Serial == "":
		rec.Serial = serial
		rec.Path = configured
		return configured
	case rec.Serial == serial:
		rec.Path = configured
		return configured
	}

	if found := findDeviceBySerial(rec.Serial); found != "" {
		log.Warn().
			Str("selector", label).
			Str("configured_path", configured).
			Str("resolved_path", found).
			Msg("camera device path changed across reboot, re-resolved by persisted serial")
		rec.Path = found
		return found
	}

	log.Warn().
		Str("selector", label).
		Str("configured_path", configured).
		Str("persisted_serial", rec.Serial).
		Str("observed_serial", serial).
		Msg("camera serial no longer matches persisted mapping and no device reports it, falling back to configured path")
	rec.Serial = serial
	rec.Path = configured
	return configured
}

func probeSerial(devicePath string) (string, error) {
	base := filepath.Base(devicePath)
	serialPath := filepath.Join(sysfsVideoRoot, base, "device", "..", "serial")
	data, err := os.ReadFile(serialPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func findDeviceBySerial(serial string) string {
	entries, err := os.ReadDir(sysfsVideoRoot)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		candidate := filepath.Join("/dev", e.Name())
		if s, err := probeSerial(candidate); err == nil && s == serial {
			return candidate
		}
	}
	return ""
}

func loadDeviceSelectorState(path string) deviceSelectorState {
	var state deviceSelectorState
	data, err := os.ReadFile(path)
	if err != nil {
		return state
	}
	_ = json.Unmarshal(data, &state)
	return state
}

func saveDeviceSelectorState(path string, state deviceSelectorState) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("capture: marshal device selector state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("capture: mkdir for device selector state: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
