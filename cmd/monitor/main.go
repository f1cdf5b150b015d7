// Command monitor is a small read-only HTTP process that exposes /healthz
// (marker-consistency check across the workspace) and /metrics (Prometheus).
// It owns no state of its own and never writes a marker; it only reads what
// the supervisor and post-processor have already written.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/windalfin/dualcam-recorder/internal/config"
	"github.com/windalfin/dualcam-recorder/internal/logging"
	"github.com/windalfin/dualcam-recorder/internal/markers"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("monitor " + version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		return 1
	}

	log := logging.New("monitor")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler(cfg.WorkspaceRoot))
	mux.Handle("/metrics", promhttp.Handler())

	log.Info().Str("addr", cfg.MonitorBindAddr).Msg("monitor listening")
	if err := http.ListenAndServe(cfg.MonitorBindAddr, mux); err != nil {
		log.Error().Err(err).Msg("monitor server exited")
		return 2
	}
	return 0
}

// healthReport summarizes one workspace sweep's marker-consistency check.
type healthReport struct {
	Healthy       bool     `json:"healthy"`
	RecordingsSeen int     `json:"recordings_seen"`
	Inconsistent  []string `json:"inconsistent,omitempty"`
}

// healthzHandler walks the workspace and flags any recording directory
// whose markers violate the happens-before chain markers.Dir.Create
// enforces at write time: .completed without .merged, or a .lock older
// than an hour with no corresponding .done/.error (orphaned, not yet
// salvaged by the reaper).
func healthzHandler(workspaceRoot string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := checkWorkspace(workspaceRoot)
		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

func checkWorkspace(workspaceRoot string) healthReport {
	report := healthReport{Healthy: true}

	dateDirs, err := os.ReadDir(workspaceRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return report
		}
		report.Healthy = false
		report.Inconsistent = append(report.Inconsistent, fmt.Sprintf("read workspace root: %v", err))
		return report
	}

	for _, dd := range dateDirs {
		if !dd.IsDir() {
			continue
		}
		datePath := filepath.Join(workspaceRoot, dd.Name())
		bookingDirs, err := os.ReadDir(datePath)
		if err != nil {
			continue
		}
		for _, bd := range bookingDirs {
			if !bd.IsDir() {
				continue
			}
			report.RecordingsSeen++
			dirPath := filepath.Join(datePath, bd.Name())
			dir := markers.New(dirPath)

			if dir.Has(markers.Completed) && !dir.Has(markers.Merged) {
				report.Healthy = false
				report.Inconsistent = append(report.Inconsistent, dirPath+": .completed without .merged")
			}
			if dir.Has(markers.Lock) && !dir.Has(markers.Done) && !dir.Has(markers.Error) {
				if modTime, err := dir.ModTime(markers.Lock); err == nil && time.Since(modTime) > time.Hour {
					report.Healthy = false
					report.Inconsistent = append(report.Inconsistent, dirPath+": .lock stale for over an hour, awaiting reaper")
				}
			}
		}
	}
	return report
}
