// Package metrics declares the Prometheus counters scraped by cmd/monitor.
// Each long-lived package increments its own counters directly; this
// package only owns the registration so every process sees the same
// names regardless of which binary links it in.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CaptureSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dualcam_capture_sessions_total",
		Help: "Total number of capture sessions started, labeled by outcome",
	}, []string{"result"})

	MergeAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dualcam_merge_attempts_total",
		Help: "Total number of merge attempts, labeled by method and outcome",
	}, []string{"method", "result"})

	MergeFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dualcam_merge_fallbacks_total",
		Help: "Total number of merges that fell back to a non-primary method",
	})

	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dualcam_uploads_total",
		Help: "Total number of object-store uploads, labeled by outcome",
	}, []string{"result"})

	UploadsDeferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dualcam_uploads_deferred_total",
		Help: "Total number of uploads that exhausted inline retries and were deferred to the local queue",
	})
)
