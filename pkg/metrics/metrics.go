// Package metrics exposes the Prometheus instrumentation for the
// standby-slot builder, downloader, and boot controller.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Standby-slot builder metrics
	RegularFilesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "otaclient_regular_files_total",
			Help: "Total number of regular-file hash buckets (distinct content hashes, not manifest entries) in the current update",
		},
	)

	RegularFilesProcessed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otaclient_regular_files_processed",
			Help: "Number of regular-file hash buckets applied so far, by operation",
		},
		[]string{"op"},
	)

	RegularBytesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otaclient_regular_bytes_processed_total",
			Help: "Bytes applied so far, by operation",
		},
		[]string{"op"},
	)

	RegularOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "otaclient_regular_op_duration_seconds",
			Help:    "Duration of a single regular-file apply task, by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	DownloadErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "otaclient_download_errors_total",
			Help: "Total number of download errors, including retries that were eventually successful",
		},
	)

	DownloadRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "otaclient_download_retries_total",
			Help: "Total number of download retry attempts",
		},
	)

	// Standby build lifecycle
	StandbyBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "otaclient_standby_build_duration_seconds",
			Help:    "Time taken to build the standby slot in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	UpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otaclient_updates_total",
			Help: "Total number of update attempts by final status",
		},
		[]string{"status"},
	)

	// Boot controller metrics
	BootStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otaclient_slot_status",
			Help: "Current persisted OTA status per slot (1 = current value, labeled by slot and status)",
		},
		[]string{"slot_id", "status"},
	)

	FinalizationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "otaclient_finalization_duration_seconds",
			Help:    "Time taken for post-reboot finalization",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(RegularFilesTotal)
	prometheus.MustRegister(RegularFilesProcessed)
	prometheus.MustRegister(RegularBytesProcessed)
	prometheus.MustRegister(RegularOpDuration)
	prometheus.MustRegister(DownloadErrorsTotal)
	prometheus.MustRegister(DownloadRetriesTotal)
	prometheus.MustRegister(StandbyBuildDuration)
	prometheus.MustRegister(UpdatesTotal)
	prometheus.MustRegister(BootStatusGauge)
	prometheus.MustRegister(FinalizationDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
