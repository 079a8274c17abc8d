// Package metrics holds the prometheus collectors of the client and the
// server. The server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync controller
	ModeTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_sync_mode_transitions_total",
			Help: "Total sync controller mode transitions",
		},
		[]string{"mode"},
	)

	BatchesApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_sync_batches_applied_total",
			Help: "Total live batches published",
		},
	)

	StaleBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_sync_stale_batches_total",
			Help: "Total batches dropped because their subscription was superseded",
		},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_cache_errors_total",
			Help: "Total local cache failures",
		},
		[]string{"op"}, // "read" or "write"
	)

	Sends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_sends_total",
			Help: "Total send attempts by result",
		},
		[]string{"result"},
	)

	UploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "minichat_upload_duration_seconds",
			Help:    "Attachment upload duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"result"},
	)

	// Server
	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minichat_ws_sessions",
			Help: "Open websocket sessions",
		},
	)

	RecordsAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_records_appended_total",
			Help: "Total records accepted by the remote log",
		},
	)

	BatchesPushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_batches_pushed_total",
			Help: "Total snapshot batches pushed to subscribers",
		},
	)

	ObjectsStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_objects_stored_total",
			Help: "Total objects written to object storage",
		},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "minichat_store_latency_seconds",
			Help:    "Record store operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)
)

// Result labels.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
)
