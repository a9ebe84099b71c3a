// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CycleResults counts per-entry reconciliation cycles by outcome, e.g.
	// "ok", "removed", "write_back_failed", "push_failed" or "panic".
	CycleResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_cycles_total",
			Help: "Total number of reconciliation cycles by result",
		},
		[]string{"result"},
	)

	// SignalFailures counts signals downgraded to false because they could not be computed.
	SignalFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_signal_failures_total",
			Help: "Total number of checklist signals that failed to evaluate",
		},
		[]string{"item"},
	)

	// DescriptionWrites counts description write-backs.
	DescriptionWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_description_writes_total",
			Help: "Total number of checklist write-backs to change request descriptions",
		},
		[]string{"result"},
	)

	// StatusPushes counts pushes to the issue tracker by derived status.
	StatusPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_status_pushes_total",
			Help: "Total number of work item status pushes",
		},
		[]string{"status", "result"},
	)

	// TrackedEntries is the current size of the tracked set.
	TrackedEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracksync_tracked_entries",
			Help: "Number of change requests currently tracked",
		},
	)

	// PassDuration observes how long a full scheduler pass takes.
	PassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracksync_pass_duration_seconds",
			Help:    "Duration of a scheduler pass over due entries",
			Buckets: prometheus.DefBuckets,
		},
	)
)
