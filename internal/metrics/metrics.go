// Package metrics holds loom's in-process prometheus counters and
// gauges (tick duration, sessions running, merges in flight, retries).
// Nothing here serves an HTTP endpoint: the daemon's only external
// surface is the IPC socket (§6.3), so these registries exist purely
// for introspection from tests and from whatever embeds the daemon.
// Grounded in a reference cluster orchestrator's pkg/metrics package —
// same registration-at-init shape, trimmed to loom's own concerns.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_tick_duration_seconds",
			Help:    "Time taken by one orchestrator tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_ticks_total",
			Help: "Total number of orchestrator ticks run",
		},
	)

	SessionsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_sessions_running",
			Help: "Number of currently running agent sessions",
		},
	)

	StagesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_stages_by_status",
			Help: "Number of stages currently in each status",
		},
		[]string{"status"},
	)

	MergesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_merges_in_flight",
			Help: "1 while the merge coordinator holds merge.lock, else 0",
		},
	)

	MergeConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_merge_conflicts_total",
			Help: "Total number of merge attempts that ended in conflict",
		},
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_retries_total",
			Help: "Total number of transient-failure retries scheduled",
		},
	)

	HandoffsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_handoffs_total",
			Help: "Total number of handoffs generated, by trigger",
		},
		[]string{"trigger"},
	)

	IPCConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_ipc_connections_active",
			Help: "Number of currently open IPC client connections",
		},
	)
)

// Registry is a private registry rather than the global default, so
// tests can spin up independent Orchestrators without colliding on
// duplicate-registration panics (prometheus.MustRegister is global by
// default).
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		TickDuration,
		TicksTotal,
		SessionsRunning,
		StagesByStatus,
		MergesInFlight,
		MergeConflictsTotal,
		RetriesTotal,
		HandoffsTotal,
		IPCConnectionsActive,
	)
}

// Timer mirrors the reference metrics package's helper for timing a
// single operation against a histogram.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
