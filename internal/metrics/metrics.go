package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sentracs"

var (
	scanDurationBuckets = []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1200}

	ScanDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scan_duration_seconds",
		Help:      "Time taken for a tenant scan to reach a terminal state.",
		Buckets:   scanDurationBuckets,
	}, []string{"tenant"})

	ScanRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scan_runs_total",
		Help:      "Count of scan executions by terminal status.",
	}, []string{"tenant", "status"})

	ScanLastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scan_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last completed scan.",
	}, []string{"tenant"})

	CheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "check_duration_seconds",
		Help:      "Time taken for a single check invocation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"check"})

	CheckFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "check_failures_total",
		Help:      "Count of check invocations degraded to synthetic findings.",
	}, []string{"check"})

	FindingTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "finding_transitions_total",
		Help:      "Count of reconciler state transitions applied to findings.",
	}, []string{"transition"})

	ScheduledScansTriggeredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduled_scans_triggered_total",
		Help:      "Count of scans started by the schedule trigger loop.",
	})
)

// Reconciler transition labels.
const (
	TransitionNew           = "new"
	TransitionUpdated       = "updated"
	TransitionReopened      = "reopened"
	TransitionVerifiedFixed = "verified_fixed"
)
