// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP requests handled by the API.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// TestRunsTotal counts finished test runs by test and terminal status.
	TestRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_runs_total",
			Help: "Total number of diagnostic test runs by terminal status.",
		},
		[]string{"test_id", "status"},
	)

	// ActiveTestRuns tracks the number of currently running tests.
	ActiveTestRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_test_runs",
			Help: "Number of test runs currently executing.",
		},
	)

	// TestRunDuration observes wall-clock run durations.
	TestRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_run_duration_seconds",
			Help:    "Duration of diagnostic test runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"test_id"},
	)
)
