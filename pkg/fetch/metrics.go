package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for upstream fetch operations.
var (
	upstreamAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simgate_upstream_attempts_total",
		Help: "Total upstream attempts by method and outcome",
	}, []string{"method", "outcome"})

	upstreamRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simgate_upstream_retries_total",
		Help: "Total number of upstream retries by reason",
	}, []string{"reason"})

	upstreamRetryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "simgate_upstream_retry_backoff_seconds",
		Help:    "Backoff duration before an upstream retry",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2},
	})

	upstreamDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simgate_upstream_duration_seconds",
		Help:    "Duration of a logical upstream call across all attempts",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 90},
	}, []string{"method"})

	upstreamFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simgate_upstream_failures_total",
		Help: "Total terminal upstream failures by error class",
	}, []string{"error_class"})
)
