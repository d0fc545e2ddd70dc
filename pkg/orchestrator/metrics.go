package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// sourceError labels calls that ended in a RequestError.
const sourceError = "error"

var (
	clientRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simgate_client_requests_total",
			Help: "Total number of orchestrated calls by method and result source",
		},
		[]string{"method", "source"},
	)

	clientRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simgate_client_request_duration_seconds",
			Help:    "Duration of orchestrated calls by result source",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
)
