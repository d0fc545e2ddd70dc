package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simgate_gateway_requests_total",
			Help: "Total number of gateway responses by method and status",
		},
		[]string{"method", "status"},
	)

	gatewayRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simgate_gateway_rejections_total",
			Help: "Total number of gateway error responses by reason",
		},
		[]string{"reason"},
	)

	gatewayResponseBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simgate_gateway_response_bytes",
			Help:    "Size of upstream bodies passed through the gateway",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
	)
)
