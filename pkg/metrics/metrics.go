// Package metrics exposes the Prometheus registry used by simgate.
// All metrics are defined in their respective packages (cache, fetch,
// gateway, orchestrator) to keep them next to the code that updates them.
//
// This package provides the scrape handler and a reference for all
// available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all simgate metrics are registered with via
// promauto.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the matching gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics scrape handler.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		Registry,
		promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}),
	)
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - simgate_cache_hits_total{layer} (Counter): Cache hits by layer (memory, redis)
//   - simgate_cache_misses_total{layer} (Counter): Cache misses by layer
//   - simgate_cache_evictions_total{reason} (Counter): Evictions (expired, capacity)
//   - simgate_cache_entries (Gauge): Entries in the memory store
//   - simgate_inflight_joins_total (Counter): Calls coalesced onto an in-flight request
//   - simgate_cache_errors_total{operation} (Counter): Shared tier errors
//
// Upstream Metrics (pkg/fetch):
//   - simgate_upstream_attempts_total{method, outcome} (Counter): Attempts by status or failure
//   - simgate_upstream_retries_total{reason} (Counter): Retries by error class
//   - simgate_upstream_retry_backoff_seconds (Histogram): Backoff delays
//   - simgate_upstream_duration_seconds{method} (Histogram): Logical call duration
//   - simgate_upstream_failures_total{error_class} (Counter): Terminal failures
//
// Gateway Metrics (pkg/gateway):
//   - simgate_gateway_requests_total{method, status} (Counter): Responses by status
//   - simgate_gateway_rejections_total{reason} (Counter): Error responses by reason
//   - simgate_gateway_response_bytes (Histogram): Passed-through body sizes
//
// Client Metrics (pkg/orchestrator):
//   - simgate_client_requests_total{method, source} (Counter): Calls by source
//     (network, cache, shared-cache, dedupe, error)
//   - simgate_client_request_duration_seconds{source} (Histogram): Call duration
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(simgate_cache_hits_total[5m])) /
//   (sum(rate(simgate_cache_hits_total[5m])) + sum(rate(simgate_cache_misses_total[5m])))
//
//   # Gateway 502 Rate by Reason
//   sum by (reason) (rate(simgate_gateway_rejections_total[5m]))
//
//   # Retry Pressure
//   rate(simgate_upstream_retries_total[5m])
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(simgate_upstream_duration_seconds_bucket[5m]))
//
//   # Dedupe Savings
//   rate(simgate_client_requests_total{source="dedupe"}[5m])
