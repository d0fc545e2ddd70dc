package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Layer label values.
const (
	LayerMemory = "memory"
	LayerRedis  = "redis"
)

// Eviction reason label values.
const (
	EvictExpired  = "expired"
	EvictCapacity = "capacity"
)

var (
	// CacheHits tracks cache hits by layer
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simgate_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"layer"}, // "memory", "redis"
	)

	// CacheMisses tracks cache misses by layer
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simgate_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"layer"},
	)

	// CacheEvictions tracks removed entries by reason
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simgate_cache_evictions_total",
			Help: "Total number of response cache evictions",
		},
		[]string{"reason"}, // "expired", "capacity"
	)

	// CacheEntries tracks the number of entries in the memory store
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "simgate_cache_entries",
			Help: "Current number of entries in the memory response cache",
		},
	)

	// InflightJoins tracks callers that attached to an in-flight request
	InflightJoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simgate_inflight_joins_total",
			Help: "Total number of calls coalesced onto an in-flight request",
		},
	)

	// CacheErrors tracks shared tier operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simgate_cache_errors_total",
			Help: "Total number of shared cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "clear"
	)
)
