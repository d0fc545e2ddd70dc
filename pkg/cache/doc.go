// Package cache provides the response cache and in-flight request map used
// by the client request orchestrator.
//
// The Store keeps two maps behind one mutex:
//
// - a response cache with per-entry TTL (clamped to 15s) and a hard cap of
// 150 entries, evicting the oldest-inserted entry first (FIFO, not LRU)
// - an in-flight map from dedupe key to a shared Call, so concurrent
// identical requests hit the network once
//
// A Store is created once at process start and injected where needed;
// consumers go through its methods only.
//
// # Basic Usage
//
//	store := cache.NewStore(cache.DefaultOptions())
//
//	key := cache.Key{Method: "GET", URL: "/dashboard?tab=active"}.String()
//	if v, ok := store.Get(key); ok {
//		// served from cache
//	}
//
//	v, shared, err := store.Do(ctx, key, func() (any, error) {
//		return fetchDashboard(ctx)
//	})
//	if err == nil {
//		store.Set(key, v, 9*time.Second)
//	}
//
// # Shared Tier
//
// RedisTier is an optional second level backed by Redis so several
// processes can reuse each other's responses. It applies the same TTL
// ceiling and FIFO capacity.
//
//	tier := cache.NewRedisTier(redisClient, cache.DefaultRedisOptions())
//	entry := &cache.Entry{Data: body, Status: 200, ExpiresAt: time.Now().Add(ttl)}
//	data, _ := entry.Marshal()
//	_ = tier.Set(ctx, key, data, ttl)
//
// # Metrics
//
//   - simgate_cache_hits_total{layer} - Cache hits ("memory", "redis")
//   - simgate_cache_misses_total{layer} - Cache misses
//   - simgate_cache_evictions_total{reason} - Evictions ("expired", "capacity")
//   - simgate_cache_entries - Entries resident in the memory store
//   - simgate_inflight_joins_total - Calls coalesced onto an in-flight request
//   - simgate_cache_errors_total{operation} - Shared tier errors
package cache
