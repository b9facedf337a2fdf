// Package cache implements the tiered cache for resolved market data.
//
// The manager fronts two tiers with distinct latency and durability
// contracts:
//
//   - L1: Redis, volatile and fast, bounded capacity, subject to the
//     eviction tracker.
//   - L2: PostgreSQL, durable and slower, larger retention window,
//     consulted on L1 miss and backfilled into L1 on hit.
//
// Writes go to L1 synchronously and to L2 asynchronously; L2 durability
// is best-effort since the source of truth is always the upstream
// provider. Expired entries are treated as misses even while physically
// resident (lazy expiry), complementing active eviction under memory
// pressure.
//
// # Basic Usage
//
//	manager, err := cache.NewManager(cache.Config{
//		L1:      cache.NewRedisTier(redisClient),
//		L2:      cache.NewPostgresTier(gormDB),
//		Tracker: eviction.NewTracker(eviction.DefaultConfig()),
//	})
//	if err != nil {
//		return err
//	}
//
//	entry := cache.NewEntry(data, "polygon", 10*time.Second)
//	_ = manager.Set(ctx, "AAPL:price:abcd", entry)
//
//	got, err := manager.Get(ctx, "AAPL:price:abcd")
//	if err == cache.ErrCacheMiss {
//		// fall through to providers
//	}
//
// # Failure Semantics
//
// Tier failures never propagate: a failed read counts as a miss and a
// failed write is logged and dropped. Callers always either get a valid
// entry or ErrCacheMiss.
//
// # Metrics
//
// The package exports Prometheus metrics:
//
//   - arb_cache_hits_total{tier}
//   - arb_cache_misses_total{tier}
//   - arb_cache_errors_total{tier, operation}
//   - arb_cache_latency_seconds{tier, operation}
//   - arb_cache_evictions_total
package cache
