// Package metrics provides the centralized Prometheus registry for the
// arbitration service. All metrics are defined in their respective
// packages (engine, cache, eviction, provider, warmer) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the service.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Resolve Metrics (pkg/engine):
//   - arb_resolve_total{outcome} (Counter): Resolves by outcome (cache, provider, error)
//   - arb_resolve_duration_seconds{outcome} (Histogram): Resolve duration by outcome
//   - arb_fallback_depth (Histogram): Plan position of the serving provider (0 = primary)
//
// Provider Metrics (pkg/provider):
//   - arb_provider_calls_total{provider, outcome} (Counter): Provider calls by outcome
//   - arb_provider_latency_seconds{provider} (Histogram): Provider call latency
//   - arb_provider_degraded_total{provider} (Counter): Degraded transitions
//   - arb_provider_retries_total{provider, error_class} (Counter): REST provider retries
//   - arb_providers_registered (Gauge): Registered provider count
//
// Cache Metrics (pkg/cache):
//   - arb_cache_hits_total{tier} (Counter): Cache hits by tier (l1, l2, overall)
//   - arb_cache_misses_total{tier} (Counter): Cache misses by tier
//   - arb_cache_errors_total{tier, operation} (Counter): Cache operation errors
//   - arb_cache_latency_seconds{tier, operation} (Histogram): Cache operation latency
//   - arb_cache_evictions_total (Counter): Entries evicted under memory pressure
//   - arb_cache_write_behind_total{outcome} (Counter): Asynchronous durable writes
//
// Eviction Metrics (pkg/eviction):
//   - arb_eviction_tracking_overflow_total (Counter): Keys dropped from access tracking
//   - arb_eviction_candidates_total (Counter): Eviction candidates produced
//
// Warmer Metrics (pkg/warmer):
//   - arb_warmer_runs_total{outcome} (Counter): Warming passes (completed, skipped_overlap)
//   - arb_warmer_assets_total{outcome} (Counter): Per-asset outcomes (warmed, fresh, failed)
//   - arb_warmer_pass_duration_seconds (Histogram): Warming pass duration
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(arb_cache_hits_total{tier="overall"}[5m])) /
//   (sum(rate(arb_cache_hits_total{tier="overall"}[5m])) + sum(rate(arb_cache_misses_total{tier="overall"}[5m])))
//
//   # Provider Error Rate
//   rate(arb_provider_calls_total{outcome="error"}[5m])
//
//   # P95 Resolve Latency
//   histogram_quantile(0.95, rate(arb_resolve_duration_seconds_bucket[5m]))
//
//   # Eviction Pressure
//   rate(arb_cache_evictions_total[5m])
