package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by tier ("l1", "l2").
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_cache_hits_total",
			Help: "Total cache hits by tier",
		},
		[]string{"tier"},
	)

	// CacheMisses tracks cache misses by tier. An expired entry counts
	// as a miss for the tier it was found in.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_cache_misses_total",
			Help: "Total cache misses by tier",
		},
		[]string{"tier"},
	)

	// CacheErrors tracks tier operation errors. Errors are recovered
	// locally (reads become misses, writes become no-ops).
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_cache_errors_total",
			Help: "Total cache tier operation errors",
		},
		[]string{"tier", "operation"}, // "get", "set", "delete", "batch_get", "batch_set"
	)

	// CacheLatency tracks physical tier access latency.
	CacheLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arb_cache_latency_seconds",
			Help:    "Cache tier access latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.3, 0.7, 1.5},
		},
		[]string{"tier", "operation"},
	)

	// CacheEvictions tracks keys actively evicted from L1 under
	// memory pressure.
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arb_cache_evictions_total",
			Help: "Total keys evicted from L1 under memory pressure",
		},
	)

	// WriteBehind tracks asynchronous tier writes by outcome.
	WriteBehind = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_cache_write_behind_total",
			Help: "Asynchronous cache writes by outcome",
		},
		[]string{"outcome"}, // "ok", "error"
	)
)
