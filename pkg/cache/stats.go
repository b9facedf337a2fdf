package cache

import (
	"sync/atomic"

	"github.com/quantmesh/arbiter/pkg/quantile"
)

// TierStats is a point-in-time performance view of one tier.
type TierStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

// Stats aggregates per-tier and overall cache performance.
type Stats struct {
	L1      TierStats `json:"l1"`
	L2      TierStats `json:"l2"`
	Overall TierStats `json:"overall"`
}

// tierMetrics accumulates hit/miss counts and physical access latencies
// for one tier.
type tierMetrics struct {
	hits    atomic.Uint64
	misses  atomic.Uint64
	latency *quantile.Tracker
}

func newTierMetrics() *tierMetrics {
	return &tierMetrics{latency: quantile.NewTracker(quantile.DefaultWindow)}
}

func (m *tierMetrics) snapshot() TierStats {
	hits := m.hits.Load()
	misses := m.misses.Load()
	total := hits + misses

	s := TierStats{
		Hits:   hits,
		Misses: misses,
		P50MS:  m.latency.P50(),
		P95MS:  m.latency.P95(),
		P99MS:  m.latency.P99(),
	}
	if total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
