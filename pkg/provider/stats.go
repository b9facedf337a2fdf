package provider

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quantmesh/arbiter/pkg/quantile"
)

// Prometheus metrics for provider call outcomes.
var (
	providerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_provider_calls_total",
		Help: "Provider calls by provider and outcome",
	}, []string{"provider", "outcome"})

	providerLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arb_provider_latency_seconds",
		Help:    "Provider call latency in seconds by provider",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"provider"})

	providerDegradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_provider_degraded_total",
		Help: "Times a provider was marked degraded after repeated failures",
	}, []string{"provider"})
)

const (
	// DefaultWindowSize is the number of recent calls the rolling
	// success rate is computed over.
	DefaultWindowSize = 50

	// DefaultReliabilityPrior seeds the success rate for providers with
	// little history, avoiding instability for new providers.
	DefaultReliabilityPrior = 0.9

	// priorWeight is the pseudo-observation count backing the prior.
	priorWeight = 5.0

	// DefaultDegradedAfter marks a provider degraded after this many
	// consecutive failures. The next success clears the mark.
	DefaultDegradedAfter = 3
)

// providerStats is the rolling call history for one provider.
type providerStats struct {
	mu sync.Mutex

	outcomes  []bool // ring buffer, true = success
	next      int
	full      bool
	successes int

	latency *quantile.Tracker

	consecutiveFailures int
	degraded            bool
	lastSuccess         time.Time

	lastDataAge   time.Duration
	hasDataAge    bool
	dataAgeSeenAt time.Time
}

// StatsStore owns per-provider reliability and latency statistics used
// by scoring. It is an explicit dependency of the arbitration engine,
// never process-global state. Safe for concurrent use.
type StatsStore struct {
	mu            sync.RWMutex
	providers     map[string]*providerStats
	windowSize    int
	prior         float64
	degradedAfter int
}

// StatsConfig configures a StatsStore.
type StatsConfig struct {
	WindowSize    int
	Prior         float64
	DegradedAfter int
}

// NewStatsStore creates a stats store. Zero-value config fields fall
// back to defaults.
func NewStatsStore(cfg StatsConfig) *StatsStore {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Prior <= 0 || cfg.Prior > 1 {
		cfg.Prior = DefaultReliabilityPrior
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = DefaultDegradedAfter
	}
	return &StatsStore{
		providers:     make(map[string]*providerStats),
		windowSize:    cfg.WindowSize,
		prior:         cfg.Prior,
		degradedAfter: cfg.DegradedAfter,
	}
}

func (s *StatsStore) bucket(name string) *providerStats {
	s.mu.RLock()
	ps, ok := s.providers[name]
	s.mu.RUnlock()
	if ok {
		return ps
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok = s.providers[name]; ok {
		return ps
	}
	ps = &providerStats{
		outcomes: make([]bool, s.windowSize),
		latency:  quantile.NewTracker(s.windowSize),
	}
	s.providers[name] = ps
	return ps
}

// RecordSuccess records a successful call and its latency. A success
// clears any degraded mark.
func (s *StatsStore) RecordSuccess(name string, latency time.Duration) {
	ps := s.bucket(name)

	ps.mu.Lock()
	ps.record(true)
	ps.latency.Observe(float64(latency.Milliseconds()))
	ps.consecutiveFailures = 0
	ps.degraded = false
	ps.lastSuccess = time.Now()
	ps.mu.Unlock()

	providerCallsTotal.WithLabelValues(name, "success").Inc()
	providerLatencySeconds.WithLabelValues(name).Observe(latency.Seconds())
}

// RecordFailure records a failed call. Repeated consecutive failures
// mark the provider degraded until its next success.
func (s *StatsStore) RecordFailure(name string) {
	ps := s.bucket(name)

	ps.mu.Lock()
	ps.record(false)
	ps.consecutiveFailures++
	becameDegraded := !ps.degraded && ps.consecutiveFailures >= s.degradedAfter
	if becameDegraded {
		ps.degraded = true
	}
	ps.mu.Unlock()

	providerCallsTotal.WithLabelValues(name, "failure").Inc()
	if becameDegraded {
		providerDegradedTotal.WithLabelValues(name).Inc()
	}
}

// record appends an outcome to the ring buffer. Caller holds ps.mu.
func (ps *providerStats) record(success bool) {
	if ps.full && ps.outcomes[ps.next] {
		ps.successes--
	}
	ps.outcomes[ps.next] = success
	if success {
		ps.successes++
	}
	ps.next++
	if ps.next == len(ps.outcomes) {
		ps.next = 0
		ps.full = true
	}
}

// SuccessRate returns the Bayesian-smoothed success rate over the
// rolling window. Providers with no history return the prior.
func (s *StatsStore) SuccessRate(name string) float64 {
	ps := s.bucket(name)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	n := ps.next
	if ps.full {
		n = len(ps.outcomes)
	}
	return (s.prior*priorWeight + float64(ps.successes)) / (priorWeight + float64(n))
}

// RecordDataAge records the provider-reported age of the last fetched
// payload, used by freshness scoring.
func (s *StatsStore) RecordDataAge(name string, age time.Duration) {
	ps := s.bucket(name)
	ps.mu.Lock()
	ps.lastDataAge = age
	ps.hasDataAge = true
	ps.dataAgeSeenAt = time.Now()
	ps.mu.Unlock()
}

// LastDataAge returns the most recently observed data age for the
// provider. The second return is false when the provider has never
// reported a data timestamp; scoring then falls back to a neutral
// freshness score.
func (s *StatsStore) LastDataAge(name string) (time.Duration, bool) {
	ps := s.bucket(name)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !ps.hasDataAge {
		return 0, false
	}
	// The payload kept aging since it was observed.
	return ps.lastDataAge + time.Since(ps.dataAgeSeenAt), true
}

// P95Latency returns the provider's rolling p95 latency in milliseconds,
// or 0 with no samples.
func (s *StatsStore) P95Latency(name string) float64 {
	return s.bucket(name).latency.P95()
}

// Degraded reports whether the provider is currently marked degraded
// from repeated failures.
func (s *StatsStore) Degraded(name string) bool {
	ps := s.bucket(name)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.degraded
}

// ProviderSnapshot is a point-in-time view of one provider's statistics.
type ProviderSnapshot struct {
	SuccessRate  float64   `json:"success_rate"`
	P95LatencyMS float64   `json:"p95_latency_ms"`
	Degraded     bool      `json:"degraded"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
}

// Snapshot returns statistics for every provider with recorded history.
func (s *StatsStore) Snapshot() map[string]ProviderSnapshot {
	s.mu.RLock()
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	s.mu.RUnlock()

	out := make(map[string]ProviderSnapshot, len(names))
	for _, name := range names {
		ps := s.bucket(name)
		ps.mu.Lock()
		out[name] = ProviderSnapshot{
			SuccessRate:  s.successRateLocked(ps),
			P95LatencyMS: ps.latency.P95(),
			Degraded:     ps.degraded,
			LastSuccess:  ps.lastSuccess,
		}
		ps.mu.Unlock()
	}
	return out
}

func (s *StatsStore) successRateLocked(ps *providerStats) float64 {
	n := ps.next
	if ps.full {
		n = len(ps.outcomes)
	}
	return (s.prior*priorWeight + float64(ps.successes)) / (priorWeight + float64(n))
}
