// Package engine implements provider arbitration: multi-factor scoring
// of candidate providers, ordered execution plans with fallback, and
// cache-first resolution of market data requests.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/quantmesh/arbiter/pkg/asset"
	"github.com/quantmesh/arbiter/pkg/cache"
	"github.com/quantmesh/arbiter/pkg/logging"
	"github.com/quantmesh/arbiter/pkg/provider"
)

// Prometheus metrics for resolve operations.
var (
	resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_resolve_total",
		Help: "Resolve calls by outcome (cache, provider, error)",
	}, []string{"outcome"})

	resolveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arb_resolve_duration_seconds",
		Help:    "Resolve duration in seconds by outcome",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15},
	}, []string{"outcome"})

	fallbackDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arb_fallback_depth",
		Help:    "Plan position of the provider that served a resolve (0 = primary)",
		Buckets: []float64{0, 1, 2, 3, 4},
	})
)

// Default engine parameters.
const (
	DefaultFallbackCount = 2
	DefaultCallTimeout   = 5 * time.Second
	DefaultTimeoutMargin = 500 * time.Millisecond
	DefaultLatencyBudget = 2000 // milliseconds
)

// Config configures the arbitration engine.
type Config struct {
	// Weights are the scoring weights; must sum to 1.0.
	Weights Weights

	// FallbackCount is the number of fallback providers appended after
	// the primary in each execution plan.
	FallbackCount int

	// DefaultCallTimeout bounds a single provider call when the
	// provider has neither a configured timeout nor latency history.
	DefaultCallTimeout time.Duration

	// TimeoutMargin is added to a provider's rolling p95 latency when
	// deriving its call timeout from history.
	TimeoutMargin time.Duration

	// LatencyBudgetMS normalizes the latency score.
	LatencyBudgetMS float64

	// MaxStaleness overrides per-data-type freshness horizons.
	MaxStaleness map[asset.DataType]time.Duration

	// TTL derives entry lifetimes for cache writes.
	TTL TTLPolicy

	// SingleFlight coalesces concurrent resolves of the identical key
	// into one provider call. Optional; providers are idempotent reads,
	// so this is a load optimization, not a correctness requirement.
	SingleFlight bool
}

// DefaultConfig returns a safe default engine configuration.
func DefaultConfig() Config {
	return Config{
		Weights:            DefaultWeights(),
		FallbackCount:      DefaultFallbackCount,
		DefaultCallTimeout: DefaultCallTimeout,
		TimeoutMargin:      DefaultTimeoutMargin,
		LatencyBudgetMS:    DefaultLatencyBudget,
	}
}

// Provenance identifies where a resolved value came from.
type Provenance struct {
	RequestID uuid.UUID `json:"request_id"`
	Source    string    `json:"source"` // "cache" or "provider"
	Provider  string    `json:"provider"`
	Score     float64   `json:"score,omitempty"`
}

// Result is a resolved value with its provenance. Callers either get a
// Result or a typed error, never a partial response.
type Result struct {
	Data       json.RawMessage `json:"data"`
	Provenance Provenance      `json:"provenance"`
}

// Plan is the ordered list of providers to try for one request.
// Position 0 is the primary; the rest are fallbacks. Plans are computed
// per request and discarded; only their scoring inputs are cached.
type Plan struct {
	RequestKey string   `json:"request_key"`
	Providers  []string `json:"providers"`
	Scores     []Score  `json:"scores"`
}

// Engine resolves market data requests against the provider registry
// with cache-first reads, score-ordered fallback execution, and
// write-through caching of fetched values.
type Engine struct {
	cache    *cache.Manager
	registry *provider.Registry
	stats    *provider.StatsStore
	cfg      Config
	logger   zerolog.Logger
	flight   singleflight.Group
}

// New creates an engine. Invalid scoring weights are a construction
// error; the process must not serve traffic with them.
func New(cacheManager *cache.Manager, registry *provider.Registry, stats *provider.StatsStore, cfg Config) (*Engine, error) {
	if cacheManager == nil {
		return nil, errors.New("cache manager is required")
	}
	if registry == nil {
		return nil, errors.New("provider registry is required")
	}
	if stats == nil {
		return nil, errors.New("provider stats store is required")
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	if cfg.FallbackCount < 0 {
		return nil, fmt.Errorf("fallback count cannot be negative: %d", cfg.FallbackCount)
	}
	if cfg.DefaultCallTimeout <= 0 {
		cfg.DefaultCallTimeout = DefaultCallTimeout
	}
	if cfg.TimeoutMargin <= 0 {
		cfg.TimeoutMargin = DefaultTimeoutMargin
	}
	if cfg.LatencyBudgetMS <= 0 {
		cfg.LatencyBudgetMS = DefaultLatencyBudget
	}

	return &Engine{
		cache:    cacheManager,
		registry: registry,
		stats:    stats,
		cfg:      cfg,
		logger:   logging.NewLogger("engine"),
	}, nil
}

// Resolve returns the value for the request with its provenance.
// The cache is consulted first; on miss, providers are scored, ordered
// into a plan, and called sequentially until one succeeds. The first
// success is written back through both cache tiers.
func (e *Engine) Resolve(ctx context.Context, req asset.Request) (*Result, error) {
	start := time.Now()
	requestID := uuid.New()
	key := req.CacheKey()

	// Cache read failures surface as misses inside the manager; cache
	// unavailability never fails a resolve.
	if entry, err := e.cache.Get(ctx, key); err == nil {
		resolveTotal.WithLabelValues("cache").Inc()
		resolveDuration.WithLabelValues("cache").Observe(time.Since(start).Seconds())

		return &Result{
			Data: entry.Data,
			Provenance: Provenance{
				RequestID: requestID,
				Source:    "cache",
				Provider:  entry.SourceProvider,
				Score:     entry.Confidence,
			},
		}, nil
	}

	if e.cfg.SingleFlight {
		v, err, _ := e.flight.Do(key, func() (any, error) {
			return e.resolveUpstream(ctx, requestID, key, req, start)
		})
		if err != nil {
			return nil, err
		}
		return v.(*Result), nil
	}

	return e.resolveUpstream(ctx, requestID, key, req, start)
}

// Refresh resolves the request from providers regardless of cache
// state. The fetched value is written through on success; when every
// provider fails, any cached entry is left in place, so a failed
// refresh degrades to stale data rather than a cold key.
func (e *Engine) Refresh(ctx context.Context, req asset.Request) (*Result, error) {
	return e.resolveUpstream(ctx, uuid.New(), req.CacheKey(), req, time.Now())
}

// resolveUpstream executes the scored plan against providers.
func (e *Engine) resolveUpstream(ctx context.Context, requestID uuid.UUID, key string, req asset.Request, start time.Time) (*Result, error) {
	plan, err := e.buildPlan(key, req)
	if err != nil {
		resolveTotal.WithLabelValues("error").Inc()
		resolveDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, err
	}

	var attempts []Attempt
	for i, name := range plan.Providers {
		result, err := e.callProvider(ctx, requestID, key, req, plan.Scores[i])
		if err != nil {
			attempts = append(attempts, Attempt{Provider: name, Err: err})
			e.logger.Warn().
				Str("request_id", requestID.String()).
				Str("provider", name).
				Str("symbol", req.Asset.Symbol).
				Str("data_type", string(req.DataType)).
				Int("plan_position", i).
				Err(err).
				Msg("provider failed, trying next plan entry")
			continue
		}

		fallbackDepth.Observe(float64(i))
		resolveTotal.WithLabelValues("provider").Inc()
		resolveDuration.WithLabelValues("provider").Observe(time.Since(start).Seconds())
		return result, nil
	}

	resolveTotal.WithLabelValues("error").Inc()
	resolveDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
	return nil, &ArbitrationError{Attempts: attempts}
}

// callProvider executes one plan entry with its per-call timeout and,
// on success, writes the value through both cache tiers.
func (e *Engine) callProvider(ctx context.Context, requestID uuid.UUID, key string, req asset.Request, score Score) (*Result, error) {
	name := score.Provider
	p, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}

	// Quota exhaustion skips to the next plan entry without touching
	// reliability stats: the provider did not fail, we declined to call.
	if !e.registry.ReserveQuota(name) {
		return nil, provider.NewFetchError(name, provider.ErrRateLimited)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout(name))
	defer cancel()

	callStart := time.Now()
	resp, err := p.Fetch(callCtx, req)
	elapsed := time.Since(callStart)

	if err != nil {
		e.stats.RecordFailure(name)
		if errors.Is(err, context.DeadlineExceeded) && !provider.IsTimeout(err) {
			return nil, provider.NewTimeoutError(name, err)
		}
		return nil, err
	}
	if resp == nil || len(resp.Data) == 0 {
		e.stats.RecordFailure(name)
		return nil, provider.NewFetchError(name, provider.ErrMalformedResponse)
	}

	e.stats.RecordSuccess(name, elapsed)
	if age, ok := resp.Age(time.Now()); ok {
		e.stats.RecordDataAge(name, age)
	}

	e.writeThrough(ctx, key, req, name, score.Composite, resp.Data)

	return &Result{
		Data: resp.Data,
		Provenance: Provenance{
			RequestID: requestID,
			Source:    "provider",
			Provider:  name,
			Score:     score.Composite,
		},
	}, nil
}

// writeThrough caches a fetched value under both the provider-agnostic
// alias key and the provider-scoped history key in one batched write.
// Cache write failures are non-fatal; the value is still returned.
func (e *Engine) writeThrough(ctx context.Context, key string, req asset.Request, name string, composite float64, data json.RawMessage) {
	ttl := e.cfg.TTL.TTLFor(req)

	alias := cache.NewEntry(data, name, ttl)
	alias.Key = key
	alias.Confidence = composite

	history := cache.NewEntry(data, name, ttl)
	history.Key = req.ProviderCacheKey(name)
	history.Confidence = composite

	if _, err := e.cache.SetBatch(ctx, []*cache.Entry{alias, history}); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Str("provider", name).
			Msg("cache write failed after fetch, returning value anyway")
	}
}

// callTimeout derives the per-call timeout for a provider: an explicit
// configured timeout wins; otherwise rolling p95 latency plus margin;
// otherwise the engine default.
func (e *Engine) callTimeout(name string) time.Duration {
	if t := e.registry.Timeout(name); t > 0 {
		return t
	}
	if p95 := e.stats.P95Latency(name); p95 > 0 {
		return time.Duration(p95)*time.Millisecond + e.cfg.TimeoutMargin
	}
	return e.cfg.DefaultCallTimeout
}

// buildPlan scores the eligible providers and orders the top
// 1 + FallbackCount into an execution plan.
func (e *Engine) buildPlan(key string, req asset.Request) (*Plan, error) {
	candidates := e.registry.ProvidersFor(req.Asset)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w for %s (%s)", ErrNoProviderAvailable, req.Asset.Symbol, req.DataType)
	}

	scores := make([]Score, len(candidates))
	for i, p := range candidates {
		scores[i] = e.score(p, req)
	}
	e.rankScores(scores)

	planLen := 1 + e.cfg.FallbackCount
	if planLen > len(scores) {
		planLen = len(scores)
	}
	scores = scores[:planLen]

	providers := make([]string, len(scores))
	for i, s := range scores {
		providers[i] = s.Provider
	}

	return &Plan{RequestKey: key, Providers: providers, Scores: scores}, nil
}

// PlanPreview returns the execution plan the engine would use for the
// request without executing it. Diagnostic surface.
func (e *Engine) PlanPreview(req asset.Request) (*Plan, error) {
	return e.buildPlan(req.CacheKey(), req)
}
