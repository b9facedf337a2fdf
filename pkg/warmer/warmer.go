// Package warmer proactively resolves frequently requested assets so
// the cache is populated before user traffic needs it.
package warmer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/quantmesh/arbiter/pkg/asset"
	"github.com/quantmesh/arbiter/pkg/engine"
	"github.com/quantmesh/arbiter/pkg/logging"
)

var (
	warmRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_warmer_runs_total",
		Help: "Warming passes by outcome (completed, skipped_overlap)",
	}, []string{"outcome"})

	warmAssets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_warmer_assets_total",
		Help: "Per-asset warming outcomes (warmed, fresh, failed)",
	}, []string{"outcome"})

	warmDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arb_warmer_pass_duration_seconds",
		Help:    "Duration of one full warming pass",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 120},
	})
)

// Resolver is what the warmer needs from the arbitration engine:
// cache-first resolution for routine passes and cache-bypassing
// refresh for forced ones.
type Resolver interface {
	Resolve(ctx context.Context, req asset.Request) (*engine.Result, error)
	Refresh(ctx context.Context, req asset.Request) (*engine.Result, error)
}

// Config configures the cache warmer.
type Config struct {
	// Interval between warming passes. Defaults to 5 minutes.
	Interval time.Duration

	// Symbols to keep warm. Defaults to DefaultSymbols.
	Symbols []string

	// DataTypes warmed per symbol. Defaults to price data only.
	DataTypes []asset.DataType

	// MaxConcurrency is the worker count for one pass. Defaults to 5.
	MaxConcurrency int

	// WarmOnStartup runs one pass immediately when Run starts.
	WarmOnStartup bool
}

// DefaultConfig returns the default warming configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		Symbols:        DefaultSymbols(),
		DataTypes:      []asset.DataType{asset.TypePrice},
		MaxConcurrency: 5,
		WarmOnStartup:  true,
	}
}

// DefaultSymbols is the built-in high-traffic warming set.
func DefaultSymbols() []string {
	return []string{
		"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "META", "TSLA",
		"BRK.B", "JPM", "V", "UNH", "XOM", "LLY", "AVGO", "MA",
		"HD", "COST", "NFLX", "AMD",
		"SPY", "QQQ", "IWM", "GLD",
		"BTC", "ETH",
	}
}

// Result summarizes one warming pass.
type Result struct {
	Attempted int           `json:"attempted"`
	Warmed    int           `json:"warmed"`
	Fresh     int           `json:"fresh"`
	Failed    int           `json:"failed"`
	Errors    []error       `json:"-"`
	Duration  time.Duration `json:"duration"`
}

// Warmer periodically resolves a configured set of assets through the
// arbitration engine. Resolutions that hit the cache count as already
// fresh; the rest repopulate it.
type Warmer struct {
	resolver Resolver
	cfg      Config
	logger   zerolog.Logger

	// running guards against overlapping passes when one pass takes
	// longer than the interval.
	running atomic.Bool
}

// New creates a warmer. Zero-value config fields fall back to defaults.
func New(resolver Resolver, cfg Config) *Warmer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = DefaultSymbols()
	}
	if len(cfg.DataTypes) == 0 {
		cfg.DataTypes = []asset.DataType{asset.TypePrice}
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}

	return &Warmer{
		resolver: resolver,
		cfg:      cfg,
		logger:   logging.NewLogger("warmer"),
	}
}

// Run executes warming passes on the configured interval until ctx is
// cancelled. Blocks; callers run it in a goroutine.
func (w *Warmer) Run(ctx context.Context) {
	if w.cfg.WarmOnStartup {
		w.runPass(ctx)
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runPass(ctx)
		}
	}
}

// runPass executes one pass unless a previous one is still going.
func (w *Warmer) runPass(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		warmRuns.WithLabelValues("skipped_overlap").Inc()
		w.logger.Warn().Msg("previous warming pass still running, skipping")
		return
	}
	defer w.running.Store(false)

	result := w.Warm(ctx, w.Assets(), false)
	warmRuns.WithLabelValues("completed").Inc()

	w.logger.Info().
		Int("attempted", result.Attempted).
		Int("warmed", result.Warmed).
		Int("fresh", result.Fresh).
		Int("failed", result.Failed).
		Dur("duration", result.Duration).
		Msg("warming pass complete")
}

// Assets expands the configured symbols and data types into the
// request set for one pass.
func (w *Warmer) Assets() []asset.Request {
	reqs := make([]asset.Request, 0, len(w.cfg.Symbols)*len(w.cfg.DataTypes))
	for _, symbol := range w.cfg.Symbols {
		a := asset.New(symbol, ClassForSymbol(symbol))
		for _, dt := range w.cfg.DataTypes {
			reqs = append(reqs, asset.NewRequest(a, dt))
		}
	}
	return reqs
}

// Warm resolves the given requests through a bounded worker pool and
// reports per-asset outcomes. Individual failures never abort the pass.
// With force set, every request bypasses the cache and refetches from
// providers; a request whose refetch fails keeps its cached entry.
func (w *Warmer) Warm(ctx context.Context, reqs []asset.Request, force bool) Result {
	start := time.Now()
	result := Result{Attempted: len(reqs)}

	resolve := w.resolver.Resolve
	if force {
		resolve = w.resolver.Refresh
	}

	queue := make(chan asset.Request, len(reqs))
	for _, req := range reqs {
		queue <- req
	}
	close(queue)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.MaxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range queue {
				if ctx.Err() != nil {
					return
				}

				res, err := resolve(ctx, req)

				mu.Lock()
				switch {
				case err != nil:
					result.Failed++
					result.Errors = append(result.Errors, err)
					warmAssets.WithLabelValues("failed").Inc()
				case res.Provenance.Source == "cache":
					result.Fresh++
					warmAssets.WithLabelValues("fresh").Inc()
				default:
					result.Warmed++
					warmAssets.WithLabelValues("warmed").Inc()
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	result.Duration = time.Since(start)
	warmDuration.Observe(result.Duration.Seconds())
	return result
}

// cryptoSymbols and etfSymbols drive class inference for bare symbols.
var cryptoSymbols = map[string]bool{
	"BTC": true, "ETH": true, "SOL": true, "XRP": true,
	"ADA": true, "DOGE": true, "DOT": true, "LTC": true,
}

var etfSymbols = map[string]bool{
	"SPY": true, "QQQ": true, "IWM": true, "GLD": true,
	"VTI": true, "VOO": true, "SLV": true, "TLT": true,
}

// ClassForSymbol infers an asset class for a bare warming symbol.
// Unrecognized symbols default to equity.
func ClassForSymbol(symbol string) asset.Class {
	switch {
	case cryptoSymbols[symbol]:
		return asset.ClassCrypto
	case etfSymbols[symbol]:
		return asset.ClassETF
	default:
		return asset.ClassEquity
	}
}
