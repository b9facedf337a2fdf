package engine

import (
	"testing"
	"time"

	"github.com/quantmesh/arbiter/internal/testutil"
	"github.com/quantmesh/arbiter/pkg/asset"
	"github.com/quantmesh/arbiter/pkg/cache"
	"github.com/quantmesh/arbiter/pkg/provider"
)

func TestWeightsValidate(t *testing.T) {
	tests := []struct {
		name    string
		weights Weights
		wantErr bool
	}{
		{
			name:    "default weights",
			weights: DefaultWeights(),
			wantErr: false,
		},
		{
			name: "custom weights summing to one",
			weights: Weights{
				Availability: 0.5,
				Freshness:    0.2,
				Reliability:  0.2,
				Latency:      0.05,
				Cost:         0.05,
			},
			wantErr: false,
		},
		{
			name: "sum below one",
			weights: Weights{
				Availability: 0.3,
				Freshness:    0.3,
				Reliability:  0.3,
			},
			wantErr: true,
		},
		{
			name: "sum above one",
			weights: Weights{
				Availability: 0.5,
				Freshness:    0.5,
				Reliability:  0.5,
			},
			wantErr: true,
		},
		{
			name: "negative component",
			weights: Weights{
				Availability: 1.2,
				Freshness:    -0.2,
				Reliability:  0.0,
				Latency:      0.0,
				Cost:         0.0,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.weights.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func newScoringEngine(t *testing.T, names ...string) (*Engine, *provider.Registry, *provider.StatsStore) {
	t.Helper()

	registry := provider.NewRegistry(names)
	for _, name := range names {
		if err := registry.Register(testutil.NewMockProvider(name), provider.RegisterOptions{}); err != nil {
			t.Fatalf("Register(%s) failed: %v", name, err)
		}
	}

	stats := provider.NewStatsStore(provider.StatsConfig{})

	manager, err := cache.NewManager(cache.Config{L1: testutil.NewMemoryTier("l1")})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	eng, err := New(manager, registry, stats, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return eng, registry, stats
}

func TestScoreDeterministic(t *testing.T) {
	eng, registry, _ := newScoringEngine(t, "alpha", "beta")
	req := asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice)

	p, err := registry.Get("alpha")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	first := eng.score(p, req)
	for i := 0; i < 10; i++ {
		if got := eng.score(p, req); got != first {
			t.Fatalf("score not deterministic: iteration %d got %+v, want %+v", i, got, first)
		}
	}
}

func TestScoreComponents(t *testing.T) {
	eng, _, stats := newScoringEngine(t, "alpha")

	t.Run("no history scores neutral freshness and full latency", func(t *testing.T) {
		req := asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice)
		p, _ := eng.registry.Get("alpha")
		s := eng.score(p, req)

		if s.Availability != 1.0 {
			t.Errorf("Availability = %v, want 1.0", s.Availability)
		}
		if s.Freshness != neutralFreshness {
			t.Errorf("Freshness = %v, want %v", s.Freshness, neutralFreshness)
		}
		if s.Latency != 1.0 {
			t.Errorf("Latency = %v, want 1.0", s.Latency)
		}
		if s.Cost != 1.0 {
			t.Errorf("Cost = %v, want 1.0", s.Cost)
		}
	})

	t.Run("reliability starts at the prior", func(t *testing.T) {
		if got := stats.SuccessRate("alpha"); got != provider.DefaultReliabilityPrior {
			t.Errorf("SuccessRate = %v, want %v", got, provider.DefaultReliabilityPrior)
		}
	})

	t.Run("degraded provider loses availability", func(t *testing.T) {
		for i := 0; i < provider.DefaultDegradedAfter; i++ {
			stats.RecordFailure("alpha")
		}
		if got := eng.availabilityScore("alpha"); got != 0.5 {
			t.Errorf("availabilityScore = %v, want 0.5 after consecutive failures", got)
		}

		stats.RecordSuccess("alpha", 10*time.Millisecond)
		if got := eng.availabilityScore("alpha"); got != 1.0 {
			t.Errorf("availabilityScore = %v, want 1.0 after recovery", got)
		}
	})

	t.Run("stale data lowers freshness", func(t *testing.T) {
		stats.RecordDataAge("alpha", 5*time.Second)
		req := asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice)
		p, _ := eng.registry.Get("alpha")
		s := eng.score(p, req)

		// 5s of age against the 10s price horizon leaves roughly half.
		if s.Freshness <= 0.4 || s.Freshness > 0.5 {
			t.Errorf("Freshness = %v, want in (0.4, 0.5]", s.Freshness)
		}
	})
}

func TestRankScores(t *testing.T) {
	t.Run("higher composite ranks first", func(t *testing.T) {
		eng, _, _ := newScoringEngine(t, "alpha", "beta")
		scores := []Score{
			{Provider: "alpha", Composite: 0.6},
			{Provider: "beta", Composite: 0.9},
		}
		eng.rankScores(scores)
		if scores[0].Provider != "beta" {
			t.Errorf("first ranked = %s, want beta", scores[0].Provider)
		}
	})

	t.Run("ties break by configured priority", func(t *testing.T) {
		eng, _, _ := newScoringEngine(t, "beta", "alpha")
		scores := []Score{
			{Provider: "alpha", Composite: 0.8},
			{Provider: "beta", Composite: 0.8},
		}
		eng.rankScores(scores)
		if scores[0].Provider != "beta" {
			t.Errorf("first ranked = %s, want beta by priority order", scores[0].Provider)
		}
	})

	t.Run("equal priority ties break by name", func(t *testing.T) {
		eng, _, _ := newScoringEngine(t, "zeta", "alpha")
		// Neither listed: same rank, lexicographic wins.
		scores := []Score{
			{Provider: "zeta-unlisted", Composite: 0.7},
			{Provider: "alpha-unlisted", Composite: 0.7},
		}
		eng.rankScores(scores)
		if scores[0].Provider != "alpha-unlisted" {
			t.Errorf("first ranked = %s, want alpha-unlisted", scores[0].Provider)
		}
	})
}

func TestDefaultMaxStaleness(t *testing.T) {
	tests := []struct {
		dt   asset.DataType
		want time.Duration
	}{
		{asset.TypePrice, 10 * time.Second},
		{asset.TypeOHLCV, time.Minute},
		{asset.TypeFundamentals, 4 * time.Hour},
		{asset.TypeMacro, 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(string(tt.dt), func(t *testing.T) {
			if got := DefaultMaxStaleness(tt.dt); got != tt.want {
				t.Errorf("DefaultMaxStaleness(%s) = %v, want %v", tt.dt, got, tt.want)
			}
		})
	}
}
