package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quantmesh/arbiter/internal/testutil"
	"github.com/quantmesh/arbiter/pkg/asset"
	"github.com/quantmesh/arbiter/pkg/cache"
	"github.com/quantmesh/arbiter/pkg/provider"
)

type engineFixture struct {
	engine   *Engine
	manager  *cache.Manager
	registry *provider.Registry
	stats    *provider.StatsStore
	l1       *testutil.MemoryTier
	mocks    map[string]*testutil.MockProvider
}

func newEngineFixture(t *testing.T, cfg Config, names ...string) *engineFixture {
	t.Helper()

	l1 := testutil.NewMemoryTier("l1")
	manager, err := cache.NewManager(cache.Config{L1: l1})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	registry := provider.NewRegistry(names)
	mocks := make(map[string]*testutil.MockProvider, len(names))
	for _, name := range names {
		m := testutil.NewMockProvider(name)
		mocks[name] = m
		if err := registry.Register(m, provider.RegisterOptions{}); err != nil {
			t.Fatalf("Register(%s) failed: %v", name, err)
		}
	}

	stats := provider.NewStatsStore(provider.StatsConfig{})

	eng, err := New(manager, registry, stats, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	return &engineFixture{
		engine:   eng,
		manager:  manager,
		registry: registry,
		stats:    stats,
		l1:       l1,
		mocks:    mocks,
	}
}

func TestNewValidation(t *testing.T) {
	l1 := testutil.NewMemoryTier("l1")
	manager, err := cache.NewManager(cache.Config{L1: l1})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer manager.Close()

	registry := provider.NewRegistry(nil)
	stats := provider.NewStatsStore(provider.StatsConfig{})

	t.Run("invalid weights rejected", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Weights = Weights{Availability: 0.9}
		if _, err := New(manager, registry, stats, cfg); err == nil {
			t.Error("New accepted weights that do not sum to 1.0")
		}
	})

	t.Run("nil dependencies rejected", func(t *testing.T) {
		if _, err := New(nil, registry, stats, DefaultConfig()); err == nil {
			t.Error("New accepted nil cache manager")
		}
		if _, err := New(manager, nil, stats, DefaultConfig()); err == nil {
			t.Error("New accepted nil registry")
		}
		if _, err := New(manager, registry, nil, DefaultConfig()); err == nil {
			t.Error("New accepted nil stats store")
		}
	})
}

func TestResolveCacheFirst(t *testing.T) {
	fx := newEngineFixture(t, DefaultConfig(), "alpha")
	ctx := context.Background()
	req := asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice)

	entry := cache.NewEntry(json.RawMessage(`{"price": 182.5}`), "alpha", time.Minute)
	entry.Confidence = 0.87
	if err := fx.manager.Set(ctx, req.CacheKey(), entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	result, err := fx.engine.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if result.Provenance.Source != "cache" {
		t.Errorf("Source = %s, want cache", result.Provenance.Source)
	}
	if result.Provenance.Provider != "alpha" {
		t.Errorf("Provider = %s, want alpha", result.Provenance.Provider)
	}
	if result.Provenance.Score != 0.87 {
		t.Errorf("Score = %v, want cached confidence 0.87", result.Provenance.Score)
	}
	if string(result.Data) != `{"price": 182.5}` {
		t.Errorf("Data = %s, want cached payload", result.Data)
	}
	if got := fx.mocks["alpha"].Calls(); got != 0 {
		t.Errorf("provider calls = %d, want 0 on cache hit", got)
	}
}

func TestResolveFetchesAndCaches(t *testing.T) {
	fx := newEngineFixture(t, DefaultConfig(), "alpha")
	ctx := context.Background()
	req := asset.NewRequest(asset.New("MSFT", asset.ClassEquity), asset.TypePrice)

	result, err := fx.engine.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if result.Provenance.Source != "provider" {
		t.Errorf("Source = %s, want provider", result.Provenance.Source)
	}
	if result.Provenance.Provider != "alpha" {
		t.Errorf("Provider = %s, want alpha", result.Provenance.Provider)
	}
	if result.Provenance.RequestID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("RequestID is zero, want a generated id")
	}

	// Both the alias key and the provider-scoped key are written.
	if !fx.l1.Has(req.CacheKey()) {
		t.Error("alias cache key not written after fetch")
	}
	if !fx.l1.Has(req.ProviderCacheKey("alpha")) {
		t.Error("provider-scoped cache key not written after fetch")
	}

	// Second resolve is served from cache.
	if _, err := fx.engine.Resolve(ctx, req); err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if got := fx.mocks["alpha"].Calls(); got != 1 {
		t.Errorf("provider calls = %d, want 1 after cached re-resolve", got)
	}
}

func TestResolveFallback(t *testing.T) {
	fx := newEngineFixture(t, DefaultConfig(), "primary", "backup", "tertiary")
	ctx := context.Background()
	req := asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice)

	fx.mocks["primary"].Err = errors.New("upstream 503")
	fx.mocks["backup"].Data = json.RawMessage(`{"price": 271.49}`)

	result, err := fx.engine.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if result.Provenance.Provider != "backup" {
		t.Errorf("Provider = %s, want backup", result.Provenance.Provider)
	}
	if string(result.Data) != `{"price": 271.49}` {
		t.Errorf("Data = %s, want backup payload", result.Data)
	}
	if got := fx.mocks["tertiary"].Calls(); got != 0 {
		t.Errorf("tertiary calls = %d, want 0 once backup succeeded", got)
	}
}

func TestResolveAllProvidersFail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FallbackCount = 2
	fx := newEngineFixture(t, cfg, "primary", "backup", "tertiary")
	ctx := context.Background()
	req := asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice)

	for _, m := range fx.mocks {
		m.Err = errors.New("upstream down")
	}

	_, err := fx.engine.Resolve(ctx, req)
	if err == nil {
		t.Fatal("Resolve succeeded, want arbitration error")
	}

	arbErr, ok := IsArbitrationError(err)
	if !ok {
		t.Fatalf("error = %v, want *ArbitrationError", err)
	}
	if len(arbErr.Attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(arbErr.Attempts))
	}

	// Attempts are recorded in plan order.
	want := []string{"primary", "backup", "tertiary"}
	for i, attempt := range arbErr.Attempts {
		if attempt.Provider != want[i] {
			t.Errorf("attempt %d provider = %s, want %s", i, attempt.Provider, want[i])
		}
		if attempt.Err == nil {
			t.Errorf("attempt %d has nil error", i)
		}
	}
}

func TestResolveTimeoutFallsBack(t *testing.T) {
	l1 := testutil.NewMemoryTier("l1")
	manager, err := cache.NewManager(cache.Config{L1: l1})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer manager.Close()

	registry := provider.NewRegistry([]string{"slow", "fast"})
	slow := testutil.NewMockProvider("slow")
	slow.Delay = 250 * time.Millisecond
	fast := testutil.NewMockProvider("fast")
	fast.Data = json.RawMessage(`{"price": 96.3}`)
	if err := registry.Register(slow, provider.RegisterOptions{Timeout: 25 * time.Millisecond}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(fast, provider.RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	stats := provider.NewStatsStore(provider.StatsConfig{})
	eng, err := New(manager, registry, stats, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req := asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice)
	result, err := eng.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if result.Provenance.Provider != "fast" {
		t.Errorf("Provider = %s, want fast after slow timed out", result.Provenance.Provider)
	}
	if string(result.Data) != `{"price": 96.3}` {
		t.Errorf("Data = %s, want fallback payload", result.Data)
	}
	if got := slow.Calls(); got != 1 {
		t.Errorf("slow provider calls = %d, want 1", got)
	}

	// The timeout counts against the slow provider's reliability.
	if stats.SuccessRate("slow") >= stats.SuccessRate("fast") {
		t.Errorf("timed-out provider success rate %v not below serving provider %v",
			stats.SuccessRate("slow"), stats.SuccessRate("fast"))
	}
}

func TestResolveTimeoutClassified(t *testing.T) {
	req := asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice)

	tests := []struct {
		name      string
		configure func(m *testutil.MockProvider)
		opts      provider.RegisterOptions
	}{
		{
			name: "call exceeds configured timeout",
			configure: func(m *testutil.MockProvider) {
				m.Delay = 250 * time.Millisecond
			},
			opts: provider.RegisterOptions{Timeout: 25 * time.Millisecond},
		},
		{
			name: "provider surfaces a bare deadline error",
			configure: func(m *testutil.MockProvider) {
				m.Err = context.DeadlineExceeded
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l1 := testutil.NewMemoryTier("l1")
			manager, err := cache.NewManager(cache.Config{L1: l1})
			if err != nil {
				t.Fatalf("NewManager failed: %v", err)
			}
			defer manager.Close()

			registry := provider.NewRegistry([]string{"only"})
			m := testutil.NewMockProvider("only")
			tt.configure(m)
			if err := registry.Register(m, tt.opts); err != nil {
				t.Fatalf("Register failed: %v", err)
			}

			eng, err := New(manager, registry, provider.NewStatsStore(provider.StatsConfig{}), DefaultConfig())
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			_, err = eng.Resolve(context.Background(), req)
			arbErr, ok := IsArbitrationError(err)
			if !ok {
				t.Fatalf("error = %v, want *ArbitrationError", err)
			}
			if len(arbErr.Attempts) != 1 {
				t.Fatalf("attempts = %d, want 1", len(arbErr.Attempts))
			}
			if !provider.IsTimeout(arbErr.Attempts[0].Err) {
				t.Errorf("attempt error = %v, want timeout classification", arbErr.Attempts[0].Err)
			}
		})
	}
}

func TestRefreshBypassesCache(t *testing.T) {
	fx := newEngineFixture(t, DefaultConfig(), "alpha")
	ctx := context.Background()
	req := asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice)

	stale := cache.NewEntry(json.RawMessage(`{"price": 180.0}`), "alpha", time.Minute)
	if err := fx.manager.Set(ctx, req.CacheKey(), stale); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	fx.mocks["alpha"].Data = json.RawMessage(`{"price": 184.2}`)

	result, err := fx.engine.Refresh(ctx, req)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if result.Provenance.Source != "provider" {
		t.Errorf("Source = %s, want provider despite fresh cached entry", result.Provenance.Source)
	}
	if got := fx.mocks["alpha"].Calls(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}

	// The cached value is replaced by the refetched one.
	entry, err := fx.manager.Get(ctx, req.CacheKey())
	if err != nil {
		t.Fatalf("Get after Refresh failed: %v", err)
	}
	if string(entry.Data) != `{"price": 184.2}` {
		t.Errorf("cached Data = %s, want refreshed payload", entry.Data)
	}
}

func TestRefreshFailureKeepsCachedEntry(t *testing.T) {
	fx := newEngineFixture(t, DefaultConfig(), "alpha")
	ctx := context.Background()
	req := asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice)

	old := cache.NewEntry(json.RawMessage(`{"price": 180.0}`), "alpha", time.Minute)
	if err := fx.manager.Set(ctx, req.CacheKey(), old); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	fx.mocks["alpha"].Err = errors.New("upstream down")

	if _, err := fx.engine.Refresh(ctx, req); err == nil {
		t.Fatal("Refresh succeeded, want error when every provider fails")
	}

	// A failed refresh degrades to stale data, never a cold key.
	entry, err := fx.manager.Get(ctx, req.CacheKey())
	if err != nil {
		t.Fatalf("Get after failed Refresh = %v, want cached entry intact", err)
	}
	if string(entry.Data) != `{"price": 180.0}` {
		t.Errorf("cached Data = %s, want original payload retained", entry.Data)
	}
}

func TestResolveNoProviderAvailable(t *testing.T) {
	fx := newEngineFixture(t, DefaultConfig(), "equities-only")
	fx.mocks["equities-only"].Supports = func(a asset.Asset) bool {
		return a.Class == asset.ClassEquity
	}

	req := asset.NewRequest(asset.New("BTC", asset.ClassCrypto), asset.TypePrice)
	_, err := fx.engine.Resolve(context.Background(), req)
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Errorf("error = %v, want ErrNoProviderAvailable", err)
	}
}

func TestResolveRecordsStats(t *testing.T) {
	fx := newEngineFixture(t, DefaultConfig(), "primary", "backup")
	ctx := context.Background()
	req := asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice)

	fx.mocks["primary"].Err = errors.New("upstream down")

	if _, err := fx.engine.Resolve(ctx, req); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if fx.stats.SuccessRate("primary") >= fx.stats.SuccessRate("backup") {
		t.Errorf("failed provider success rate %v not below succeeding provider %v",
			fx.stats.SuccessRate("primary"), fx.stats.SuccessRate("backup"))
	}
}

func TestResolvePlanLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FallbackCount = 1
	fx := newEngineFixture(t, cfg, "a", "b", "c", "d")
	req := asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice)

	plan, err := fx.engine.PlanPreview(req)
	if err != nil {
		t.Fatalf("PlanPreview failed: %v", err)
	}
	if len(plan.Providers) != 2 {
		t.Errorf("plan length = %d, want primary plus 1 fallback", len(plan.Providers))
	}
	if len(plan.Scores) != len(plan.Providers) {
		t.Errorf("scores length = %d, want %d", len(plan.Scores), len(plan.Providers))
	}
}

func TestResolvePlanDeterministic(t *testing.T) {
	fx := newEngineFixture(t, DefaultConfig(), "gamma", "alpha", "beta")
	req := asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice)

	first, err := fx.engine.PlanPreview(req)
	if err != nil {
		t.Fatalf("PlanPreview failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		plan, err := fx.engine.PlanPreview(req)
		if err != nil {
			t.Fatalf("PlanPreview failed: %v", err)
		}
		for j := range plan.Providers {
			if plan.Providers[j] != first.Providers[j] {
				t.Fatalf("plan order changed between calls: %v vs %v", plan.Providers, first.Providers)
			}
		}
	}

	// Fresh identical providers tie on composite, so configured
	// priority order decides.
	want := []string{"gamma", "alpha", "beta"}
	for i, name := range first.Providers {
		if name != want[i] {
			t.Errorf("plan[%d] = %s, want %s", i, name, want[i])
		}
	}
}

func TestResolveCacheFailureNonFatal(t *testing.T) {
	fx := newEngineFixture(t, DefaultConfig(), "alpha")
	fx.l1.FailErr = errors.New("connection refused")
	fx.l1.FailOps = map[string]bool{"get": true, "set": true}

	result, err := fx.engine.Resolve(context.Background(),
		asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice))
	if err != nil {
		t.Fatalf("Resolve failed with broken cache: %v", err)
	}
	if result.Provenance.Source != "provider" {
		t.Errorf("Source = %s, want provider", result.Provenance.Source)
	}
}

func TestResolveSingleFlight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SingleFlight = true
	fx := newEngineFixture(t, cfg, "alpha")
	fx.mocks["alpha"].Delay = 50 * time.Millisecond

	req := asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fx.engine.Resolve(context.Background(), req); err != nil {
				t.Errorf("Resolve failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := fx.mocks["alpha"].Calls(); got != 1 {
		t.Errorf("provider calls = %d, want 1 with coalescing", got)
	}
}

func TestResolveRateLimitedSkipsProvider(t *testing.T) {
	l1 := testutil.NewMemoryTier("l1")
	manager, err := cache.NewManager(cache.Config{L1: l1})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer manager.Close()

	registry := provider.NewRegistry([]string{"limited", "open"})
	limited := testutil.NewMockProvider("limited")
	open := testutil.NewMockProvider("open")
	if err := registry.Register(limited, provider.RegisterOptions{RequestsPerSecond: 0.001, Burst: 1}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(open, provider.RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	eng, err := New(manager, registry, provider.NewStatsStore(provider.StatsConfig{}), DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()

	// Exhaust the limited provider's quota, then resolve a fresh key.
	registry.ReserveQuota("limited")

	req := asset.NewRequest(asset.New("QQQ", asset.ClassETF), asset.TypePrice)
	result, err := eng.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Provenance.Provider != "open" {
		t.Errorf("Provider = %s, want open after quota exhaustion", result.Provenance.Provider)
	}
	if got := limited.Calls(); got != 0 {
		t.Errorf("limited provider calls = %d, want 0", got)
	}
}
