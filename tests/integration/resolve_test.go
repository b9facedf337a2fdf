package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/quantmesh/arbiter/pkg/asset"
	"github.com/quantmesh/arbiter/pkg/cache"
	"github.com/quantmesh/arbiter/pkg/engine"
	"github.com/quantmesh/arbiter/pkg/provider"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// setupEngine wires a real Redis L1 behind the engine with one REST
// provider pointed at the given upstream.
func setupEngine(t *testing.T, redisClient *redis.Client, upstream string) (*engine.Engine, *cache.Manager) {
	t.Helper()

	manager, err := cache.NewManager(cache.Config{L1: cache.NewRedisTier(redisClient)})
	if err != nil {
		t.Fatalf("Failed to create cache manager: %v", err)
	}

	p, err := provider.NewRESTProvider(provider.RESTConfig{
		Name:    "upstream",
		BaseURL: upstream,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	registry := provider.NewRegistry([]string{"upstream"})
	if err := registry.Register(p, provider.RegisterOptions{}); err != nil {
		t.Fatalf("Failed to register provider: %v", err)
	}

	eng, err := engine.New(manager, registry, provider.NewStatsStore(provider.StatsConfig{}), engine.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng, manager
}

// TestFullResolveFlow tests the complete flow: cache miss, provider
// fetch, cache store, then cache hit without a second upstream call.
func TestFullResolveFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	var upstreamCalls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		w.Write([]byte(`{"price": 271.49}`))
	}))
	defer upstream.Close()

	eng, manager := setupEngine(t, redisClient, upstream.URL)
	defer manager.Close()

	ctx := context.Background()
	req := asset.NewRequest(asset.New("AAPL", asset.ClassEquity), asset.TypePrice)

	t.Log("Resolve 1: cache miss, provider fetch")
	result1, err := eng.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("Resolve 1 failed: %v", err)
	}
	if result1.Provenance.Source != "provider" {
		t.Errorf("Resolve 1 source = %s, want provider", result1.Provenance.Source)
	}
	if string(result1.Data) != `{"price": 271.49}` {
		t.Errorf("Resolve 1 data = %s", result1.Data)
	}
	if got := upstreamCalls.Load(); got != 1 {
		t.Errorf("After resolve 1: upstream calls = %d, want 1", got)
	}

	t.Log("Resolve 2: served from redis")
	result2, err := eng.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("Resolve 2 failed: %v", err)
	}
	if result2.Provenance.Source != "cache" {
		t.Errorf("Resolve 2 source = %s, want cache", result2.Provenance.Source)
	}
	if got := upstreamCalls.Load(); got != 1 {
		t.Errorf("After resolve 2: upstream calls = %d, want still 1", got)
	}

	// Both the alias and provider-scoped keys are resident in redis.
	if _, err := manager.Get(ctx, req.ProviderCacheKey("upstream")); err != nil {
		t.Errorf("provider-scoped key not in cache: %v", err)
	}
}

// TestExpiryTriggersRefetch verifies lazy expiry against real Redis.
func TestExpiryTriggersRefetch(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	var upstreamCalls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		w.Write([]byte(`{"price": 1.0}`))
	}))
	defer upstream.Close()

	manager, err := cache.NewManager(cache.Config{L1: cache.NewRedisTier(redisClient)})
	if err != nil {
		t.Fatalf("Failed to create cache manager: %v", err)
	}
	defer manager.Close()

	p, err := provider.NewRESTProvider(provider.RESTConfig{Name: "upstream", BaseURL: upstream.URL})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	registry := provider.NewRegistry([]string{"upstream"})
	if err := registry.Register(p, provider.RegisterOptions{}); err != nil {
		t.Fatalf("Failed to register provider: %v", err)
	}

	cfg := engine.DefaultConfig()
	cfg.TTL = engine.TTLPolicy{
		Base: map[asset.DataType]time.Duration{asset.TypePrice: time.Second},
	}
	eng, err := engine.New(manager, registry, provider.NewStatsStore(provider.StatsConfig{}), cfg)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	ctx := context.Background()
	req := asset.NewRequest(asset.New("BTC", asset.ClassCrypto), asset.TypePrice)

	if _, err := eng.Resolve(ctx, req); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	result, err := eng.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("Resolve after expiry failed: %v", err)
	}
	if result.Provenance.Source != "provider" {
		t.Errorf("source = %s, want provider after TTL expiry", result.Provenance.Source)
	}
	if got := upstreamCalls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

// TestInvalidation verifies prefix invalidation against real Redis.
func TestInvalidation(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	manager, err := cache.NewManager(cache.Config{L1: cache.NewRedisTier(redisClient)})
	if err != nil {
		t.Fatalf("Failed to create cache manager: %v", err)
	}
	defer manager.Close()

	ctx := context.Background()
	for _, key := range []string{"AAPL:price:0", "AAPL:ohlcv:0", "MSFT:price:0"} {
		entry := cache.NewEntry([]byte(`{}`), "seed", time.Minute)
		if err := manager.Set(ctx, key, entry); err != nil {
			t.Fatalf("Set(%s) failed: %v", key, err)
		}
	}

	removed, err := manager.Invalidate(ctx, "AAPL:")
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Invalidate removed %d keys, want 2", removed)
	}

	if _, err := manager.Get(ctx, "AAPL:price:0"); err == nil {
		t.Error("invalidated key still resident")
	}
	if _, err := manager.Get(ctx, "MSFT:price:0"); err != nil {
		t.Errorf("unrelated key lost: %v", err)
	}
}
