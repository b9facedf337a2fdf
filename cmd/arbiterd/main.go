// arbiterd is the arbitration daemon: it wires the cache tiers,
// provider registry, arbitration engine, and warmer from configuration
// and serves resolve, stats, and metrics endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quantmesh/arbiter/pkg/asset"
	"github.com/quantmesh/arbiter/pkg/cache"
	"github.com/quantmesh/arbiter/pkg/config"
	"github.com/quantmesh/arbiter/pkg/engine"
	"github.com/quantmesh/arbiter/pkg/eviction"
	"github.com/quantmesh/arbiter/pkg/logging"
	"github.com/quantmesh/arbiter/pkg/provider"
	"github.com/quantmesh/arbiter/pkg/warmer"
)

func main() {
	configPath := flag.String("config", getEnv("ARBITER_CONFIG", ""), "path to config.yaml")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})
	logger = logger.With().Str("component", "arbiterd").Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     getEnv("REDIS_URL", cfg.Redis.Addr),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	l1 := cache.NewRedisTier(redisClient)
	if err := l1.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")

	var l2 cache.Tier
	if cfg.Postgres.Enabled {
		db, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		pg := cache.NewPostgresTier(db)
		if err := pg.Migrate(); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
		l2 = pg
		go purgeLoop(ctx, pg, cfg.Postgres.Retention.Std(), logger)
		logger.Info().Msg("durable tier enabled")
	}

	tracker := eviction.NewTracker(eviction.Config{
		Policy:            eviction.Policy(cfg.Cache.Eviction.Policy),
		MaxTrackedEntries: cfg.Cache.Eviction.MaxTrackedEntries,
		PressureThreshold: cfg.Cache.Eviction.PressureThreshold,
	})

	manager, err := cache.NewManager(cache.Config{
		L1:                l1,
		L2:                l2,
		Tracker:           tracker,
		L1MaxEntries:      cfg.Cache.L1MaxEntries,
		EvictionBatch:     cfg.Cache.EvictionBatch,
		AsyncWriteTimeout: cfg.Cache.AsyncWriteTimeout.Std(),
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	stats := provider.NewStatsStore(provider.StatsConfig{})

	eng, err := engine.New(manager, registry, stats, engine.Config{
		Weights:            cfg.Engine.Weights,
		FallbackCount:      cfg.Engine.FallbackCount,
		DefaultCallTimeout: cfg.Engine.DefaultCallTimeout.Std(),
		TimeoutMargin:      cfg.Engine.TimeoutMargin.Std(),
		LatencyBudgetMS:    cfg.Engine.LatencyBudgetMS,
		SingleFlight:       cfg.Engine.SingleFlight,
		TTL:                engine.TTLPolicy{Base: cfg.TTLBase()},
	})
	if err != nil {
		return err
	}

	if cfg.Warmer.Enabled {
		w := warmer.New(eng, warmer.Config{
			Interval:       cfg.Warmer.Interval.Std(),
			Symbols:        cfg.Warmer.Symbols,
			DataTypes:      cfg.WarmerDataTypes(),
			MaxConcurrency: cfg.Warmer.MaxConcurrency,
			WarmOnStartup:  cfg.Warmer.WarmOnStartup,
		})
		go w.Run(ctx)
		logger.Info().Dur("interval", cfg.Warmer.Interval.Std()).Msg("warmer started")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler(l1))
	mux.HandleFunc("/stats", statsHandler(manager, stats))
	mux.HandleFunc("/resolve", resolveHandler(eng))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// purgeLoop removes long-expired entries from the durable tier once an
// hour, keeping the historical window bounded by the configured
// retention.
func purgeLoop(ctx context.Context, pg *cache.PostgresTier, retention time.Duration, logger zerolog.Logger) {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pg.PurgeExpired(ctx, retention)
			if err != nil {
				logger.Warn().Err(err).Msg("durable tier purge failed")
				continue
			}
			if n > 0 {
				logger.Info().Int64("purged", n).Msg("durable tier purge complete")
			}
		}
	}
}

// buildRegistry registers the configured REST providers.
func buildRegistry(cfg config.Config, logger zerolog.Logger) (*provider.Registry, error) {
	names := make([]string, len(cfg.Providers))
	for i, p := range cfg.Providers {
		names[i] = p.Name
	}

	registry := provider.NewRegistry(names)
	for _, pc := range cfg.Providers {
		p, err := provider.NewRESTProvider(provider.RESTConfig{
			Name:    pc.Name,
			BaseURL: pc.BaseURL,
			APIKey:  pc.APIKey,
			Timeout: pc.Timeout.Std(),
		})
		if err != nil {
			return nil, err
		}
		err = registry.Register(p, provider.RegisterOptions{
			Priority:          pc.Priority,
			RequestsPerSecond: pc.RequestsPerSecond,
			Burst:             pc.Burst,
			StaticCost:        pc.StaticCost,
			Timeout:           pc.Timeout.Std(),
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Str("provider", pc.Name).Msg("provider registered")
	}
	return registry, nil
}

func healthHandler(l1 *cache.RedisTier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := l1.Ping(ctx); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

func statsHandler(manager *cache.Manager, stats *provider.StatsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := struct {
			Cache     cache.Stats                          `json:"cache"`
			Providers map[string]provider.ProviderSnapshot `json:"providers"`
		}{
			Cache:     manager.Stats(),
			Providers: stats.Snapshot(),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// resolveHandler serves GET /resolve?symbol=AAPL&class=equity&type=price.
func resolveHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			http.Error(w, "symbol is required", http.StatusBadRequest)
			return
		}

		class := asset.Class(r.URL.Query().Get("class"))
		if class == "" {
			class = asset.ClassEquity
		}
		if !class.Valid() {
			http.Error(w, "unknown asset class", http.StatusBadRequest)
			return
		}

		dataType := asset.DataType(r.URL.Query().Get("type"))
		if dataType == "" {
			dataType = asset.TypePrice
		}
		if !dataType.Valid() {
			http.Error(w, "unknown data type", http.StatusBadRequest)
			return
		}

		req := asset.NewRequest(asset.New(symbol, class), dataType)
		result, err := eng.Resolve(r.Context(), req)
		if err != nil {
			if errors.Is(err, engine.ErrNoProviderAvailable) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
