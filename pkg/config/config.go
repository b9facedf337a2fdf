// Package config loads and validates the YAML configuration for the
// arbitration service.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantmesh/arbiter/pkg/asset"
	"github.com/quantmesh/arbiter/pkg/engine"
	"github.com/quantmesh/arbiter/pkg/eviction"
)

// Duration wraps time.Duration so YAML values can use forms like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root service configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Redis     RedisConfig      `yaml:"redis"`
	Postgres  PostgresConfig   `yaml:"postgres"`
	Cache     CacheConfig      `yaml:"cache"`
	Engine    EngineConfig     `yaml:"engine"`
	Warmer    WarmerConfig     `yaml:"warmer"`
	Providers []ProviderConfig `yaml:"providers"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	// Enabled turns the durable tier on. Without it the cache runs
	// single-tier on Redis.
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	// Retention bounds how long expired entries stay readable as
	// history before the periodic purge removes them.
	Retention Duration `yaml:"retention"`
}

type CacheConfig struct {
	L1MaxEntries      int            `yaml:"l1_max_entries"`
	EvictionBatch     int            `yaml:"eviction_batch"`
	AsyncWriteTimeout Duration       `yaml:"async_write_timeout"`
	Eviction          EvictionConfig `yaml:"eviction"`
}

type EvictionConfig struct {
	Policy            string  `yaml:"policy"`
	MaxTrackedEntries int     `yaml:"max_tracked_entries"`
	PressureThreshold float64 `yaml:"pressure_threshold"`
}

type EngineConfig struct {
	Weights            engine.Weights      `yaml:"weights"`
	FallbackCount      int                 `yaml:"fallback_count"`
	DefaultCallTimeout Duration            `yaml:"default_call_timeout"`
	TimeoutMargin      Duration            `yaml:"timeout_margin"`
	LatencyBudgetMS    float64             `yaml:"latency_budget_ms"`
	SingleFlight       bool                `yaml:"single_flight"`
	TTLOverrides       map[string]Duration `yaml:"ttl_overrides"`
}

type WarmerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Interval       Duration `yaml:"interval"`
	Symbols        []string `yaml:"symbols"`
	DataTypes      []string `yaml:"data_types"`
	MaxConcurrency int      `yaml:"max_concurrency"`
	WarmOnStartup  bool     `yaml:"warm_on_startup"`
}

type ProviderConfig struct {
	Name              string   `yaml:"name"`
	Priority          int      `yaml:"priority"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	StaticCost        float64  `yaml:"static_cost"`
	Timeout           Duration `yaml:"timeout"`
	BaseURL           string   `yaml:"base_url"`
	APIKey            string   `yaml:"api_key"`
}

// Default returns a configuration suitable for local development.
func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8080"},
		Logging: LoggingConfig{Level: "info"},
		Redis:   RedisConfig{Addr: "localhost:6379"},
		Postgres: PostgresConfig{
			Retention: Duration(7 * 24 * time.Hour),
		},
		Cache: CacheConfig{
			L1MaxEntries:  10_000,
			EvictionBatch: 25,
			Eviction: EvictionConfig{
				Policy:            string(eviction.LRU),
				MaxTrackedEntries: 10_000,
				PressureThreshold: 0.9,
			},
		},
		Engine: EngineConfig{
			Weights:         engine.DefaultWeights(),
			FallbackCount:   engine.DefaultFallbackCount,
			LatencyBudgetMS: engine.DefaultLatencyBudget,
		},
		Warmer: WarmerConfig{
			Enabled:       true,
			Interval:      Duration(5 * time.Minute),
			WarmOnStartup: true,
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints a YAML parse cannot.
func (c Config) Validate() error {
	if err := c.Engine.Weights.Validate(); err != nil {
		return err
	}
	if c.Engine.FallbackCount < 0 {
		return fmt.Errorf("engine.fallback_count cannot be negative: %d", c.Engine.FallbackCount)
	}

	if !eviction.Policy(c.Cache.Eviction.Policy).Valid() {
		return fmt.Errorf("cache.eviction.policy %q is not one of lru, lfu, ttl, fifo", c.Cache.Eviction.Policy)
	}
	if t := c.Cache.Eviction.PressureThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("cache.eviction.pressure_threshold must be in (0, 1], got %v", t)
	}

	for dt, ttl := range c.Engine.TTLOverrides {
		if !asset.DataType(dt).Valid() {
			return fmt.Errorf("engine.ttl_overrides references unknown data type %q", dt)
		}
		if ttl <= 0 {
			return fmt.Errorf("engine.ttl_overrides.%s must be positive, got %v", dt, ttl.Std())
		}
	}

	if c.Warmer.Enabled {
		if c.Warmer.Interval <= 0 {
			return fmt.Errorf("warmer.interval must be positive, got %v", c.Warmer.Interval.Std())
		}
		for _, dt := range c.Warmer.DataTypes {
			if !asset.DataType(dt).Valid() {
				return fmt.Errorf("warmer.data_types references unknown data type %q", dt)
			}
		}
	}

	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.enabled requires postgres.dsn")
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// TTLBase converts the configured TTL overrides into the engine's
// per-data-type table.
func (c Config) TTLBase() map[asset.DataType]time.Duration {
	if len(c.Engine.TTLOverrides) == 0 {
		return nil
	}
	out := make(map[asset.DataType]time.Duration, len(c.Engine.TTLOverrides))
	for dt, d := range c.Engine.TTLOverrides {
		out[asset.DataType(dt)] = d.Std()
	}
	return out
}

// WarmerDataTypes converts the configured warmer data types.
func (c Config) WarmerDataTypes() []asset.DataType {
	out := make([]asset.DataType, 0, len(c.Warmer.DataTypes))
	for _, dt := range c.Warmer.DataTypes {
		out = append(out, asset.DataType(dt))
	}
	return out
}
