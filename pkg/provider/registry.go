package provider

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/quantmesh/arbiter/pkg/asset"
)

var registeredProviders = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "arb_providers_registered",
	Help: "Number of registered providers",
})

// DefaultHealthSnapshotTTL bounds how often a provider's Health method
// is consulted; within the TTL, scoring reuses the cached snapshot.
const DefaultHealthSnapshotTTL = 5 * time.Second

// RegisterOptions carries per-provider registration settings.
type RegisterOptions struct {
	// Priority is the configured tie-break order; lower is preferred.
	// Providers registered without an explicit priority sort after all
	// prioritized ones.
	Priority int

	// RequestsPerSecond and Burst configure the provider's rate-limit
	// headroom tracking. Zero disables the limiter; cost scoring then
	// uses StaticCost.
	RequestsPerSecond float64
	Burst             int

	// StaticCost is the configured cost score in [0,1] used when no
	// limiter is configured. Zero defaults to 1.0 (abundant quota).
	StaticCost float64

	// Timeout overrides the engine's per-call timeout for this provider.
	Timeout time.Duration
}

type registration struct {
	provider Provider
	opts     RegisterOptions

	limiter *rate.Limiter

	healthMu sync.Mutex
	health   Health
	healthAt time.Time
}

// Registry holds the set of registered providers behind the uniform
// capability interface, along with per-provider priority, rate-limit
// headroom, and a short-TTL health snapshot cache. Safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	providers     map[string]*registration
	snapshotTTL   time.Duration
	priorityOrder []string
}

// NewRegistry creates an empty registry. The priorityOrder slice lists
// provider names from most to least preferred for deterministic score
// tie-breaking; providers absent from it sort last.
func NewRegistry(priorityOrder []string) *Registry {
	return &Registry{
		providers:     make(map[string]*registration),
		snapshotTTL:   DefaultHealthSnapshotTTL,
		priorityOrder: append([]string(nil), priorityOrder...),
	}
}

// SetHealthSnapshotTTL overrides the health snapshot cache TTL.
func (r *Registry) SetHealthSnapshotTTL(ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshotTTL = ttl
}

// Register adds a provider. Registering the same name twice is an error;
// provider identity must be stable for reliability tracking.
func (r *Registry) Register(p Provider, opts RegisterOptions) error {
	if p == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}

	reg := &registration{provider: p, opts: opts}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		reg.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	r.providers[name] = reg

	registeredProviders.Set(float64(len(r.providers)))
	return nil
}

// Get returns a registered provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return reg.provider, nil
}

// Names returns all registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProvidersFor returns the providers that support the asset and are not
// reported down. Order is not significant; the engine orders by score.
func (r *Registry) ProvidersFor(a asset.Asset) []Provider {
	r.mu.RLock()
	regs := make([]*registration, 0, len(r.providers))
	for _, reg := range r.providers {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	var out []Provider
	for _, reg := range regs {
		if !reg.provider.SupportsAsset(a) {
			continue
		}
		if r.healthOf(reg).Status == StatusDown {
			continue
		}
		out = append(out, reg.provider)
	}
	return out
}

// Health returns the provider's health snapshot, served from a short-TTL
// cache to bound scoring cost.
func (r *Registry) Health(name string) Health {
	r.mu.RLock()
	reg, ok := r.providers[name]
	r.mu.RUnlock()

	if !ok {
		return Health{Status: StatusDown}
	}
	return r.healthOf(reg)
}

func (r *Registry) healthOf(reg *registration) Health {
	r.mu.RLock()
	ttl := r.snapshotTTL
	r.mu.RUnlock()

	reg.healthMu.Lock()
	defer reg.healthMu.Unlock()

	if time.Since(reg.healthAt) < ttl && !reg.healthAt.IsZero() {
		return reg.health
	}
	reg.health = reg.provider.Health()
	reg.healthAt = time.Now()
	return reg.health
}

// Priority returns the configured tie-break rank for a provider; lower
// is preferred. Providers missing from the priority order rank last.
func (r *Registry) Priority(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i, n := range r.priorityOrder {
		if n == name {
			return i
		}
	}
	return len(r.priorityOrder) + 1
}

// CostScore returns the provider's rate-limit headroom in [0,1]:
// 1.0 means abundant quota, 0.0 near-exhausted. With no limiter
// configured, the static configured cost is returned.
func (r *Registry) CostScore(name string) float64 {
	r.mu.RLock()
	reg, ok := r.providers[name]
	r.mu.RUnlock()

	if !ok {
		return 0
	}
	if reg.limiter == nil {
		if reg.opts.StaticCost > 0 {
			return clamp01(reg.opts.StaticCost)
		}
		return 1.0
	}

	headroom := reg.limiter.Tokens() / float64(reg.limiter.Burst())
	return clamp01(headroom)
}

// ReserveQuota consumes one unit of the provider's rate-limit headroom,
// reporting false when the limiter would block. Providers registered
// without a rate always have quota.
func (r *Registry) ReserveQuota(name string) bool {
	r.mu.RLock()
	reg, ok := r.providers[name]
	r.mu.RUnlock()

	if !ok || reg.limiter == nil {
		return true
	}
	return reg.limiter.Allow()
}

// Timeout returns the configured per-call timeout for a provider, or
// zero when the engine default applies.
func (r *Registry) Timeout(name string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if reg, ok := r.providers[name]; ok {
		return reg.opts.Timeout
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
