package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/quantmesh/arbiter/pkg/asset"
	"github.com/quantmesh/arbiter/pkg/provider"
)

// weightEpsilon is the floating-point tolerance for the weight sum check.
const weightEpsilon = 1e-9

// neutralFreshness applies when a provider has never reported a data
// timestamp; the engine neither rewards nor punishes it.
const neutralFreshness = 0.5

// Weights are the multi-factor scoring weights. They must sum to 1.0;
// validation failure is fatal at startup, never at request time.
type Weights struct {
	Availability float64 `yaml:"availability"`
	Freshness    float64 `yaml:"freshness"`
	Reliability  float64 `yaml:"reliability"`
	Latency      float64 `yaml:"latency"`
	Cost         float64 `yaml:"cost"`
}

// DefaultWeights returns the default scoring weights.
func DefaultWeights() Weights {
	return Weights{
		Availability: 0.30,
		Freshness:    0.25,
		Reliability:  0.25,
		Latency:      0.15,
		Cost:         0.05,
	}
}

// Validate checks that all weights are non-negative and sum to 1.0
// within floating-point epsilon.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"availability": w.Availability,
		"freshness":    w.Freshness,
		"reliability":  w.Reliability,
		"latency":      w.Latency,
		"cost":         w.Cost,
	} {
		if v < 0 {
			return fmt.Errorf("scoring weight %s is negative: %v", name, v)
		}
	}

	sum := w.Availability + w.Freshness + w.Reliability + w.Latency + w.Cost
	if math.Abs(sum-1.0) > weightEpsilon {
		return fmt.Errorf("scoring weights must sum to 1.0, got %v", sum)
	}
	return nil
}

// Score is the result of scoring one provider against one request.
// All components are normalized to [0, 1].
type Score struct {
	Provider     string  `json:"provider"`
	Availability float64 `json:"availability"`
	Freshness    float64 `json:"freshness"`
	Reliability  float64 `json:"reliability"`
	Latency      float64 `json:"latency"`
	Cost         float64 `json:"cost"`
	Composite    float64 `json:"composite"`
}

// MaxStaleness returns the data-type-specific staleness horizon used by
// freshness scoring: data older than this scores 0.
func (e *Engine) maxStaleness(dt asset.DataType) time.Duration {
	if d, ok := e.cfg.MaxStaleness[dt]; ok && d > 0 {
		return d
	}
	return DefaultMaxStaleness(dt)
}

// DefaultMaxStaleness is the built-in staleness horizon per data type.
func DefaultMaxStaleness(dt asset.DataType) time.Duration {
	switch dt {
	case asset.TypePrice:
		return 10 * time.Second
	case asset.TypeOHLCV:
		return time.Minute
	case asset.TypeTechnical:
		return 5 * time.Minute
	case asset.TypeNews:
		return 15 * time.Minute
	case asset.TypeSentiment:
		return 30 * time.Minute
	case asset.TypeCorrelation, asset.TypeRisk:
		return time.Hour
	case asset.TypeFundamentals:
		return 4 * time.Hour
	case asset.TypeMacro:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// score computes the five component scores and the weighted composite
// for one provider.
func (e *Engine) score(p provider.Provider, req asset.Request) Score {
	name := p.Name()

	s := Score{
		Provider:     name,
		Availability: e.availabilityScore(name),
		Freshness:    e.freshnessScore(name, req.DataType),
		Reliability:  e.stats.SuccessRate(name),
		Latency:      e.latencyScore(name),
		Cost:         e.registry.CostScore(name),
	}
	s.Composite = e.cfg.Weights.Availability*s.Availability +
		e.cfg.Weights.Freshness*s.Freshness +
		e.cfg.Weights.Reliability*s.Reliability +
		e.cfg.Weights.Latency*s.Latency +
		e.cfg.Weights.Cost*s.Cost
	return s
}

// availabilityScore maps provider health onto [0, 1]. A provider marked
// degraded by the stats store scores as degraded even while its own
// health report is healthy.
func (e *Engine) availabilityScore(name string) float64 {
	status := e.registry.Health(name).Status
	if status == provider.StatusHealthy && e.stats.Degraded(name) {
		status = provider.StatusDegraded
	}

	switch status {
	case provider.StatusHealthy:
		return 1.0
	case provider.StatusDegraded:
		return 0.5
	default:
		return 0.0
	}
}

// freshnessScore decays linearly with observed data age against the
// data type's staleness horizon. Providers with no reported age score
// neutral.
func (e *Engine) freshnessScore(name string, dt asset.DataType) float64 {
	age, ok := e.stats.LastDataAge(name)
	if !ok {
		return neutralFreshness
	}

	horizon := e.maxStaleness(dt)
	score := 1.0 - age.Seconds()/horizon.Seconds()
	if score < 0 {
		return 0
	}
	return score
}

// latencyScore decays linearly with rolling p95 latency against the
// configured budget. Providers with no history score full.
func (e *Engine) latencyScore(name string) float64 {
	p95 := e.stats.P95Latency(name)
	if p95 <= 0 {
		return 1.0
	}

	score := 1.0 - p95/float64(e.cfg.LatencyBudgetMS)
	if score < 0 {
		return 0
	}
	return score
}

// rankScores orders scores by composite descending, breaking ties by
// configured provider priority, then lexicographic provider name, so
// that plan order is fully deterministic.
func (e *Engine) rankScores(scores []Score) {
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Composite != scores[j].Composite {
			return scores[i].Composite > scores[j].Composite
		}
		pi, pj := e.registry.Priority(scores[i].Provider), e.registry.Priority(scores[j].Provider)
		if pi != pj {
			return pi < pj
		}
		return scores[i].Provider < scores[j].Provider
	})
}
