package engine

import (
	"time"

	"github.com/quantmesh/arbiter/pkg/asset"
)

// VolatilityFunc reports current intraday volatility for an asset as a
// fraction (0.05 = 5%). The watchdog subsystem supplies this; without
// one, volatility is unknown and only session state adjusts TTLs.
type VolatilityFunc func(a asset.Asset) float64

// TTLPolicy derives cache entry lifetimes from the data type and, for
// price-like data, from current volatility and market-session state.
type TTLPolicy struct {
	// Base overrides the built-in per-data-type TTL table.
	Base map[asset.DataType]time.Duration

	// VolThresholds overrides the per-class high-volatility threshold.
	VolThresholds map[asset.Class]float64

	// Volatility supplies intraday volatility. Nil means unknown.
	Volatility VolatilityFunc

	// now is a test hook; defaults to time.Now.
	now func() time.Time
}

// Built-in TTL table; configuration may override per data type.
var defaultTTLs = map[asset.DataType]time.Duration{
	asset.TypePrice:        10 * time.Second,
	asset.TypeOHLCV:        time.Minute,
	asset.TypeTechnical:    5 * time.Minute,
	asset.TypeNews:         10 * time.Minute,
	asset.TypeSentiment:    15 * time.Minute,
	asset.TypeCorrelation:  30 * time.Minute,
	asset.TypeRisk:         30 * time.Minute,
	asset.TypeFundamentals: time.Hour,
	asset.TypeMacro:        24 * time.Hour,
}

// Per-class intraday volatility thresholds above which TTLs shrink.
var defaultVolThresholds = map[asset.Class]float64{
	asset.ClassEquity: 0.03,
	asset.ClassETF:    0.03,
	asset.ClassIndex:  0.03,
	asset.ClassForex:  0.01,
	asset.ClassCrypto: 0.10,
}

const (
	defaultVolThreshold = 0.05
	lowVolThreshold     = 0.01

	highVolMultiplier    = 0.4
	lowVolMultiplier     = 1.5
	afterHoursMultiplier = 3.0

	minTTL = time.Second
)

// TTLFor returns the cache lifetime for a successful fetch serving req.
func (p *TTLPolicy) TTLFor(req asset.Request) time.Duration {
	base, ok := p.Base[req.DataType]
	if !ok {
		base = defaultTTLs[req.DataType]
	}
	if base <= 0 {
		base = time.Minute
	}

	// Only price-like data reacts to volatility and session state.
	if req.DataType != asset.TypePrice && req.DataType != asset.TypeOHLCV {
		return base
	}

	multiplier := 1.0

	if p.Volatility != nil {
		vol := p.Volatility(req.Asset)
		switch {
		case vol > p.volThreshold(req.Asset.Class):
			multiplier *= highVolMultiplier
		case vol > 0 && vol < lowVolThreshold:
			multiplier *= lowVolMultiplier
		}
	}

	if !p.inActiveSession(req.Asset) {
		multiplier *= afterHoursMultiplier
	}

	if multiplier < highVolMultiplier {
		multiplier = highVolMultiplier
	}
	if multiplier > afterHoursMultiplier {
		multiplier = afterHoursMultiplier
	}

	ttl := time.Duration(float64(base) * multiplier)
	if ttl < minTTL {
		ttl = minTTL
	}
	return ttl
}

func (p *TTLPolicy) volThreshold(c asset.Class) float64 {
	if t, ok := p.VolThresholds[c]; ok && t > 0 {
		return t
	}
	if t, ok := defaultVolThresholds[c]; ok {
		return t
	}
	return defaultVolThreshold
}

// inActiveSession reports whether the asset's market is in its active
// trading window. Crypto trades continuously; other classes use the
// regular US session (13:30-20:00 UTC, weekdays) as the approximation.
func (p *TTLPolicy) inActiveSession(a asset.Asset) bool {
	if a.Class == asset.ClassCrypto {
		return true
	}

	nowFn := p.now
	if nowFn == nil {
		nowFn = time.Now
	}
	now := nowFn().UTC()

	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	minutes := now.Hour()*60 + now.Minute()
	return minutes >= 13*60+30 && minutes < 20*60
}
