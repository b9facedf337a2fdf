// Package provider defines the capability interface that every upstream
// market data source satisfies, the registry that holds them, and the
// rolling reliability/latency statistics used to score them.
package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quantmesh/arbiter/pkg/asset"
)

// Status is the coarse health state of a provider.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Health is a point-in-time health snapshot of a provider.
type Health struct {
	Status       Status
	P95LatencyMS float64
	SuccessRate  float64
}

// Response is the payload returned by a provider fetch.
type Response struct {
	// Data is the provider's payload, opaque to the arbitration core.
	Data json.RawMessage

	// AsOf is the provider-reported data timestamp. Zero when the
	// provider does not report one; freshness scoring then falls back
	// to a neutral score.
	AsOf time.Time

	// Provider is the name of the provider that produced the data.
	Provider string
}

// Age returns the age of the data relative to now, or false when the
// provider did not report a data timestamp.
func (r *Response) Age(now time.Time) (time.Duration, bool) {
	if r.AsOf.IsZero() {
		return 0, false
	}
	age := now.Sub(r.AsOf)
	if age < 0 {
		age = 0
	}
	return age, true
}

// Provider is the uniform capability interface for an upstream market
// data source. Implementations live outside the arbitration core.
type Provider interface {
	// Name returns the unique provider identifier.
	Name() string

	// SupportsAsset reports whether the provider can serve the asset.
	SupportsAsset(a asset.Asset) bool

	// Fetch retrieves data for the request. Implementations must honor
	// the context deadline and return ErrTimeout (possibly wrapped) on
	// expiry, or an *Error for malformed or failed responses.
	Fetch(ctx context.Context, req asset.Request) (*Response, error)

	// Health returns the provider's current health snapshot.
	Health() Health
}
