// Package testutil provides configurable in-memory test doubles for
// the provider and cache interfaces.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/quantmesh/arbiter/pkg/asset"
	"github.com/quantmesh/arbiter/pkg/provider"
)

// MockProvider is a configurable in-memory data provider for tests.
// Behavior is driven by the exported fields; call counts are tracked
// per request key.
type MockProvider struct {
	ProviderName string

	mu sync.Mutex

	// Data is returned on successful fetches. Defaults to a small
	// price payload when nil.
	Data json.RawMessage

	// DataAge backdates the reported observation time of responses.
	DataAge time.Duration

	// Delay is applied before each fetch completes.
	Delay time.Duration

	// Err, when set, fails every fetch.
	Err error

	// FailFirst fails the first N fetches, then succeeds.
	FailFirst int

	// Supports restricts which assets the provider claims. Nil means
	// every asset is supported.
	Supports func(a asset.Asset) bool

	// HealthStatus overrides the reported health. Defaults to healthy.
	HealthStatus provider.Status

	calls      int
	callsByKey map[string]int
}

// NewMockProvider creates a healthy mock provider with a default
// price payload.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		ProviderName: name,
		Data:         json.RawMessage(`{"price": 100.0}`),
		HealthStatus: provider.StatusHealthy,
		callsByKey:   make(map[string]int),
	}
}

// Name implements provider.Provider.
func (m *MockProvider) Name() string {
	return m.ProviderName
}

// SupportsAsset implements provider.Provider.
func (m *MockProvider) SupportsAsset(a asset.Asset) bool {
	if m.Supports != nil {
		return m.Supports(a)
	}
	return true
}

// Fetch implements provider.Provider.
func (m *MockProvider) Fetch(ctx context.Context, req asset.Request) (*provider.Response, error) {
	m.mu.Lock()
	m.calls++
	m.callsByKey[req.CacheKey()]++
	call := m.calls
	delay := m.Delay
	err := m.Err
	failFirst := m.FailFirst
	data := m.Data
	dataAge := m.DataAge
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, provider.NewTimeoutError(m.ProviderName, ctx.Err())
		}
	}

	if err != nil {
		return nil, provider.NewFetchError(m.ProviderName, err)
	}
	if call <= failFirst {
		return nil, provider.NewFetchError(m.ProviderName, provider.ErrMalformedResponse)
	}

	return &provider.Response{
		Data:     data,
		AsOf:     time.Now().Add(-dataAge),
		Provider: m.ProviderName,
	}, nil
}

// Health implements provider.Provider.
func (m *MockProvider) Health() provider.Health {
	status := m.HealthStatus
	if status == "" {
		status = provider.StatusHealthy
	}
	return provider.Health{Status: status, SuccessRate: 1.0}
}

// Calls returns the total number of Fetch invocations.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// CallsFor returns the number of Fetch invocations for one request key.
func (m *MockProvider) CallsFor(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callsByKey[key]
}
