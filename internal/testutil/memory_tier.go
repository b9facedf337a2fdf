package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/quantmesh/arbiter/pkg/cache"
)

// MemoryTier is a map-backed cache tier for tests. It implements
// cache.Tier plus the optional Sizer and PrefixInvalidator contracts.
type MemoryTier struct {
	TierName string

	mu      sync.RWMutex
	entries map[string]*cache.Entry

	// FailOps makes the named operations ("get", "set", "delete")
	// return FailErr.
	FailOps map[string]bool
	FailErr error
}

// NewMemoryTier creates an empty in-memory tier.
func NewMemoryTier(name string) *MemoryTier {
	return &MemoryTier{
		TierName: name,
		entries:  make(map[string]*cache.Entry),
	}
}

func (t *MemoryTier) fail(op string) error {
	if t.FailOps[op] {
		return t.FailErr
	}
	return nil
}

// Name implements cache.Tier.
func (t *MemoryTier) Name() string {
	return t.TierName
}

// Get implements cache.Tier.
func (t *MemoryTier) Get(ctx context.Context, key string) (*cache.Entry, error) {
	if err := t.fail("get"); err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return e, nil
}

// Set implements cache.Tier.
func (t *MemoryTier) Set(ctx context.Context, key string, e *cache.Entry) error {
	if err := t.fail("set"); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[key] = e
	return nil
}

// GetBatch implements cache.Tier.
func (t *MemoryTier) GetBatch(ctx context.Context, keys []string) ([]*cache.Entry, error) {
	if err := t.fail("get"); err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*cache.Entry, len(keys))
	for i, k := range keys {
		out[i] = t.entries[k]
	}
	return out, nil
}

// SetBatch implements cache.Tier.
func (t *MemoryTier) SetBatch(ctx context.Context, entries []*cache.Entry) (int, error) {
	if err := t.fail("set"); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range entries {
		t.entries[e.Key] = e
	}
	return len(entries), nil
}

// Delete implements cache.Tier.
func (t *MemoryTier) Delete(ctx context.Context, keys ...string) error {
	if err := t.fail("delete"); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, k := range keys {
		delete(t.entries, k)
	}
	return nil
}

// Size implements cache.Sizer.
func (t *MemoryTier) Size(ctx context.Context) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int64(len(t.entries)), nil
}

// InvalidatePrefix implements cache.PrefixInvalidator.
func (t *MemoryTier) InvalidatePrefix(ctx context.Context, prefix string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int64
	for k := range t.entries {
		if strings.HasPrefix(k, prefix) {
			delete(t.entries, k)
			n++
		}
	}
	return n, nil
}

// Has reports whether a key is resident.
func (t *MemoryTier) Has(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[key]
	return ok
}
