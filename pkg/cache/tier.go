package cache

import (
	"context"
	"errors"
)

var (
	// ErrCacheMiss indicates the requested key was not found, or only
	// an expired entry was found.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates a cache entry could not be decoded.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Tier is the storage contract implemented by each cache level.
// Batch operations are positional; a nil slot means a miss for that key.
//
// Tiers report physical misses via ErrCacheMiss and do not apply TTL
// logic themselves; expiry is the manager's concern.
type Tier interface {
	// Name identifies the tier in logs and metrics ("l1", "l2").
	Name() string

	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e *Entry) error
	GetBatch(ctx context.Context, keys []string) ([]*Entry, error)
	SetBatch(ctx context.Context, entries []*Entry) (int, error)
	Delete(ctx context.Context, keys ...string) error
}

// Sizer is implemented by tiers that can report resident entry counts;
// the manager uses it for memory-pressure decisions on L1.
type Sizer interface {
	Size(ctx context.Context) (int64, error)
}

// PrefixInvalidator is implemented by tiers that support removing all
// keys under a prefix.
type PrefixInvalidator interface {
	InvalidatePrefix(ctx context.Context, prefix string) (int64, error)
}
