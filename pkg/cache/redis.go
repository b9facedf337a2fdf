package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier is the volatile L1 tier backed by Redis. The client's
// connection pool is the shared, long-lived resource for the tier;
// configure PoolSize and PoolTimeout on the client.
type RedisTier struct {
	client *redis.Client
	prefix string
}

// NewRedisTier creates the L1 tier over an existing Redis client.
func NewRedisTier(client *redis.Client) *RedisTier {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisTier{client: client, prefix: "arb:"}
}

// Name identifies the tier in logs and metrics.
func (t *RedisTier) Name() string { return "l1" }

func (t *RedisTier) redisKey(key string) string { return t.prefix + key }

// Get retrieves an entry. Returns ErrCacheMiss when the key is absent.
func (t *RedisTier) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := t.client.Get(ctx, t.redisKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &e, nil
}

// Set stores an entry with its remaining TTL so Redis expires it on its
// own; already-expired entries are not written.
func (t *RedisTier) Set(ctx context.Context, key string, e *Entry) error {
	if e == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := e.TTL()
	if ttl <= 0 {
		return nil
	}

	e.Key = key
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := t.client.Set(ctx, t.redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// GetBatch retrieves entries for the keys in one MGET round trip.
// Missing or undecodable slots are nil.
func (t *RedisTier) GetBatch(ctx context.Context, keys []string) ([]*Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = t.redisKey(k)
	}

	values, err := t.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([]*Entry, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out[i] = &e
	}
	return out, nil
}

// SetBatch stores entries in one pipelined round trip. Returns the
// number of entries written.
func (t *RedisTier) SetBatch(ctx context.Context, entries []*Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	pipe := t.client.Pipeline()
	count := 0
	for _, e := range entries {
		if e == nil {
			continue
		}
		ttl := e.TTL()
		if ttl <= 0 {
			continue
		}
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		pipe.Set(ctx, t.redisKey(e.Key), data, ttl)
		count++
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis pipeline set: %w", err)
	}
	return count, nil
}

// Delete removes keys.
func (t *RedisTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = t.redisKey(k)
	}
	if err := t.client.Del(ctx, redisKeys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Size reports the number of resident keys in the tier's keyspace.
func (t *RedisTier) Size(ctx context.Context) (int64, error) {
	// DBSIZE is O(1); the tier assumes a dedicated logical database.
	n, err := t.client.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("redis dbsize: %w", err)
	}
	return n, nil
}

// InvalidatePrefix removes every key under the given cache-key prefix,
// scanning incrementally to avoid blocking Redis.
func (t *RedisTier) InvalidatePrefix(ctx context.Context, prefix string) (int64, error) {
	var removed int64
	var cursor uint64

	pattern := t.redisKey(prefix) + "*"
	for {
		keys, next, err := t.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := t.client.Del(ctx, keys...).Result()
			removed += n
			if err != nil {
				return removed, fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Ping verifies the tier connection at startup.
func (t *RedisTier) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return t.client.Ping(ctx).Err()
}
