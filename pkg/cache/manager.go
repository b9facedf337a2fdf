package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantmesh/arbiter/pkg/eviction"
	"github.com/quantmesh/arbiter/pkg/logging"
)

// Config configures the tiered cache manager.
type Config struct {
	// L1 is the volatile low-latency tier (Redis in production).
	L1 Tier

	// L2 is the durable higher-latency tier (PostgreSQL in production).
	// Optional; without it the manager runs single-tier.
	L2 Tier

	// Tracker decides L1 eviction under memory pressure.
	Tracker *eviction.Tracker

	// L1MaxEntries bounds the volatile tier. Defaults to 10000.
	L1MaxEntries int

	// EvictionBatch is how many keys are removed per eviction pass.
	// Defaults to 25.
	EvictionBatch int

	// AsyncWriteTimeout bounds detached L2 writes and L1 backfills.
	// Defaults to 5s.
	AsyncWriteTimeout time.Duration
}

// Manager provides the uniform get/set surface over both tiers with
// lazy expiry, L1 backfill, asynchronous durable writes, eviction under
// memory pressure, and per-tier latency telemetry.
type Manager struct {
	l1      Tier
	l2      Tier
	tracker *eviction.Tracker
	cfg     Config
	logger  zerolog.Logger

	l1Stats      *tierMetrics
	l2Stats      *tierMetrics
	overallStats *tierMetrics

	// wg tracks detached writes so Close can drain them.
	wg sync.WaitGroup
}

// NewManager creates the tiered cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.L1 == nil {
		return nil, errors.New("l1 tier is required")
	}
	if cfg.Tracker == nil {
		cfg.Tracker = eviction.NewTracker(eviction.DefaultConfig())
	}
	if cfg.L1MaxEntries <= 0 {
		cfg.L1MaxEntries = 10_000
	}
	if cfg.EvictionBatch <= 0 {
		cfg.EvictionBatch = 25
	}
	if cfg.AsyncWriteTimeout <= 0 {
		cfg.AsyncWriteTimeout = 5 * time.Second
	}

	return &Manager{
		l1:           cfg.L1,
		l2:           cfg.L2,
		tracker:      cfg.Tracker,
		cfg:          cfg,
		logger:       logging.NewLogger("cache"),
		l1Stats:      newTierMetrics(),
		l2Stats:      newTierMetrics(),
		overallStats: newTierMetrics(),
	}, nil
}

// Get returns the entry for key, or ErrCacheMiss. L1 is consulted
// first; an L2 hit is backfilled into L1. Expired entries are misses.
// Tier failures are recorded and treated as misses, never propagated.
func (m *Manager) Get(ctx context.Context, key string) (*Entry, error) {
	start := time.Now()
	defer func() {
		m.overallStats.latency.Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	if e := m.tierGet(ctx, m.l1, m.l1Stats, key); e != nil {
		m.tracker.TrackAccess(key)
		m.overallStats.hits.Add(1)
		CacheHits.WithLabelValues("overall").Inc()
		return e, nil
	}

	if m.l2 != nil {
		if e := m.tierGet(ctx, m.l2, m.l2Stats, key); e != nil {
			m.backfillL1(key, e)
			m.tracker.TrackAccess(key)
			m.overallStats.hits.Add(1)
			CacheHits.WithLabelValues("overall").Inc()
			return e, nil
		}
	}

	m.overallStats.misses.Add(1)
	CacheMisses.WithLabelValues("overall").Inc()
	return nil, ErrCacheMiss
}

// tierGet performs one physical tier read with latency accounting and
// lazy expiry. Returns nil on any miss, expiry, or tier error.
func (m *Manager) tierGet(ctx context.Context, tier Tier, stats *tierMetrics, key string) *Entry {
	start := time.Now()
	e, err := tier.Get(ctx, key)
	elapsed := time.Since(start)

	stats.latency.Observe(float64(elapsed.Microseconds()) / 1000)
	CacheLatency.WithLabelValues(tier.Name(), "get").Observe(elapsed.Seconds())

	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			CacheErrors.WithLabelValues(tier.Name(), "get").Inc()
			m.logger.Warn().Err(err).Str("cache_tier", tier.Name()).Str("key", key).
				Msg("cache read failed, treating as miss")
		}
		stats.misses.Add(1)
		CacheMisses.WithLabelValues(tier.Name()).Inc()
		return nil
	}

	if e.Expired() {
		// Lazy expiry: logically a miss. L1 drops the stale copy in
		// passing; L2 keeps it as history until the retention purge.
		if tier == m.l1 {
			m.deleteAsync(tier, key)
		}
		stats.misses.Add(1)
		CacheMisses.WithLabelValues(tier.Name()).Inc()
		return nil
	}

	stats.hits.Add(1)
	CacheHits.WithLabelValues(tier.Name()).Inc()
	return e
}

// Set writes the entry to L1 synchronously and to L2 asynchronously.
// An L1 write failure is returned for observability but the entry may
// still reach L2; callers treat failures as non-fatal.
func (m *Manager) Set(ctx context.Context, key string, e *Entry) error {
	if e == nil {
		return errors.New("cache entry cannot be nil")
	}
	e.Key = key

	start := time.Now()
	err := m.l1.Set(ctx, key, e)
	CacheLatency.WithLabelValues(m.l1.Name(), "set").Observe(time.Since(start).Seconds())

	if err != nil {
		CacheErrors.WithLabelValues(m.l1.Name(), "set").Inc()
		m.logger.Warn().Err(err).Str("key", key).Msg("l1 write failed")
	} else {
		m.tracker.TrackInsert(key, e.ExpiresAt())
		m.maybeEvict(ctx)
	}

	if m.l2 != nil {
		m.writeBehindL2(key, e)
	}
	return err
}

// GetBatch returns entries positionally for the keys; nil slots are
// misses. Misses from L1 are filled from L2 in one batched read, and
// L2 hits are backfilled into L1.
func (m *Manager) GetBatch(ctx context.Context, keys []string) ([]*Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	out := m.tierGetBatch(ctx, m.l1, m.l1Stats, keys)

	if m.l2 != nil {
		var missingKeys []string
		var missingIdx []int
		for i, e := range out {
			if e == nil {
				missingKeys = append(missingKeys, keys[i])
				missingIdx = append(missingIdx, i)
			}
		}

		if len(missingKeys) > 0 {
			fromL2 := m.tierGetBatch(ctx, m.l2, m.l2Stats, missingKeys)
			var backfill []*Entry
			for j, e := range fromL2 {
				if e != nil {
					out[missingIdx[j]] = e
					backfill = append(backfill, e)
				}
			}
			if len(backfill) > 0 {
				m.backfillBatchL1(backfill)
			}
		}
	}

	for i, e := range out {
		if e != nil {
			m.tracker.TrackAccess(keys[i])
			m.overallStats.hits.Add(1)
			CacheHits.WithLabelValues("overall").Inc()
		} else {
			m.overallStats.misses.Add(1)
			CacheMisses.WithLabelValues("overall").Inc()
		}
	}
	return out, nil
}

func (m *Manager) tierGetBatch(ctx context.Context, tier Tier, stats *tierMetrics, keys []string) []*Entry {
	start := time.Now()
	entries, err := tier.GetBatch(ctx, keys)
	elapsed := time.Since(start)

	stats.latency.Observe(float64(elapsed.Microseconds()) / 1000)
	CacheLatency.WithLabelValues(tier.Name(), "batch_get").Observe(elapsed.Seconds())

	if err != nil {
		CacheErrors.WithLabelValues(tier.Name(), "batch_get").Inc()
		m.logger.Warn().Err(err).Str("cache_tier", tier.Name()).Int("keys", len(keys)).
			Msg("cache batch read failed, treating as miss")
		return make([]*Entry, len(keys))
	}
	if entries == nil {
		entries = make([]*Entry, len(keys))
	}

	for i, e := range entries {
		if e == nil {
			stats.misses.Add(1)
			CacheMisses.WithLabelValues(tier.Name()).Inc()
			continue
		}
		if e.Expired() {
			if tier == m.l1 {
				m.deleteAsync(tier, keys[i])
			}
			entries[i] = nil
			stats.misses.Add(1)
			CacheMisses.WithLabelValues(tier.Name()).Inc()
			continue
		}
		stats.hits.Add(1)
		CacheHits.WithLabelValues(tier.Name()).Inc()
	}
	return entries
}

// SetBatch writes entries to L1 in one pipelined round trip and to L2
// asynchronously. Returns the number of entries accepted by L1.
func (m *Manager) SetBatch(ctx context.Context, entries []*Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	start := time.Now()
	count, err := m.l1.SetBatch(ctx, entries)
	CacheLatency.WithLabelValues(m.l1.Name(), "batch_set").Observe(time.Since(start).Seconds())

	if err != nil {
		CacheErrors.WithLabelValues(m.l1.Name(), "batch_set").Inc()
		m.logger.Warn().Err(err).Int("entries", len(entries)).Msg("l1 batch write failed")
	} else {
		for _, e := range entries {
			if e != nil {
				m.tracker.TrackInsert(e.Key, e.ExpiresAt())
			}
		}
		m.maybeEvict(ctx)
	}

	if m.l2 != nil {
		m.wg.Add(1)
		go func(entries []*Entry) {
			defer m.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AsyncWriteTimeout)
			defer cancel()
			if _, err := m.l2.SetBatch(ctx, entries); err != nil {
				WriteBehind.WithLabelValues("error").Inc()
				m.logger.Warn().Err(err).Msg("l2 batch write-behind failed")
				return
			}
			WriteBehind.WithLabelValues("ok").Inc()
		}(append([]*Entry(nil), entries...))
	}

	return count, err
}

// Delete removes the key from both tiers and from eviction tracking.
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.tracker.Remove(key)

	err := m.l1.Delete(ctx, key)
	if err != nil {
		CacheErrors.WithLabelValues(m.l1.Name(), "delete").Inc()
	}
	if m.l2 != nil {
		if l2err := m.l2.Delete(ctx, key); l2err != nil {
			CacheErrors.WithLabelValues(m.l2.Name(), "delete").Inc()
			if err == nil {
				err = l2err
			}
		}
	}
	return err
}

// Invalidate removes all keys under a prefix from tiers that support it.
func (m *Manager) Invalidate(ctx context.Context, prefix string) (int64, error) {
	var removed int64
	for _, tier := range []Tier{m.l1, m.l2} {
		if tier == nil {
			continue
		}
		inv, ok := tier.(PrefixInvalidator)
		if !ok {
			continue
		}
		n, err := inv.InvalidatePrefix(ctx, prefix)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Stats returns per-tier and overall hit/miss and latency statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		L1:      m.l1Stats.snapshot(),
		L2:      m.l2Stats.snapshot(),
		Overall: m.overallStats.snapshot(),
	}
}

// Close drains in-flight asynchronous writes.
func (m *Manager) Close() error {
	m.wg.Wait()
	return nil
}

// maybeEvict removes the coldest keys when L1 is under memory pressure.
func (m *Manager) maybeEvict(ctx context.Context) {
	size := m.l1Size(ctx)
	if !m.tracker.ShouldEvict(size, m.cfg.L1MaxEntries) {
		return
	}

	candidates := m.tracker.Candidates(m.cfg.EvictionBatch)
	if len(candidates) == 0 {
		return
	}

	if err := m.l1.Delete(ctx, candidates...); err != nil {
		CacheErrors.WithLabelValues(m.l1.Name(), "delete").Inc()
		m.logger.Warn().Err(err).Int("keys", len(candidates)).Msg("eviction delete failed")
		return
	}
	for _, key := range candidates {
		m.tracker.Remove(key)
	}
	CacheEvictions.Add(float64(len(candidates)))

	m.logger.Debug().
		Int("evicted", len(candidates)).
		Int("l1_size", size).
		Str("policy", string(m.tracker.Policy())).
		Msg("evicted keys under memory pressure")
}

// l1Size prefers the tier's own count, falling back to tracked entries.
func (m *Manager) l1Size(ctx context.Context) int {
	if s, ok := m.l1.(Sizer); ok {
		if n, err := s.Size(ctx); err == nil {
			return int(n)
		}
	}
	return m.tracker.Len()
}

// backfillL1 promotes an L2 hit into L1 without blocking the caller.
// The entry is copied first: the original is already in the caller's
// hands and tiers may set Key on write.
func (m *Manager) backfillL1(key string, e *Entry) {
	copied := *e
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AsyncWriteTimeout)
		defer cancel()
		if err := m.l1.Set(ctx, key, &copied); err != nil {
			WriteBehind.WithLabelValues("error").Inc()
			m.logger.Debug().Err(err).Str("key", key).Msg("l1 backfill failed")
			return
		}
		WriteBehind.WithLabelValues("ok").Inc()
	}()
}

func (m *Manager) backfillBatchL1(entries []*Entry) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AsyncWriteTimeout)
		defer cancel()
		if _, err := m.l1.SetBatch(ctx, entries); err != nil {
			WriteBehind.WithLabelValues("error").Inc()
			m.logger.Debug().Err(err).Int("entries", len(entries)).Msg("l1 batch backfill failed")
			return
		}
		WriteBehind.WithLabelValues("ok").Inc()
	}()
}

// writeBehindL2 persists an entry to the durable tier asynchronously;
// failures are logged and dropped, the provider remains source of truth.
func (m *Manager) writeBehindL2(key string, e *Entry) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AsyncWriteTimeout)
		defer cancel()
		if err := m.l2.Set(ctx, key, e); err != nil {
			WriteBehind.WithLabelValues("error").Inc()
			m.logger.Warn().Err(err).Str("key", key).Msg("l2 write-behind failed")
			return
		}
		WriteBehind.WithLabelValues("ok").Inc()
	}()
}

// deleteAsync drops a stale entry without blocking the read path.
func (m *Manager) deleteAsync(tier Tier, key string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AsyncWriteTimeout)
		defer cancel()
		_ = tier.Delete(ctx, key)
	}()
}
