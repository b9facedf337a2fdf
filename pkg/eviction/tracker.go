// Package eviction tracks per-key access recency and frequency for the
// volatile cache tier and recommends keys to remove under memory pressure.
//
// Tracking is sharded by key hash so that concurrent cache operations do
// not serialize on a single lock. Candidate selection walks per-shard
// ordering structures (recency/insertion lists, frequency/expiry heaps)
// rather than scanning the full tracked set.
package eviction

import (
	"container/heap"
	"container/list"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for eviction tracking.
var (
	trackingOverflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arb_eviction_tracking_overflow_total",
		Help: "Keys dropped from eviction tracking because the tracked-entry cap was reached",
	})

	candidatesServedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arb_eviction_candidates_total",
		Help: "Eviction candidates returned to the cache manager",
	})
)

const (
	// DefaultMaxTrackedEntries bounds the number of keys with access
	// history. Beyond the cap the tracker degrades gracefully: the
	// least-recently-tracked key is dropped and becomes a top-priority
	// eviction candidate, since it has no history.
	DefaultMaxTrackedEntries = 10_000

	// DefaultPressureThreshold is the fill ratio at which eviction begins.
	DefaultPressureThreshold = 0.9

	shardCount = 16
)

// Config configures a Tracker.
type Config struct {
	Policy            Policy
	MaxTrackedEntries int
	// PressureThreshold is the current/max size ratio above which
	// ShouldEvict reports true. Must be in (0, 1].
	PressureThreshold float64
}

// DefaultConfig returns an LRU tracker configuration with default bounds.
func DefaultConfig() Config {
	return Config{
		Policy:            LRU,
		MaxTrackedEntries: DefaultMaxTrackedEntries,
		PressureThreshold: DefaultPressureThreshold,
	}
}

// record is the per-key access history.
type record struct {
	key         string
	lastAccess  time.Time
	accessCount uint64
	insertedAt  time.Time
	insertSeq   uint64
	expiresAt   time.Time

	recencyElem *list.Element
	insertElem  *list.Element
	heapIdx     int
}

// shard holds the tracked records for one hash slice of the key space.
type shard struct {
	mu      sync.Mutex
	records map[string]*record

	// recency orders records by last access, front = most recent.
	// Used for LRU candidates and for dropping the least-recently-tracked
	// record when the shard is over its cap.
	recency *list.List

	// inserts orders records by insertion, front = oldest. Used by FIFO.
	inserts *list.List

	// ranked is a min-heap by the active policy's priority; only
	// maintained for LFU and TTL, where list order cannot express the
	// ranking cheaply.
	ranked *recordHeap

	// overflow remembers keys dropped from tracking due to the cap.
	// They are served as candidates before any tracked key.
	overflow    map[string]struct{}
	overflowSeq *list.List
}

// Tracker maintains bounded per-key access history and ranks eviction
// candidates under the configured policy. Safe for concurrent use.
type Tracker struct {
	cfg       Config
	shards    [shardCount]*shard
	insertSeq uint64
	seqMu     sync.Mutex
}

// NewTracker creates a tracker for the given configuration. Zero-value
// fields fall back to defaults; an invalid policy falls back to LRU.
func NewTracker(cfg Config) *Tracker {
	if !cfg.Policy.Valid() {
		cfg.Policy = LRU
	}
	if cfg.MaxTrackedEntries <= 0 {
		cfg.MaxTrackedEntries = DefaultMaxTrackedEntries
	}
	if cfg.PressureThreshold <= 0 || cfg.PressureThreshold > 1 {
		cfg.PressureThreshold = DefaultPressureThreshold
	}

	t := &Tracker{cfg: cfg}
	for i := range t.shards {
		s := &shard{
			records:     make(map[string]*record),
			recency:     list.New(),
			inserts:     list.New(),
			overflow:    make(map[string]struct{}),
			overflowSeq: list.New(),
		}
		if cfg.Policy == LFU || cfg.Policy == TTL {
			s.ranked = &recordHeap{policy: cfg.Policy}
		}
		t.shards[i] = s
	}
	return t
}

// Policy returns the active eviction policy.
func (t *Tracker) Policy() Policy { return t.cfg.Policy }

func (t *Tracker) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return t.shards[h.Sum32()%shardCount]
}

func (t *Tracker) nextSeq() uint64 {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	t.insertSeq++
	return t.insertSeq
}

func (t *Tracker) perShardCap() int {
	cap := t.cfg.MaxTrackedEntries / shardCount
	if cap < 1 {
		cap = 1
	}
	return cap
}

// TrackInsert records a new cache write for key, including its expiry.
// Also counts as an access.
func (t *Tracker) TrackInsert(key string, expiresAt time.Time) {
	t.track(key, expiresAt, true)
}

// TrackAccess records a read or write access to key. Unknown keys begin
// tracking with an unknown expiry.
func (t *Tracker) TrackAccess(key string) {
	t.track(key, time.Time{}, false)
}

func (t *Tracker) track(key string, expiresAt time.Time, insert bool) {
	now := time.Now()
	s := t.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	// A key that re-enters tracking is no longer an overflow candidate.
	if _, ok := s.overflow[key]; ok {
		delete(s.overflow, key)
		removeFromList(s.overflowSeq, key)
	}

	if r, ok := s.records[key]; ok {
		r.lastAccess = now
		r.accessCount++
		if insert && !expiresAt.IsZero() {
			r.expiresAt = expiresAt
		}
		s.recency.MoveToFront(r.recencyElem)
		if s.ranked != nil {
			heap.Fix(s.ranked, r.heapIdx)
		}
		return
	}

	r := &record{
		key:         key,
		lastAccess:  now,
		accessCount: 1,
		insertedAt:  now,
		insertSeq:   t.nextSeq(),
		expiresAt:   expiresAt,
	}
	s.records[key] = r
	r.recencyElem = s.recency.PushFront(r)
	r.insertElem = s.inserts.PushBack(r)
	if s.ranked != nil {
		heap.Push(s.ranked, r)
	}

	if len(s.records) > t.perShardCap() {
		t.dropLeastRecentlyTracked(s)
	}
}

// dropLeastRecentlyTracked removes the coldest record from tracking and
// remembers its key as a top-priority eviction candidate. Caller holds
// the shard lock.
func (t *Tracker) dropLeastRecentlyTracked(s *shard) {
	back := s.recency.Back()
	if back == nil {
		return
	}
	r := back.Value.(*record)
	t.removeRecord(s, r)

	s.overflow[r.key] = struct{}{}
	s.overflowSeq.PushBack(r.key)
	// Bound the overflow memory as well.
	for len(s.overflow) > t.perShardCap() {
		front := s.overflowSeq.Front()
		delete(s.overflow, front.Value.(string))
		s.overflowSeq.Remove(front)
	}

	trackingOverflowTotal.Inc()
}

// Remove forgets a key entirely, e.g. after the cache manager deleted it.
func (t *Tracker) Remove(key string) {
	s := t.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[key]; ok {
		t.removeRecord(s, r)
	}
	if _, ok := s.overflow[key]; ok {
		delete(s.overflow, key)
		removeFromList(s.overflowSeq, key)
	}
}

func (t *Tracker) removeRecord(s *shard, r *record) {
	delete(s.records, r.key)
	s.recency.Remove(r.recencyElem)
	s.inserts.Remove(r.insertElem)
	if s.ranked != nil {
		heap.Remove(s.ranked, r.heapIdx)
	}
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	total := 0
	for _, s := range t.shards {
		s.mu.Lock()
		total += len(s.records)
		s.mu.Unlock()
	}
	return total
}

// Tracked reports whether a key currently has access history.
func (t *Tracker) Tracked(key string) bool {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	return ok
}

// ShouldEvict reports whether the tier is under memory pressure.
func (t *Tracker) ShouldEvict(currentSize, maxSize int) bool {
	if maxSize <= 0 {
		return false
	}
	return float64(currentSize)/float64(maxSize) >= t.cfg.PressureThreshold
}

// candidate pairs a key with its eviction priority; lower rank evicts first.
type candidate struct {
	key  string
	rank float64
}

// Candidates returns up to count keys ordered by the active policy's
// eviction priority. Keys dropped from tracking (no access history) are
// returned before any tracked key.
func (t *Tracker) Candidates(count int) []string {
	if count <= 0 {
		return nil
	}

	out := make([]string, 0, count)
	var tracked []candidate

	for _, s := range t.shards {
		s.mu.Lock()

		// Untracked keys first: no history means top eviction priority.
		for e := s.overflowSeq.Front(); e != nil && len(out) < count; e = e.Next() {
			out = append(out, e.Value.(string))
		}

		tracked = append(tracked, t.shardCandidates(s, count)...)
		s.mu.Unlock()

		if len(out) >= count {
			candidatesServedTotal.Add(float64(len(out)))
			return out[:count]
		}
	}

	sort.Slice(tracked, func(i, j int) bool { return tracked[i].rank < tracked[j].rank })
	for _, c := range tracked {
		if len(out) == count {
			break
		}
		out = append(out, c.key)
	}

	candidatesServedTotal.Add(float64(len(out)))
	return out
}

// shardCandidates collects up to count best candidates from one shard.
// Caller holds the shard lock.
func (t *Tracker) shardCandidates(s *shard, count int) []candidate {
	var out []candidate

	switch t.cfg.Policy {
	case LRU:
		for e := s.recency.Back(); e != nil && len(out) < count; e = e.Prev() {
			r := e.Value.(*record)
			out = append(out, candidate{key: r.key, rank: float64(r.lastAccess.UnixNano())})
		}
	case FIFO:
		for e := s.inserts.Front(); e != nil && len(out) < count; e = e.Next() {
			r := e.Value.(*record)
			out = append(out, candidate{key: r.key, rank: float64(r.insertSeq)})
		}
	case LFU, TTL:
		// Pop the heap's best entries, then restore them.
		popped := make([]*record, 0, count)
		for len(popped) < count && s.ranked.Len() > 0 {
			r := heap.Pop(s.ranked).(*record)
			popped = append(popped, r)
			out = append(out, candidate{key: r.key, rank: t.rank(r)})
		}
		for _, r := range popped {
			heap.Push(s.ranked, r)
		}
	}

	return out
}

// rank maps a record onto the global ordering for the active policy.
func (t *Tracker) rank(r *record) float64 {
	switch t.cfg.Policy {
	case LFU:
		return float64(r.accessCount)
	case TTL:
		if r.expiresAt.IsZero() {
			// Unknown expiry ranks first; it cannot be trusted to be fresh.
			return 0
		}
		return float64(r.expiresAt.UnixNano())
	default:
		return float64(r.lastAccess.UnixNano())
	}
}

func removeFromList(l *list.List, key string) {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(string) == key {
			l.Remove(e)
			return
		}
	}
}

// recordHeap implements container/heap over records, ordered by the
// policy's eviction priority (best candidate at the root).
type recordHeap struct {
	policy  Policy
	records []*record
}

func (h *recordHeap) Len() int { return len(h.records) }

func (h *recordHeap) Less(i, j int) bool {
	a, b := h.records[i], h.records[j]
	switch h.policy {
	case TTL:
		ae, be := a.expiresAt, b.expiresAt
		// Unknown expiry sorts first.
		if ae.IsZero() != be.IsZero() {
			return ae.IsZero()
		}
		if !ae.Equal(be) {
			return ae.Before(be)
		}
	default: // LFU
		if a.accessCount != b.accessCount {
			return a.accessCount < b.accessCount
		}
		if !a.lastAccess.Equal(b.lastAccess) {
			return a.lastAccess.Before(b.lastAccess)
		}
	}
	return a.insertSeq < b.insertSeq
}

func (h *recordHeap) Swap(i, j int) {
	h.records[i], h.records[j] = h.records[j], h.records[i]
	h.records[i].heapIdx = i
	h.records[j].heapIdx = j
}

func (h *recordHeap) Push(x any) {
	r := x.(*record)
	r.heapIdx = len(h.records)
	h.records = append(h.records, r)
}

func (h *recordHeap) Pop() any {
	old := h.records
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	h.records = old[:n-1]
	return r
}
