// Package quantile provides a small streaming percentile tracker over a
// fixed-capacity window of samples. It backs the per-tier cache latency
// statistics and the per-provider latency scores.
package quantile

import (
	"math"
	"sort"
	"sync"
)

// DefaultWindow is the number of samples retained when none is specified.
const DefaultWindow = 512

// Tracker records float64 samples into a ring buffer and computes
// percentiles over the retained window. Safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	samples []float64
	next    int
	full    bool
	count   uint64
	sum     float64
}

// NewTracker creates a tracker retaining up to window samples.
// A non-positive window falls back to DefaultWindow.
func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{samples: make([]float64, window)}
}

// Observe records a sample.
func (t *Tracker) Observe(v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples[t.next] = v
	t.next++
	if t.next == len(t.samples) {
		t.next = 0
		t.full = true
	}
	t.count++
	t.sum += v
}

// Count returns the total number of samples observed, including samples
// that have rotated out of the window.
func (t *Tracker) Count() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Mean returns the mean over all observed samples, or 0 with no samples.
func (t *Tracker) Mean() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.count == 0 {
		return 0
	}
	return t.sum / float64(t.count)
}

// Quantile returns the q-quantile (0 <= q <= 1) over the retained window
// using linear interpolation between ranks. Returns 0 when no samples exist.
func (t *Tracker) Quantile(q float64) float64 {
	snapshot := t.snapshot()
	if len(snapshot) == 0 {
		return 0
	}
	if math.IsNaN(q) || q <= 0 {
		return snapshot[0]
	}
	if q >= 1 {
		return snapshot[len(snapshot)-1]
	}

	pos := q * float64(len(snapshot)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return snapshot[lower]
	}
	frac := pos - float64(lower)
	return snapshot[lower]*(1-frac) + snapshot[upper]*frac
}

// P50 returns the median of the retained window.
func (t *Tracker) P50() float64 { return t.Quantile(0.50) }

// P95 returns the 95th percentile of the retained window.
func (t *Tracker) P95() float64 { return t.Quantile(0.95) }

// P99 returns the 99th percentile of the retained window.
func (t *Tracker) P99() float64 { return t.Quantile(0.99) }

// snapshot copies the valid samples and sorts them.
func (t *Tracker) snapshot() []float64 {
	t.mu.RLock()
	n := t.next
	if t.full {
		n = len(t.samples)
	}
	out := make([]float64, n)
	copy(out, t.samples[:n])
	t.mu.RUnlock()

	sort.Float64s(out)
	return out
}
