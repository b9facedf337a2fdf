package cache

import (
	"encoding/json"
	"time"
)

// Entry is a cached market data value with its provenance and expiry.
type Entry struct {
	// Key is the cache key the entry was stored under.
	Key string `json:"key"`

	// Data is the cached payload, opaque to the cache.
	Data json.RawMessage `json:"data"`

	// Confidence is the arbitration score of the provider that produced
	// the data, carried for provenance.
	Confidence float64 `json:"confidence"`

	// SourceProvider names the provider that produced the data.
	SourceProvider string `json:"source_provider"`

	// WrittenAt is when the entry was written.
	WrittenAt time.Time `json:"written_at"`

	// TTLSeconds is the entry lifetime from WrittenAt.
	TTLSeconds int `json:"ttl_seconds"`
}

// NewEntry creates an entry written now with the given lifetime.
func NewEntry(data json.RawMessage, sourceProvider string, ttl time.Duration) *Entry {
	return &Entry{
		Data:           data,
		SourceProvider: sourceProvider,
		WrittenAt:      time.Now(),
		TTLSeconds:     int(ttl.Seconds()),
	}
}

// ExpiresAt returns the instant the entry becomes a logical miss.
func (e *Entry) ExpiresAt() time.Time {
	return e.WrittenAt.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// Expired reports whether the entry is past its TTL. An expired entry is
// treated as a miss even if still physically resident.
func (e *Entry) Expired() bool {
	return !time.Now().Before(e.ExpiresAt())
}

// TTL returns the remaining lifetime, or 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.ExpiresAt())
	if ttl < 0 {
		return 0
	}
	return ttl
}
