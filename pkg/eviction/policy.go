package eviction

import (
	"fmt"
	"strings"
)

// Policy selects the rule used to rank cache entries for removal under
// memory pressure. The policy is a static configuration choice.
type Policy string

const (
	// LRU evicts the least-recently-accessed keys first.
	LRU Policy = "lru"

	// LFU evicts the least-frequently-accessed keys first.
	LFU Policy = "lfu"

	// TTL evicts the soonest-to-expire keys first, regardless of
	// access pattern.
	TTL Policy = "ttl"

	// FIFO evicts the oldest-inserted keys first.
	FIFO Policy = "fifo"
)

// Valid reports whether the policy is one of the known policies.
func (p Policy) Valid() bool {
	switch p {
	case LRU, LFU, TTL, FIFO:
		return true
	}
	return false
}

// ParsePolicy converts a configuration string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown eviction policy %q (want lru, lfu, ttl or fifo)", s)
	}
	return p, nil
}
