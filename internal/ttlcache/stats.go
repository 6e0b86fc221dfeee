package ttlcache

import (
	"strings"
	"time"
)

// EntryStat describes one resident entry. TTLRemaining is negative for an entry that has expired
// but has not been swept or read yet.
type EntryStat[K comparable] struct {
	Key          K
	Age          time.Duration
	TTLRemaining time.Duration
}

type Stats[K comparable] struct {
	Count     int
	Entries   []EntryStat[K]
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns a diagnostic snapshot. It never evicts anything, expired entries included.
func (t *TTL[K, V]) Stats() Stats[K] {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Stats[K]{
		Count:     len(t.data),
		Entries:   make([]EntryStat[K], 0, len(t.data)),
		Hits:      t.hits,
		Misses:    t.misses,
		Evictions: t.evictions,
	}
	for k, e := range t.data {
		st.Entries = append(st.Entries, EntryStat[K]{
			Key:          k,
			Age:          now.Sub(e.created),
			TTLRemaining: e.exp.Sub(now),
		})
	}
	return st
}

// HasPrefix is a match function for InvalidateMatching on string keys.
func HasPrefix(prefix string) func(string) bool {
	return func(k string) bool {
		return strings.HasPrefix(k, prefix)
	}
}
