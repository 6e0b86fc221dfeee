// Package ttlcache is an in-process TTL cache used to serve repeated reads of the same
// resource without going back to the upstream.
package ttlcache

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

const (
	DefaultTTL           = 30 * time.Second
	DefaultSweepInterval = 5 * time.Minute
)

// Options configures a TTL cache. Zero values fall back to the defaults above; a negative
// SweepInterval disables the background sweep.
type Options struct {
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	Clock         clock.WithTicker
}

// TTL is a keyed cache where every entry lives for a bounded time.
// Expired entries are removed lazily on Get/Has and eagerly by the periodic sweep, so keys that
// are never read again do not pin memory. Values are copied on the way in and on the way out so
// that callers cannot mutate cache-internal state through a value they passed or received; see
// copyValue for how a value is copied.
type TTL[K comparable, V any] struct {
	mu   sync.Mutex
	data map[K]entry[V]

	defaultTTL time.Duration
	clock      clock.WithTicker
	copyFn     func(V) V

	hits      uint64
	misses    uint64
	evictions uint64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type entry[V any] struct {
	val     V
	created time.Time
	exp     time.Time
}

// New creates a cache and starts its sweep loop. Close must be called to stop the loop.
func New[K comparable, V any](opts Options) *TTL[K, V] {
	return NewWithCopy[K, V](opts, nil)
}

// NewWithCopy is New with a custom copy step for values, used on the way in and on the way out.
// It is needed for value types whose unexported state must not be shared with callers.
func NewWithCopy[K comparable, V any](opts Options, copyFn func(V) V) *TTL[K, V] {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	t := &TTL[K, V]{
		data:       make(map[K]entry[V]),
		defaultTTL: opts.DefaultTTL,
		clock:      opts.Clock,
		copyFn:     copyFn,
		stop:       make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		t.done = make(chan struct{})
		// The ticker is created before the goroutine starts so that a fake clock sees it
		// immediately.
		go t.sweepLoop(t.clock.NewTicker(opts.SweepInterval))
	}
	return t
}

// Get returns a copy of the value and true if found and not expired; otherwise the zero value and
// false. An expired entry is removed as a side effect.
func (t *TTL[K, V]) Get(k K) (V, bool) {
	now := t.clock.Now()
	t.mu.Lock()
	e, ok := t.data[k]
	if ok && now.After(e.exp) {
		delete(t.data, k)
		t.evictions++
		ok = false
	}
	if !ok {
		t.misses++
		t.mu.Unlock()
		var zero V
		return zero, false
	}
	t.hits++
	t.mu.Unlock()
	return t.copyValue(e.val), true
}

// Has is equivalent to a Get whose value is discarded, including eviction of an expired entry.
func (t *TTL[K, V]) Has(k K) bool {
	_, ok := t.Get(k)
	return ok
}

// Set stores v under k for the default TTL, overwriting any previous entry.
func (t *TTL[K, V]) Set(k K, v V) {
	t.SetWithTTL(k, v, t.defaultTTL)
}

// SetWithTTL stores v under k for ttl, overwriting any previous entry. A non-positive ttl means
// the default TTL.
func (t *TTL[K, V]) SetWithTTL(k K, v V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	now := t.clock.Now()
	e := entry[V]{val: t.copyValue(v), created: now, exp: now.Add(ttl)}
	t.mu.Lock()
	t.data[k] = e
	t.mu.Unlock()
}

// Invalidate removes k and reports whether it was present. It does not touch the hit and miss
// counters.
func (t *TTL[K, V]) Invalidate(k K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.data[k]
	delete(t.data, k)
	return ok
}

// InvalidateMatching removes every entry whose key satisfies match and returns how many were
// removed.
func (t *TTL[K, V]) InvalidateMatching(match func(K) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var doomed []K
	for k := range t.data {
		if match(k) {
			doomed = append(doomed, k)
		}
	}
	for _, k := range doomed {
		delete(t.data, k)
	}
	return len(doomed)
}

// Clear removes all entries.
func (t *TTL[K, V]) Clear() {
	t.mu.Lock()
	clear(t.data)
	t.mu.Unlock()
}

// Sweep removes every expired entry and returns how many were removed.
func (t *TTL[K, V]) Sweep() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var doomed []K
	for k, e := range t.data {
		if now.After(e.exp) {
			doomed = append(doomed, k)
		}
	}
	for _, k := range doomed {
		delete(t.data, k)
	}
	t.evictions += uint64(len(doomed))
	return len(doomed)
}

// Close stops the sweep loop. It is safe to call more than once; the cache remains usable
// afterwards, just without background sweeping.
func (t *TTL[K, V]) Close() {
	t.closeOnce.Do(func() {
		close(t.stop)
		if t.done != nil {
			<-t.done
		}
	})
}

func (t *TTL[K, V]) sweepLoop(ticker clock.Ticker) {
	defer close(t.done)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C():
			if n := t.Sweep(); n > 0 {
				log.WithField("evicted", n).Debug("ttl cache sweep")
			}
		}
	}
}
