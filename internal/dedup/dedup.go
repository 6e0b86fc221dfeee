// Package dedup collapses concurrent executions of the same keyed operation into one, fanning the
// single result (or single failure) out to every caller that joined it.
package dedup

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Producer computes the result for a key. The context it receives carries the values of the caller
// that started it but is never cancelled by that caller: other callers may still be waiting.
type Producer[V any] func(ctx context.Context) (V, error)

// Call is a handle on one in-flight execution. Every caller attached to it observes the same
// value and the same error.
type Call[V any] struct {
	done   chan struct{}
	val    V
	err    error
	shared int
}

// Done is closed once the execution has settled.
func (c *Call[V]) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the execution settles or ctx is done. Giving up on ctx only detaches this
// caller; the execution keeps running for everybody else.
func (c *Call[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// PanicError is the failure delivered to every caller when the producer panics.
type PanicError struct {
	Key   string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("dedup: producer for %q panicked: %v", e.Key, e.Value)
}

// Group tracks at most one pending Call per key.
type Group[V any] struct {
	mu      sync.Mutex
	pending map[string]*Call[V]
}

func New[V any]() *Group[V] {
	return &Group[V]{pending: make(map[string]*Call[V])}
}

// Join attaches to the pending call for key, or starts fn in a new goroutine and registers it
// when there is none. shared reports whether an existing call was reused.
func (g *Group[V]) Join(ctx context.Context, key string, fn Producer[V]) (c *Call[V], shared bool) {
	g.mu.Lock()
	if c, ok := g.pending[key]; ok {
		c.shared++
		g.mu.Unlock()
		return c, true
	}
	c = &Call[V]{done: make(chan struct{})}
	g.pending[key] = c
	g.mu.Unlock()

	go g.run(context.WithoutCancel(ctx), key, c, fn)
	return c, false
}

// Do joins or starts the execution for key and waits for its result.
func (g *Group[V]) Do(ctx context.Context, key string, fn Producer[V]) (V, error) {
	c, shared := g.Join(ctx, key, fn)
	if shared {
		log.WithField("key", key).Debug("joined in-flight request")
	}
	return c.Wait(ctx)
}

func (g *Group[V]) run(ctx context.Context, key string, c *Call[V], fn Producer[V]) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			c.val = zero
			c.err = &PanicError{Key: key, Value: r, Stack: debug.Stack()}
			log.WithField("key", key).Error(c.err)
		}
		g.settle(key, c)
	}()
	c.val, c.err = fn(ctx)
}

// settle unregisters c, unless it was cancelled and key now belongs to a newer call, and then
// releases the waiters. The key is gone before any waiter wakes up.
func (g *Group[V]) settle(key string, c *Call[V]) {
	g.mu.Lock()
	if g.pending[key] == c {
		delete(g.pending, key)
	}
	g.mu.Unlock()
	close(c.done)
}

// Cancel forgets the pending call for key. Callers already attached still get its result; the
// next caller for key starts a fresh execution. The underlying work is not aborted.
func (g *Group[V]) Cancel(key string) {
	g.mu.Lock()
	delete(g.pending, key)
	g.mu.Unlock()
}

// CancelAll forgets every pending call, with the same caveat as Cancel.
func (g *Group[V]) CancelAll() {
	g.mu.Lock()
	clear(g.pending)
	g.mu.Unlock()
}

func (g *Group[V]) IsPending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[key]
	return ok
}

func (g *Group[V]) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Shared returns how many callers joined c after the one that started it.
func (g *Group[V]) Shared(c *Call[V]) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return c.shared
}
