package keymgr

import (
	"context"
	"fmt"
	"sync"

	"credlayer/internal/types"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Observer is told about an expiry after the credentials are already gone.
type Observer func(ctx context.Context, ev types.ExpiryEvent) error

type subscription struct {
	id uint64
	fn Observer
}

// SubscribeExpiry registers fn and returns a func that unregisters it. Observers run in
// registration order, on the expiry goroutine, once per expiry.
func (m *Manager) SubscribeExpiry(fn Observer) (unsubscribe func()) {
	m.obsMu.Lock()
	m.nextObsID++
	id := m.nextObsID
	m.observers = append(m.observers, subscription{id: id, fn: fn})
	m.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.obsMu.Lock()
			defer m.obsMu.Unlock()
			for i, sub := range m.observers {
				if sub.id == id {
					m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// notify calls every observer even when some of them fail or panic; the failures are logged
// together once everybody has run.
func (m *Manager) notify(ctx context.Context, ev types.ExpiryEvent) {
	m.obsMu.Lock()
	subs := make([]subscription, len(m.observers))
	copy(subs, m.observers)
	m.obsMu.Unlock()

	var result *multierror.Error
	for _, sub := range subs {
		if err := callObserver(ctx, sub.fn, ev); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		log.WithError(err).WithField("session_id", ev.SessionID).Error("expiry observers failed")
	}
}

func callObserver(ctx context.Context, fn Observer, ev types.ExpiryEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("expiry observer panicked: %v", r)
		}
	}()
	return fn(ctx, ev)
}
