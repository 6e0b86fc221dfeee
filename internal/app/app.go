// Package app constructs every component of the process and owns their lifetime.
package app

import (
	"context"

	"credlayer/internal/dedup"
	"credlayer/internal/fetch"
	"credlayer/internal/keymgr"
	"credlayer/internal/ports"
	"credlayer/internal/pub"
	"credlayer/internal/seal"
	"credlayer/internal/ttlcache"
	"credlayer/internal/types"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

type App struct {
	Config types.Config

	Cache   *ttlcache.TTL[string, any]
	Flights *dedup.Group[any]
	Keys    *keymgr.Manager
	// Fetch is nil when no upstream base URL is configured.
	Fetch *fetch.Client

	store       ports.BlobStore
	unsubscribe []func()
}

type Option func(*options)

type options struct {
	store     ports.BlobStore
	cipher    ports.Cipher
	publisher ports.Publisher
	clock     clock.WithTickerAndDelayedExecution
}

// WithStore skips backend construction from the config.
func WithStore(s ports.BlobStore) Option {
	return func(o *options) { o.store = s }
}

func WithCipher(c ports.Cipher) Option {
	return func(o *options) { o.cipher = c }
}

// WithPublisher replaces the SNS publisher built from the environment.
func WithPublisher(p ports.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

func WithClock(c clock.WithTickerAndDelayedExecution) Option {
	return func(o *options) { o.clock = c }
}

func New(ctx context.Context, cfg types.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	if o.store == nil {
		store, err := setupStore(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		o.store = store
	}
	if o.cipher == nil {
		sealer, err := seal.New(seal.DefaultParams)
		if err != nil {
			_ = o.store.Close()
			return nil, err
		}
		o.cipher = sealer
	}
	if o.publisher == nil && cfg.Notify.SNSArn != "" {
		publisher, err := setupPublisher(ctx)
		if err != nil {
			_ = o.store.Close()
			return nil, err
		}
		o.publisher = publisher
	}

	a := &App{
		Config: cfg,
		Cache: ttlcache.New[string, any](ttlcache.Options{
			DefaultTTL:    cfg.Cache.DefaultTTL,
			SweepInterval: cfg.Cache.SweepInterval,
			Clock:         o.clock,
		}),
		Flights: dedup.New[any](),
		store:   o.store,
	}
	// Reads made with one set of credentials are never served after they change hands, however
	// the change comes about.
	a.Keys = keymgr.New(o.store, o.cipher, keymgr.Options{
		Timeout:          cfg.Session.Timeout,
		MinPassphraseLen: cfg.Session.MinPassphraseLen,
		StorageKey:       cfg.Storage.Key,
		Clock:            o.clock,
		OnChange:         a.resetReads,
	})

	if cfg.Upstream.BaseURL != "" {
		client, err := fetch.New(a.Keys, a.Cache, a.Flights, fetch.Options{
			BaseURL: cfg.Upstream.BaseURL,
			Timeout: cfg.Upstream.Timeout,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Fetch = client
	}

	if o.publisher != nil && cfg.Notify.SNSArn != "" {
		a.unsubscribe = append(a.unsubscribe, a.Keys.SubscribeExpiry(pub.ExpiryObserver(o.publisher, cfg.Notify.SNSArn)))
		log.WithField("topic", cfg.Notify.SNSArn).Info("session expiry events enabled")
	}
	return a, nil
}

// Lock is the panic lock of the whole process: credentials are wiped from memory and storage and
// nothing read with them can be served from the cache afterwards.
func (a *App) Lock(ctx context.Context) error {
	return a.Keys.Clear(ctx)
}

// resetReads forgets every cached or in-flight upstream read. It runs under the key manager's
// lock on every credential change.
func (a *App) resetReads() {
	if a.Fetch != nil {
		a.Fetch.Reset()
		return
	}
	a.Flights.CancelAll()
	a.Cache.Clear()
}

// Close stops the sweep loop and the session timer, wipes the credentials from memory and closes
// storage. The persisted blob is kept.
func (a *App) Close() error {
	for _, unsubscribe := range a.unsubscribe {
		unsubscribe()
	}
	a.Keys.Close()
	a.Cache.Close()
	a.Flights.CancelAll()
	return a.store.Close()
}
