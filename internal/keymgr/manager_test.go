package keymgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"credlayer/internal/backends/memory"
	"credlayer/internal/ports"
	"credlayer/internal/seal"
	"credlayer/internal/types"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"
	testingclock "k8s.io/utils/clock/testing"
)

const passphrase = "correct horse battery"

var alice = types.CredentialSet{
	IdentityKey: "user-key-alice",
	AccessKey:   "api-key-alice",
	DisplayName: "alice",
	FullName:    "Alice Liddell",
}

type UnitTestSuite struct {
	suite.Suite

	ctx   context.Context
	clock *testingclock.FakeClock
	store *memory.BlobStore
	mgr   *Manager
}

func TestUnitTestSuite(t *testing.T) {
	suite.Run(t, new(UnitTestSuite))
}

func (s *UnitTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = testingclock.NewFakeClock(time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC))
	s.store = memory.NewBlobStore()
	s.mgr = s.newManager(s.store)
}

func (s *UnitTestSuite) TearDownTest() {
	s.mgr.Close()
}

func (s *UnitTestSuite) newManager(store *memory.BlobStore) *Manager {
	sealer, err := seal.New(seal.Params{LogN: 10, R: 8, P: 1})
	s.Require().NoError(err)
	return New(store, sealer, Options{Clock: s.clock})
}

type recorder struct {
	mu     sync.Mutex
	events []types.ExpiryEvent
	calls  []string
}

func (r *recorder) observer(name string) Observer {
	return func(_ context.Context, ev types.ExpiryEvent) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
		r.calls = append(r.calls, name)
		return nil
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (s *UnitTestSuite) TestSetCredentials() {
	s.False(s.mgr.HasCredentials())
	s.True(s.mgr.IsExpired())
	s.Zero(s.mgr.TimeRemaining())

	s.Require().NoError(s.mgr.SetCredentials(alice))
	s.True(s.mgr.HasCredentials())
	s.False(s.mgr.IsExpired())
	s.Equal(types.DefaultSessionTTL, s.mgr.TimeRemaining())

	got, ok := s.mgr.Credentials()
	s.True(ok)
	s.Equal(alice, got)

	status := s.mgr.Status()
	s.True(status.Active)
	s.NotEmpty(status.SessionID)
	s.Equal(s.clock.Now(), status.StartedAt)
}

func (s *UnitTestSuite) TestSetCredentialsRequiresBothSecrets() {
	s.ErrorIs(s.mgr.SetCredentials(types.CredentialSet{IdentityKey: "u"}), types.ErrInvalidCredentials)
	s.ErrorIs(s.mgr.SetCredentials(types.CredentialSet{AccessKey: "a"}), types.ErrInvalidCredentials)
	s.False(s.mgr.HasCredentials())
}

func (s *UnitTestSuite) TestCredentialsAreCopies() {
	s.Require().NoError(s.mgr.SetCredentials(alice))
	got, _ := s.mgr.Credentials()
	got.DisplayName = "mallory"
	again, _ := s.mgr.Credentials()
	s.Equal("alice", again.DisplayName)
}

func (s *UnitTestSuite) TestReplacingCredentialsStartsNewSession() {
	s.Require().NoError(s.mgr.SetCredentials(alice))
	first := s.mgr.Status().SessionID

	s.clock.Step(10 * time.Minute)
	bob := types.CredentialSet{IdentityKey: "user-key-bob", AccessKey: "api-key-bob"}
	s.Require().NoError(s.mgr.SetCredentials(bob))
	got, _ := s.mgr.Credentials()
	s.Equal(bob, got)
	s.NotEqual(first, s.mgr.Status().SessionID)
	s.Equal(types.DefaultSessionTTL, s.mgr.TimeRemaining())
}

func (s *UnitTestSuite) TestExpiry() {
	rec := &recorder{}
	s.mgr.SubscribeExpiry(rec.observer("first"))
	s.mgr.SubscribeExpiry(rec.observer("second"))

	s.Require().NoError(s.mgr.SetCredentials(alice))
	sessionID := s.mgr.Status().SessionID
	s.Require().NoError(s.mgr.Persist(s.ctx, passphrase))

	s.clock.Step(29 * time.Minute)
	s.Equal(time.Minute, s.mgr.TimeRemaining())
	s.True(s.mgr.HasCredentials())

	s.clock.Step(time.Minute)
	s.Eventually(func() bool {
		return len(rec.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	s.Equal([]string{"first", "second"}, rec.snapshot())
	s.False(s.mgr.HasCredentials())
	_, ok := s.mgr.Credentials()
	s.False(ok)
	s.False(s.mgr.HasPersisted(s.ctx))

	rec.mu.Lock()
	ev := rec.events[0]
	rec.mu.Unlock()
	s.Equal(sessionID, ev.SessionID)
	s.Equal(s.clock.Now(), ev.ExpiredAt)

	// Nothing fires twice.
	s.clock.Step(time.Hour)
	s.Never(func() bool {
		return len(rec.snapshot()) > 2
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func (s *UnitTestSuite) TestActivityExtendsSession() {
	rec := &recorder{}
	s.mgr.SubscribeExpiry(rec.observer("obs"))
	s.Require().NoError(s.mgr.SetCredentials(alice))

	s.clock.Step(29 * time.Minute)
	s.mgr.ResetActivityTimer()
	s.Equal(types.DefaultSessionTTL, s.mgr.TimeRemaining())

	s.clock.Step(time.Minute)
	s.Never(func() bool {
		return len(rec.snapshot()) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
	s.True(s.mgr.HasCredentials())

	s.clock.Step(29 * time.Minute)
	s.Eventually(func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	s.False(s.mgr.HasCredentials())
}

func (s *UnitTestSuite) TestResetActivityWhenEmpty() {
	s.mgr.ResetActivityTimer()
	s.False(s.mgr.HasCredentials())
	s.False(s.clock.HasWaiters())
}

func (s *UnitTestSuite) TestObserverFailuresAreIsolated() {
	rec := &recorder{}
	s.mgr.SubscribeExpiry(func(context.Context, types.ExpiryEvent) error {
		panic("boom")
	})
	s.mgr.SubscribeExpiry(func(context.Context, types.ExpiryEvent) error {
		return errors.New("downstream unavailable")
	})
	s.mgr.SubscribeExpiry(rec.observer("last"))

	s.Require().NoError(s.mgr.SetCredentials(alice))
	s.clock.Step(types.DefaultSessionTTL)
	s.Eventually(func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	s.False(s.mgr.HasCredentials())
}

func (s *UnitTestSuite) TestUnsubscribe() {
	rec := &recorder{}
	unsubscribe := s.mgr.SubscribeExpiry(rec.observer("gone"))
	s.mgr.SubscribeExpiry(rec.observer("kept"))
	unsubscribe()
	unsubscribe()

	s.Require().NoError(s.mgr.SetCredentials(alice))
	s.clock.Step(types.DefaultSessionTTL)
	s.Eventually(func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	s.Equal([]string{"kept"}, rec.snapshot())
}

func (s *UnitTestSuite) TestUpdateDisplayInfo() {
	s.ErrorIs(s.mgr.UpdateDisplayInfo("a", "b"), types.ErrNoCredentials)
	_, ok := s.mgr.DisplayInfo()
	s.False(ok)

	s.Require().NoError(s.mgr.SetCredentials(types.CredentialSet{IdentityKey: "u", AccessKey: "a"}))
	_, ok = s.mgr.DisplayInfo()
	s.False(ok)

	s.clock.Step(10 * time.Minute)
	remaining := s.mgr.TimeRemaining()
	s.Require().NoError(s.mgr.UpdateDisplayInfo("carol", "Carol Danvers"))
	s.Equal(remaining, s.mgr.TimeRemaining())

	info, ok := s.mgr.DisplayInfo()
	s.True(ok)
	s.Equal(types.DisplayInfo{DisplayName: "carol", FullName: "Carol Danvers"}, info)
	got, _ := s.mgr.Credentials()
	s.Equal("u", got.IdentityKey)
	s.Equal("a", got.AccessKey)
}

func (s *UnitTestSuite) TestPersistAndLoad() {
	s.Require().NoError(s.mgr.SetCredentials(alice))
	s.False(s.mgr.HasPersisted(s.ctx))
	s.Require().NoError(s.mgr.Persist(s.ctx, passphrase))
	s.True(s.mgr.HasPersisted(s.ctx))

	blob, err := s.store.Get(s.ctx, types.DefaultStorageKey)
	s.Require().NoError(err)
	s.NotContains(string(blob), alice.IdentityKey)
	s.NotContains(string(blob), alice.AccessKey)

	// A fresh process sharing the same storage.
	other := s.newManager(s.store)
	defer other.Close()
	s.False(other.HasCredentials())
	s.True(other.HasPersisted(s.ctx))
	s.True(other.Load(s.ctx, passphrase))
	got, ok := other.Credentials()
	s.True(ok)
	s.Equal(alice, got)
	s.Equal(types.DefaultSessionTTL, other.TimeRemaining())
}

func (s *UnitTestSuite) TestLoadWithWrongPassphrase() {
	s.Require().NoError(s.mgr.SetCredentials(alice))
	s.Require().NoError(s.mgr.Persist(s.ctx, passphrase))

	other := s.newManager(s.store)
	defer other.Close()
	s.False(other.Load(s.ctx, "wrong passphrase"))
	s.False(other.HasCredentials())
	s.True(other.HasPersisted(s.ctx))

	// Existing state is left untouched by a failed load.
	s.False(s.mgr.Load(s.ctx, "wrong passphrase"))
	got, ok := s.mgr.Credentials()
	s.True(ok)
	s.Equal(alice, got)
}

func (s *UnitTestSuite) TestLoadWithoutBlob() {
	s.False(s.mgr.Load(s.ctx, passphrase))
	s.False(s.mgr.HasCredentials())
}

func (s *UnitTestSuite) TestLoadCorruptBlob() {
	s.Require().NoError(s.store.Set(s.ctx, types.DefaultStorageKey, []byte("v1:not-base64!")))
	s.False(s.mgr.Load(s.ctx, passphrase))
	s.Require().NoError(s.store.Set(s.ctx, types.DefaultStorageKey, []byte("garbage")))
	s.False(s.mgr.Load(s.ctx, passphrase))
	s.False(s.mgr.HasCredentials())
}

func (s *UnitTestSuite) TestPersistRejectsWeakPassphrase() {
	s.Require().NoError(s.mgr.SetCredentials(alice))
	s.ErrorIs(s.mgr.Persist(s.ctx, "short"), types.ErrWeakPassphrase)
	s.ErrorIs(s.mgr.Persist(s.ctx, ""), types.ErrWeakPassphrase)
	s.False(s.mgr.HasPersisted(s.ctx))

	// Length counts characters, not bytes.
	s.ErrorIs(s.mgr.Persist(s.ctx, "ééééééé"), types.ErrWeakPassphrase)
	s.NoError(s.mgr.Persist(s.ctx, "éééééééé"))
}

func (s *UnitTestSuite) TestPersistWithoutCredentials() {
	s.ErrorIs(s.mgr.Persist(s.ctx, passphrase), types.ErrNoCredentials)
	s.False(s.mgr.HasPersisted(s.ctx))
}

func (s *UnitTestSuite) TestPersistOverwrites() {
	s.Require().NoError(s.mgr.SetCredentials(alice))
	s.Require().NoError(s.mgr.Persist(s.ctx, passphrase))
	bob := types.CredentialSet{IdentityKey: "user-key-bob", AccessKey: "api-key-bob"}
	s.Require().NoError(s.mgr.SetCredentials(bob))
	s.Require().NoError(s.mgr.Persist(s.ctx, "another passphrase"))

	other := s.newManager(s.store)
	defer other.Close()
	s.False(other.Load(s.ctx, passphrase))
	s.True(other.Load(s.ctx, "another passphrase"))
	got, _ := other.Credentials()
	s.Equal(bob, got)
}

func (s *UnitTestSuite) TestClear() {
	rec := &recorder{}
	s.mgr.SubscribeExpiry(rec.observer("obs"))
	s.Require().NoError(s.mgr.SetCredentials(alice))
	s.Require().NoError(s.mgr.Persist(s.ctx, passphrase))

	s.NoError(s.mgr.Clear(s.ctx))
	s.False(s.mgr.HasCredentials())
	s.False(s.mgr.HasPersisted(s.ctx))
	s.False(s.clock.HasWaiters())

	// Panic lock is not an expiry.
	s.clock.Step(time.Hour)
	s.Never(func() bool {
		return len(rec.snapshot()) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)

	s.NoError(s.mgr.Clear(s.ctx))
}

func (s *UnitTestSuite) TestClearWithUnavailableStorage() {
	sealer, err := seal.New(seal.Params{LogN: 10, R: 8, P: 1})
	s.Require().NoError(err)
	mgr := New(brokenStore{}, sealer, Options{Clock: s.clock})
	defer mgr.Close()

	s.Require().NoError(mgr.SetCredentials(alice))
	s.ErrorIs(mgr.Persist(s.ctx, passphrase), types.ErrStorageUnavailable)
	s.False(mgr.HasPersisted(s.ctx))
	s.False(mgr.Load(s.ctx, passphrase))
	s.True(mgr.HasCredentials())

	s.ErrorIs(mgr.Clear(s.ctx), types.ErrStorageUnavailable)
	s.False(mgr.HasCredentials())
}

func (s *UnitTestSuite) TestCustomOptions() {
	sealer, err := seal.New(seal.Params{LogN: 10, R: 8, P: 1})
	s.Require().NoError(err)
	mgr := New(s.store, sealer, Options{
		Timeout:          5 * time.Minute,
		MinPassphraseLen: 4,
		StorageKey:       "custom",
		Clock:            s.clock,
	})
	defer mgr.Close()

	s.Require().NoError(mgr.SetCredentials(alice))
	s.Equal(5*time.Minute, mgr.TimeRemaining())
	// The minimum never goes below the built-in floor.
	s.ErrorIs(mgr.Persist(s.ctx, "four"), types.ErrWeakPassphrase)
	s.Require().NoError(mgr.Persist(s.ctx, passphrase))
	_, err = s.store.Get(s.ctx, "custom")
	s.NoError(err)
}

func (s *UnitTestSuite) TestSecretsAreZeroedOnWipe() {
	s.Require().NoError(s.mgr.SetCredentials(alice))
	s.mgr.mu.Lock()
	resident := s.mgr.creds
	s.mgr.mu.Unlock()

	s.Require().NoError(s.mgr.Clear(s.ctx))
	s.Equal(make([]byte, len(alice.IdentityKey)), resident.identityKey)
	s.Equal(make([]byte, len(alice.AccessKey)), resident.accessKey)
}

// within fails the test instead of hanging it when fn does not return in time.
func (s *UnitTestSuite) within(d time.Duration, what string, fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		s.Require().FailNow(what + " did not return")
	}
}

func (s *UnitTestSuite) TestExpiryDoesNotBlockTheClock() {
	s.Require().NoError(s.mgr.SetCredentials(alice))
	s.within(time.Second, "clock step", func() {
		s.clock.Step(types.DefaultSessionTTL)
	})
	s.Eventually(func() bool {
		return !s.mgr.HasCredentials()
	}, time.Second, 5*time.Millisecond)
}

func (s *UnitTestSuite) TestClockStepsRacingActivity() {
	s.Require().NoError(s.mgr.SetCredentials(alice))

	s.within(5*time.Second, "concurrent steps and activity", func() {
		var g errgroup.Group
		g.Go(func() error {
			for range 200 {
				s.clock.Step(types.DefaultSessionTTL / 4)
			}
			return nil
		})
		g.Go(func() error {
			for range 200 {
				s.mgr.ResetActivityTimer()
				_ = s.mgr.Status()
			}
			return nil
		})
		g.Go(func() error {
			for range 50 {
				if err := s.mgr.SetCredentials(alice); err != nil {
					return err
				}
			}
			return nil
		})
		s.NoError(g.Wait())
	})

	// Whatever the interleaving, the last window still expires.
	s.clock.Step(types.DefaultSessionTTL)
	s.Eventually(func() bool {
		return !s.mgr.HasCredentials()
	}, time.Second, 5*time.Millisecond)
}

func (s *UnitTestSuite) TestOnChange() {
	sealer, err := seal.New(seal.Params{LogN: 10, R: 8, P: 1})
	s.Require().NoError(err)
	var changes atomic.Int32
	mgr := New(s.store, sealer, Options{Clock: s.clock, OnChange: func() { changes.Add(1) }})
	defer mgr.Close()

	s.Require().NoError(mgr.SetCredentials(alice))
	s.EqualValues(1, changes.Load())
	s.Require().NoError(mgr.Persist(s.ctx, passphrase))
	s.Require().NoError(mgr.UpdateDisplayInfo("a", "b"))
	mgr.ResetActivityTimer()
	s.EqualValues(1, changes.Load())

	s.Require().NoError(mgr.SetCredentials(alice))
	s.EqualValues(2, changes.Load())
	s.False(mgr.Load(s.ctx, "wrong passphrase"))
	s.EqualValues(2, changes.Load())
	s.True(mgr.Load(s.ctx, passphrase))
	s.EqualValues(3, changes.Load())

	s.clock.Step(types.DefaultSessionTTL)
	s.Eventually(func() bool {
		return changes.Load() == 4
	}, time.Second, 5*time.Millisecond)

	s.NoError(mgr.Clear(s.ctx))
	s.EqualValues(5, changes.Load())
}

// gatedCipher holds Decrypt until release is closed.
type gatedCipher struct {
	ports.Cipher
	entered chan struct{}
	release chan struct{}
}

func (c *gatedCipher) Decrypt(ctx context.Context, blob []byte, passphrase string) ([]byte, error) {
	close(c.entered)
	<-c.release
	return c.Cipher.Decrypt(ctx, blob, passphrase)
}

func (s *UnitTestSuite) TestHasPersistedDuringLoad() {
	s.Require().NoError(s.mgr.SetCredentials(alice))
	s.Require().NoError(s.mgr.Persist(s.ctx, passphrase))

	sealer, err := seal.New(seal.Params{LogN: 10, R: 8, P: 1})
	s.Require().NoError(err)
	gated := &gatedCipher{Cipher: sealer, entered: make(chan struct{}), release: make(chan struct{})}
	other := New(s.store, gated, Options{Clock: s.clock})
	defer other.Close()

	loaded := make(chan bool, 1)
	go func() {
		loaded <- other.Load(s.ctx, passphrase)
	}()
	<-gated.entered

	s.within(time.Second, "HasPersisted during Load", func() {
		s.True(other.HasPersisted(s.ctx))
	})
	close(gated.release)
	s.True(<-loaded)
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, types.ErrStorageUnavailable
}

func (brokenStore) Set(context.Context, string, []byte) error {
	return types.ErrStorageUnavailable
}

func (brokenStore) Remove(context.Context, string) error {
	return types.ErrStorageUnavailable
}

func (brokenStore) Close() error {
	return nil
}
