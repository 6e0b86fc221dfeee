// Package keymgr holds the single set of upstream API credentials of the process.
//
// The credentials live in memory only, inside a sliding inactivity window: every call to
// SetCredentials, Load or ResetActivityTimer pushes the deadline forward, and when it passes the
// credentials are wiped, the persisted copy is deleted and expiry observers are notified.
// An encrypted copy can be persisted under a user passphrase and loaded back later.
//
// Secret fields are never logged and never appear in returned errors.
package keymgr

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"credlayer/internal/ports"
	"credlayer/internal/types"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

type Options struct {
	// Timeout is the inactivity window. Defaults to types.DefaultSessionTTL.
	Timeout time.Duration
	// MinPassphraseLen defaults to, and cannot go below, types.MinPassphraseLength.
	MinPassphraseLen int
	// StorageKey is the fixed key of the encrypted blob. Defaults to types.DefaultStorageKey.
	StorageKey string
	Clock      clock.WithDelayedExecution
	// OnChange runs whenever the resident credentials are replaced or wiped, before the new state
	// is visible to any other caller. It runs under the manager's lock and must not call back into
	// the Manager.
	OnChange func()
}

// Manager is EMPTY when no credentials are resident and ACTIVE otherwise.
type Manager struct {
	store  ports.BlobStore
	cipher ports.Cipher
	clock  clock.WithDelayedExecution

	timeout    time.Duration
	minPassLen int
	storageKey string
	onChange   func()

	// mu guards the in-memory session.
	mu        sync.Mutex
	creds     *secretSet
	sessionID string
	startedAt time.Time
	timer     clock.Timer
	// gen identifies the live timer; a timer whose generation is stale does nothing.
	gen uint64
	// wipes counts transitions to EMPTY; a Load that observes a wipe while decrypting gives up.
	wipes uint64

	// ioMu serializes storage round trips so that a wipe always removes the blob after any
	// concurrent Persist has written it.
	ioMu sync.Mutex

	obsMu     sync.Mutex
	observers []subscription
	nextObsID uint64
}

// New creates an EMPTY manager.
func New(store ports.BlobStore, cipher ports.Cipher, opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = types.DefaultSessionTTL
	}
	if opts.MinPassphraseLen < types.MinPassphraseLength {
		opts.MinPassphraseLen = types.MinPassphraseLength
	}
	if opts.StorageKey == "" {
		opts.StorageKey = types.DefaultStorageKey
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Manager{
		store:      store,
		cipher:     cipher,
		clock:      opts.Clock,
		timeout:    opts.Timeout,
		minPassLen: opts.MinPassphraseLen,
		storageKey: opts.StorageKey,
		onChange:   opts.OnChange,
	}
}

// SetCredentials makes creds the resident set, replacing any previous one, and starts a fresh
// session window.
func (m *Manager) SetCredentials(creds types.CredentialSet) error {
	if !creds.Valid() {
		return types.ErrInvalidCredentials
	}
	m.mu.Lock()
	m.installLocked(creds)
	sessionID := m.sessionID
	m.mu.Unlock()

	log.WithField("session_id", sessionID).Info("credentials set")
	return nil
}

// UpdateDisplayInfo changes the display fields only. It does not extend the session.
func (m *Manager) UpdateDisplayInfo(displayName, fullName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return types.ErrNoCredentials
	}
	m.creds.displayName = displayName
	m.creds.fullName = fullName
	return nil
}

// Credentials returns a copy of the resident set.
func (m *Manager) Credentials() (types.CredentialSet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return types.CredentialSet{}, false
	}
	return m.creds.export(), true
}

// DisplayInfo returns the display fields; false when EMPTY or when both fields are empty.
func (m *Manager) DisplayInfo() (types.DisplayInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil || (m.creds.displayName == "" && m.creds.fullName == "") {
		return types.DisplayInfo{}, false
	}
	return types.DisplayInfo{DisplayName: m.creds.displayName, FullName: m.creds.fullName}, true
}

func (m *Manager) HasCredentials() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds != nil
}

// TimeRemaining is zero when EMPTY.
func (m *Manager) TimeRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeRemainingLocked()
}

// IsExpired is also true when EMPTY; check HasCredentials first when the difference matters.
func (m *Manager) IsExpired() bool {
	return m.TimeRemaining() == 0
}

// Status is a secret-free snapshot for diagnostics.
func (m *Manager) Status() types.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return types.SessionStatus{}
	}
	return types.SessionStatus{
		Active:        true,
		SessionID:     m.sessionID,
		StartedAt:     m.startedAt,
		TimeRemaining: m.timeRemainingLocked(),
	}
}

// ResetActivityTimer restarts the session window on user activity. No-op when EMPTY.
func (m *Manager) ResetActivityTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return
	}
	m.startedAt = m.clock.Now()
	m.restartTimerLocked()
}

// Clear is the panic lock: it stops the timer, wipes the in-memory credentials and deletes the
// persisted blob. It is safe in any state. The in-memory wipe always happens; the returned error
// only reports a failure to delete the blob.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.stopTimerLocked()
	sessionID := m.sessionID
	m.wipeLocked()
	m.mu.Unlock()

	if sessionID != "" {
		log.WithField("session_id", sessionID).Info("credentials cleared")
	}
	return m.removeBlob(ctx)
}

// Close stops the session timer and wipes the in-memory credentials without touching storage.
// It does not notify expiry observers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
	m.wipeLocked()
}

func (m *Manager) installLocked(creds types.CredentialSet) {
	if m.creds != nil {
		m.creds.wipe()
	}
	m.creds = newSecretSet(creds)
	m.sessionID = uuid.NewString()
	m.startedAt = m.clock.Now()
	m.restartTimerLocked()
	m.changedLocked()
}

func (m *Manager) wipeLocked() {
	if m.creds != nil {
		m.creds.wipe()
	}
	m.creds = nil
	m.sessionID = ""
	m.startedAt = time.Time{}
	m.wipes++
	m.changedLocked()
}

func (m *Manager) changedLocked() {
	if m.onChange != nil {
		m.onChange()
	}
}

func (m *Manager) timeRemainingLocked() time.Duration {
	if m.creds == nil {
		return 0
	}
	return max(0, m.timeout-m.clock.Since(m.startedAt))
}

func (m *Manager) restartTimerLocked() {
	m.stopTimerLocked()
	gen := m.gen
	// expire takes m.mu and reads the clock, so it must not run on the clock's own callback path.
	m.timer = m.clock.AfterFunc(m.timeout, func() {
		go m.expire(gen)
	})
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
}

// expire runs on its own goroutine once the window has elapsed.
func (m *Manager) expire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.creds == nil {
		m.mu.Unlock()
		return
	}
	ev := types.ExpiryEvent{
		SessionID: m.sessionID,
		StartedAt: m.startedAt,
		ExpiredAt: m.clock.Now(),
	}
	m.timer = nil
	m.gen++
	m.wipeLocked()
	m.mu.Unlock()

	log.WithField("session_id", ev.SessionID).Info("session expired, credentials cleared")
	ctx := context.Background()
	if err := m.removeBlob(ctx); err != nil {
		log.WithError(err).Warn("failed to delete persisted credentials on expiry")
	}
	m.notify(ctx, ev)
}

func (m *Manager) removeBlob(ctx context.Context) error {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()
	return m.store.Remove(ctx, m.storageKey)
}

// Persist encrypts the resident credentials under passphrase and writes them to durable storage,
// replacing any previous blob. The passphrase is not retained.
func (m *Manager) Persist(ctx context.Context, passphrase string) error {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	m.mu.Lock()
	if m.creds == nil {
		m.mu.Unlock()
		return types.ErrNoCredentials
	}
	creds := m.creds.export()
	m.mu.Unlock()

	if utf8.RuneCountInString(passphrase) < m.minPassLen {
		return types.ErrWeakPassphrase
	}

	payload, err := json.Marshal(creds)
	if err != nil {
		return types.Err(types.ErrInvalidCredentials, nil, "failed to serialize credentials")
	}
	defer clear(payload)

	blob, err := m.cipher.Encrypt(ctx, payload, passphrase)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, m.storageKey, blob); err != nil {
		return err
	}
	log.Info("credentials persisted")
	return nil
}

// Load decrypts the persisted blob and, on success, behaves like SetCredentials: the loaded set
// becomes resident and a fresh session window starts. Every failure (no blob, unreachable storage,
// wrong passphrase, corrupt or incomplete data) returns false and leaves the in-memory state as it
// was; the reason is deliberately not reported to the caller.
func (m *Manager) Load(ctx context.Context, passphrase string) bool {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	m.mu.Lock()
	wipes := m.wipes
	m.mu.Unlock()

	blob, err := m.store.Get(ctx, m.storageKey)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			log.WithError(err).Warn("failed to read persisted credentials")
		}
		return false
	}
	plaintext, err := m.cipher.Decrypt(ctx, blob, passphrase)
	if err != nil {
		log.Debug("persisted credentials could not be decrypted")
		return false
	}
	defer clear(plaintext)

	var creds types.CredentialSet
	if err := json.Unmarshal(plaintext, &creds); err != nil || !creds.Valid() {
		log.Debug("persisted credentials are incomplete")
		return false
	}

	m.mu.Lock()
	if m.wipes != wipes {
		m.mu.Unlock()
		log.Info("credentials were cleared while loading; load abandoned")
		return false
	}
	m.installLocked(creds)
	sessionID := m.sessionID
	m.mu.Unlock()

	log.WithField("session_id", sessionID).Info("credentials loaded from storage")
	return true
}

// HasPersisted reports whether a blob exists, regardless of the in-memory state. Unreachable
// storage counts as no blob. It does not wait for a Persist or Load in progress.
func (m *Manager) HasPersisted(ctx context.Context) bool {
	_, err := m.store.Get(ctx, m.storageKey)
	return err == nil
}
