package types

import "time"

// Config drives the process wiring. It is read from an optional YAML file and then overridden
// by environment variables (see cmd/credlayer).
// Cache.DefaultTTL is used by the fetch client when a call does not specify its own TTL.
// Cache.SweepInterval is how often expired entries are purged even if never read again.
// Session.Timeout is the sliding inactivity window of the credential session.
// Session.MinPassphraseLen cannot go below MinPassphraseLength.
// Storage selects the durable key-value backend used for the encrypted credential blob.
// Notify.SNSArn, when set, receives a message every time a session expires.
type Config struct {
	Port     int            `yaml:"port"`
	Cache    CacheConfig    `yaml:"cache"`
	Session  SessionConfig  `yaml:"session"`
	Storage  StorageConfig  `yaml:"storage"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type CacheConfig struct {
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type SessionConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MinPassphraseLen int           `yaml:"min_passphrase_len"`
}

type StorageConfig struct {
	// Backend is one of memory, file, redis, ddb or none.
	Backend string `yaml:"backend"`
	// Path is the bbolt file for the file backend.
	Path string `yaml:"path"`
	// Key is the fixed storage key of the encrypted blob.
	Key string `yaml:"key"`
}

type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type NotifyConfig struct {
	SNSArn string `yaml:"sns_arn"`
}

const (
	DefaultPort            = 8080
	DefaultCacheTTL        = 30 * time.Second
	DefaultSweepInterval   = 5 * time.Minute
	DefaultSessionTTL      = 30 * time.Minute
	DefaultUpstreamTimeout = 15 * time.Second
	DefaultStorageKey      = "credlayer_encrypted_keys"

	MinPassphraseLength = 8

	IdentityKeyHdrName = "X-User-Key"
	AccessKeyHdrName   = "X-Api-Key"
	RequestIDHdrName   = "X-Request-Id"

	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendDDB    = "ddb"
	BackendNone   = "none"
)

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{
		Port: DefaultPort,
		Cache: CacheConfig{
			DefaultTTL:    DefaultCacheTTL,
			SweepInterval: DefaultSweepInterval,
		},
		Session: SessionConfig{
			Timeout:          DefaultSessionTTL,
			MinPassphraseLen: MinPassphraseLength,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Key:     DefaultStorageKey,
		},
		Upstream: UpstreamConfig{
			Timeout: DefaultUpstreamTimeout,
		},
	}
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return Err(ErrInvalidConfig, nil, "port must be within 1..65535")
	}
	if c.Cache.DefaultTTL <= 0 {
		return Err(ErrInvalidConfig, nil, "cache.default_ttl must be positive")
	}
	if c.Cache.SweepInterval <= 0 {
		return Err(ErrInvalidConfig, nil, "cache.sweep_interval must be positive")
	}
	if c.Session.Timeout <= 0 {
		return Err(ErrInvalidConfig, nil, "session.timeout must be positive")
	}
	if c.Session.MinPassphraseLen < MinPassphraseLength {
		return Err(ErrInvalidConfig, nil, "session.min_passphrase_len must be at least %d", MinPassphraseLength)
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis, BackendDDB, BackendNone:
	case BackendFile:
		if c.Storage.Path == "" {
			return Err(ErrInvalidConfig, nil, "storage.path is required for the %s backend", BackendFile)
		}
	default:
		return Err(ErrInvalidConfig, nil, "storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Storage.Key == "" {
		return Err(ErrInvalidConfig, nil, "storage.key is required")
	}
	if c.Upstream.Timeout <= 0 {
		return Err(ErrInvalidConfig, nil, "upstream.timeout must be positive")
	}
	return nil
}
