package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"credlayer/internal/types"

	"github.com/goccy/go-yaml"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

const (
	EnvFileKey    = "ENV_FILE"
	ConfigFileKey = "CONFIG_FILE"
	LogLevelKey   = "LOG_LEVEL"
	LogFormatKey  = "LOG_FORMAT"
)

// loadConfig starts from the defaults, applies the YAML file named by CONFIG_FILE if any, then
// the environment.
func loadConfig() (types.Config, error) {
	cfg := types.DefaultConfig()
	if path := os.Getenv(ConfigFileKey); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, types.Err(types.ErrInvalidConfig, err, "")
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, types.Err(types.ErrInvalidConfig, err, "parsing %s", path)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *types.Config) error {
	var result *multierror.Error
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setInt("PORT", &cfg.Port)
	setDuration("CACHE_DEFAULT_TTL", &cfg.Cache.DefaultTTL)
	setDuration("CACHE_SWEEP_INTERVAL", &cfg.Cache.SweepInterval)
	setDuration("SESSION_TIMEOUT", &cfg.Session.Timeout)
	setInt("MIN_PASSPHRASE_LEN", &cfg.Session.MinPassphraseLen)
	setString("STORAGE_BACKEND", &cfg.Storage.Backend)
	setString("STORAGE_PATH", &cfg.Storage.Path)
	setString("STORAGE_KEY", &cfg.Storage.Key)
	setString("UPSTREAM_BASE_URL", &cfg.Upstream.BaseURL)
	setDuration("UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout)
	setString("SNS_TOPIC_ARN", &cfg.Notify.SNSArn)

	if err := result.ErrorOrNil(); err != nil {
		return types.Err(types.ErrInvalidConfig, err, "")
	}
	return nil
}

func setupLogging() {
	if os.Getenv(LogFormatKey) == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	level, err := log.ParseLevel(os.Getenv(LogLevelKey))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
