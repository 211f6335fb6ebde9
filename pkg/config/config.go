// Package config loads swrd's configuration from an optional YAML file and
// SWR_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/illmade-knight/go-swr/pkg/cache"
	"github.com/illmade-knight/go-swr/pkg/microservice"
	"github.com/illmade-knight/go-swr/pkg/source"
	"github.com/illmade-knight/go-swr/pkg/swr"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "SWR_"

// Store backends.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendGCS       = "gcs"
	BackendSQLite    = "sqlite"
)

// Config is the complete configuration for swrd.
type Config struct {
	microservice.BaseConfig `yaml:",inline"`

	// BaseURL resolves relative resource URLs.
	BaseURL        string        `yaml:"base_url" env:"BASE_URL"`
	CachePrefix    string        `yaml:"cache_prefix" env:"CACHE_PREFIX"`
	CacheTime      time.Duration `yaml:"cache_time" env:"CACHE_TIME"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	// OTLPEndpoint enables trace export when set, e.g. "http://localhost:4318".
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`

	Store        StoreConfig        `yaml:"store" envPrefix:"STORE_"`
	Invalidation InvalidationConfig `yaml:"invalidation" envPrefix:"INVALIDATION_"`
}

// StoreConfig selects the cache backend and holds per-backend settings.
type StoreConfig struct {
	Backend   string                `yaml:"backend" env:"BACKEND"`
	Redis     cache.RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
	Firestore cache.FirestoreConfig `yaml:"firestore" envPrefix:"FIRESTORE_"`
	GCS       cache.GCSConfig       `yaml:"gcs" envPrefix:"GCS_"`
	SQLite    cache.SQLiteConfig    `yaml:"sqlite" envPrefix:"SQLITE_"`
}

// InvalidationConfig enables cross-process invalidation over Pub/Sub when
// TopicID is set.
type InvalidationConfig struct {
	ProjectID      string `yaml:"project_id" env:"PROJECT_ID"`
	TopicID        string `yaml:"topic_id" env:"TOPIC_ID"`
	SubscriptionID string `yaml:"subscription_id" env:"SUBSCRIPTION_ID"`
}

// Enabled reports whether invalidation broadcasting is configured.
func (c InvalidationConfig) Enabled() bool { return c.TopicID != "" }

// Defaults returns a configuration that runs an in-memory cache on :8080.
func Defaults() *Config {
	return &Config{
		BaseConfig: microservice.BaseConfig{
			LogLevel:    "info",
			HTTPPort:    ":8080",
			ServiceName: "swrd",
		},
		CachePrefix:    cache.DefaultPrefix,
		CacheTime:      swr.DefaultCacheTime,
		RequestTimeout: swr.DefaultRequestTimeout,
		MaxBodyBytes:   source.DefaultMaxBodyBytes,
		Store: StoreConfig{
			Backend:   BackendMemory,
			Firestore: cache.FirestoreConfig{CollectionName: "swr-cache"},
			SQLite:    cache.SQLiteConfig{Path: "swr-cache.db"},
		},
	}
}

// Load applies the YAML file at path (if path is non-empty) over the
// defaults, then environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backend has the settings it needs.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPPort == "" {
		errs = append(errs, errors.New("http_port is required"))
	}
	if c.CacheTime < 0 {
		errs = append(errs, errors.New("cache_time cannot be negative"))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("request_timeout cannot be negative"))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
		}
	case BackendFirestore:
		if c.Store.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("store.firestore.project_id is required for the firestore backend"))
		}
	case BackendGCS:
		if c.Store.GCS.BucketName == "" {
			errs = append(errs, errors.New("store.gcs.bucket is required for the gcs backend"))
		}
	case BackendSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("store.sqlite.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	if c.Invalidation.Enabled() {
		if c.Invalidation.ProjectID == "" {
			errs = append(errs, errors.New("invalidation.project_id is required when a topic is set"))
		}
		if c.Invalidation.SubscriptionID == "" {
			errs = append(errs, errors.New("invalidation.subscription_id is required when a topic is set"))
		}
	}
	return errors.Join(errs...)
}
