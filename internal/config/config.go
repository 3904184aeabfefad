// Package config loads service configuration from compiled defaults, an
// optional YAML file and ATLAS_* environment overrides, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	API    APIConfig    `yaml:"api"`
	Store  StoreConfig  `yaml:"store"`
	Cache  CacheConfig  `yaml:"cache"`
	Ledger LedgerConfig `yaml:"ledger"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// APIConfig configures admission control and the response envelope.
type APIConfig struct {
	MaxRequestQueueDepth      int           `yaml:"max_request_queue_depth" validate:"gt=0"`
	ConcurrencyCheap          int           `yaml:"concurrency_cheap" validate:"gt=0"`
	ConcurrencyMedium         int           `yaml:"concurrency_medium" validate:"gt=0"`
	ConcurrencyHeavy          int           `yaml:"concurrency_heavy" validate:"gt=0"`
	DefaultLimit              int           `yaml:"default_limit" validate:"gt=0"`
	MaxLimit                  int           `yaml:"max_limit" validate:"gtefield=DefaultLimit"`
	ResponseMaxBytes          int           `yaml:"response_max_bytes" validate:"gt=0"`
	ImmutableTTL              time.Duration `yaml:"immutable_ttl" validate:"gte=0"`
	EnableResponseCompression bool          `yaml:"enable_response_compression"`
	CompressionMinBytes       int           `yaml:"compression_min_bytes" validate:"gte=0"`
	ShedLoadEnabled           bool          `yaml:"shed_load_enabled"`
	EnableCheapOnlySurvival   bool          `yaml:"enable_cheap_only_survival"`
	ShedLatencyP95Threshold   time.Duration `yaml:"shed_latency_p95_threshold" validate:"gt=0"`
	ShedLatencyMinSamples     int           `yaml:"shed_latency_min_samples" validate:"gt=0"`
	ShedQueueOccupancyRatio   float64       `yaml:"shed_queue_occupancy_ratio" validate:"gt=0,lte=1"`
	AdaptiveHeavyLimitFactor  float64       `yaml:"adaptive_heavy_limit_factor" validate:"gt=0,lte=1"`
	ShedBackoffBase           time.Duration `yaml:"shed_backoff_base" validate:"gt=0"`
	ShedBackoffMax            time.Duration `yaml:"shed_backoff_max" validate:"gtefield=ShedBackoffBase"`
	RequestTimeout            time.Duration `yaml:"request_timeout" validate:"gt=0"`
	CursorSecret              string        `yaml:"cursor_secret" validate:"omitempty,min=16"`
}

// StoreConfig selects and configures the artifact store backend.
type StoreConfig struct {
	Driver string     `yaml:"driver" validate:"oneof=fs http s3 memory"`
	FSRoot string     `yaml:"fs_root"`
	HTTP   HTTPConfig `yaml:"http"`
	S3     S3Config   `yaml:"s3"`
}

// HTTPConfig configures the read-only HTTP backend.
type HTTPConfig struct {
	BaseURL            string        `yaml:"base_url" validate:"omitempty,url"`
	CacheRoot          string        `yaml:"cache_root"`
	CachedOnly         bool          `yaml:"cached_only"`
	CatalogMinInterval time.Duration `yaml:"catalog_min_interval" validate:"gt=0"`
	CatalogBackoffBase time.Duration `yaml:"catalog_backoff_base" validate:"gt=0"`
	CatalogBackoffMax  time.Duration `yaml:"catalog_backoff_max" validate:"gtefield=CatalogBackoffBase"`
}

// S3Config configures the S3-compatible backend.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint" validate:"omitempty,url"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
}

// CacheConfig configures the local catalog and index cache.
type CacheConfig struct {
	Root             string        `yaml:"root" validate:"required"`
	CatalogTTL       time.Duration `yaml:"catalog_ttl" validate:"gte=0"`
	RefreshInterval  time.Duration `yaml:"refresh_interval" validate:"gt=0"`
	BreakerThreshold int           `yaml:"breaker_threshold" validate:"gt=0"`
	BreakerOpen      time.Duration `yaml:"breaker_open" validate:"gt=0"`
	BackoffBase      time.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffMax       time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffBase"`
	IndexEntries     int           `yaml:"index_entries" validate:"gt=0"`
	CachedOnly       bool          `yaml:"cached_only"`
}

// LedgerConfig configures the optional publication ledger.
type LedgerConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// Default returns the compiled defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", ReadHeaderTimeout: 5 * time.Second, ShutdownTimeout: 15 * time.Second},
		API: APIConfig{
			MaxRequestQueueDepth:      256,
			ConcurrencyCheap:          256,
			ConcurrencyMedium:         64,
			ConcurrencyHeavy:          16,
			DefaultLimit:              100,
			MaxLimit:                  500,
			ResponseMaxBytes:          512 * 1024,
			ImmutableTTL:              900 * time.Second,
			EnableResponseCompression: true,
			CompressionMinBytes:       4096,
			ShedLatencyP95Threshold:   900 * time.Millisecond,
			ShedLatencyMinSamples:     50,
			ShedQueueOccupancyRatio:   0.8,
			AdaptiveHeavyLimitFactor:  0.5,
			ShedBackoffBase:           250 * time.Millisecond,
			ShedBackoffMax:            5 * time.Second,
			RequestTimeout:            30 * time.Second,
		},
		Store: StoreConfig{
			Driver: "fs",
			FSRoot: "./artifacts",
			HTTP: HTTPConfig{
				CatalogMinInterval: 250 * time.Millisecond,
				CatalogBackoffBase: 250 * time.Millisecond,
				CatalogBackoffMax:  5 * time.Second,
			},
		},
		Cache: CacheConfig{
			Root:             "./cache",
			CatalogTTL:       30 * time.Second,
			RefreshInterval:  30 * time.Second,
			BreakerThreshold: 5,
			BreakerOpen:      30 * time.Second,
			BackoffBase:      250 * time.Millisecond,
			BackoffMax:       5 * time.Second,
			IndexEntries:     64,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds a Config from defaults, the YAML file at path (if non-empty)
// and the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(raw, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field driver requirements.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Store.Driver {
	case "fs":
		if c.Store.FSRoot == "" {
			return errors.New("invalid config: store.fs_root required for fs driver")
		}
	case "http":
		if c.Store.HTTP.BaseURL == "" {
			return errors.New("invalid config: store.http.base_url required for http driver")
		}
	case "s3":
		if c.Store.S3.Bucket == "" {
			return errors.New("invalid config: store.s3.bucket required for s3 driver")
		}
	}
	return nil
}
