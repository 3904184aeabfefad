package config

import (
	"fmt"
	"strconv"
)

type envBinding struct {
	name string
	set  func(*Config, string) error
}

func str(get func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*get(c) = v
		return nil
	}
}

func boolean(get func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*get(c) = b
		return nil
	}
}

func integer(get func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*get(c) = n
		return nil
	}
}

var envBindings = []envBinding{
	{"ATLAS_SERVER_ADDR", str(func(c *Config) *string { return &c.Server.Addr })},
	{"ATLAS_STORE_DRIVER", str(func(c *Config) *string { return &c.Store.Driver })},
	{"ATLAS_STORE_FS_ROOT", str(func(c *Config) *string { return &c.Store.FSRoot })},
	{"ATLAS_STORE_HTTP_BASE_URL", str(func(c *Config) *string { return &c.Store.HTTP.BaseURL })},
	{"ATLAS_STORE_HTTP_CACHE_ROOT", str(func(c *Config) *string { return &c.Store.HTTP.CacheRoot })},
	{"ATLAS_STORE_HTTP_CACHED_ONLY", boolean(func(c *Config) *bool { return &c.Store.HTTP.CachedOnly })},
	{"ATLAS_STORE_S3_BUCKET", str(func(c *Config) *string { return &c.Store.S3.Bucket })},
	{"ATLAS_STORE_S3_REGION", str(func(c *Config) *string { return &c.Store.S3.Region })},
	{"ATLAS_STORE_S3_ENDPOINT", str(func(c *Config) *string { return &c.Store.S3.Endpoint })},
	{"ATLAS_STORE_S3_PREFIX", str(func(c *Config) *string { return &c.Store.S3.Prefix })},
	{"ATLAS_STORE_S3_PATH_STYLE", boolean(func(c *Config) *bool { return &c.Store.S3.PathStyle })},
	{"ATLAS_CACHE_ROOT", str(func(c *Config) *string { return &c.Cache.Root })},
	{"ATLAS_CACHE_CACHED_ONLY", boolean(func(c *Config) *bool { return &c.Cache.CachedOnly })},
	{"ATLAS_CURSOR_SECRET", str(func(c *Config) *string { return &c.API.CursorSecret })},
	{"ATLAS_MAX_REQUEST_QUEUE_DEPTH", integer(func(c *Config) *int { return &c.API.MaxRequestQueueDepth })},
	{"ATLAS_CONCURRENCY_HEAVY", integer(func(c *Config) *int { return &c.API.ConcurrencyHeavy })},
	{"ATLAS_SHED_LOAD_ENABLED", boolean(func(c *Config) *bool { return &c.API.ShedLoadEnabled })},
	{"ATLAS_LEDGER_POSTGRES_DSN", str(func(c *Config) *string { return &c.Ledger.PostgresDSN })},
	{"ATLAS_LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"ATLAS_LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.set(cfg, v); err != nil {
			return fmt.Errorf("env %s: %w", b.name, err)
		}
	}
	return nil
}
