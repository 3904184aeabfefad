package store

import (
	"context"
	"fmt"

	"geneatlas/internal/config"
	infrafs "geneatlas/internal/infra/store/fs"
	"geneatlas/internal/infra/store/httpro"
	"geneatlas/internal/infra/store/memory"
	infras3 "geneatlas/internal/infra/store/s3"
)

// Open selects an ArtifactStore implementation from cfg.Driver:
// fs|http|s3|memory (default fs).
func Open(ctx context.Context, cfg config.StoreConfig, inst Instrumentation) (ArtifactStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return infrafs.New(cfg.FSRoot, infrafs.Options{Instrumentation: inst})
	case DriverHTTP:
		return httpro.New(httpro.Options{
			BaseURL:            cfg.HTTP.BaseURL,
			CacheRoot:          cfg.HTTP.CacheRoot,
			CachedOnly:         cfg.HTTP.CachedOnly,
			CatalogMinInterval: cfg.HTTP.CatalogMinInterval,
			CatalogBackoffBase: cfg.HTTP.CatalogBackoffBase,
			CatalogBackoffMax:  cfg.HTTP.CatalogBackoffMax,
			Instrumentation:    inst,
		})
	case DriverS3:
		return infras3.New(ctx, infras3.Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			PathStyle:       cfg.S3.PathStyle,
			Instrumentation: inst,
		})
	case DriverMemory:
		return memory.New(memory.Options{Instrumentation: inst}), nil
	default:
		return nil, fmt.Errorf("unknown artifact store driver %s", driver)
	}
}

// NewMockS3ForTests exposes the in-memory S3 fake for cross-package tests.
func NewMockS3ForTests() ArtifactStore { return infras3.NewMockForTests() }

// NewMemoryForTests exposes the in-memory backend for cross-package tests.
func NewMemoryForTests() ArtifactStore { return memory.New(memory.Options{}) }
