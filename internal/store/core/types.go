// Package core defines the artifact store contract shared by every backend
// and the error classification the query layer maps to API codes.
package core

import (
	"context"

	"geneatlas/internal/model"
)

// Driver identifies a concrete artifact store backend.
type Driver string

const (
	// DriverFilesystem is the local filesystem backend (default, dev).
	DriverFilesystem Driver = "fs"
	// DriverHTTP is the read-only HTTP mirror backend.
	DriverHTTP Driver = "http"
	// DriverS3 is an S3 / MinIO compatible backend.
	DriverS3 Driver = "s3"
	// DriverMemory is the in-memory backend (tests).
	DriverMemory Driver = "memory"
)

// PublishLock is held for the duration of one publication.
type PublishLock interface {
	Release() error
}

// ArtifactStore is durable, versioned, checksum-verified dataset storage.
type ArtifactStore interface {
	Driver() Driver
	ListDatasets(ctx context.Context) ([]model.DatasetID, error)
	GetManifest(ctx context.Context, id model.DatasetID) (model.ArtifactManifest, error)
	GetSQLiteBytes(ctx context.Context, id model.DatasetID) ([]byte, error)
	// GetSQLiteBytesVerified checks the bytes against the manifest's declared
	// sqlite_sha256 and fails with CodeValidation on mismatch.
	GetSQLiteBytesVerified(ctx context.Context, id model.DatasetID) ([]byte, error)
	PutDataset(ctx context.Context, id model.DatasetID, manifest, sqlite []byte, expectedManifestSHA256, expectedSQLiteSHA256 string) error
	PublishAtomic(ctx context.Context, id model.DatasetID, manifest, sqlite []byte, expectedManifestSHA256, expectedSQLiteSHA256 string) error
	Exists(ctx context.Context, id model.DatasetID) (bool, error)
	AcquirePublishLock(ctx context.Context, id model.DatasetID) (PublishLock, error)
}

// ReleaseIndexSource is implemented by backends that can serve a
// pre-computed release gene index alongside the dataset.
type ReleaseIndexSource interface {
	GetReleaseGeneIndexBytes(ctx context.Context, id model.DatasetID) ([]byte, error)
}

// CatalogWriter is implemented by writable backends that own the root catalog.
type CatalogWriter interface {
	UpdateCatalog(ctx context.Context, fn func(model.Catalog) (model.Catalog, error)) error
}

// Instrumentation receives transfer and error observations from backends.
type Instrumentation interface {
	ObserveDownload(driver Driver, bytes int)
	ObserveUpload(driver Driver, bytes int)
	ObserveError(driver Driver, code ErrorCode)
}

// NopInstrumentation discards observations.
type NopInstrumentation struct{}

func (NopInstrumentation) ObserveDownload(Driver, int) {}
func (NopInstrumentation) ObserveUpload(Driver, int) {}
func (NopInstrumentation) ObserveError(Driver, ErrorCode) {}
