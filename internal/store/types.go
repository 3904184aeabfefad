// Package store re-exports the artifact store contract and selects a backend
// from configuration. Only this package imports the concrete backends.
package store

import (
	"geneatlas/internal/model"
	"geneatlas/internal/store/core"
)

type (
	// Driver identifies an artifact store backend.
	Driver = core.Driver
	// ArtifactStore is the interface every backend implements.
	ArtifactStore = core.ArtifactStore
	// PublishLock is held for the duration of one publication.
	PublishLock = core.PublishLock
	// CatalogWriter is implemented by backends that own the root catalog.
	CatalogWriter = core.CatalogWriter
	// ReleaseIndexSource is implemented by backends serving derived indexes.
	ReleaseIndexSource = core.ReleaseIndexSource
	// Instrumentation receives backend transfer observations.
	Instrumentation = core.Instrumentation
	// Error is a classified store failure.
	Error = core.Error
	// ErrorCode classifies store failures.
	ErrorCode = core.ErrorCode
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverHTTP       = core.DriverHTTP
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

// Store error codes.
const (
	CodeNotFound    = core.CodeNotFound
	CodeValidation  = core.CodeValidation
	CodeConflict    = core.CodeConflict
	CodeNetwork     = core.CodeNetwork
	CodeIO          = core.CodeIO
	CodeCachedOnly  = core.CodeCachedOnly
	CodeUnsupported = core.CodeUnsupported
	CodeInternal    = core.CodeInternal
)

// CodeOf returns the classification of err.
func CodeOf(err error) ErrorCode { return core.CodeOf(err) }

// CheckPublication runs the write-side gates every backend applies before
// storing a dataset.
func CheckPublication(id model.DatasetID, manifest, sqlite []byte, expectedManifestSHA256, expectedSQLiteSHA256 string) (model.ArtifactManifest, error) {
	return core.CheckPublication(id, manifest, sqlite, expectedManifestSHA256, expectedSQLiteSHA256)
}
