// Package fs implements the artifact store on a local filesystem using
// write-temp, fsync, rename-into-place publication.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"geneatlas/internal/model"
	"geneatlas/internal/store/core"
)

const (
	publishLockFile = ".publish.lock"
	catalogLockFile = "catalog.json.lock"

	defaultStaleLockAfter = 10 * time.Minute
	catalogLockPoll       = 25 * time.Millisecond
)

// Options tunes a filesystem store.
type Options struct {
	// StaleLockAfter is the age after which an abandoned publish lock is reclaimed.
	StaleLockAfter  time.Duration
	Instrumentation core.Instrumentation
}

// Store implements core.ArtifactStore rooted at a directory.
//
// Layout:
//
//	<root>/catalog.json
//	<root>/release=R/species=S/assembly=A/derived/{manifest.json,gene_summary.sqlite,manifest.lock}
type Store struct {
	root           string
	staleLockAfter time.Duration
	inst           core.Instrumentation
	now            func() time.Time
}

// New returns a filesystem store rooted at root, creating it if needed.
func New(root string, opts Options) (*Store, error) {
	if root == "" {
		root = "./artifacts"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, core.Wrap(core.CodeIO, err, "create store root")
	}
	if opts.StaleLockAfter <= 0 {
		opts.StaleLockAfter = defaultStaleLockAfter
	}
	if opts.Instrumentation == nil {
		opts.Instrumentation = core.NopInstrumentation{}
	}
	return &Store{root: root, staleLockAfter: opts.StaleLockAfter, inst: opts.Instrumentation, now: time.Now}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) derivedDir(id model.DatasetID) string {
	return filepath.Join(s.root, filepath.FromSlash(id.KeyPrefix()), model.DerivedDir)
}

func (s *Store) fail(err error) error {
	if err != nil {
		s.inst.ObserveError(core.DriverFilesystem, core.CodeOf(err))
	}
	return err
}

func (s *Store) ListDatasets(ctx context.Context) ([]model.DatasetID, error) {
	cat, err := s.readCatalog()
	if err != nil {
		return nil, s.fail(err)
	}
	return cat.IDs(), nil
}

func (s *Store) readCatalog() (model.Catalog, error) {
	b, err := os.ReadFile(filepath.Join(s.root, model.CatalogFile))
	if errors.Is(err, fs.ErrNotExist) {
		return model.Catalog{}, nil
	}
	if err != nil {
		return model.Catalog{}, core.Wrap(core.CodeIO, err, "read catalog")
	}
	var cat model.Catalog
	if err := jsonUnmarshal(b, &cat); err != nil {
		return model.Catalog{}, core.Wrap(core.CodeValidation, err, "parse catalog")
	}
	if err := cat.ValidateStrict(); err != nil {
		return model.Catalog{}, core.Wrap(core.CodeValidation, err, "catalog")
	}
	return cat, nil
}

// GetManifest trusts a manifest only after the lock matches both files and
// the manifest passes strict validation.
func (s *Store) GetManifest(ctx context.Context, id model.DatasetID) (model.ArtifactManifest, error) {
	if err := id.Validate(); err != nil {
		return model.ArtifactManifest{}, s.fail(core.Wrap(core.CodeValidation, err, "dataset id"))
	}
	dir := s.derivedDir(id)
	manifest, err := readArtifact(filepath.Join(dir, model.ManifestFile), id)
	if err != nil {
		return model.ArtifactManifest{}, s.fail(err)
	}
	sqlite, err := readArtifact(filepath.Join(dir, model.SQLiteFile), id)
	if err != nil {
		return model.ArtifactManifest{}, s.fail(err)
	}
	lock, err := os.ReadFile(filepath.Join(dir, model.ManifestLockFile))
	if err != nil {
		return model.ArtifactManifest{}, s.fail(core.Wrap(core.CodeValidation, err, "manifest.lock missing for %s", id))
	}
	m, err := core.ValidateStoredManifest(manifest, sqlite, lock)
	if err != nil {
		return model.ArtifactManifest{}, s.fail(err)
	}
	s.inst.ObserveDownload(core.DriverFilesystem, len(manifest))
	return m, nil
}

func (s *Store) GetSQLiteBytes(ctx context.Context, id model.DatasetID) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, s.fail(core.Wrap(core.CodeValidation, err, "dataset id"))
	}
	b, err := readArtifact(filepath.Join(s.derivedDir(id), model.SQLiteFile), id)
	if err != nil {
		return nil, s.fail(err)
	}
	s.inst.ObserveDownload(core.DriverFilesystem, len(b))
	return b, nil
}

func (s *Store) GetSQLiteBytesVerified(ctx context.Context, id model.DatasetID) ([]byte, error) {
	b, err := core.FetchVerified(ctx, s, id)
	return b, s.fail(err)
}

// GetReleaseGeneIndexBytes returns the derived index written next to the dataset, if any.
func (s *Store) GetReleaseGeneIndexBytes(ctx context.Context, id model.DatasetID) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, s.fail(core.Wrap(core.CodeValidation, err, "dataset id"))
	}
	b, err := readArtifact(filepath.Join(s.derivedDir(id), model.ReleaseGeneIndexFile), id)
	return b, s.fail(err)
}

// Exists reports whether the dataset's manifest has been committed.
func (s *Store) Exists(ctx context.Context, id model.DatasetID) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, s.fail(core.Wrap(core.CodeValidation, err, "dataset id"))
	}
	dir := s.derivedDir(id)
	for _, name := range []string{model.ManifestFile, model.SQLiteFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, s.fail(core.Wrap(core.CodeIO, err, "stat %s", name))
		}
	}
	return true, nil
}

func readArtifact(path string, id model.DatasetID) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.Wrap(core.CodeNotFound, err, "%s for %s", filepath.Base(path), id)
	}
	if err != nil {
		return nil, core.Wrap(core.CodeIO, err, "read %s", filepath.Base(path))
	}
	return b, nil
}

// isolate json usage to allow test overrides.
var (
	jsonMarshal   = func(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") }
	jsonUnmarshal = func(b []byte, v any) error { return json.Unmarshal(b, v) }
)
