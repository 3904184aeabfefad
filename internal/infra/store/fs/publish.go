package fs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"geneatlas/internal/model"
	"geneatlas/internal/store/core"
)

// renameFile is swapped by tests to inject failures between temp-write and rename.
var renameFile = os.Rename

type lockRecord struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// fileLock is an advisory lock backed by an exclusively created file.
type fileLock struct {
	path  string
	owner string
	once  sync.Once
	err   error
}

// Release removes the lock file if this holder still owns it. Safe to call more than once.
func (l *fileLock) Release() error {
	l.once.Do(func() {
		b, err := os.ReadFile(l.path)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			l.err = core.Wrap(core.CodeIO, err, "read lock")
			return
		}
		var rec lockRecord
		if jsonUnmarshal(b, &rec) == nil && rec.Owner != l.owner {
			return
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.err = core.Wrap(core.CodeIO, err, "remove lock")
		}
	})
	return l.err
}

func (s *Store) tryLock(path string) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, core.Wrap(core.CodeIO, err, "create lock dir")
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, fs.ErrExist) {
			if attempt == 0 && s.reclaimStale(path) {
				continue
			}
			return nil, core.Errorf(core.CodeConflict, "lock %s is held", filepath.Base(path))
		}
		if err != nil {
			return nil, core.Wrap(core.CodeIO, err, "create lock")
		}
		rec := lockRecord{Owner: uuid.NewString(), PID: os.Getpid(), AcquiredAt: s.now().UTC()}
		b, _ := jsonMarshal(rec)
		_, werr := f.Write(b)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(path)
			return nil, core.Wrap(core.CodeIO, errors.Join(werr, cerr), "write lock")
		}
		return &fileLock{path: path, owner: rec.Owner}, nil
	}
	return nil, core.Errorf(core.CodeConflict, "lock %s is held", filepath.Base(path))
}

func (s *Store) reclaimStale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	if s.now().Sub(info.ModTime()) < s.staleLockAfter {
		return false
	}
	return os.Remove(path) == nil
}

// AcquirePublishLock takes the per-dataset advisory publish lock.
func (s *Store) AcquirePublishLock(ctx context.Context, id model.DatasetID) (core.PublishLock, error) {
	if err := id.Validate(); err != nil {
		return nil, s.fail(core.Wrap(core.CodeValidation, err, "dataset id"))
	}
	l, err := s.tryLock(filepath.Join(s.derivedDir(id), publishLockFile))
	if err != nil {
		return nil, s.fail(err)
	}
	return l, nil
}

func (s *Store) PublishAtomic(ctx context.Context, id model.DatasetID, manifest, sqlite []byte, expectedManifestSHA256, expectedSQLiteSHA256 string) error {
	return s.PutDataset(ctx, id, manifest, sqlite, expectedManifestSHA256, expectedSQLiteSHA256)
}

// PutDataset publishes a dataset once. The manifest is renamed into place
// last, so a dataset becomes visible only when every file it covers is present.
func (s *Store) PutDataset(ctx context.Context, id model.DatasetID, manifest, sqlite []byte, expectedManifestSHA256, expectedSQLiteSHA256 string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := core.CheckPublication(id, manifest, sqlite, expectedManifestSHA256, expectedSQLiteSHA256); err != nil {
		return s.fail(err)
	}
	lock, err := s.AcquirePublishLock(ctx, id)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	dir := s.derivedDir(id)
	if _, err := os.Stat(filepath.Join(dir, model.ManifestFile)); err == nil {
		return s.fail(core.Errorf(core.CodeConflict, "dataset %s is already published", id))
	}
	lockBytes, err := jsonMarshal(model.NewManifestLock(manifest, sqlite))
	if err != nil {
		return s.fail(core.Wrap(core.CodeInternal, err, "encode manifest lock"))
	}

	files := []struct {
		name string
		data []byte
	}{
		{model.SQLiteFile, sqlite},
		{model.ManifestLockFile, lockBytes},
		{model.ManifestFile, manifest},
	}
	temps := make([]string, 0, len(files))
	defer func() {
		for _, tmp := range temps {
			_ = os.Remove(tmp)
		}
	}()
	for _, f := range files {
		tmp, err := writeTemp(dir, f.data)
		if err != nil {
			return s.fail(err)
		}
		temps = append(temps, tmp)
	}
	var placed []string
	for i, f := range files {
		final := filepath.Join(dir, f.name)
		if err := renameFile(temps[i], final); err != nil {
			for _, p := range placed {
				_ = os.Remove(p)
			}
			return s.fail(core.Wrap(core.CodeIO, err, "rename %s", f.name))
		}
		placed = append(placed, final)
	}
	temps = nil
	if err := syncDir(dir); err != nil {
		return s.fail(err)
	}
	s.inst.ObserveUpload(core.DriverFilesystem, len(manifest)+len(sqlite))
	return nil
}

// UpdateCatalog rewrites the root catalog under the catalog lock, waiting for
// other writers until ctx is done.
func (s *Store) UpdateCatalog(ctx context.Context, fn func(model.Catalog) (model.Catalog, error)) error {
	lockPath := filepath.Join(s.root, catalogLockFile)
	var lock *fileLock
	for {
		l, err := s.tryLock(lockPath)
		if err == nil {
			lock = l
			break
		}
		if !core.IsCode(err, core.CodeConflict) {
			return s.fail(err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(catalogLockPoll):
		}
	}
	defer func() { _ = lock.Release() }()

	current, err := s.readCatalog()
	if err != nil {
		return s.fail(err)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if err := next.ValidateStrict(); err != nil {
		return s.fail(core.Wrap(core.CodeValidation, err, "catalog"))
	}
	b, err := jsonMarshal(next)
	if err != nil {
		return s.fail(core.Wrap(core.CodeInternal, err, "encode catalog"))
	}
	tmp, err := writeTemp(s.root, b)
	if err != nil {
		return s.fail(err)
	}
	if err := renameFile(tmp, filepath.Join(s.root, model.CatalogFile)); err != nil {
		_ = os.Remove(tmp)
		return s.fail(core.Wrap(core.CodeIO, err, "rename catalog"))
	}
	return s.fail(syncDir(s.root))
}

// WriteReleaseGeneIndex stores a derived index next to the dataset.
func (s *Store) WriteReleaseGeneIndex(ctx context.Context, id model.DatasetID, b []byte) error {
	if err := id.Validate(); err != nil {
		return s.fail(core.Wrap(core.CodeValidation, err, "dataset id"))
	}
	dir := s.derivedDir(id)
	tmp, err := writeTemp(dir, b)
	if err != nil {
		return s.fail(err)
	}
	if err := renameFile(tmp, filepath.Join(dir, model.ReleaseGeneIndexFile)); err != nil {
		_ = os.Remove(tmp)
		return s.fail(core.Wrap(core.CodeIO, err, "rename index"))
	}
	return s.fail(syncDir(dir))
}

func writeTemp(dir string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", core.Wrap(core.CodeIO, err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", core.Wrap(core.CodeIO, err, "create temp")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", core.Wrap(core.CodeIO, err, "write temp")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", core.Wrap(core.CodeIO, err, "sync temp")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", core.Wrap(core.CodeIO, err, "close temp")
	}
	return tmp.Name(), nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return core.Wrap(core.CodeIO, err, "open dir")
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return core.Wrap(core.CodeIO, err, "sync dir")
	}
	return nil
}
