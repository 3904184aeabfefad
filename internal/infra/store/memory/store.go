// Package memory provides an in-memory artifact store used in tests and dev.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"geneatlas/internal/model"
	"geneatlas/internal/store/core"
)

type dataset struct {
	manifest []byte
	sqlite   []byte
	lock     []byte
	index    []byte
}

// Options configures a memory store.
type Options struct {
	Instrumentation core.Instrumentation
}

// Store is a concurrency-safe in-memory core.ArtifactStore.
type Store struct {
	mu       sync.RWMutex
	datasets map[model.DatasetID]*dataset
	locks    map[model.DatasetID]struct{}
	catalog  model.Catalog
	inst     core.Instrumentation
}

// New returns an empty in-memory store.
func New(opts Options) *Store {
	inst := opts.Instrumentation
	if inst == nil {
		inst = core.NopInstrumentation{}
	}
	return &Store{datasets: make(map[model.DatasetID]*dataset), locks: make(map[model.DatasetID]struct{}), inst: inst}
}

func (s *Store) fail(err error) error {
	if err != nil {
		s.inst.ObserveError(core.DriverMemory, core.CodeOf(err))
	}
	return err
}

func (s *Store) Driver() core.Driver { return core.DriverMemory }

func (s *Store) ListDatasets(ctx context.Context) ([]model.DatasetID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog.IDs(), nil
}

func (s *Store) get(id model.DatasetID) (*dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.datasets[id]
	if !ok {
		return nil, core.Errorf(core.CodeNotFound, "dataset %s", id)
	}
	return ds, nil
}

func (s *Store) GetManifest(ctx context.Context, id model.DatasetID) (model.ArtifactManifest, error) {
	ds, err := s.get(id)
	if err != nil {
		return model.ArtifactManifest{}, s.fail(err)
	}
	m, err := core.ValidateStoredManifest(ds.manifest, ds.sqlite, ds.lock)
	if err != nil {
		return model.ArtifactManifest{}, s.fail(err)
	}
	s.inst.ObserveDownload(core.DriverMemory, len(ds.manifest))
	return m, nil
}

func (s *Store) GetSQLiteBytes(ctx context.Context, id model.DatasetID) ([]byte, error) {
	ds, err := s.get(id)
	if err != nil {
		return nil, s.fail(err)
	}
	s.inst.ObserveDownload(core.DriverMemory, len(ds.sqlite))
	return bytes.Clone(ds.sqlite), nil
}

func (s *Store) GetSQLiteBytesVerified(ctx context.Context, id model.DatasetID) ([]byte, error) {
	b, err := core.FetchVerified(ctx, s, id)
	return b, s.fail(err)
}

func (s *Store) GetReleaseGeneIndexBytes(ctx context.Context, id model.DatasetID) ([]byte, error) {
	ds, err := s.get(id)
	if err != nil {
		return nil, s.fail(err)
	}
	if ds.index == nil {
		return nil, s.fail(core.Errorf(core.CodeNotFound, "release gene index for %s", id))
	}
	s.inst.ObserveDownload(core.DriverMemory, len(ds.index))
	return bytes.Clone(ds.index), nil
}

// SetReleaseGeneIndex attaches a derived index to a published dataset.
func (s *Store) SetReleaseGeneIndex(id model.DatasetID, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[id]
	if !ok {
		return core.Errorf(core.CodeNotFound, "dataset %s", id)
	}
	ds.index = bytes.Clone(b)
	return nil
}

func (s *Store) Exists(ctx context.Context, id model.DatasetID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.datasets[id]
	return ok, nil
}

type memLock struct {
	s    *Store
	id   model.DatasetID
	once sync.Once
}

func (l *memLock) Release() error {
	l.once.Do(func() {
		l.s.mu.Lock()
		delete(l.s.locks, l.id)
		l.s.mu.Unlock()
	})
	return nil
}

func (s *Store) AcquirePublishLock(ctx context.Context, id model.DatasetID) (core.PublishLock, error) {
	if err := id.Validate(); err != nil {
		return nil, core.Wrap(core.CodeValidation, err, "dataset id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[id]; held {
		return nil, core.Errorf(core.CodeConflict, "publish lock for %s is held", id)
	}
	s.locks[id] = struct{}{}
	return &memLock{s: s, id: id}, nil
}

func (s *Store) PutDataset(ctx context.Context, id model.DatasetID, manifest, sqlite []byte, expectedManifestSHA256, expectedSQLiteSHA256 string) error {
	return s.fail(s.putDataset(ctx, id, manifest, sqlite, expectedManifestSHA256, expectedSQLiteSHA256))
}

func (s *Store) putDataset(ctx context.Context, id model.DatasetID, manifest, sqlite []byte, expectedManifestSHA256, expectedSQLiteSHA256 string) error {
	if _, err := core.CheckPublication(id, manifest, sqlite, expectedManifestSHA256, expectedSQLiteSHA256); err != nil {
		return err
	}
	lock, err := s.AcquirePublishLock(ctx, id)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()
	lockBytes, err := json.Marshal(model.NewManifestLock(manifest, sqlite))
	if err != nil {
		return core.Wrap(core.CodeInternal, err, "encode manifest lock")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.datasets[id]; exists {
		return core.Errorf(core.CodeConflict, "dataset %s is already published", id)
	}
	s.datasets[id] = &dataset{manifest: bytes.Clone(manifest), sqlite: bytes.Clone(sqlite), lock: lockBytes}
	s.inst.ObserveUpload(core.DriverMemory, len(manifest)+len(sqlite)+len(lockBytes))
	return nil
}

func (s *Store) PublishAtomic(ctx context.Context, id model.DatasetID, manifest, sqlite []byte, expectedManifestSHA256, expectedSQLiteSHA256 string) error {
	return s.PutDataset(ctx, id, manifest, sqlite, expectedManifestSHA256, expectedSQLiteSHA256)
}

// UpdateCatalog applies fn to the catalog atomically.
func (s *Store) UpdateCatalog(ctx context.Context, fn func(model.Catalog) (model.Catalog, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(s.catalog)
	if err != nil {
		return err
	}
	if err := next.ValidateStrict(); err != nil {
		return s.fail(core.Wrap(core.CodeValidation, err, "catalog"))
	}
	s.catalog = next
	return nil
}
