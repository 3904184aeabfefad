// Package cache keeps a local, periodically refreshed view of the dataset
// catalog and the per-release gene indexes the diff engine reads.
package cache

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"geneatlas/internal/model"
	"geneatlas/internal/store"
)

// Recorder receives cache observations.
type Recorder interface {
	ObserveCatalogRefresh(outcome string)
	ObserveIndexLoad(source string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCatalogRefresh(string) {}
func (nopRecorder) ObserveIndexLoad(string)      {}

// Index load sources reported to Recorder.ObserveIndexLoad.
const (
	SourceMemory  = "memory"
	SourceDisk    = "disk"
	SourceStore   = "store"
	SourceDerived = "derived"
)

// Options configures a Manager.
type Options struct {
	Root             string
	CatalogTTL       time.Duration
	RefreshInterval  time.Duration
	BreakerThreshold int
	BreakerOpen      time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	IndexEntries     int
	// CachedOnly serves indexes from disk and never fetches.
	CachedOnly bool

	Logger   *slog.Logger
	Recorder Recorder
	Now      func() time.Time
}

// Manager owns the catalog snapshot and the release gene index cache.
type Manager struct {
	store  store.ArtifactStore
	opts   Options
	logger *slog.Logger
	rec    Recorder
	now    func() time.Time

	catalog   atomic.Pointer[catalogSnapshot]
	refreshMu sync.Mutex
	stateMu   sync.Mutex
	state     refreshState

	indexes   *lru.Cache[model.DatasetID, *model.ReleaseGeneIndex]
	fetches   singleflight.Group
	manifests sync.Map
}

// New returns a Manager reading from s.
func New(s store.ArtifactStore, opts Options) (*Manager, error) {
	if s == nil {
		return nil, errors.New("cache: store is required")
	}
	if opts.Root == "" {
		return nil, errors.New("cache: root is required")
	}
	if opts.IndexEntries <= 0 {
		opts.IndexEntries = 64
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	indexes, err := lru.New[model.DatasetID, *model.ReleaseGeneIndex](opts.IndexEntries)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		store:   s,
		opts:    opts,
		logger:  opts.Logger,
		rec:     opts.Recorder,
		now:     opts.Now,
		indexes: indexes,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.rec == nil {
		m.rec = nopRecorder{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Store returns the backing artifact store.
func (m *Manager) Store() store.ArtifactStore { return m.store }
