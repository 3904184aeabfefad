package cache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"geneatlas/internal/model"
	"geneatlas/internal/store"
	"geneatlas/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedStore wraps a backend, counting calls and optionally failing or
// blocking catalog listings. It hides optional interfaces of the wrapped
// backend so indexes are always derived.
type scriptedStore struct {
	store.ArtifactStore
	listErr       atomic.Pointer[error]
	listBlock     chan struct{}
	lists         atomic.Int32
	sqliteFetches atomic.Int32
}

func (s *scriptedStore) failLists(err error) { s.listErr.Store(&err) }

func (s *scriptedStore) ListDatasets(ctx context.Context) ([]model.DatasetID, error) {
	s.lists.Add(1)
	if s.listBlock != nil {
		<-s.listBlock
	}
	if p := s.listErr.Load(); p != nil && *p != nil {
		return nil, *p
	}
	return s.ArtifactStore.ListDatasets(ctx)
}

func (s *scriptedStore) GetSQLiteBytesVerified(ctx context.Context, id model.DatasetID) ([]byte, error) {
	s.sqliteFetches.Add(1)
	return s.ArtifactStore.GetSQLiteBytesVerified(ctx, id)
}

func testOptions(t *testing.T, clock *fakeClock) Options {
	return Options{
		Root:             t.TempDir(),
		CatalogTTL:       30 * time.Second,
		RefreshInterval:  time.Hour,
		BreakerThreshold: 3,
		BreakerOpen:      time.Minute,
		BackoffBase:      time.Second,
		BackoffMax:       4 * time.Second,
		IndexEntries:     4,
		Now:              clock.Now,
	}
}

var fromGenes = []model.GeneRow{
	testutil.Gene("g1", "chr1", 100, 200),
	testutil.Gene("g2", "chr1", 300, 400),
}

func publishedBackend(t *testing.T) store.ArtifactStore {
	t.Helper()
	backend := store.NewMemoryForTests()
	testutil.NewBundle(t, testutil.Dataset("110"), fromGenes).MustPublishCataloged(t, backend)
	return backend
}

func TestCurrentCatalogIsEmptyBeforeFirstLoad(t *testing.T) {
	m, err := New(store.NewMemoryForTests(), testOptions(t, newFakeClock()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if m.CatalogLoaded() || len(m.CurrentCatalog().Datasets) != 0 {
		t.Fatalf("expected empty unloaded catalog")
	}
}

func TestRefreshHonoursTTL(t *testing.T) {
	clock := newFakeClock()
	backend := &scriptedStore{ArtifactStore: publishedBackend(t)}
	m, _ := New(backend, testOptions(t, clock))
	ctx := context.Background()

	if got := m.RefreshCatalog(ctx); got != RefreshLoaded {
		t.Fatalf("first refresh = %s", got)
	}
	if !m.CurrentCatalog().Contains(testutil.Dataset("110")) {
		t.Fatalf("catalog missing published dataset")
	}
	clock.Advance(10 * time.Second)
	if got := m.RefreshCatalog(ctx); got != RefreshFresh {
		t.Fatalf("refresh within ttl = %s", got)
	}
	if backend.lists.Load() != 1 {
		t.Fatalf("store listed %d times, want 1", backend.lists.Load())
	}
	m.InvalidateCatalog()
	if got := m.RefreshCatalog(ctx); got != RefreshLoaded {
		t.Fatalf("refresh after invalidation = %s", got)
	}
}

func TestFailedRefreshKeepsStaleCatalog(t *testing.T) {
	clock := newFakeClock()
	backend := &scriptedStore{ArtifactStore: publishedBackend(t)}
	m, _ := New(backend, testOptions(t, clock))
	ctx := context.Background()
	m.RefreshCatalog(ctx)
	before := m.CurrentCatalog()

	backend.failLists(errors.New("origin down"))
	clock.Advance(time.Minute)
	if got := m.RefreshCatalog(ctx); got != RefreshFailed {
		t.Fatalf("refresh = %s, want failed", got)
	}
	if diff := cmp.Diff(before, m.CurrentCatalog()); diff != "" {
		t.Fatalf("stale catalog replaced (-want +got):\n%s", diff)
	}
}

func TestRefreshBackoffAndBreaker(t *testing.T) {
	clock := newFakeClock()
	backend := &scriptedStore{ArtifactStore: store.NewMemoryForTests()}
	backend.failLists(errors.New("origin down"))
	m, _ := New(backend, testOptions(t, clock))
	ctx := context.Background()

	if got := m.RefreshCatalog(ctx); got != RefreshFailed {
		t.Fatalf("attempt 1 = %s", got)
	}
	if got := m.RefreshCatalog(ctx); got != RefreshBackoff {
		t.Fatalf("immediate retry = %s, want backoff", got)
	}
	clock.Advance(time.Second)
	if got := m.RefreshCatalog(ctx); got != RefreshFailed {
		t.Fatalf("attempt 2 = %s", got)
	}
	clock.Advance(time.Second)
	if got := m.RefreshCatalog(ctx); got != RefreshBackoff {
		t.Fatalf("second backoff should be 2s, got %s", got)
	}
	clock.Advance(time.Second)
	if got := m.RefreshCatalog(ctx); got != RefreshFailed {
		t.Fatalf("attempt 3 = %s", got)
	}
	st := m.Status()
	if !st.BreakerOpen || st.ConsecutiveFailures != 3 {
		t.Fatalf("expected open breaker after 3 failures, got %+v", st)
	}
	clock.Advance(30 * time.Second)
	if got := m.RefreshCatalog(ctx); got != RefreshBreakerOpen {
		t.Fatalf("refresh while open = %s", got)
	}
	if backend.lists.Load() != 3 {
		t.Fatalf("store listed %d times, want 3", backend.lists.Load())
	}

	backend.failLists(nil)
	clock.Advance(time.Minute)
	if got := m.RefreshCatalog(ctx); got != RefreshLoaded {
		t.Fatalf("refresh after breaker = %s", got)
	}
	if st := m.Status(); st.ConsecutiveFailures != 0 || st.BreakerOpen || !st.CatalogLoaded {
		t.Fatalf("state not reset after success: %+v", st)
	}
}

func TestConcurrentRefreshDoesNotWait(t *testing.T) {
	clock := newFakeClock()
	backend := &scriptedStore{ArtifactStore: publishedBackend(t), listBlock: make(chan struct{})}
	m, _ := New(backend, testOptions(t, clock))

	done := make(chan RefreshOutcome)
	go func() { done <- m.RefreshCatalog(context.Background()) }()
	for backend.lists.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if got := m.RefreshCatalog(context.Background()); got != RefreshInProgress {
		t.Fatalf("concurrent refresh = %s", got)
	}
	close(backend.listBlock)
	if got := <-done; got != RefreshLoaded {
		t.Fatalf("blocked refresh = %s", got)
	}
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, 4 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(time.Second, 4*time.Second, tc.failures); got != tc.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}

func TestReleaseGeneIndexDerivedFromSQLite(t *testing.T) {
	backend := &scriptedStore{ArtifactStore: publishedBackend(t)}
	m, _ := New(backend, testOptions(t, newFakeClock()))
	id := testutil.Dataset("110")

	idx, err := m.ReleaseGeneIndex(context.Background(), id)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	want := testutil.IndexEntries(t, id, fromGenes)
	if diff := cmp.Diff(want, idx.Entries); diff != "" {
		t.Fatalf("derived entries (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(m.indexPath(id)); err != nil {
		t.Fatalf("index not written to disk: %v", err)
	}
	if _, err := m.ReleaseGeneIndex(context.Background(), id); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if got := backend.sqliteFetches.Load(); got != 1 {
		t.Fatalf("sqlite fetched %d times, want 1", got)
	}
}

func TestReleaseGeneIndexPrefersStoreCopy(t *testing.T) {
	backend := publishedBackend(t)
	id := testutil.Dataset("110")
	only := []model.GeneRow{testutil.Gene("g9", "chr2", 1, 10)}
	idx, err := model.NewReleaseGeneIndex(id, testutil.IndexEntries(t, id, only))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	raw, err := json.Marshal(idx)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	setter := backend.(interface {
		SetReleaseGeneIndex(model.DatasetID, []byte) error
	})
	if err := setter.SetReleaseGeneIndex(id, raw); err != nil {
		t.Fatalf("set index: %v", err)
	}

	m, _ := New(backend, testOptions(t, newFakeClock()))
	got, err := m.ReleaseGeneIndex(context.Background(), id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Entries) != 1 || got.Entries[0].GeneID != "g9" {
		t.Fatalf("expected store-provided index, got %+v", got.Entries)
	}
}

func TestEnsureFailsAsNotReady(t *testing.T) {
	m, _ := New(store.NewMemoryForTests(), testOptions(t, newFakeClock()))
	_, err := m.EnsureReleaseGeneIndexCached(context.Background(), testutil.Dataset("999"))
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	if store.CodeOf(err) != store.CodeNotFound {
		t.Fatalf("underlying store code lost: %s", store.CodeOf(err))
	}
}

func TestCachedOnlyServesDiskAndNeverFetches(t *testing.T) {
	backend := &scriptedStore{ArtifactStore: publishedBackend(t)}
	opts := testOptions(t, newFakeClock())
	id := testutil.Dataset("110")

	opts.CachedOnly = true
	offline, _ := New(backend, opts)
	if _, err := offline.EnsureReleaseGeneIndexCached(context.Background(), id); !errors.Is(err, ErrCachedOnly) || !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected cached-only not ready, got %v", err)
	}
	if backend.sqliteFetches.Load() != 0 {
		t.Fatalf("cached-only manager fetched from store")
	}

	opts.CachedOnly = false
	online, _ := New(backend, opts)
	if _, err := online.EnsureReleaseGeneIndexCached(context.Background(), id); err != nil {
		t.Fatalf("online ensure: %v", err)
	}
	if _, err := offline.ReleaseGeneIndex(context.Background(), id); err != nil {
		t.Fatalf("cached-only read of warmed cache: %v", err)
	}
}

func TestConcurrentEnsureSharesOneFetch(t *testing.T) {
	backend := &scriptedStore{ArtifactStore: publishedBackend(t)}
	m, _ := New(backend, testOptions(t, newFakeClock()))
	id := testutil.Dataset("110")

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.EnsureReleaseGeneIndexCached(context.Background(), id); err != nil {
				t.Errorf("ensure: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := backend.sqliteFetches.Load(); got != 1 {
		t.Fatalf("sqlite fetched %d times, want 1", got)
	}
}

func TestCorruptDiskCacheIsDropped(t *testing.T) {
	backend := publishedBackend(t)
	m, _ := New(backend, testOptions(t, newFakeClock()))
	id := testutil.Dataset("110")
	path, err := m.EnsureReleaseGeneIndexCached(context.Background(), id)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, err := m.ReleaseGeneIndex(context.Background(), id); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected not ready for corrupt file, got %v", err)
	}
	if _, err := m.ReleaseGeneIndex(context.Background(), id); err != nil {
		t.Fatalf("refetch after corrupt file: %v", err)
	}
}

func TestManifestIsCached(t *testing.T) {
	backend := publishedBackend(t)
	m, _ := New(backend, testOptions(t, newFakeClock()))
	id := testutil.Dataset("110")
	got, err := m.Manifest(context.Background(), id)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if got.Dataset != id {
		t.Fatalf("manifest for %s", got.Dataset)
	}
	if _, ok := m.manifests.Load(id); !ok {
		t.Fatalf("manifest not retained")
	}
}
