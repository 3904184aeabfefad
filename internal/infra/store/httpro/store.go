// Package httpro implements a read-only artifact store that mirrors a
// published store over HTTP with conditional-GET caching.
package httpro

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"geneatlas/internal/model"
	"geneatlas/internal/store/core"
)

const (
	defaultCatalogMinInterval = 250 * time.Millisecond
	defaultCatalogBackoffBase = 250 * time.Millisecond
	defaultCatalogBackoffMax  = 5 * time.Second
)

// Options configures the HTTP store.
type Options struct {
	BaseURL            string
	CacheRoot          string
	CachedOnly         bool
	CatalogMinInterval time.Duration
	CatalogBackoffBase time.Duration
	CatalogBackoffMax  time.Duration
	// HTTPClient overrides the guarded default client. Redirects are never
	// followed regardless of the client's own policy.
	HTTPClient      *http.Client
	Instrumentation core.Instrumentation
	Now             func() time.Time
}

// Store implements core.ArtifactStore over HTTP. Writes are unsupported.
type Store struct {
	base       *url.URL
	client     *http.Client
	cacheRoot  string
	cachedOnly bool
	inst       core.Instrumentation
	now        func() time.Time

	backoffBase time.Duration
	backoffMax  time.Duration

	mu                sync.Mutex
	etags             map[string]string
	catalogLimiter    *rate.Limiter
	consecutiveErrors int
	backoffUntil      time.Time
}

// New validates the base URL and returns a store.
func New(opts Options) (*Store, error) {
	if err := ValidateURL(opts.BaseURL); err != nil {
		return nil, err
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, core.Wrap(core.CodeValidation, err, "parse base url")
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if opts.CatalogMinInterval <= 0 {
		opts.CatalogMinInterval = defaultCatalogMinInterval
	}
	if opts.CatalogBackoffBase <= 0 {
		opts.CatalogBackoffBase = defaultCatalogBackoffBase
	}
	if opts.CatalogBackoffMax <= 0 {
		opts.CatalogBackoffMax = defaultCatalogBackoffMax
	}
	if opts.Instrumentation == nil {
		opts.Instrumentation = core.NopInstrumentation{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CacheRoot != "" {
		if err := os.MkdirAll(opts.CacheRoot, 0o755); err != nil {
			return nil, core.Wrap(core.CodeIO, err, "create cache root")
		}
	}
	return &Store{
		base:           base,
		client:         noRedirectClient(opts.HTTPClient),
		cacheRoot:      opts.CacheRoot,
		cachedOnly:     opts.CachedOnly,
		inst:           opts.Instrumentation,
		now:            opts.Now,
		backoffBase:    opts.CatalogBackoffBase,
		backoffMax:     opts.CatalogBackoffMax,
		etags:          make(map[string]string),
		catalogLimiter: rate.NewLimiter(rate.Every(opts.CatalogMinInterval), 1),
	}, nil
}

func noRedirectClient(c *http.Client) *http.Client {
	var out http.Client
	if c != nil {
		out = *c
	} else {
		dialer := &net.Dialer{Timeout: 10 * time.Second, Control: dialControl}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = nil
		transport.DialContext = dialer.DialContext
		out = http.Client{Transport: transport, Timeout: 60 * time.Second}
	}
	out.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &out
}

func (s *Store) Driver() core.Driver { return core.DriverHTTP }

func (s *Store) fail(err error) error {
	if err != nil {
		s.inst.ObserveError(core.DriverHTTP, core.CodeOf(err))
	}
	return err
}

func (s *Store) cachePath(key string) string {
	if s.cacheRoot == "" {
		return ""
	}
	return filepath.Join(s.cacheRoot, strings.ReplaceAll(key, "/", "__"))
}

// fetch returns the bytes for key. Immutable keys are served from the disk
// cache without a request once cached.
func (s *Store) fetch(ctx context.Context, key string, immutable bool) ([]byte, error) {
	cachePath := s.cachePath(key)
	if cachePath != "" && (immutable || s.cachedOnly) {
		if b, err := os.ReadFile(cachePath); err == nil {
			return b, nil
		}
	}
	if s.cachedOnly {
		return nil, core.Errorf(core.CodeCachedOnly, "%s is not cached", key)
	}
	target := s.base.ResolveReference(&url.URL{Path: key}).String()
	if err := ValidateURL(target); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, core.Wrap(core.CodeInternal, err, "build request")
	}
	if etag := s.etag(key); etag != "" && cachePath != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, core.Wrap(core.CodeNetwork, err, "GET %s", key)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified && cachePath != "":
		b, err := os.ReadFile(cachePath)
		if err != nil {
			s.setETag(key, "")
			return nil, core.Wrap(core.CodeNetwork, err, "304 for %s without cached copy", key)
		}
		return b, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, core.Errorf(core.CodeNotFound, "%s", key)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, core.Errorf(core.CodeNetwork, "GET %s: unexpected status %d", key, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Wrap(core.CodeNetwork, err, "read %s", key)
	}
	s.inst.ObserveDownload(core.DriverHTTP, len(b))
	if cachePath != "" {
		if err := writeAtomic(cachePath, b); err != nil {
			return nil, err
		}
		s.setETag(key, resp.Header.Get("ETag"))
	}
	return b, nil
}

func (s *Store) etag(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.etags[key]
}

func (s *Store) setETag(key, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if etag == "" {
		delete(s.etags, key)
		return
	}
	s.etags[key] = etag
}

// ListDatasets fetches the remote catalog, throttled to one attempt per
// minimum interval and backing off exponentially after failures.
func (s *Store) ListDatasets(ctx context.Context) ([]model.DatasetID, error) {
	if !s.cachedOnly {
		if err := s.admitCatalogFetch(); err != nil {
			return nil, s.fail(err)
		}
	}
	b, err := s.fetch(ctx, model.CatalogFile, false)
	if core.IsCode(err, core.CodeNotFound) {
		s.recordCatalogResult(nil)
		return nil, nil
	}
	var cat model.Catalog
	if err == nil {
		if jerr := json.Unmarshal(b, &cat); jerr != nil {
			err = core.Wrap(core.CodeValidation, jerr, "parse catalog")
		} else if verr := cat.ValidateStrict(); verr != nil {
			err = core.Wrap(core.CodeValidation, verr, "catalog")
		}
	}
	if !s.cachedOnly {
		s.recordCatalogResult(err)
	}
	if err != nil {
		return nil, s.fail(err)
	}
	return cat.IDs(), nil
}

func (s *Store) admitCatalogFetch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Before(s.backoffUntil) {
		return core.Errorf(core.CodeNetwork, "catalog backoff active for %s", s.backoffUntil.Sub(now))
	}
	if !s.catalogLimiter.AllowN(now, 1) {
		return core.Errorf(core.CodeNetwork, "catalog fetch throttled")
	}
	return nil
}

func (s *Store) recordCatalogResult(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.consecutiveErrors = 0
		s.backoffUntil = time.Time{}
		return
	}
	s.consecutiveErrors++
	s.backoffUntil = s.now().Add(backoffDelay(s.backoffBase, s.backoffMax, s.consecutiveErrors))
}

func backoffDelay(base, ceiling time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

func derivedKey(id model.DatasetID, name string) string {
	return id.KeyPrefix() + "/" + model.DerivedDir + "/" + name
}

func (s *Store) GetManifest(ctx context.Context, id model.DatasetID) (model.ArtifactManifest, error) {
	if err := id.Validate(); err != nil {
		return model.ArtifactManifest{}, s.fail(core.Wrap(core.CodeValidation, err, "dataset id"))
	}
	manifest, err := s.fetch(ctx, derivedKey(id, model.ManifestFile), true)
	if err != nil {
		return model.ArtifactManifest{}, s.fail(err)
	}
	lock, err := s.fetch(ctx, derivedKey(id, model.ManifestLockFile), true)
	if core.IsCode(err, core.CodeNotFound) {
		return model.ArtifactManifest{}, s.fail(core.Wrap(core.CodeValidation, err, "manifest.lock missing for %s", id))
	}
	if err != nil {
		return model.ArtifactManifest{}, s.fail(err)
	}
	m, err := core.ValidateStoredManifest(manifest, nil, lock)
	return m, s.fail(err)
}

func (s *Store) GetSQLiteBytes(ctx context.Context, id model.DatasetID) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, s.fail(core.Wrap(core.CodeValidation, err, "dataset id"))
	}
	b, err := s.fetch(ctx, derivedKey(id, model.SQLiteFile), true)
	return b, s.fail(err)
}

func (s *Store) GetSQLiteBytesVerified(ctx context.Context, id model.DatasetID) ([]byte, error) {
	b, err := core.FetchVerified(ctx, s, id)
	return b, s.fail(err)
}

func (s *Store) GetReleaseGeneIndexBytes(ctx context.Context, id model.DatasetID) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, s.fail(core.Wrap(core.CodeValidation, err, "dataset id"))
	}
	b, err := s.fetch(ctx, derivedKey(id, model.ReleaseGeneIndexFile), true)
	return b, s.fail(err)
}

func (s *Store) Exists(ctx context.Context, id model.DatasetID) (bool, error) {
	_, err := s.GetManifest(ctx, id)
	if core.IsCode(err, core.CodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) PutDataset(context.Context, model.DatasetID, []byte, []byte, string, string) error {
	return s.fail(core.Errorf(core.CodeUnsupported, "http store is read-only"))
}

func (s *Store) PublishAtomic(ctx context.Context, id model.DatasetID, manifest, sqlite []byte, expectedManifestSHA256, expectedSQLiteSHA256 string) error {
	return s.PutDataset(ctx, id, manifest, sqlite, expectedManifestSHA256, expectedSQLiteSHA256)
}

func (s *Store) AcquirePublishLock(context.Context, model.DatasetID) (core.PublishLock, error) {
	return nil, s.fail(core.Errorf(core.CodeUnsupported, "http store is read-only"))
}

func writeAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return core.Wrap(core.CodeIO, err, "create cache temp")
	}
	_, werr := tmp.Write(b)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmp.Name())
		return core.Wrap(core.CodeIO, errors.Join(werr, cerr), "write cache")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return core.Wrap(core.CodeIO, err, "rename cache")
	}
	return nil
}
