// Package api serves the versioned HTTP query surface: diff routes, the
// dataset listing and health endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"geneatlas/internal/admission"
	"geneatlas/internal/cache"
	"geneatlas/internal/coalesce"
	"geneatlas/internal/cursor"
	"geneatlas/internal/diff"
	"geneatlas/internal/model"
	"geneatlas/internal/observability"
)

// Route paths.
const (
	RouteDiffGenes  = "/v1/diff/genes"
	RouteDiffRegion = "/v1/diff/region"
	RouteDatasets   = "/v1/datasets"
	RouteHealthz    = "/healthz"
	RouteReadyz     = "/readyz"
	RouteMetrics    = "/metrics"
)

// unmatchedRoute labels metrics and spans for paths that match no route.
const unmatchedRoute = "unmatched"

// routeLabel bounds metric and span label cardinality to the route table.
func routeLabel(route string) string {
	switch route {
	case RouteDiffGenes, RouteDiffRegion, RouteDatasets, RouteHealthz, RouteReadyz, RouteMetrics:
		return route
	}
	return unmatchedRoute
}

// StressHeader is set on responses produced while the service is overloaded.
const StressHeader = "X-Atlas-System-Stress"

// DatasetCache is the cache surface the handler reads.
type DatasetCache interface {
	CurrentCatalog() model.Catalog
	CatalogLoaded() bool
	RefreshCatalog(ctx context.Context) cache.RefreshOutcome
	Manifest(ctx context.Context, id model.DatasetID) (model.ArtifactManifest, error)
	ReleaseGeneIndex(ctx context.Context, id model.DatasetID) (*model.ReleaseGeneIndex, error)
	Status() cache.Status
}

// Recorder receives per-request observations.
type Recorder interface {
	ObserveRequest(route string, status int, d time.Duration, bytes int)
	ObserveCoalesced()
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(string, int, time.Duration, int) {}
func (nopRecorder) ObserveCoalesced()                              {}

// Options holds response shaping limits.
type Options struct {
	DefaultLimit        int
	MaxLimit            int
	ResponseMaxBytes    int
	ImmutableTTL        time.Duration
	EnableCompression   bool
	CompressionMinBytes int
	RequestTimeout      time.Duration
}

// Handler is the service's http.Handler.
type Handler struct {
	cache      DatasetCache
	engine     *diff.Engine
	admission  *admission.Controller
	coalescer  *coalesce.Group
	compressor *compressor
	recorder   Recorder
	metrics    http.Handler
	logger     *slog.Logger
	opts       Options
}

// Deps are the collaborators a Handler needs. Recorder, Metrics and Logger
// are optional.
type Deps struct {
	Cache     DatasetCache
	Codec     *cursor.Codec
	Admission *admission.Controller
	Coalescer *coalesce.Group
	Recorder  Recorder
	Metrics   http.Handler
	Logger    *slog.Logger
}

// NewHandler wires a Handler.
func NewHandler(deps Deps, opts Options) (*Handler, error) {
	if deps.Cache == nil || deps.Codec == nil || deps.Admission == nil {
		return nil, errors.New("api: cache, cursor codec and admission controller are required")
	}
	if opts.DefaultLimit < 1 || opts.MaxLimit < opts.DefaultLimit {
		return nil, fmt.Errorf("api: invalid limits default=%d max=%d", opts.DefaultLimit, opts.MaxLimit)
	}
	comp, err := newCompressor(opts.EnableCompression, opts.CompressionMinBytes)
	if err != nil {
		return nil, fmt.Errorf("api: compressor: %w", err)
	}
	h := &Handler{
		cache:      deps.Cache,
		engine:     diff.NewEngine(deps.Cache, deps.Codec),
		admission:  deps.Admission,
		coalescer:  deps.Coalescer,
		compressor: comp,
		recorder:   deps.Recorder,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		opts:       opts,
	}
	if h.coalescer == nil {
		h.coalescer = &coalesce.Group{}
	}
	if h.recorder == nil {
		h.recorder = nopRecorder{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h, nil
}

// statusWriter remembers the status and body size for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func requestIDFrom(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" && len(id) <= 128 && !strings.ContainsAny(id, "\r\n") {
		return id
	}
	return uuid.NewString()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	requestID := requestIDFrom(r)
	route := strings.TrimSuffix(r.URL.Path, "/")
	if route == "" {
		route = "/"
	}
	label := routeLabel(route)
	sw := &statusWriter{ResponseWriter: w}
	sw.Header().Set("X-Request-Id", requestID)

	ctx, span := observability.StartSpan(r.Context(), "http "+label,
		attribute.String("http.method", r.Method),
		attribute.String("http.route", label),
		attribute.String("request.id", requestID))
	defer func() {
		var spanErr error
		if rec := recover(); rec != nil {
			spanErr = fmt.Errorf("panic: %v", rec)
			h.logger.ErrorContext(ctx, "panic while handling request",
				slog.String("request_id", requestID),
				slog.String("route", route),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			if sw.status == 0 {
				writeError(sw, requestID, newError(http.StatusInternalServerError, CodeInternal, "internal error", nil))
			}
		}
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		observability.EndSpan(span, spanErr)
		elapsed := time.Since(started)
		h.recorder.ObserveRequest(label, sw.status, elapsed, sw.bytes)
		h.logger.InfoContext(ctx, "request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", sw.status),
			slog.Int64("latency_ms", elapsed.Milliseconds()),
			slog.Int("bytes", sw.bytes))
	}()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		sw.Header().Set("Allow", "GET, HEAD")
		writeError(sw, requestID, newError(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", nil))
		return
	}
	r = r.WithContext(ctx)
	switch route {
	case RouteDiffGenes:
		h.handleDiff(sw, r, requestID, model.ScopeGenes)
	case RouteDiffRegion:
		h.handleDiff(sw, r, requestID, model.ScopeRegion)
	case RouteDatasets:
		h.handleDatasets(sw, r, requestID)
	case RouteHealthz:
		writeJSON(sw, http.StatusOK, map[string]any{"status": "ok"})
	case RouteReadyz:
		h.handleReadyz(sw, r)
	case RouteMetrics:
		if h.metrics == nil {
			writeError(sw, requestID, newError(http.StatusNotFound, CodeNotFound, "metrics not enabled", nil))
			return
		}
		h.metrics.ServeHTTP(sw, r)
	default:
		writeError(sw, requestID, newError(http.StatusNotFound, CodeNotFound, "route not found",
			map[string]any{"path": r.URL.Path}))
	}
}

func (h *Handler) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	status := h.cache.Status()
	code := http.StatusOK
	state := "ready"
	if !status.CatalogLoaded {
		code = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, code, map[string]any{"status": state, "cache": status})
}

// admit runs admission for class and writes the rejection, if any.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, requestID string, class admission.Class, limit int) (*admission.Ticket, bool) {
	ticket, err := h.admission.Admit(r.Context(), class, limit, h.opts.MaxLimit)
	if err != nil {
		if rej, ok := admission.AsRejection(err); ok && rej.Overloaded {
			w.Header().Set(StressHeader, "1")
		}
		writeError(w, requestID, fromError(err))
		return nil, false
	}
	if ticket.Overloaded {
		w.Header().Set(StressHeader, "1")
	}
	return ticket, true
}

func (h *Handler) handleDatasets(w http.ResponseWriter, r *http.Request, requestID string) {
	ticket, ok := h.admit(w, r, requestID, admission.Cheap, 1)
	if !ok {
		return
	}
	defer ticket.Release()

	h.cache.RefreshCatalog(r.Context())
	species := r.URL.Query().Get("species")
	assembly := r.URL.Query().Get("assembly")
	entries := []model.CatalogEntry{}
	for _, e := range h.cache.CurrentCatalog().Datasets {
		if (species == "" || e.Dataset.Species == species) && (assembly == "" || e.Dataset.Assembly == assembly) {
			entries = append(entries, e)
		}
	}
	enc, err := encodeBody(envelope{APIVersion: APIVersion, Data: map[string]any{"datasets": entries}})
	if err != nil {
		writeError(w, requestID, fromError(err))
		return
	}
	h.writeBody(w, r, requestID, enc, 0)
}

func (h *Handler) handleDiff(w http.ResponseWriter, r *http.Request, requestID string, scope model.DiffScope) {
	params, perr := parseDiffParams(r.URL.Query(), scope, h.opts.DefaultLimit, h.opts.MaxLimit)
	if perr != nil {
		writeError(w, requestID, perr)
		return
	}

	ticket, ok := h.admit(w, r, requestID, admission.Heavy, params.Limit)
	if !ok {
		return
	}
	defer ticket.Release()

	ctx := r.Context()
	if h.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.RequestTimeout)
		defer cancel()
	}

	h.cache.RefreshCatalog(ctx)
	catalog := h.cache.CurrentCatalog()
	from, ok := catalog.ResolveRelease(params.FromRelease, params.Species, params.Assembly)
	if !ok {
		writeError(w, requestID, datasetNotFound(params.FromRelease, params))
		return
	}
	to, ok := catalog.ResolveRelease(params.ToRelease, params.Species, params.Assembly)
	if !ok {
		writeError(w, requestID, datasetNotFound(params.ToRelease, params))
		return
	}

	hash := queryHash(params.Normalized)
	keyParams := make(map[string]string, len(params.Normalized)+3)
	for k, v := range params.Normalized {
		keyParams[k] = v
	}
	keyParams["cursor"] = params.Cursor
	keyParams["from_dataset"] = from.Canonical()
	keyParams["to_dataset"] = to.Canonical()
	key := coalesce.Key(r.URL.Path, string(scope), keyParams, ticket.Limit)

	v, shared, err := h.coalescer.Do(ctx, key, func() (any, error) {
		// Shared work outlives any single waiter.
		work := context.WithoutCancel(ctx)
		if h.opts.RequestTimeout > 0 {
			var cancel context.CancelFunc
			work, cancel = context.WithTimeout(work, h.opts.RequestTimeout)
			defer cancel()
		}
		return h.computeDiff(work, diff.Query{
			From:      from,
			To:        to,
			Scope:     scope,
			Region:    params.Region,
			Limit:     ticket.Limit,
			Cursor:    params.Cursor,
			QueryHash: hash,
		})
	})
	if shared {
		h.recorder.ObserveCoalesced()
	}
	if err != nil {
		apiErr := fromError(err)
		var pe *coalesce.PanicError
		if errors.As(err, &pe) {
			h.logger.ErrorContext(ctx, "panic while computing diff",
				slog.String("request_id", requestID),
				slog.Any("panic", pe.Value),
				slog.String("stack", string(pe.Stack)))
		} else if apiErr.Status >= http.StatusInternalServerError {
			h.logger.WarnContext(ctx, "diff failed",
				slog.String("request_id", requestID),
				slog.String("from", from.Canonical()),
				slog.String("to", to.Canonical()),
				slog.Any("error", err))
		}
		writeError(w, requestID, apiErr)
		return
	}
	h.writeBody(w, r, requestID, v.(encodedBody), h.opts.ImmutableTTL)
}

func datasetNotFound(release string, p *diffParams) *Error {
	return newError(http.StatusNotFound, CodeDatasetNotFound, "dataset not found", map[string]any{
		"release":  release,
		"species":  p.Species,
		"assembly": p.Assembly,
	})
}

func (h *Handler) computeDiff(ctx context.Context, q diff.Query) (encodedBody, error) {
	ctx, span := observability.StartSpan(ctx, "diff.page",
		attribute.String("diff.from", q.From.Canonical()),
		attribute.String("diff.to", q.To.Canonical()),
		attribute.Int("diff.limit", q.Limit))
	enc, err := h.buildDiffEnvelope(ctx, q)
	observability.EndSpan(span, err)
	return enc, err
}

func (h *Handler) buildDiffEnvelope(ctx context.Context, q diff.Query) (encodedBody, error) {
	page, err := h.engine.Page(ctx, q)
	if err != nil {
		return encodedBody{}, err
	}
	toManifest, err := h.cache.Manifest(ctx, q.To)
	if err != nil {
		return encodedBody{}, err
	}
	fromManifest, err := h.cache.Manifest(ctx, q.From)
	if err != nil {
		return encodedBody{}, err
	}
	var next *string
	if page.Diff.NextCursor != "" {
		c := page.Diff.NextCursor
		next = &c
	}
	to := q.To
	return encodeBody(envelope{
		APIVersion: APIVersion,
		Dataset:    &to,
		Data:       diffData{Diff: page.Diff, QC: page.QC},
		Meta:       &meta{NextCursor: next},
		Provenance: provenanceOf(toManifest, &fromManifest),
	})
}
