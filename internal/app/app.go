// Package app is the composition root: it turns a Config into a running
// service by wiring the artifact store, cache, admission control, cursor
// codec and HTTP handler together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"geneatlas/internal/adapters/api"
	"geneatlas/internal/admission"
	"geneatlas/internal/cache"
	"geneatlas/internal/coalesce"
	"geneatlas/internal/config"
	"geneatlas/internal/cursor"
	ledgerpg "geneatlas/internal/infra/ledger/postgres"
	"geneatlas/internal/model"
	"geneatlas/internal/observability"
	"geneatlas/internal/publish"
	"geneatlas/internal/store"
)

// App holds the wired service components.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Store     store.ArtifactStore
	Cache     *cache.Manager
	Admission *admission.Controller
	Handler   *api.Handler
	Publisher *publish.Publisher

	ledger *ledgerpg.Ledger
}

// New wires every component described by cfg.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics()

	s, err := store.Open(ctx, cfg.Store, metrics)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	mgr, err := cache.New(s, cache.Options{
		Root:             cfg.Cache.Root,
		CatalogTTL:       cfg.Cache.CatalogTTL,
		RefreshInterval:  cfg.Cache.RefreshInterval,
		BreakerThreshold: cfg.Cache.BreakerThreshold,
		BreakerOpen:      cfg.Cache.BreakerOpen,
		BackoffBase:      cfg.Cache.BackoffBase,
		BackoffMax:       cfg.Cache.BackoffMax,
		IndexEntries:     cfg.Cache.IndexEntries,
		CachedOnly:       cfg.Cache.CachedOnly,
		Logger:           logger.With(slog.String("component", "cache")),
		Recorder:         metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	codec, err := NewCodec(cfg.API.CursorSecret, logger)
	if err != nil {
		return nil, err
	}
	ctrl := admission.New(AdmissionConfig(cfg.API), metrics)

	handler, err := api.NewHandler(api.Deps{
		Cache:     mgr,
		Codec:     codec,
		Admission: ctrl,
		Coalescer: &coalesce.Group{},
		Recorder:  metrics,
		Metrics:   metrics.Handler(),
		Logger:    logger.With(slog.String("component", "api")),
	}, api.Options{
		DefaultLimit:        cfg.API.DefaultLimit,
		MaxLimit:            cfg.API.MaxLimit,
		ResponseMaxBytes:    cfg.API.ResponseMaxBytes,
		ImmutableTTL:        cfg.API.ImmutableTTL,
		EnableCompression:   cfg.API.EnableResponseCompression,
		CompressionMinBytes: cfg.API.CompressionMinBytes,
		RequestTimeout:      cfg.API.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Store:     s,
		Cache:     mgr,
		Admission: ctrl,
		Handler:   handler,
	}
	pubOpts := publish.Options{Logger: logger.With(slog.String("component", "publish"))}
	if cfg.Ledger.PostgresDSN != "" {
		l, err := ledgerpg.Open(ctx, cfg.Ledger.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("publication ledger: %w", err)
		}
		a.ledger = l
		pubOpts.Ledger = l
	}
	a.Publisher = publish.New(s, pubOpts)
	return a, nil
}

// AdmissionConfig maps the API section of the configuration onto the
// admission controller.
func AdmissionConfig(c config.APIConfig) admission.Config {
	return admission.Config{
		MaxQueueDepth: c.MaxRequestQueueDepth,
		Concurrency: map[admission.Class]int{
			admission.Cheap:  c.ConcurrencyCheap,
			admission.Medium: c.ConcurrencyMedium,
			admission.Heavy:  c.ConcurrencyHeavy,
		},
		ShedLoadEnabled:     c.ShedLoadEnabled,
		CheapOnlySurvival:   c.EnableCheapOnlySurvival,
		LatencyP95Threshold: c.ShedLatencyP95Threshold,
		LatencyMinSamples:   c.ShedLatencyMinSamples,
		QueueOccupancyRatio: c.ShedQueueOccupancyRatio,
		AdaptiveLimitFactor: c.AdaptiveHeavyLimitFactor,
		BackoffBase:         c.ShedBackoffBase,
		BackoffMax:          c.ShedBackoffMax,
	}
}

// NewCodec returns a cursor codec keyed by secret, or by a random
// per-process secret when none is configured. Cursors issued under a random
// secret do not survive a restart.
func NewCodec(secret string, logger *slog.Logger) (*cursor.Codec, error) {
	if secret != "" {
		c, err := cursor.NewCodec([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("cursor codec: %w", err)
		}
		return c, nil
	}
	logger.Warn("api.cursor_secret is not set; using a random per-process secret")
	c, err := cursor.NewRandomCodec()
	if err != nil {
		return nil, fmt.Errorf("cursor codec: %w", err)
	}
	return c, nil
}

// Serve runs the background catalog refresher and the HTTP server on ln
// until ctx is cancelled, then shuts down gracefully.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler,
		ReadHeaderTimeout: a.Config.Server.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		a.Cache.Run(refreshCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("listening", slog.String("addr", ln.Addr().String()), slog.String("store", string(a.Store.Driver())))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		stopRefresh()
		<-refreshDone
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down", slog.Duration("timeout", a.Config.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	stopRefresh()
	<-refreshDone
	if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	return err
}

// ListenAndServe listens on the configured address and calls Serve.
func (a *App) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.Config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Config.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Catalog lists the published datasets straight from the store.
func (a *App) Catalog(ctx context.Context) (model.Catalog, error) {
	ids, err := a.Store.ListDatasets(ctx)
	if err != nil {
		return model.Catalog{}, err
	}
	return model.CatalogFromIDs(ids), nil
}

// Close releases resources held by optional components.
func (a *App) Close() error {
	if a.ledger != nil {
		return a.ledger.Close()
	}
	return nil
}
