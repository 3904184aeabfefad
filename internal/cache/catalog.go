package cache

import (
	"context"
	"log/slog"
	"time"

	"geneatlas/internal/model"
)

// RefreshOutcome describes what one RefreshCatalog call did.
type RefreshOutcome string

const (
	RefreshLoaded      RefreshOutcome = "loaded"
	RefreshFresh       RefreshOutcome = "fresh"
	RefreshInProgress  RefreshOutcome = "in_progress"
	RefreshBackoff     RefreshOutcome = "backoff"
	RefreshBreakerOpen RefreshOutcome = "breaker_open"
	RefreshFailed      RefreshOutcome = "failed"
)

type catalogSnapshot struct {
	catalog  model.Catalog
	loadedAt time.Time
}

type refreshState struct {
	failures     int
	nextAttempt  time.Time
	breakerUntil time.Time
	lastSuccess  time.Time
	lastError    string
}

// CurrentCatalog returns the last loaded catalog, or an empty one if none has
// ever loaded.
func (m *Manager) CurrentCatalog() model.Catalog {
	if snap := m.catalog.Load(); snap != nil {
		return snap.catalog
	}
	return model.Catalog{}
}

// CatalogLoaded reports whether any refresh has succeeded.
func (m *Manager) CatalogLoaded() bool { return m.catalog.Load() != nil }

// InvalidateCatalog keeps the current catalog readable but makes the next
// refresh ignore the TTL.
func (m *Manager) InvalidateCatalog() {
	if snap := m.catalog.Load(); snap != nil {
		m.catalog.Store(&catalogSnapshot{catalog: snap.catalog})
	}
}

// RefreshCatalog reloads the catalog from the store. Failures are logged and
// counted, never returned: the previous catalog stays authoritative. Only one
// refresh runs at a time; concurrent callers return RefreshInProgress.
func (m *Manager) RefreshCatalog(ctx context.Context) RefreshOutcome {
	if !m.refreshMu.TryLock() {
		return m.record(RefreshInProgress)
	}
	defer m.refreshMu.Unlock()

	now := m.now()
	if snap := m.catalog.Load(); snap != nil && !snap.loadedAt.IsZero() && now.Sub(snap.loadedAt) < m.opts.CatalogTTL {
		return m.record(RefreshFresh)
	}
	m.stateMu.Lock()
	state := m.state
	m.stateMu.Unlock()
	if now.Before(state.breakerUntil) {
		return m.record(RefreshBreakerOpen)
	}
	if now.Before(state.nextAttempt) {
		return m.record(RefreshBackoff)
	}

	ids, err := m.store.ListDatasets(ctx)
	if err == nil {
		err = validateIDs(ids)
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if err != nil {
		m.state.failures++
		m.state.lastError = err.Error()
		m.state.nextAttempt = now.Add(backoffDelay(m.opts.BackoffBase, m.opts.BackoffMax, m.state.failures))
		if m.state.failures >= m.opts.BreakerThreshold {
			m.state.breakerUntil = now.Add(m.opts.BreakerOpen)
		}
		m.logger.WarnContext(ctx, "catalog refresh failed",
			slog.Int("consecutive_failures", m.state.failures),
			slog.Time("next_attempt", m.state.nextAttempt),
			slog.Any("error", err))
		return m.record(RefreshFailed)
	}
	m.state = refreshState{lastSuccess: now}
	m.catalog.Store(&catalogSnapshot{catalog: model.CatalogFromIDs(ids), loadedAt: now})
	m.logger.DebugContext(ctx, "catalog refreshed", slog.Int("datasets", len(ids)))
	return m.record(RefreshLoaded)
}

func validateIDs(ids []model.DatasetID) error {
	for _, id := range ids {
		if err := id.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) record(outcome RefreshOutcome) RefreshOutcome {
	m.rec.ObserveCatalogRefresh(string(outcome))
	return outcome
}

// backoffDelay is base*2^(failures-1) capped at ceiling.
func backoffDelay(base, ceiling time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := base
	for i := 1; i < failures && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}

// Run refreshes the catalog immediately and then every RefreshInterval until
// ctx ends.
func (m *Manager) Run(ctx context.Context) {
	m.RefreshCatalog(ctx)
	ticker := time.NewTicker(m.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RefreshCatalog(ctx)
		}
	}
}

// Status is a point-in-time view of catalog health.
type Status struct {
	CatalogLoaded       bool      `json:"catalog_loaded"`
	Datasets            int       `json:"datasets"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BreakerOpen         bool      `json:"breaker_open"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	CachedIndexes       int       `json:"cached_indexes"`
}

// Status reports catalog and index cache health.
func (m *Manager) Status() Status {
	m.stateMu.Lock()
	state := m.state
	m.stateMu.Unlock()
	return Status{
		CatalogLoaded:       m.CatalogLoaded(),
		Datasets:            len(m.CurrentCatalog().Datasets),
		ConsecutiveFailures: state.failures,
		BreakerOpen:         m.now().Before(state.breakerUntil),
		LastSuccess:         state.lastSuccess,
		LastError:           state.lastError,
		CachedIndexes:       m.indexes.Len(),
	}
}
