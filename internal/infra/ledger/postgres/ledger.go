// Package postgres records dataset publications in a Postgres table so
// operators can audit what was published, when, and with which digests.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"geneatlas/internal/model"
	"geneatlas/internal/publish"
)

var _ publish.Ledger = (*Ledger)(nil)

const defaultDriver = "pgx"

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

const ddl = `CREATE TABLE IF NOT EXISTS atlas_publications (
	dataset TEXT PRIMARY KEY,
	manifest_sha256 TEXT NOT NULL,
	sqlite_sha256 TEXT NOT NULL,
	published_at TIMESTAMPTZ NOT NULL
)`

const upsert = `INSERT INTO atlas_publications (dataset, manifest_sha256, sqlite_sha256, published_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (dataset) DO UPDATE SET manifest_sha256 = EXCLUDED.manifest_sha256,
	sqlite_sha256 = EXCLUDED.sqlite_sha256, published_at = EXCLUDED.published_at`

const selectAll = `SELECT dataset, manifest_sha256, sqlite_sha256, published_at FROM atlas_publications ORDER BY dataset`

// Ledger is a publish.Ledger backed by Postgres.
type Ledger struct {
	db *sql.DB
}

// Open connects to dsn and ensures the publications table exists.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres ledger: dsn is required")
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure publications table: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Record upserts p keyed by its dataset.
func (l *Ledger) Record(ctx context.Context, p publish.Publication) error {
	_, err := l.db.ExecContext(ctx, upsert, p.Dataset.Canonical(), p.ManifestSHA256, p.SQLiteSHA256, p.PublishedAt.UTC())
	if err != nil {
		return fmt.Errorf("record publication %s: %w", p.Dataset, err)
	}
	return nil
}

// List returns every recorded publication ordered by dataset.
func (l *Ledger) List(ctx context.Context) ([]publish.Publication, error) {
	rows, err := l.db.QueryContext(ctx, selectAll)
	if err != nil {
		return nil, fmt.Errorf("select publications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []publish.Publication
	for rows.Next() {
		var (
			p       publish.Publication
			dataset string
		)
		if err := rows.Scan(&dataset, &p.ManifestSHA256, &p.SQLiteSHA256, &p.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan publication: %w", err)
		}
		if p.Dataset, err = parseDataset(dataset); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publications: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (l *Ledger) Close() error { return l.db.Close() }

func parseDataset(canonical string) (model.DatasetID, error) {
	parts := strings.Split(canonical, "/")
	if len(parts) != 3 {
		return model.DatasetID{}, fmt.Errorf("%w: ledger row %q", model.ErrInvalidDataset, canonical)
	}
	return model.NewDatasetID(parts[0], parts[1], parts[2])
}

// OverrideSQLOpen swaps the sql.Open implementation (testing only) and
// returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
