// Package publish admits a built dataset into an artifact store: the bundle
// is validated, written atomically, listed in the catalog and recorded in
// the optional publication ledger.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"geneatlas/internal/model"
	"geneatlas/internal/store"
)

// ErrInvalidBundle reports a bundle rejected before anything was written.
var ErrInvalidBundle = errors.New("publish: invalid bundle")

// Bundle is one dataset ready for publication.
type Bundle struct {
	Dataset  model.DatasetID
	Manifest []byte
	SQLite   []byte
}

// Publication describes a completed publication.
type Publication struct {
	Dataset        model.DatasetID `json:"dataset"`
	ManifestSHA256 string          `json:"manifest_sha256"`
	SQLiteSHA256   string          `json:"sqlite_sha256"`
	PublishedAt    time.Time       `json:"published_at"`
}

// Ledger durably records publications.
type Ledger interface {
	Record(ctx context.Context, p Publication) error
}

// Options configures a Publisher. Ledger and Logger are optional.
type Options struct {
	Ledger Ledger
	Logger *slog.Logger
	Now    func() time.Time
}

// Publisher writes bundles through an ArtifactStore.
type Publisher struct {
	store  store.ArtifactStore
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Publisher writing to s.
func New(s store.ArtifactStore, opts Options) *Publisher {
	p := &Publisher{store: s, ledger: opts.Ledger, logger: opts.Logger, now: opts.Now}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Check runs the publication gates without writing and returns the parsed
// manifest.
func Check(b Bundle) (model.ArtifactManifest, error) {
	m, err := store.CheckPublication(b.Dataset, b.Manifest, b.SQLite, model.SHA256Hex(b.Manifest), model.SHA256Hex(b.SQLite))
	if err != nil {
		return model.ArtifactManifest{}, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}
	return m, nil
}

// Publish validates b, writes it atomically, adds it to the catalog when the
// backend owns one and records it in the ledger.
func (p *Publisher) Publish(ctx context.Context, b Bundle) (Publication, error) {
	if _, err := Check(b); err != nil {
		return Publication{}, err
	}
	pub := Publication{
		Dataset:        b.Dataset,
		ManifestSHA256: model.SHA256Hex(b.Manifest),
		SQLiteSHA256:   model.SHA256Hex(b.SQLite),
	}
	if err := p.store.PublishAtomic(ctx, b.Dataset, b.Manifest, b.SQLite, pub.ManifestSHA256, pub.SQLiteSHA256); err != nil {
		return Publication{}, fmt.Errorf("publish %s: %w", b.Dataset, err)
	}
	pub.PublishedAt = p.now().UTC()

	if w, ok := p.store.(store.CatalogWriter); ok {
		err := w.UpdateCatalog(ctx, func(c model.Catalog) (model.Catalog, error) {
			return c.With(model.EntryFor(b.Dataset)), nil
		})
		if err != nil {
			return pub, fmt.Errorf("catalog %s: %w", b.Dataset, err)
		}
	} else {
		p.logger.WarnContext(ctx, "backend does not own a catalog; dataset written but not listed",
			slog.String("driver", string(p.store.Driver())),
			slog.String("dataset", b.Dataset.Canonical()))
	}

	if p.ledger != nil {
		if err := p.ledger.Record(ctx, pub); err != nil {
			return pub, fmt.Errorf("ledger %s: %w", b.Dataset, err)
		}
	}
	p.logger.InfoContext(ctx, "dataset published",
		slog.String("dataset", b.Dataset.Canonical()),
		slog.String("manifest_sha256", pub.ManifestSHA256),
		slog.String("sqlite_sha256", pub.SQLiteSHA256))
	return pub, nil
}
