package publish_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"geneatlas/internal/model"
	"geneatlas/internal/publish"
	"geneatlas/internal/store"
	"geneatlas/testutil"
)

type recordingLedger struct {
	records []publish.Publication
	err     error
}

func (l *recordingLedger) Record(_ context.Context, p publish.Publication) error {
	if l.err != nil {
		return l.err
	}
	l.records = append(l.records, p)
	return nil
}

// catalogless hides the backend's CatalogWriter.
type catalogless struct {
	store.ArtifactStore
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func bundleFor(b testutil.Bundle) publish.Bundle {
	return publish.Bundle{Dataset: b.ID, Manifest: b.ManifestBytes, SQLite: b.SQLiteBytes}
}

func TestPublishWritesCatalogsAndRecords(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryForTests()
	ledger := &recordingLedger{}
	p := publish.New(s, publish.Options{Ledger: ledger, Logger: quietLogger(), Now: func() time.Time { return fixedNow }})

	b := testutil.NewBundle(t, testutil.Dataset("111"), []model.GeneRow{testutil.Gene("g1", "chr1", 1, 10)})
	pub, err := p.Publish(ctx, bundleFor(b))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := publish.Publication{Dataset: b.ID, ManifestSHA256: b.ManifestSHA256, SQLiteSHA256: b.SQLiteSHA256, PublishedAt: fixedNow}
	if diff := cmp.Diff(want, pub); diff != "" {
		t.Fatalf("publication mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]publish.Publication{want}, ledger.records); diff != "" {
		t.Fatalf("ledger mismatch (-want +got):\n%s", diff)
	}
	ids, err := s.ListDatasets(ctx)
	if err != nil {
		t.Fatalf("ListDatasets: %v", err)
	}
	if diff := cmp.Diff([]model.DatasetID{b.ID}, ids); diff != "" {
		t.Fatalf("catalog mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.GetSQLiteBytesVerified(ctx, b.ID); err != nil {
		t.Fatalf("published data not readable: %v", err)
	}
}

func TestPublishTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryForTests()
	p := publish.New(s, publish.Options{Logger: quietLogger()})
	b := testutil.NewBundle(t, testutil.Dataset("111"), []model.GeneRow{testutil.Gene("g1", "chr1", 1, 10)})
	if _, err := p.Publish(ctx, bundleFor(b)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	_, err := p.Publish(ctx, bundleFor(b))
	if store.CodeOf(err) != store.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestPublishRejectsInvalidBundles(t *testing.T) {
	good := testutil.NewBundle(t, testutil.Dataset("111"), []model.GeneRow{testutil.Gene("g1", "chr1", 1, 10)})
	other := testutil.NewBundle(t, testutil.Dataset("111"), []model.GeneRow{testutil.Gene("g9", "chr9", 1, 10)})

	cases := []struct {
		name   string
		bundle publish.Bundle
	}{
		{"dataset differs from manifest", publish.Bundle{Dataset: testutil.Dataset("112"), Manifest: good.ManifestBytes, SQLite: good.SQLiteBytes}},
		{"data is not sqlite", publish.Bundle{Dataset: good.ID, Manifest: good.ManifestBytes, SQLite: []byte("plain text")}},
		{"declared checksum differs", publish.Bundle{Dataset: good.ID, Manifest: good.ManifestBytes, SQLite: other.SQLiteBytes}},
		{"manifest not json", publish.Bundle{Dataset: good.ID, Manifest: []byte("{"), SQLite: good.SQLiteBytes}},
		{"alias dataset", publish.Bundle{Dataset: testutil.Dataset(model.LatestAlias), Manifest: good.ManifestBytes, SQLite: good.SQLiteBytes}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemoryForTests()
			p := publish.New(s, publish.Options{Logger: quietLogger()})
			if _, err := p.Publish(context.Background(), tc.bundle); !errors.Is(err, publish.ErrInvalidBundle) {
				t.Fatalf("expected ErrInvalidBundle, got %v", err)
			}
			_, err := publish.Check(tc.bundle)
			if code := store.CodeOf(err); code != store.CodeValidation {
				t.Fatalf("check error code = %v, want %v (%v)", code, store.CodeValidation, err)
			}
			if ok, _ := s.Exists(context.Background(), good.ID); ok {
				t.Fatalf("rejected bundle was written")
			}
		})
	}
}

func TestPublishWithoutCatalogWriter(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryForTests()
	p := publish.New(catalogless{backend}, publish.Options{Logger: quietLogger()})
	b := testutil.NewBundle(t, testutil.Dataset("111"), []model.GeneRow{testutil.Gene("g1", "chr1", 1, 10)})
	if _, err := p.Publish(ctx, bundleFor(b)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ok, _ := backend.Exists(ctx, b.ID); !ok {
		t.Fatalf("dataset not written")
	}
	if ids, _ := backend.ListDatasets(ctx); len(ids) != 0 {
		t.Fatalf("catalog unexpectedly updated: %v", ids)
	}
}

func TestPublishReportsLedgerFailure(t *testing.T) {
	s := store.NewMemoryForTests()
	boom := errors.New("ledger down")
	p := publish.New(s, publish.Options{Ledger: &recordingLedger{err: boom}, Logger: quietLogger()})
	b := testutil.NewBundle(t, testutil.Dataset("111"), []model.GeneRow{testutil.Gene("g1", "chr1", 1, 10)})
	pub, err := p.Publish(context.Background(), bundleFor(b))
	if !errors.Is(err, boom) {
		t.Fatalf("expected ledger error, got %v", err)
	}
	if pub.SQLiteSHA256 != b.SQLiteSHA256 {
		t.Fatalf("publication should still describe the written dataset")
	}
}
