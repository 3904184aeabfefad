// Package testutil builds dataset fixtures shared by package tests: SQLite
// gene_summary files in the layout the ingest pipeline produces, matching
// manifests, and publishable bundles.
package testutil

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"geneatlas/internal/model"
	"geneatlas/internal/store/core"
)

// GeneSummaryDDL mirrors the gene_summary table written by the ingest pipeline.
const GeneSummaryDDL = `
CREATE TABLE gene_summary (
  id INTEGER PRIMARY KEY,
  gene_id TEXT NOT NULL,
  name TEXT NOT NULL,
  name_normalized TEXT NOT NULL,
  biotype TEXT NOT NULL,
  seqid TEXT NOT NULL,
  start INTEGER NOT NULL,
  "end" INTEGER NOT NULL,
  transcript_count INTEGER NOT NULL,
  sequence_length INTEGER NOT NULL
);
CREATE TABLE atlas_meta (
  k TEXT PRIMARY KEY,
  v TEXT NOT NULL
);
`

// Dataset returns a fixed dataset id for the given release.
func Dataset(release string) model.DatasetID {
	return model.DatasetID{Release: release, Species: "homo_sapiens", Assembly: "GRCh38"}
}

// Gene returns a gene row with deterministic defaults.
func Gene(id, seqid string, start, end uint64) model.GeneRow {
	return model.GeneRow{
		GeneID:          id,
		Name:            "NAME_" + id,
		Biotype:         "protein_coding",
		Seqid:           seqid,
		Start:           start,
		End:             end,
		TranscriptCount: 1,
		SequenceLength:  end - start + 1,
	}
}

// BuildSQLite writes genes into a fresh gene_summary database and returns its bytes.
func BuildSQLite(t testing.TB, genes []model.GeneRow) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), model.SQLiteFile)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, GeneSummaryDDL); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	for i, g := range genes {
		_, err := db.ExecContext(ctx,
			`INSERT INTO gene_summary (id, gene_id, name, name_normalized, biotype, seqid, start, "end", transcript_count, sequence_length)
			 VALUES (?, ?, ?, lower(?), ?, ?, ?, ?, ?, ?)`,
			i+1, g.GeneID, g.Name, g.Name, g.Biotype, g.Seqid, int64(g.Start), int64(g.End), int64(g.TranscriptCount), int64(g.SequenceLength))
		if err != nil {
			t.Fatalf("insert %s: %v", g.GeneID, err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close sqlite: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sqlite: %v", err)
	}
	return b
}

// Manifest returns a strictly valid manifest for id describing sqlite.
func Manifest(id model.DatasetID, sqlite []byte, geneCount int) model.ArtifactManifest {
	if geneCount < 1 {
		geneCount = 1
	}
	return model.ArtifactManifest{
		ArtifactVersion: model.ArtifactVersion,
		SchemaVersion:   model.ArtifactSchema,
		ManifestVersion: model.ArtifactSchema,
		DBSchemaVersion: model.ArtifactSchema,
		Dataset:         id,
		Checksums: model.ArtifactChecksums{
			GFF3SHA256:   model.SHA256Hex([]byte("gff3:" + id.Canonical())),
			FastaSHA256:  model.SHA256Hex([]byte("fasta:" + id.Canonical())),
			FaiSHA256:    model.SHA256Hex([]byte("fai:" + id.Canonical())),
			SQLiteSHA256: model.SHA256Hex(sqlite),
		},
		InputHashes: model.SourceInputHashes{
			GFF3:   model.SHA256Hex([]byte("gff3:" + id.Canonical())),
			Fasta:  model.SHA256Hex([]byte("fasta:" + id.Canonical())),
			Fai:    model.SHA256Hex([]byte("fai:" + id.Canonical())),
			Policy: model.SHA256Hex([]byte("policy")),
		},
		Stats:                  model.ManifestStats{GeneCount: uint64(geneCount), TranscriptCount: uint64(geneCount), ContigCount: 1},
		DatasetSignatureSHA256: model.SHA256Hex([]byte("signature:" + id.Canonical())),
		ToolchainHash:          "fixture-toolchain",
		CreatedAt:              "2026-01-01T00:00:00Z",
		DerivedColumnOrigins:   map[string]string{"gene_summary.name_normalized": "lower(name)"},
	}
}

// Bundle is a publishable manifest and data pair.
type Bundle struct {
	ID             model.DatasetID
	Genes          []model.GeneRow
	ManifestBytes  []byte
	SQLiteBytes    []byte
	ManifestSHA256 string
	SQLiteSHA256   string
}

// NewBundle builds a bundle for id containing genes.
func NewBundle(t testing.TB, id model.DatasetID, genes []model.GeneRow) Bundle {
	t.Helper()
	sqlite := BuildSQLite(t, genes)
	manifest, err := json.MarshalIndent(Manifest(id, sqlite, len(genes)), "", "  ")
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return Bundle{
		ID:             id,
		Genes:          genes,
		ManifestBytes:  manifest,
		SQLiteBytes:    sqlite,
		ManifestSHA256: model.SHA256Hex(manifest),
		SQLiteSHA256:   model.SHA256Hex(sqlite),
	}
}

// Publish writes the bundle through s.
func (b Bundle) Publish(ctx context.Context, s core.ArtifactStore) error {
	return s.PublishAtomic(ctx, b.ID, b.ManifestBytes, b.SQLiteBytes, b.ManifestSHA256, b.SQLiteSHA256)
}

// MustPublish publishes the bundle or fails the test.
func (b Bundle) MustPublish(t testing.TB, s core.ArtifactStore) {
	t.Helper()
	if err := b.Publish(context.Background(), s); err != nil {
		t.Fatalf("publish %s: %v", b.ID, err)
	}
}

// IndexEntries projects genes into sorted index entries.
func IndexEntries(t testing.TB, id model.DatasetID, genes []model.GeneRow) []model.ReleaseGeneIndexEntry {
	t.Helper()
	entries := make([]model.ReleaseGeneIndexEntry, 0, len(genes))
	for _, g := range genes {
		entries = append(entries, g.IndexEntry())
	}
	idx, err := model.NewReleaseGeneIndex(id, entries)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	return idx.Entries
}

// MustPublishCataloged publishes the bundle and lists it in the store's
// catalog.
func (b Bundle) MustPublishCataloged(t testing.TB, s core.ArtifactStore) {
	t.Helper()
	b.MustPublish(t, s)
	w, ok := s.(core.CatalogWriter)
	if !ok {
		t.Fatalf("%s backend does not own a catalog", s.Driver())
	}
	err := w.UpdateCatalog(context.Background(), func(c model.Catalog) (model.Catalog, error) {
		return c.With(model.EntryFor(b.ID)), nil
	})
	if err != nil {
		t.Fatalf("catalog %s: %v", b.ID, err)
	}
}
