package model

import (
	"encoding/json"
	"errors"
	"testing"
)

func validManifest(sqlite []byte) ArtifactManifest {
	return ArtifactManifest{
		ArtifactVersion: ArtifactVersion,
		SchemaVersion:   ArtifactSchema,
		ManifestVersion: ArtifactSchema,
		DBSchemaVersion: ArtifactSchema,
		Dataset:         DatasetID{Release: "110", Species: "homo_sapiens", Assembly: "GRCh38"},
		Checksums:       ArtifactChecksums{GFF3SHA256: "g", FastaSHA256: "f", FaiSHA256: "i", SQLiteSHA256: SHA256Hex(sqlite)},
		InputHashes:     SourceInputHashes{GFF3: "g", Fasta: "f", Fai: "i", Policy: "p"},
		Stats:           ManifestStats{GeneCount: 2, TranscriptCount: 3, ContigCount: 1},
		ToolchainHash:   "toolchain",
		DerivedColumnOrigins: map[string]string{
			"gene_summary.name_normalized": "lower(name)",
		},
	}
}

func TestManifestValidateStrict(t *testing.T) {
	sqlite := []byte(SQLiteMagic + "rows")
	if err := validManifest(sqlite).ValidateStrict(); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}
	mutations := map[string]func(*ArtifactManifest){
		"version skew":      func(m *ArtifactManifest) { m.DBSchemaVersion = "2" },
		"bad sqlite digest": func(m *ArtifactManifest) { m.Checksums.SQLiteSHA256 = "abc" },
		"missing policy":    func(m *ArtifactManifest) { m.InputHashes.Policy = "" },
		"no toolchain":      func(m *ArtifactManifest) { m.ToolchainHash = "" },
		"zero genes":        func(m *ArtifactManifest) { m.Stats.GeneCount = 0 },
		"no origins":        func(m *ArtifactManifest) { m.DerivedColumnOrigins = nil },
		"bad dataset":       func(m *ArtifactManifest) { m.Dataset.Species = "" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			m := validManifest(sqlite)
			mutate(&m)
			if err := m.ValidateStrict(); !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("expected ErrInvalidManifest, got %v", err)
			}
		})
	}
}

func TestManifestLockValidate(t *testing.T) {
	sqlite := []byte(SQLiteMagic + "rows")
	manifest, err := json.Marshal(validManifest(sqlite))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	lock := NewManifestLock(manifest, sqlite)
	if err := lock.Validate(manifest, sqlite); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := lock.Validate(manifest, append(sqlite, 'x')); !errors.Is(err, ErrLockMismatch) {
		t.Fatalf("expected sqlite skew, got %v", err)
	}
	if err := lock.ValidateManifestOnly(append(manifest, ' ')); !errors.Is(err, ErrLockMismatch) {
		t.Fatalf("expected manifest skew, got %v", err)
	}
	raw, _ := json.Marshal(lock)
	parsed, err := ParseManifestLock(raw)
	if err != nil || parsed != lock {
		t.Fatalf("parse lock: %+v %v", parsed, err)
	}
}

func TestHasSQLiteMagic(t *testing.T) {
	if !HasSQLiteMagic([]byte(SQLiteMagic + "x")) {
		t.Fatalf("expected magic")
	}
	if HasSQLiteMagic([]byte("SQLite format 3")) {
		t.Fatalf("truncated header must not match")
	}
}
