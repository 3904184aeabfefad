package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Current artifact schema versions written by the publisher.
const (
	ArtifactVersion     = "v1"
	ArtifactSchema      = "1"
	ManifestLockVersion = "1"
)

// ErrInvalidManifest reports a manifest that fails strict validation.
var ErrInvalidManifest = errors.New("model: invalid manifest")

// ErrLockMismatch reports skew between a manifest lock and the bytes it covers.
var ErrLockMismatch = errors.New("model: manifest lock mismatch")

// ArtifactChecksums holds the sha256 of each artifact file.
type ArtifactChecksums struct {
	GFF3SHA256   string `json:"gff3_sha256"`
	FastaSHA256  string `json:"fasta_sha256"`
	FaiSHA256    string `json:"fai_sha256"`
	SQLiteSHA256 string `json:"sqlite_sha256"`
}

// SourceInputHashes records the hashes of the ingest inputs.
type SourceInputHashes struct {
	GFF3   string `json:"gff3_sha256"`
	Fasta  string `json:"fasta_sha256"`
	Fai    string `json:"fai_sha256"`
	Policy string `json:"policy_sha256"`
}

// ManifestStats carries row-count statistics for the dataset.
type ManifestStats struct {
	GeneCount       uint64 `json:"gene_count"`
	TranscriptCount uint64 `json:"transcript_count"`
	ContigCount     uint64 `json:"contig_count"`
}

// ArtifactManifest is the per-dataset metadata published with the data file.
type ArtifactManifest struct {
	ArtifactVersion        string            `json:"artifact_version"`
	SchemaVersion          string            `json:"schema_version"`
	ManifestVersion        string            `json:"manifest_version"`
	DBSchemaVersion        string            `json:"db_schema_version"`
	Dataset                DatasetID         `json:"dataset"`
	Checksums              ArtifactChecksums `json:"checksums"`
	InputHashes            SourceInputHashes `json:"input_hashes"`
	Stats                  ManifestStats     `json:"stats"`
	DatasetSignatureSHA256 string            `json:"dataset_signature_sha256"`
	SchemaEvolutionNote    string            `json:"schema_evolution_note,omitempty"`
	IngestToolchain        string            `json:"ingest_toolchain,omitempty"`
	IngestBuildHash        string            `json:"ingest_build_hash,omitempty"`
	ToolchainHash          string            `json:"toolchain_hash"`
	CreatedAt              string            `json:"created_at,omitempty"`
	DerivedColumnOrigins   map[string]string `json:"derived_column_origins"`
}

// ParseManifest decodes manifest JSON without validating it.
func ParseManifest(b []byte) (ArtifactManifest, error) {
	var m ArtifactManifest
	if err := json.Unmarshal(b, &m); err != nil {
		return ArtifactManifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return m, nil
}

// ValidateStrict enforces the manifest contract.
func (m ArtifactManifest) ValidateStrict() error {
	switch {
	case m.ArtifactVersion == "":
		return fmt.Errorf("%w: artifact_version is empty", ErrInvalidManifest)
	case m.SchemaVersion == "" || m.ManifestVersion == "" || m.DBSchemaVersion == "":
		return fmt.Errorf("%w: schema versions must be set", ErrInvalidManifest)
	case m.ManifestVersion != m.SchemaVersion || m.DBSchemaVersion != m.SchemaVersion:
		return fmt.Errorf("%w: schema versions disagree (%s/%s/%s)", ErrInvalidManifest,
			m.SchemaVersion, m.ManifestVersion, m.DBSchemaVersion)
	case !isSHA256Hex(m.Checksums.SQLiteSHA256):
		return fmt.Errorf("%w: checksums.sqlite_sha256 is not a sha256 digest", ErrInvalidManifest)
	case m.InputHashes.GFF3 == "" || m.InputHashes.Fasta == "" || m.InputHashes.Fai == "" || m.InputHashes.Policy == "":
		return fmt.Errorf("%w: input hashes must be set", ErrInvalidManifest)
	case m.ToolchainHash == "":
		return fmt.Errorf("%w: toolchain_hash is empty", ErrInvalidManifest)
	case m.Stats.GeneCount == 0:
		return fmt.Errorf("%w: gene_count must be positive", ErrInvalidManifest)
	case len(m.DerivedColumnOrigins) == 0:
		return fmt.Errorf("%w: derived_column_origins is empty", ErrInvalidManifest)
	}
	if err := m.Dataset.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return nil
}

// ManifestLock pins the manifest and data file digests together.
type ManifestLock struct {
	SchemaVersion  string `json:"schema_version"`
	ManifestSHA256 string `json:"manifest_sha256"`
	SQLiteSHA256   string `json:"sqlite_sha256"`
}

// NewManifestLock computes a lock over the given manifest and data bytes.
func NewManifestLock(manifest, sqlite []byte) ManifestLock {
	return ManifestLock{
		SchemaVersion:  ManifestLockVersion,
		ManifestSHA256: SHA256Hex(manifest),
		SQLiteSHA256:   SHA256Hex(sqlite),
	}
}

// ParseManifestLock decodes lock JSON.
func ParseManifestLock(b []byte) (ManifestLock, error) {
	var l ManifestLock
	if err := json.Unmarshal(b, &l); err != nil {
		return ManifestLock{}, fmt.Errorf("%w: %v", ErrLockMismatch, err)
	}
	return l, nil
}

// Validate checks both digests.
func (l ManifestLock) Validate(manifest, sqlite []byte) error {
	if err := l.ValidateManifestOnly(manifest); err != nil {
		return err
	}
	if SHA256Hex(sqlite) != l.SQLiteSHA256 {
		return fmt.Errorf("%w: sqlite digest", ErrLockMismatch)
	}
	return nil
}

// ValidateManifestOnly checks the manifest digest alone.
func (l ManifestLock) ValidateManifestOnly(manifest []byte) error {
	if l.SchemaVersion != ManifestLockVersion {
		return fmt.Errorf("%w: unsupported lock schema %q", ErrLockMismatch, l.SchemaVersion)
	}
	if SHA256Hex(manifest) != l.ManifestSHA256 {
		return fmt.Errorf("%w: manifest digest", ErrLockMismatch)
	}
	return nil
}
