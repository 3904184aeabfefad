package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ReleaseGeneIndexSchema is the schema version of derived gene indexes.
const ReleaseGeneIndexSchema = "1"

// ErrInvalidIndex reports a malformed release gene index.
var ErrInvalidIndex = errors.New("model: invalid release gene index")

// ReleaseGeneIndexEntry is the per-gene projection used for diffing.
type ReleaseGeneIndexEntry struct {
	GeneID          string `json:"gene_id"`
	Seqid           string `json:"seqid"`
	Start           uint64 `json:"start"`
	End             uint64 `json:"end"`
	SignatureSHA256 string `json:"signature_sha256"`
}

// ReleaseGeneIndex is the sorted-by-gene_id index for one dataset.
type ReleaseGeneIndex struct {
	SchemaVersion string                  `json:"schema_version"`
	Dataset       DatasetID               `json:"dataset"`
	Entries       []ReleaseGeneIndexEntry `json:"entries"`
}

// NewReleaseGeneIndex sorts entries and returns a validated index.
func NewReleaseGeneIndex(id DatasetID, entries []ReleaseGeneIndexEntry) (*ReleaseGeneIndex, error) {
	sorted := append([]ReleaseGeneIndexEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GeneID < sorted[j].GeneID })
	idx := &ReleaseGeneIndex{SchemaVersion: ReleaseGeneIndexSchema, Dataset: id, Entries: sorted}
	if err := idx.Validate(); err != nil {
		return nil, err
	}
	return idx, nil
}

// ParseReleaseGeneIndex decodes and validates index JSON.
func ParseReleaseGeneIndex(b []byte) (*ReleaseGeneIndex, error) {
	var idx ReleaseGeneIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIndex, err)
	}
	if err := idx.Validate(); err != nil {
		return nil, err
	}
	return &idx, nil
}

// Validate requires a known schema and strictly ascending unique gene ids.
func (idx *ReleaseGeneIndex) Validate() error {
	if idx.SchemaVersion != ReleaseGeneIndexSchema {
		return fmt.Errorf("%w: schema %q", ErrInvalidIndex, idx.SchemaVersion)
	}
	for i, e := range idx.Entries {
		if e.GeneID == "" {
			return fmt.Errorf("%w: empty gene_id at %d", ErrInvalidIndex, i)
		}
		if i > 0 && idx.Entries[i-1].GeneID >= e.GeneID {
			return fmt.Errorf("%w: entries not strictly sorted at %s", ErrInvalidIndex, e.GeneID)
		}
	}
	return nil
}

// GeneRow is the subset of a gene_summary row that feeds the signature.
type GeneRow struct {
	GeneID          string
	Name            string
	Biotype         string
	Seqid           string
	Start           uint64
	End             uint64
	TranscriptCount uint64
	SequenceLength  uint64
}

// Signature hashes every diff-relevant field of the row.
func (r GeneRow) Signature() string {
	fields := []string{
		r.GeneID, r.Name, r.Biotype, r.Seqid,
		strconv.FormatUint(r.Start, 10),
		strconv.FormatUint(r.End, 10),
		strconv.FormatUint(r.TranscriptCount, 10),
		strconv.FormatUint(r.SequenceLength, 10),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\t")))
	return hex.EncodeToString(sum[:])
}

// IndexEntry projects the row into a release gene index entry.
func (r GeneRow) IndexEntry() ReleaseGeneIndexEntry {
	return ReleaseGeneIndexEntry{GeneID: r.GeneID, Seqid: r.Seqid, Start: r.Start, End: r.End, SignatureSHA256: r.Signature()}
}
