package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DiffStatus classifies a diff row.
type DiffStatus string

const (
	DiffAdded   DiffStatus = "added"
	DiffRemoved DiffStatus = "removed"
	DiffChanged DiffStatus = "changed"
)

// DiffScope selects the diff route.
type DiffScope string

const (
	ScopeGenes  DiffScope = "genes"
	ScopeRegion DiffScope = "region"
)

// DiffRecord is one emitted row of a diff.
type DiffRecord struct {
	GeneID string     `json:"gene_id"`
	Status DiffStatus `json:"status"`
	Seqid  string     `json:"seqid,omitempty"`
	Start  uint64     `json:"start,omitempty"`
	End    uint64     `json:"end,omitempty"`
}

// RecordFrom builds a diff row carrying the entry's coordinates.
func RecordFrom(status DiffStatus, e ReleaseGeneIndexEntry) DiffRecord {
	return DiffRecord{GeneID: e.GeneID, Status: status, Seqid: e.Seqid, Start: e.Start, End: e.End}
}

// DiffPage is one page of diff output.
type DiffPage struct {
	FromRelease string       `json:"from_release"`
	ToRelease   string       `json:"to_release"`
	Species     string       `json:"species"`
	Assembly    string       `json:"assembly"`
	Scope       DiffScope    `json:"scope"`
	Rows        []DiffRecord `json:"rows"`
	NextCursor  string       `json:"next_cursor,omitempty"`
}

// ErrInvalidRegion reports an unparseable region string.
var ErrInvalidRegion = errors.New("model: invalid region")

// Region is a 1-based inclusive genomic interval.
type Region struct {
	Seqid string `json:"seqid"`
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// ParseRegion parses "seqid:start-end".
func ParseRegion(s string) (Region, error) {
	seqid, span, ok := strings.Cut(s, ":")
	if !ok || seqid == "" {
		return Region{}, fmt.Errorf("%w: %q", ErrInvalidRegion, s)
	}
	lo, hi, ok := strings.Cut(span, "-")
	if !ok {
		return Region{}, fmt.Errorf("%w: %q", ErrInvalidRegion, s)
	}
	start, err := strconv.ParseUint(lo, 10, 64)
	if err != nil {
		return Region{}, fmt.Errorf("%w: start %q", ErrInvalidRegion, lo)
	}
	end, err := strconv.ParseUint(hi, 10, 64)
	if err != nil {
		return Region{}, fmt.Errorf("%w: end %q", ErrInvalidRegion, hi)
	}
	if start == 0 || end < start {
		return Region{}, fmt.Errorf("%w: bounds %d-%d", ErrInvalidRegion, start, end)
	}
	return Region{Seqid: seqid, Start: start, End: end}, nil
}

func (r Region) String() string {
	return r.Seqid + ":" + strconv.FormatUint(r.Start, 10) + "-" + strconv.FormatUint(r.End, 10)
}

// Overlaps reports whether the entry intersects the region.
func (r Region) Overlaps(e ReleaseGeneIndexEntry) bool {
	return e.Seqid == r.Seqid && e.Start <= r.End && r.Start <= e.End
}
