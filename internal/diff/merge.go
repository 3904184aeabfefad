// Package diff merge-joins two release gene indexes into paginated
// added/removed/changed rows.
package diff

import (
	"geneatlas/internal/model"
)

// MergeOptions bounds one merge pass.
type MergeOptions struct {
	// After skips every emitted gene_id less than or equal to it.
	After string
	// Region, when set, keeps only rows overlapping it.
	Region *model.Region
	// Limit is the page size. Limit <= 0 collects everything.
	Limit int
}

// MergeResult is one page of merged rows.
type MergeResult struct {
	Rows    []model.DiffRecord
	HasMore bool
}

// Merge walks from and to, both sorted ascending by gene_id, and emits
// Removed rows with the from coordinates and Added or Changed rows with the to
// coordinates. Filtered rows advance the walk without using page budget.
func Merge(from, to []model.ReleaseGeneIndexEntry, opts MergeOptions) MergeResult {
	var rows []model.DiffRecord
	i, j := 0, 0
	for i < len(from) || j < len(to) {
		var rec model.DiffRecord
		var src model.ReleaseGeneIndexEntry
		switch {
		case j >= len(to) || (i < len(from) && from[i].GeneID < to[j].GeneID):
			src = from[i]
			rec = model.RecordFrom(model.DiffRemoved, src)
			i++
		case i >= len(from) || from[i].GeneID > to[j].GeneID:
			src = to[j]
			rec = model.RecordFrom(model.DiffAdded, src)
			j++
		default:
			a, b := from[i], to[j]
			i++
			j++
			if a.SignatureSHA256 == b.SignatureSHA256 {
				continue
			}
			src = b
			rec = model.RecordFrom(model.DiffChanged, src)
		}
		if opts.After != "" && rec.GeneID <= opts.After {
			continue
		}
		if opts.Region != nil && !opts.Region.Overlaps(src) {
			continue
		}
		rows = append(rows, rec)
		if opts.Limit > 0 && len(rows) > opts.Limit {
			break
		}
	}
	if opts.Limit > 0 && len(rows) > opts.Limit {
		return MergeResult{Rows: rows[:opts.Limit], HasMore: true}
	}
	return MergeResult{Rows: rows}
}

// QC summarises a page and checks the counts add up.
type QC struct {
	Added           int    `json:"added"`
	Removed         int    `json:"removed"`
	Changed         int    `json:"changed"`
	CountConsistent bool   `json:"count_consistent"`
	FromRelease     string `json:"from_release"`
	ToRelease       string `json:"to_release"`
}

// Summarize counts rows by status.
func Summarize(rows []model.DiffRecord, fromRelease, toRelease string) QC {
	qc := QC{FromRelease: fromRelease, ToRelease: toRelease}
	for _, r := range rows {
		switch r.Status {
		case model.DiffAdded:
			qc.Added++
		case model.DiffRemoved:
			qc.Removed++
		case model.DiffChanged:
			qc.Changed++
		}
	}
	qc.CountConsistent = qc.Added+qc.Removed+qc.Changed == len(rows)
	return qc
}
