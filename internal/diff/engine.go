package diff

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"geneatlas/internal/cursor"
	"geneatlas/internal/model"
)

// CursorContext separates diff cursors from other cursor families.
const CursorContext = "atlas-diff-cursor"

// IndexSource loads the release gene index of a dataset.
type IndexSource interface {
	ReleaseGeneIndex(ctx context.Context, id model.DatasetID) (*model.ReleaseGeneIndex, error)
}

// Query is a validated diff request.
type Query struct {
	From      model.DatasetID
	To        model.DatasetID
	Scope     model.DiffScope
	Region    *model.Region
	Limit     int
	Cursor    string
	QueryHash string
}

// Page is one page of a diff with its QC block.
type Page struct {
	Diff    model.DiffPage
	QC      QC
	HasMore bool
}

// IndexError reports which side of the diff could not be loaded.
type IndexError struct {
	Side string
	Err  error
}

func (e *IndexError) Error() string { return fmt.Sprintf("%s index unavailable: %v", e.Side, e.Err) }

func (e *IndexError) Unwrap() error { return e.Err }

// Engine computes diff pages.
type Engine struct {
	indexes IndexSource
	codec   *cursor.Codec
}

// NewEngine returns an engine reading indexes from src and signing cursors
// with codec.
func NewEngine(src IndexSource, codec *cursor.Codec) *Engine {
	return &Engine{indexes: src, codec: codec}
}

// Page decodes q.Cursor, loads both indexes and returns the next page.
// Cursor failures are returned as *cursor.Error, index failures as
// *IndexError.
func (e *Engine) Page(ctx context.Context, q Query) (*Page, error) {
	if q.Limit < 1 {
		return nil, errors.New("diff: limit must be positive")
	}
	if q.Scope == model.ScopeRegion && q.Region == nil {
		return nil, errors.New("diff: region scope requires a region")
	}
	hash := boundQueryHash(q)
	var after string
	var depth uint32
	if q.Cursor != "" {
		p, err := e.codec.Decode(q.Cursor, CursorContext, hash, cursor.OrderGeneID, &q.To)
		if err != nil {
			return nil, err
		}
		after = p.LastGeneID
		depth = p.Depth
	}
	from, err := e.indexes.ReleaseGeneIndex(ctx, q.From)
	if err != nil {
		return nil, &IndexError{Side: "from_release", Err: err}
	}
	to, err := e.indexes.ReleaseGeneIndex(ctx, q.To)
	if err != nil {
		return nil, &IndexError{Side: "to_release", Err: err}
	}

	res := Merge(from.Entries, to.Entries, MergeOptions{After: after, Region: q.Region, Limit: q.Limit})
	rows := res.Rows
	if rows == nil {
		rows = []model.DiffRecord{}
	}
	page := &Page{
		Diff: model.DiffPage{
			FromRelease: q.From.Release,
			ToRelease:   q.To.Release,
			Species:     q.To.Species,
			Assembly:    q.To.Assembly,
			Scope:       q.Scope,
			Rows:        rows,
		},
		QC:      Summarize(rows, q.From.Release, q.To.Release),
		HasMore: res.HasMore,
	}
	if res.HasMore {
		last := rows[len(rows)-1].GeneID
		toID := q.To
		token, err := e.codec.Encode(cursor.Payload{
			CursorVersion: cursor.Version,
			DatasetID:     &toID,
			SortKey:       "gene_id",
			LastSeen:      &cursor.LastSeen{GeneID: last},
			Order:         cursor.OrderGeneID,
			LastGeneID:    last,
			QueryHash:     hash,
			Depth:         depth + 1,
		}, CursorContext)
		if err != nil {
			return nil, fmt.Errorf("diff: encode next cursor: %w", err)
		}
		page.Diff.NextCursor = token
	}
	return page, nil
}

// boundQueryHash ties the request hash to both resolved datasets, so a cursor
// stops resuming once either side of the diff resolves to another dataset.
func boundQueryHash(q Query) string {
	sum := sha256.Sum256([]byte(q.QueryHash + "|" + q.From.Canonical() + "|" + q.To.Canonical()))
	return hex.EncodeToString(sum[:16])
}
