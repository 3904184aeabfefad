package diff

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"geneatlas/internal/cursor"
	"geneatlas/internal/model"
)

type staticIndexes map[model.DatasetID]*model.ReleaseGeneIndex

func (s staticIndexes) ReleaseGeneIndex(_ context.Context, id model.DatasetID) (*model.ReleaseGeneIndex, error) {
	idx, ok := s[id]
	if !ok {
		return nil, errors.New("not cached")
	}
	return idx, nil
}

func dataset(release string) model.DatasetID {
	return model.DatasetID{Release: release, Species: "homo_sapiens", Assembly: "GRCh38"}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	from := dataset("110")
	to := dataset("111")
	var fromEntries, toEntries []model.ReleaseGeneIndexEntry
	for _, id := range []string{"g01", "g02", "g03", "g04", "g05"} {
		fromEntries = append(fromEntries, entry(id, "old"))
	}
	for _, id := range []string{"g02", "g04", "g06", "g07"} {
		toEntries = append(toEntries, entry(id, "new"))
	}
	src := staticIndexes{
		from: {SchemaVersion: model.ReleaseGeneIndexSchema, Dataset: from, Entries: fromEntries},
		to:   {SchemaVersion: model.ReleaseGeneIndexSchema, Dataset: to, Entries: toEntries},
	}
	codec, err := cursor.NewCodec([]byte("diff-engine-test-secret"))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return NewEngine(src, codec)
}

func baseQuery() Query {
	return Query{From: dataset("110"), To: dataset("111"), Scope: model.ScopeGenes, Limit: 4, QueryHash: "qh"}
}

func TestPageFollowsCursorToCompletion(t *testing.T) {
	e := newTestEngine(t)
	q := baseQuery()

	first, err := e.Page(context.Background(), q)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if !first.HasMore || first.Diff.NextCursor == "" || len(first.Diff.Rows) != 4 {
		t.Fatalf("unexpected first page %+v", first)
	}
	if first.Diff.FromRelease != "110" || first.Diff.ToRelease != "111" || first.Diff.Species != "homo_sapiens" {
		t.Fatalf("page coordinates wrong: %+v", first.Diff)
	}
	if first.QC.Added+first.QC.Removed+first.QC.Changed != 4 || !first.QC.CountConsistent {
		t.Fatalf("qc = %+v", first.QC)
	}

	q.Cursor = first.Diff.NextCursor
	second, err := e.Page(context.Background(), q)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if second.HasMore || second.Diff.NextCursor != "" {
		t.Fatalf("expected final page, got %+v", second)
	}
	var ids []string
	for _, r := range append(first.Diff.Rows, second.Diff.Rows...) {
		ids = append(ids, r.GeneID)
	}
	want := []string{"g01", "g02", "g03", "g04", "g05", "g06", "g07"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestPageRejectsForeignCursor(t *testing.T) {
	e := newTestEngine(t)
	q := baseQuery()
	first, err := e.Page(context.Background(), q)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}

	other := q
	other.Cursor = first.Diff.NextCursor
	other.QueryHash = "different"
	if _, err := e.Page(context.Background(), other); !errors.Is(err, cursor.ErrDatasetMismatch) {
		t.Fatalf("expected dataset mismatch for other query, got %v", err)
	}

	drift := q
	drift.Cursor = first.Diff.NextCursor
	drift.To = dataset("112")
	if _, err := e.Page(context.Background(), drift); !errors.Is(err, cursor.ErrDatasetMismatch) {
		t.Fatalf("expected dataset mismatch after release drift, got %v", err)
	}

	tampered := q
	tampered.Cursor = first.Diff.NextCursor + "x"
	if _, err := e.Page(context.Background(), tampered); !errors.Is(err, cursor.ErrInvalid) {
		t.Fatalf("expected invalid cursor, got %v", err)
	}
}

func TestPageCursorBoundToBothDatasets(t *testing.T) {
	e := newTestEngine(t)
	q := baseQuery()
	first, err := e.Page(context.Background(), q)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}

	// Same request hash and to-side, but from_release now resolves elsewhere.
	shifted := q
	shifted.Cursor = first.Diff.NextCursor
	shifted.From = dataset("109")
	if _, err := e.Page(context.Background(), shifted); !errors.Is(err, cursor.ErrDatasetMismatch) {
		t.Fatalf("expected dataset mismatch after from-side drift, got %v", err)
	}
}

func TestPageCursorDepthIncreases(t *testing.T) {
	e := newTestEngine(t)
	q := baseQuery()
	q.Limit = 2

	var depths []uint32
	for {
		page, err := e.Page(context.Background(), q)
		if err != nil {
			t.Fatalf("page %d: %v", len(depths), err)
		}
		if !page.HasMore {
			break
		}
		p, err := e.codec.Decode(page.Diff.NextCursor, CursorContext, boundQueryHash(q), cursor.OrderGeneID, &q.To)
		if err != nil {
			t.Fatalf("decode next cursor: %v", err)
		}
		depths = append(depths, p.Depth)
		q.Cursor = page.Diff.NextCursor
	}
	if diff := cmp.Diff([]uint32{1, 2, 3}, depths); diff != "" {
		t.Fatalf("cursor depths mismatch (-want +got):\n%s", diff)
	}
}

func TestPageReportsMissingIndexSide(t *testing.T) {
	e := newTestEngine(t)
	q := baseQuery()
	q.From = dataset("100")
	_, err := e.Page(context.Background(), q)
	var ie *IndexError
	if !errors.As(err, &ie) || ie.Side != "from_release" {
		t.Fatalf("expected from_release index error, got %v", err)
	}
}

func TestPageRegionScope(t *testing.T) {
	e := newTestEngine(t)
	q := baseQuery()
	q.Scope = model.ScopeRegion
	if _, err := e.Page(context.Background(), q); err == nil {
		t.Fatalf("region scope without region should fail")
	}
	q.Region = &model.Region{Seqid: "chr2", Start: 1, End: 100}
	page, err := e.Page(context.Background(), q)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page.Diff.Rows) != 0 || page.Diff.Rows == nil {
		t.Fatalf("expected empty non-nil rows, got %#v", page.Diff.Rows)
	}
}
