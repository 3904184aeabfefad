package memory

import (
	"context"
	"testing"

	"geneatlas/internal/model"
	"geneatlas/internal/store/core"
	"geneatlas/testutil"
)

func TestMemoryPublishAndRead(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	b := testutil.NewBundle(t, testutil.Dataset("110"), []model.GeneRow{testutil.Gene("ENSG01", "chr1", 1, 10)})
	b.MustPublish(t, s)
	if err := b.Publish(ctx, s); !core.IsCode(err, core.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := s.GetSQLiteBytesVerified(ctx, b.ID); err != nil {
		t.Fatalf("verified read: %v", err)
	}
	if _, err := s.GetReleaseGeneIndexBytes(ctx, b.ID); !core.IsCode(err, core.CodeNotFound) {
		t.Fatalf("expected missing index, got %v", err)
	}
	if _, err := s.GetManifest(ctx, testutil.Dataset("111")); !core.IsCode(err, core.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryPublishLockAndCatalog(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	id := testutil.Dataset("110")
	lock, err := s.AcquirePublishLock(ctx, id)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.AcquirePublishLock(ctx, id); !core.IsCode(err, core.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	_ = lock.Release()
	if _, err := s.AcquirePublishLock(ctx, id); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if err := s.UpdateCatalog(ctx, func(c model.Catalog) (model.Catalog, error) { return c.With(model.EntryFor(id)), nil }); err != nil {
		t.Fatalf("update catalog: %v", err)
	}
	ids, _ := s.ListDatasets(ctx)
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("unexpected ids %+v", ids)
	}
}
