package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"geneatlas/internal/model"
	"geneatlas/internal/store"
)

const fetchTimeout = 2 * time.Minute

// ErrCachedOnly reports an index that is not on disk while fetching is
// disabled.
var ErrCachedOnly = errors.New("cache: index not cached and cached-only mode is enabled")

const geneSummaryQuery = `SELECT gene_id, name, biotype, seqid, start, "end", transcript_count, sequence_length
FROM gene_summary ORDER BY gene_id`

func (m *Manager) indexPath(id model.DatasetID) string {
	return filepath.Join(m.opts.Root, filepath.FromSlash(id.KeyPrefix()), model.ReleaseGeneIndexFile)
}

// EnsureReleaseGeneIndexCached guarantees a readable copy of the dataset's
// release gene index on local disk and returns its path. Any failure is a
// NotReadyError. Concurrent calls for one dataset share a single fetch.
func (m *Manager) EnsureReleaseGeneIndexCached(ctx context.Context, id model.DatasetID) (string, error) {
	path := m.indexPath(id)
	if fileExists(path) {
		return path, nil
	}
	if m.opts.CachedOnly {
		return "", notReady(id, ErrCachedOnly)
	}
	ch := m.fetches.DoChan(id.Canonical(), func() (any, error) {
		if fileExists(path) {
			return path, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		b, source, err := m.fetchIndex(fetchCtx, id)
		if err != nil {
			return nil, err
		}
		if err := writeFileAtomic(path, b); err != nil {
			return nil, err
		}
		m.rec.ObserveIndexLoad(source)
		m.logger.InfoContext(ctx, "release gene index cached",
			slog.String("dataset", id.Canonical()),
			slog.String("source", source),
			slog.Int("bytes", len(b)))
		return path, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", notReady(id, res.Err)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", notReady(id, ctx.Err())
	}
}

// ReleaseGeneIndex returns the parsed index for id, loading it through the
// disk cache on a miss.
func (m *Manager) ReleaseGeneIndex(ctx context.Context, id model.DatasetID) (*model.ReleaseGeneIndex, error) {
	if idx, ok := m.indexes.Get(id); ok {
		m.rec.ObserveIndexLoad(SourceMemory)
		return idx, nil
	}
	path, err := m.EnsureReleaseGeneIndexCached(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, notReady(id, err)
	}
	idx, err := parseIndexFor(id, b)
	if err != nil {
		// A corrupt cache file is dropped so the next call refetches.
		_ = os.Remove(path)
		return nil, notReady(id, err)
	}
	m.indexes.Add(id, idx)
	m.rec.ObserveIndexLoad(SourceDisk)
	return idx, nil
}

// EvictReleaseGeneIndex drops the parsed and on-disk copies for id.
func (m *Manager) EvictReleaseGeneIndex(id model.DatasetID) error {
	m.indexes.Remove(id)
	if err := os.Remove(m.indexPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (m *Manager) fetchIndex(ctx context.Context, id model.DatasetID) ([]byte, string, error) {
	if src, ok := m.store.(store.ReleaseIndexSource); ok {
		b, err := src.GetReleaseGeneIndexBytes(ctx, id)
		switch {
		case err == nil:
			_, perr := parseIndexFor(id, b)
			if perr == nil {
				return b, SourceStore, nil
			}
			m.logger.WarnContext(ctx, "store-provided release gene index rejected",
				slog.String("dataset", id.Canonical()), slog.Any("error", perr))
		case store.CodeOf(err) != store.CodeNotFound:
			m.logger.WarnContext(ctx, "store-provided release gene index unavailable",
				slog.String("dataset", id.Canonical()), slog.Any("error", err))
		}
	}
	idx, err := m.deriveIndex(ctx, id)
	if err != nil {
		return nil, "", err
	}
	b, err := json.Marshal(idx)
	if err != nil {
		return nil, "", fmt.Errorf("encode release gene index: %w", err)
	}
	return b, SourceDerived, nil
}

// deriveIndex builds the index from the verified SQLite artifact.
func (m *Manager) deriveIndex(ctx context.Context, id model.DatasetID) (*model.ReleaseGeneIndex, error) {
	data, err := m.store.GetSQLiteBytesVerified(ctx, id)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(m.indexPath(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, ".derive-*.sqlite")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", tmp.Name())
	if err != nil {
		return nil, err
	}
	defer db.Close()
	rows, err := db.QueryContext(ctx, geneSummaryQuery)
	if err != nil {
		return nil, fmt.Errorf("query gene_summary: %w", err)
	}
	defer rows.Close()

	var entries []model.ReleaseGeneIndexEntry
	for rows.Next() {
		var r model.GeneRow
		var start, end, transcripts, sequenceLen int64
		if err := rows.Scan(&r.GeneID, &r.Name, &r.Biotype, &r.Seqid, &start, &end, &transcripts, &sequenceLen); err != nil {
			return nil, fmt.Errorf("scan gene_summary: %w", err)
		}
		if start < 0 || end < 0 || transcripts < 0 || sequenceLen < 0 {
			return nil, fmt.Errorf("gene %s has negative coordinates or counts", r.GeneID)
		}
		r.Start, r.End = uint64(start), uint64(end)
		r.TranscriptCount, r.SequenceLength = uint64(transcripts), uint64(sequenceLen)
		entries = append(entries, r.IndexEntry())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return model.NewReleaseGeneIndex(id, entries)
}

func parseIndexFor(id model.DatasetID, b []byte) (*model.ReleaseGeneIndex, error) {
	idx, err := model.ParseReleaseGeneIndex(b)
	if err != nil {
		return nil, err
	}
	if idx.Dataset != id {
		return nil, fmt.Errorf("%w: index is for %s, expected %s", model.ErrInvalidIndex, idx.Dataset, id)
	}
	return idx, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// Manifest returns the validated manifest for id. Manifests are immutable
// once published, so successful reads are kept for the process lifetime.
func (m *Manager) Manifest(ctx context.Context, id model.DatasetID) (model.ArtifactManifest, error) {
	if v, ok := m.manifests.Load(id); ok {
		return v.(model.ArtifactManifest), nil
	}
	manifest, err := m.store.GetManifest(ctx, id)
	if err != nil {
		return model.ArtifactManifest{}, err
	}
	m.manifests.Store(id, manifest)
	return manifest, nil
}
