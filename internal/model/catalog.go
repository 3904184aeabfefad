package model

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidCatalog reports a catalog that fails strict validation.
var ErrInvalidCatalog = errors.New("model: invalid catalog")

// CatalogEntry summarises one published dataset.
type CatalogEntry struct {
	Dataset      DatasetID `json:"dataset"`
	ManifestPath string    `json:"manifest_path"`
	SQLitePath   string    `json:"sqlite_path"`
}

// Catalog is the ordered set of published datasets.
type Catalog struct {
	Datasets []CatalogEntry `json:"datasets"`
}

// Standard artifact file names inside a dataset's derived directory.
const (
	ManifestFile         = "manifest.json"
	SQLiteFile           = "gene_summary.sqlite"
	ManifestLockFile     = "manifest.lock"
	ReleaseGeneIndexFile = "release_gene_index.json"
	CatalogFile          = "catalog.json"
	DerivedDir           = "derived"
)

// EntryFor builds the catalog entry for id using the standard layout.
func EntryFor(id DatasetID) CatalogEntry {
	prefix := id.KeyPrefix() + "/" + DerivedDir + "/"
	return CatalogEntry{Dataset: id, ManifestPath: prefix + ManifestFile, SQLitePath: prefix + SQLiteFile}
}

// CatalogFromIDs builds a sorted catalog using the standard layout. Repeated
// ids collapse to one entry.
func CatalogFromIDs(ids []DatasetID) Catalog {
	out := make([]CatalogEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, EntryFor(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dataset.Compare(out[j].Dataset) < 0 })
	n := 0
	for i, e := range out {
		if i > 0 && out[n-1].Dataset == e.Dataset {
			continue
		}
		out[n] = e
		n++
	}
	return Catalog{Datasets: out[:n]}
}

// IDs returns the dataset ids in catalog order.
func (c Catalog) IDs() []DatasetID {
	out := make([]DatasetID, 0, len(c.Datasets))
	for _, e := range c.Datasets {
		out = append(out, e.Dataset)
	}
	return out
}

// ValidateStrict checks ordering, uniqueness and that every path is set.
func (c Catalog) ValidateStrict() error {
	for i, e := range c.Datasets {
		if err := e.Dataset.Validate(); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrInvalidCatalog, i, err)
		}
		if e.ManifestPath == "" || e.SQLitePath == "" {
			return fmt.Errorf("%w: entry %s has empty paths", ErrInvalidCatalog, e.Dataset)
		}
		if i > 0 && c.Datasets[i-1].Dataset.Compare(e.Dataset) >= 0 {
			return fmt.Errorf("%w: entries not strictly sorted at %s", ErrInvalidCatalog, e.Dataset)
		}
	}
	return nil
}

// With returns a copy of the catalog containing entry, replacing any entry
// for the same dataset and keeping sort order.
func (c Catalog) With(entry CatalogEntry) Catalog {
	out := make([]CatalogEntry, 0, len(c.Datasets)+1)
	for _, e := range c.Datasets {
		if e.Dataset == entry.Dataset {
			continue
		}
		out = append(out, e)
	}
	out = append(out, entry)
	sort.Slice(out, func(i, j int) bool { return out[i].Dataset.Compare(out[j].Dataset) < 0 })
	return Catalog{Datasets: out}
}

// Contains reports whether id is published.
func (c Catalog) Contains(id DatasetID) bool {
	for _, e := range c.Datasets {
		if e.Dataset == id {
			return true
		}
	}
	return false
}

// ResolveRelease maps a requested release (possibly the latest alias) to a
// concrete published release for species/assembly.
func (c Catalog) ResolveRelease(release, species, assembly string) (DatasetID, bool) {
	if release != LatestAlias {
		id := DatasetID{Release: release, Species: species, Assembly: assembly}
		return id, c.Contains(id)
	}
	var best string
	for _, e := range c.Datasets {
		if e.Dataset.Species != species || e.Dataset.Assembly != assembly {
			continue
		}
		if e.Dataset.Release > best {
			best = e.Dataset.Release
		}
	}
	if best == "" {
		return DatasetID{}, false
	}
	return DatasetID{Release: best, Species: species, Assembly: assembly}, true
}
