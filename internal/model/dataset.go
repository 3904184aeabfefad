// Package model holds the dataset, manifest, index and diff types shared by
// the store, cache and query layers.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// LatestAlias is the release value resolved against the catalog at query
// time. It is never stored.
const LatestAlias = "latest"

const maxDimensionLen = 64

// ErrInvalidDataset reports a malformed dataset coordinate.
var ErrInvalidDataset = errors.New("model: invalid dataset id")

// DatasetID is the immutable identity of one published dataset.
type DatasetID struct {
	Release  string `json:"release" cbor:"r"`
	Species  string `json:"species" cbor:"s"`
	Assembly string `json:"assembly" cbor:"a"`
}

// NewDatasetID validates and returns a dataset identity suitable for storage.
func NewDatasetID(release, species, assembly string) (DatasetID, error) {
	id := DatasetID{Release: release, Species: species, Assembly: assembly}
	if err := id.Validate(); err != nil {
		return DatasetID{}, err
	}
	return id, nil
}

// Validate checks every dimension and rejects the latest alias.
func (d DatasetID) Validate() error {
	for _, dim := range []struct{ name, value string }{
		{"release", d.Release},
		{"species", d.Species},
		{"assembly", d.Assembly},
	} {
		if err := validateDimension(dim.name, dim.value); err != nil {
			return err
		}
	}
	if d.Release == LatestAlias {
		return fmt.Errorf("%w: release %q is an alias", ErrInvalidDataset, LatestAlias)
	}
	return nil
}

// ValidateDimension checks a single species/assembly/release value.
func ValidateDimension(name, value string) error {
	return validateDimension(name, value)
}

func validateDimension(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidDataset, name)
	}
	if len(value) > maxDimensionLen {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidDataset, name, maxDimensionLen)
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return fmt.Errorf("%w: %s contains %q", ErrInvalidDataset, name, r)
		}
	}
	return nil
}

// Canonical renders the id as release/species/assembly.
func (d DatasetID) Canonical() string {
	return d.Release + "/" + d.Species + "/" + d.Assembly
}

func (d DatasetID) String() string { return d.Canonical() }

// KeyPrefix is the partitioned path prefix used by every store backend.
func (d DatasetID) KeyPrefix() string {
	return "release=" + d.Release + "/species=" + d.Species + "/assembly=" + d.Assembly
}

// Compare orders ids by release, species, then assembly.
func (d DatasetID) Compare(o DatasetID) int {
	if c := strings.Compare(d.Release, o.Release); c != 0 {
		return c
	}
	if c := strings.Compare(d.Species, o.Species); c != 0 {
		return c
	}
	return strings.Compare(d.Assembly, o.Assembly)
}
