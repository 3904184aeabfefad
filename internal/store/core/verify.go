package core

import (
	"context"

	"geneatlas/internal/model"
)

// FetchVerified reads the data file through s and checks it against the
// manifest's declared digest and the SQLite header.
func FetchVerified(ctx context.Context, s ArtifactStore, id model.DatasetID) ([]byte, error) {
	manifest, err := s.GetManifest(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := s.GetSQLiteBytes(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := model.VerifySHA256(data, manifest.Checksums.SQLiteSHA256); err != nil {
		return nil, Wrap(CodeValidation, err, "sqlite checksum for %s", id)
	}
	if !model.HasSQLiteMagic(data) {
		return nil, Errorf(CodeValidation, "sqlite header missing for %s", id)
	}
	return data, nil
}

// CheckPublication runs the caller-independent gates every backend applies
// before writing: digests match the expectations, the data file is SQLite,
// and the manifest is strictly valid, describes id and declares the data digest.
func CheckPublication(id model.DatasetID, manifest, sqlite []byte, expectedManifestSHA256, expectedSQLiteSHA256 string) (model.ArtifactManifest, error) {
	if err := id.Validate(); err != nil {
		return model.ArtifactManifest{}, Wrap(CodeValidation, err, "dataset id")
	}
	if err := model.VerifySHA256(manifest, expectedManifestSHA256); err != nil {
		return model.ArtifactManifest{}, Wrap(CodeValidation, err, "manifest checksum")
	}
	if err := model.VerifySHA256(sqlite, expectedSQLiteSHA256); err != nil {
		return model.ArtifactManifest{}, Wrap(CodeValidation, err, "sqlite checksum")
	}
	if !model.HasSQLiteMagic(sqlite) {
		return model.ArtifactManifest{}, Errorf(CodeValidation, "sqlite header missing")
	}
	m, err := model.ParseManifest(manifest)
	if err != nil {
		return model.ArtifactManifest{}, Wrap(CodeValidation, err, "parse manifest")
	}
	if err := m.ValidateStrict(); err != nil {
		return model.ArtifactManifest{}, Wrap(CodeValidation, err, "manifest")
	}
	if m.Dataset != id {
		return model.ArtifactManifest{}, Errorf(CodeValidation, "manifest describes %s, not %s", m.Dataset, id)
	}
	if m.Checksums.SQLiteSHA256 != expectedSQLiteSHA256 {
		return model.ArtifactManifest{}, Errorf(CodeValidation, "manifest declares sqlite %s, data is %s", m.Checksums.SQLiteSHA256, expectedSQLiteSHA256)
	}
	return m, nil
}

// ValidateStoredManifest runs the three read-side integrity gates.
func ValidateStoredManifest(manifestBytes, sqlite, lockBytes []byte) (model.ArtifactManifest, error) {
	lock, err := model.ParseManifestLock(lockBytes)
	if err != nil {
		return model.ArtifactManifest{}, Wrap(CodeValidation, err, "manifest lock")
	}
	if sqlite != nil {
		err = lock.Validate(manifestBytes, sqlite)
	} else {
		err = lock.ValidateManifestOnly(manifestBytes)
	}
	if err != nil {
		return model.ArtifactManifest{}, Wrap(CodeValidation, err, "manifest lock")
	}
	m, err := model.ParseManifest(manifestBytes)
	if err != nil {
		return model.ArtifactManifest{}, Wrap(CodeValidation, err, "parse manifest")
	}
	if err := m.ValidateStrict(); err != nil {
		return model.ArtifactManifest{}, Wrap(CodeValidation, err, "manifest")
	}
	return m, nil
}
