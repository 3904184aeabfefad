// Package s3 implements the artifact store on an S3-compatible bucket (AWS S3
// or MinIO). Publication relies on conditional writes instead of a lock file.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"geneatlas/internal/model"
	"geneatlas/internal/store/core"
)

const catalogUpdateAttempts = 5

// Store implements core.ArtifactStore on a single bucket under an optional prefix.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	inst   core.Instrumentation
}

// Config holds explicit construction parameters.
type Config struct {
	Region    string
	Bucket    string
	Prefix    string
	Endpoint  string // optional; if set enables custom endpoint (e.g. MinIO)
	PathStyle bool

	Instrumentation core.Instrumentation
}

// New creates an S3 artifact store from Config using the default AWS
// credential chain.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newStore(client, cfg.Bucket, cfg.Prefix, cfg.Instrumentation), nil
}

func newStore(client *s3.Client, bucket, prefix string, inst core.Instrumentation) *Store {
	if inst == nil {
		inst = core.NopInstrumentation{}
	}
	return &Store{client: client, bucket: bucket, prefix: prefix, inst: inst}
}

func (s *Store) Driver() core.Driver { return core.DriverS3 }

func (s *Store) fail(err error) error {
	if err != nil {
		s.inst.ObserveError(core.DriverS3, core.CodeOf(err))
	}
	return err
}

func (s *Store) objectKey(parts ...string) string {
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *Store) derivedKey(id model.DatasetID, name string) string {
	return s.objectKey(id.KeyPrefix(), model.DerivedDir, name)
}

// contentKey inserts digest before the extension of name:
// gene_summary.sqlite becomes gene_summary.<digest>.sqlite.
func (s *Store) contentKey(id model.DatasetID, name, digest string) string {
	ext := path.Ext(name)
	return s.derivedKey(id, strings.TrimSuffix(name, ext)+"."+digest+ext)
}

// classify maps SDK errors onto store error codes.
func classify(err error, op, key string) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return core.Wrap(core.CodeNotFound, err, "%s %s", op, key)
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case http.StatusNotFound:
			return core.Wrap(core.CodeNotFound, err, "%s %s", op, key)
		case http.StatusPreconditionFailed, http.StatusConflict:
			return core.Wrap(core.CodeConflict, err, "%s %s", op, key)
		}
	}
	return core.Wrap(core.CodeNetwork, err, "%s %s", op, key)
}

func (s *Store) getObject(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, "", classify(err, "get", key)
	}
	defer func() { _ = out.Body.Close() }()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", core.Wrap(core.CodeNetwork, err, "read %s", key)
	}
	s.inst.ObserveDownload(core.DriverS3, len(b))
	return b, aws.ToString(out.ETag), nil
}

func (s *Store) putObject(ctx context.Context, key string, body []byte, contentType string, mutate func(*s3.PutObjectInput)) error {
	input := &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}
	if mutate != nil {
		mutate(input)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return classify(err, "put", key)
	}
	s.inst.ObserveUpload(core.DriverS3, len(body))
	return nil
}

func (s *Store) readCatalog(ctx context.Context) (model.Catalog, string, error) {
	b, etag, err := s.getObject(ctx, s.objectKey(model.CatalogFile))
	if core.IsCode(err, core.CodeNotFound) {
		return model.Catalog{}, "", nil
	}
	if err != nil {
		return model.Catalog{}, "", err
	}
	var cat model.Catalog
	if err := json.Unmarshal(b, &cat); err != nil {
		return model.Catalog{}, "", core.Wrap(core.CodeValidation, err, "parse catalog")
	}
	if err := cat.ValidateStrict(); err != nil {
		return model.Catalog{}, "", core.Wrap(core.CodeValidation, err, "catalog")
	}
	return cat, etag, nil
}

func (s *Store) ListDatasets(ctx context.Context) ([]model.DatasetID, error) {
	cat, _, err := s.readCatalog(ctx)
	if err != nil {
		return nil, s.fail(err)
	}
	return cat.IDs(), nil
}

// readManifest fetches the committed manifest. Its bytes and declared data
// digest name the content-addressed lock and data objects.
func (s *Store) readManifest(ctx context.Context, id model.DatasetID) ([]byte, model.ArtifactManifest, error) {
	if err := id.Validate(); err != nil {
		return nil, model.ArtifactManifest{}, core.Wrap(core.CodeValidation, err, "dataset id")
	}
	raw, _, err := s.getObject(ctx, s.derivedKey(id, model.ManifestFile))
	if err != nil {
		return nil, model.ArtifactManifest{}, err
	}
	m, err := model.ParseManifest(raw)
	if err != nil {
		return nil, model.ArtifactManifest{}, core.Wrap(core.CodeValidation, err, "parse manifest")
	}
	if err := m.ValidateStrict(); err != nil {
		return nil, model.ArtifactManifest{}, core.Wrap(core.CodeValidation, err, "manifest")
	}
	return raw, m, nil
}

func (s *Store) GetManifest(ctx context.Context, id model.DatasetID) (model.ArtifactManifest, error) {
	manifest, m, err := s.readManifest(ctx, id)
	if err != nil {
		return model.ArtifactManifest{}, s.fail(err)
	}
	sqlite, _, err := s.getObject(ctx, s.contentKey(id, model.SQLiteFile, m.Checksums.SQLiteSHA256))
	if err != nil {
		return model.ArtifactManifest{}, s.fail(err)
	}
	lock, _, err := s.getObject(ctx, s.contentKey(id, model.ManifestLockFile, model.SHA256Hex(manifest)))
	if core.IsCode(err, core.CodeNotFound) {
		return model.ArtifactManifest{}, s.fail(core.Wrap(core.CodeValidation, err, "manifest.lock missing for %s", id))
	}
	if err != nil {
		return model.ArtifactManifest{}, s.fail(err)
	}
	m, err = core.ValidateStoredManifest(manifest, sqlite, lock)
	return m, s.fail(err)
}

// GetSQLiteBytes resolves the data object through the committed manifest.
func (s *Store) GetSQLiteBytes(ctx context.Context, id model.DatasetID) ([]byte, error) {
	_, m, err := s.readManifest(ctx, id)
	if err != nil {
		return nil, s.fail(err)
	}
	b, _, err := s.getObject(ctx, s.contentKey(id, model.SQLiteFile, m.Checksums.SQLiteSHA256))
	return b, s.fail(err)
}

func (s *Store) GetSQLiteBytesVerified(ctx context.Context, id model.DatasetID) ([]byte, error) {
	b, err := core.FetchVerified(ctx, s, id)
	return b, s.fail(err)
}

func (s *Store) GetReleaseGeneIndexBytes(ctx context.Context, id model.DatasetID) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, s.fail(core.Wrap(core.CodeValidation, err, "dataset id"))
	}
	b, _, err := s.getObject(ctx, s.derivedKey(id, model.ReleaseGeneIndexFile))
	return b, s.fail(err)
}

// Exists reports whether the manifest object, the commit point, is present.
func (s *Store) Exists(ctx context.Context, id model.DatasetID) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, s.fail(core.Wrap(core.CodeValidation, err, "dataset id"))
	}
	key := s.derivedKey(id, model.ManifestFile)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err == nil {
		return true, nil
	}
	if err = classify(err, "head", key); core.IsCode(err, core.CodeNotFound) {
		return false, nil
	}
	return false, s.fail(err)
}

// AcquirePublishLock is unsupported; publication is serialised by the
// conditional manifest write instead.
func (s *Store) AcquirePublishLock(context.Context, model.DatasetID) (core.PublishLock, error) {
	return nil, s.fail(core.Errorf(core.CodeUnsupported, "s3 store has no advisory publish lock"))
}

// PutDataset stages data and lock under content-addressed keys and commits
// with a create-only manifest write, so concurrent publishers of one dataset
// cannot both win and the loser never touches objects the winner refers to.
func (s *Store) PutDataset(ctx context.Context, id model.DatasetID, manifest, sqlite []byte, expectedManifestSHA256, expectedSQLiteSHA256 string) error {
	if _, err := core.CheckPublication(id, manifest, sqlite, expectedManifestSHA256, expectedSQLiteSHA256); err != nil {
		return s.fail(err)
	}
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		return s.fail(core.Errorf(core.CodeConflict, "dataset %s is already published", id))
	}
	if err := s.stage(ctx, id, manifest, sqlite); err != nil {
		return s.fail(err)
	}
	return s.fail(s.commit(ctx, id, manifest))
}

// stage writes the data file and its lock. Keys embed the content digest, so
// a key that already exists holds identical bytes.
func (s *Store) stage(ctx context.Context, id model.DatasetID, manifest, sqlite []byte) error {
	lock, err := json.MarshalIndent(model.NewManifestLock(manifest, sqlite), "", "  ")
	if err != nil {
		return core.Wrap(core.CodeInternal, err, "encode manifest lock")
	}
	objects := []struct {
		key         string
		body        []byte
		contentType string
	}{
		{s.contentKey(id, model.SQLiteFile, model.SHA256Hex(sqlite)), sqlite, "application/vnd.sqlite3"},
		{s.contentKey(id, model.ManifestLockFile, model.SHA256Hex(manifest)), lock, "application/json"},
	}
	for _, o := range objects {
		err := s.putObject(ctx, o.key, o.body, o.contentType, createOnly)
		if err != nil && !core.IsCode(err, core.CodeConflict) {
			return err
		}
	}
	return nil
}

// commit publishes the manifest, the single commit point for id.
func (s *Store) commit(ctx context.Context, id model.DatasetID, manifest []byte) error {
	err := s.putObject(ctx, s.derivedKey(id, model.ManifestFile), manifest, "application/json", createOnly)
	if core.IsCode(err, core.CodeConflict) {
		return core.Wrap(core.CodeConflict, err, "dataset %s is already published", id)
	}
	return err
}

func createOnly(in *s3.PutObjectInput) {
	in.IfNoneMatch = aws.String("*")
}

func (s *Store) PublishAtomic(ctx context.Context, id model.DatasetID, manifest, sqlite []byte, expectedManifestSHA256, expectedSQLiteSHA256 string) error {
	return s.PutDataset(ctx, id, manifest, sqlite, expectedManifestSHA256, expectedSQLiteSHA256)
}

// UpdateCatalog rewrites the catalog with a compare-and-swap on its ETag,
// retrying when another writer won the race.
func (s *Store) UpdateCatalog(ctx context.Context, fn func(model.Catalog) (model.Catalog, error)) error {
	key := s.objectKey(model.CatalogFile)
	for attempt := 0; attempt < catalogUpdateAttempts; attempt++ {
		current, etag, err := s.readCatalog(ctx)
		if err != nil {
			return s.fail(err)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		if err := next.ValidateStrict(); err != nil {
			return s.fail(core.Wrap(core.CodeValidation, err, "catalog"))
		}
		b, err := json.MarshalIndent(next, "", "  ")
		if err != nil {
			return s.fail(core.Wrap(core.CodeInternal, err, "encode catalog"))
		}
		err = s.putObject(ctx, key, b, "application/json", func(in *s3.PutObjectInput) {
			if etag == "" {
				createOnly(in)
			} else {
				in.IfMatch = aws.String(etag)
			}
		})
		if core.IsCode(err, core.CodeConflict) {
			continue
		}
		return s.fail(err)
	}
	return s.fail(core.Errorf(core.CodeConflict, "catalog update lost %d races", catalogUpdateAttempts))
}
