package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"geneatlas/internal/model"
	"geneatlas/internal/publish"
	"geneatlas/testutil"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "atlas.yaml")
	body := "store:\n  driver: fs\n  fs_root: " + filepath.Join(dir, "artifacts") +
		"\ncache:\n  root: " + filepath.Join(dir, "cache") +
		"\nlog:\n  level: error\n  format: text\napi:\n  cursor_secret: cli-test-cursor-secret\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestPublishThenCatalog(t *testing.T) {
	cfgPath := writeConfig(t)
	b := testutil.NewBundle(t, testutil.Dataset("111"), []model.GeneRow{testutil.Gene("g1", "chr1", 1, 10)})
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.json")
	sqlitePath := filepath.Join(dir, "gene_summary.sqlite")
	if err := os.WriteFile(manifestPath, b.ManifestBytes, 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(sqlitePath, b.SQLiteBytes, 0o600); err != nil {
		t.Fatalf("write sqlite: %v", err)
	}

	out, err := execute(t, "publish", "--config", cfgPath,
		"--release", "111", "--species", "homo_sapiens", "--assembly", "GRCh38",
		"--manifest", manifestPath, "--sqlite", sqlitePath)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	var pub publish.Publication
	if err := json.Unmarshal([]byte(out), &pub); err != nil {
		t.Fatalf("decode publication: %v (%s)", err, out)
	}
	if pub.Dataset != b.ID || pub.SQLiteSHA256 != b.SQLiteSHA256 {
		t.Fatalf("unexpected publication %+v", pub)
	}

	out, err = execute(t, "catalog", "--config", cfgPath)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	var c model.Catalog
	if err := json.Unmarshal([]byte(out), &c); err != nil {
		t.Fatalf("decode catalog: %v", err)
	}
	if len(c.Datasets) != 1 || c.Datasets[0].Dataset != b.ID {
		t.Fatalf("catalog = %+v", c)
	}

	if _, err := execute(t, "publish", "--config", cfgPath,
		"--release", "111", "--species", "homo_sapiens", "--assembly", "GRCh38",
		"--manifest", manifestPath, "--sqlite", sqlitePath); err == nil {
		t.Fatalf("expected republish to fail")
	}
}

func TestPublishRequiresFlags(t *testing.T) {
	_, err := execute(t, "publish", "--config", writeConfig(t), "--release", "111")
	if err == nil || !strings.Contains(err.Error(), "required flag") {
		t.Fatalf("expected required flag error, got %v", err)
	}
}

func TestPublishRejectsBadDataset(t *testing.T) {
	_, err := execute(t, "publish", "--config", writeConfig(t),
		"--release", "latest", "--species", "homo_sapiens", "--assembly", "GRCh38",
		"--manifest", "m.json", "--sqlite", "g.sqlite")
	if err == nil || !strings.Contains(err.Error(), "alias") {
		t.Fatalf("expected alias rejection, got %v", err)
	}
}

func TestLoadFailsOnMissingConfig(t *testing.T) {
	if _, err := execute(t, "catalog", "--config", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing config error")
	}
}
