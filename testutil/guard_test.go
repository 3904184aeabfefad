package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordingFatal struct{ msg string }

func (r *recordingFatal) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func TestPredicates(t *testing.T) {
	cases := map[string]bool{
		"net/http":                          true,
		"net/http/httptest":                 true,
		"geneatlas/internal/adapters/api":   true,
		"geneatlas/internal/infra/store/fs": true,
		"github.com/aws/aws-sdk-go-v2/aws":  true,
		"github.com/jackc/pgx/v5/stdlib":    true,
		"modernc.org/sqlite":                true,
		"net":                               false,
		"geneatlas/internal/model":          false,
		"geneatlas/internal/infrastructure": false,
		"github.com/fxamacker/cbor/v2":      false,
	}
	for path, want := range cases {
		if got := TransportImportForbidden(path); got != want {
			t.Errorf("TransportImportForbidden(%q) = %v, want %v", path, got, want)
		}
	}
	if BackendImportForbidden("net/http") {
		t.Fatalf("net/http is not a backend")
	}
}

func TestDirectImportViolationsIgnoresTests(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("a.go", "package p\n\nimport (\n\t\"net/http\"\n\t\"strings\"\n)\n\nvar _ = http.MethodGet\nvar _ = strings.ToUpper\n")
	write("a_test.go", "package p\n\nimport \"geneatlas/internal/infra/store/fs\"\n")
	write("notes.txt", "import \"net/http\"")

	viols, err := directImportViolations(dir, TransportImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "net/http (in a.go)" {
		t.Fatalf("violations = %v", viols)
	}

	rec := &recordingFatal{}
	failIfDirectViolations(rec, "pure package", viols)
	if !strings.Contains(rec.msg, "pure package") || !strings.Contains(rec.msg, "a.go") {
		t.Fatalf("unexpected failure message %q", rec.msg)
	}
	rec = &recordingFatal{}
	failIfDirectViolations(rec, "clean", nil)
	if rec.msg != "" {
		t.Fatalf("clean scan reported %q", rec.msg)
	}
}

func TestDirectImportViolationsMissingDir(t *testing.T) {
	if _, err := directImportViolations(filepath.Join(t.TempDir(), "absent"), TransportImportForbidden); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}
