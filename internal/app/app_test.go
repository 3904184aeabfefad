package app_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"geneatlas/internal/admission"
	"geneatlas/internal/app"
	"geneatlas/internal/config"
	ledgerpg "geneatlas/internal/infra/ledger/postgres"
	"geneatlas/internal/model"
	"geneatlas/internal/publish"
	"geneatlas/testutil"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = "fs"
	cfg.Store.FSRoot = t.TempDir()
	cfg.Cache.Root = t.TempDir()
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.API.CursorSecret = "app-test-cursor-secret"
	return cfg
}

func publishFixtures(t *testing.T, a *app.App) {
	t.Helper()
	for _, b := range []testutil.Bundle{
		testutil.NewBundle(t, testutil.Dataset("110"), []model.GeneRow{
			testutil.Gene("g1", "chr1", 100, 200),
			testutil.Gene("g2", "chr1", 300, 400),
		}),
		testutil.NewBundle(t, testutil.Dataset("111"), []model.GeneRow{
			testutil.Gene("g2", "chr1", 300, 450),
			testutil.Gene("g3", "chr1", 500, 600),
		}),
	} {
		_, err := a.Publisher.Publish(context.Background(), publish.Bundle{Dataset: b.ID, Manifest: b.ManifestBytes, SQLite: b.SQLiteBytes})
		if err != nil {
			t.Fatalf("publish %s: %v", b.ID, err)
		}
	}
}

func TestServeAnswersDiffAndShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := app.New(ctx, testConfig(t), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Close() }()
	publishFixtures(t, a)
	a.Cache.RefreshCatalog(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/v1/diff/genes?species=homo_sapiens&assembly=GRCh38&from_release=110&to_release=latest")
	if err != nil {
		t.Fatalf("GET diff: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	var env struct {
		Data struct {
			Diff model.DiffPage `json:"diff"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var got []string
	for _, r := range env.Data.Diff.Rows {
		got = append(got, r.GeneID+":"+string(r.Status))
	}
	if diff := cmp.Diff([]string{"g1:removed", "g2:changed", "g3:added"}, got); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	metrics, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(metrics), `atlas_http_requests_total{route="/v1/diff/genes",status="200"} 1`) {
		t.Fatalf("request metric missing:\n%s", metrics)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}

func TestCatalogListsPublishedDatasets(t *testing.T) {
	a, err := app.New(context.Background(), testConfig(t), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	publishFixtures(t, a)
	c, err := a.Catalog(context.Background())
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	if diff := cmp.Diff([]model.DatasetID{testutil.Dataset("110"), testutil.Dataset("111")}, c.IDs()); diff != "" {
		t.Fatalf("catalog mismatch (-want +got):\n%s", diff)
	}
}

func TestAdmissionConfigMapsAPISection(t *testing.T) {
	api := config.Default().API
	got := app.AdmissionConfig(api)
	want := admission.Config{
		MaxQueueDepth:       256,
		Concurrency:         map[admission.Class]int{admission.Cheap: 256, admission.Medium: 64, admission.Heavy: 16},
		LatencyP95Threshold: 900 * time.Millisecond,
		LatencyMinSamples:   50,
		QueueOccupancyRatio: 0.8,
		AdaptiveLimitFactor: 0.5,
		BackoffBase:         250 * time.Millisecond,
		BackoffMax:          5 * time.Second,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("admission config mismatch (-want +got):\n%s", diff)
	}
}

func TestNewCodec(t *testing.T) {
	if _, err := app.NewCodec("short", quietLogger()); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
	if c, err := app.NewCodec("", quietLogger()); err != nil || c == nil {
		t.Fatalf("random codec: %v", err)
	}
}

func TestNewFailsWhenLedgerUnavailable(t *testing.T) {
	restore := ledgerpg.OverrideSQLOpen(func(string, string) (*sql.DB, error) {
		return nil, errors.New("no route to ledger")
	})
	defer restore()
	cfg := testConfig(t)
	cfg.Ledger.PostgresDSN = "postgres://ledger.invalid/atlas"
	if _, err := app.New(context.Background(), cfg, quietLogger()); err == nil || !strings.Contains(err.Error(), "no route to ledger") {
		t.Fatalf("expected ledger error, got %v", err)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "tape"
	if _, err := app.New(context.Background(), cfg, quietLogger()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
