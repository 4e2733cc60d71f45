package daemon

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ledgerflow/autobook/internal/bas"
	"github.com/ledgerflow/autobook/internal/domain"
	"github.com/ledgerflow/autobook/internal/infra/policystore"
	"github.com/ledgerflow/autobook/internal/rules"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	return cfg
}

func newTestDaemon(t *testing.T, cfg Config) *Daemon {
	t.Helper()
	d, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNew_WiresDefaults(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	if d.Charts.Current().Version != bas.Version2025v1 {
		t.Errorf("current chart = %s", d.Charts.Current().Version)
	}
	if d.Tracer == nil {
		t.Error("tracer not created")
	}
	e, version, err := d.Versions.EngineFor(context.Background(), domain.MustParseDate("2025-08-01"), "")
	if err != nil {
		t.Fatal(err)
	}
	if version != bas.Version2025v2 || len(e.Policies()) == 0 {
		t.Errorf("engine for 2025-08-01: version %s, %d policies", version, len(e.Policies()))
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policies.Source = "ftp"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("New() accepted an invalid policy source")
	}
}

func TestHandler_Health(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	w := httptest.NewRecorder()
	d.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET /health = %d", w.Code)
	}

	w = httptest.NewRecorder()
	d.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET /metrics = %d", w.Code)
	}
}

func TestChartSource_PrefersImportedDatasets(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDaemon(t, cfg)
	ctx := context.Background()

	base := bas.Default().Current()
	imported, err := bas.NewDataset("2026_v1.0", domain.MustParseDate("2026-01-01"), domain.Date{}, base.Accounts())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.DB.SaveChart(ctx, imported); err != nil {
		t.Fatal(err)
	}

	src := ChartSource(cfg, d.DB)
	if _, err := src.ChartDocument(ctx, "2026_v1.0"); err != nil {
		t.Errorf("imported dataset not found: %v", err)
	}
	if _, err := src.ChartDocument(ctx, bas.Version2025v2); err != nil {
		t.Errorf("embedded fallback failed: %v", err)
	}
}

func TestPolicySource(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDaemon(t, cfg)
	ctx := context.Background()

	if _, ok := PolicySource(cfg, d.DB).(policystore.FSSource); !ok {
		t.Error("embedded source not selected by default")
	}

	docs, err := policystore.Embedded().PolicyDocuments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p, err := rules.DefaultValidator().ParsePolicy(docs[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := d.DB.SavePolicy(ctx, p); err != nil {
		t.Fatal(err)
	}

	cfg.Policies.Source = PolicySourceDB
	got, err := PolicySource(cfg, d.DB).PolicyDocuments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("db source returned %d documents, want 1", len(got))
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := testConfig(t)
	cfg.API.Port = port
	d := newTestDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + cfg.Addr() + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
