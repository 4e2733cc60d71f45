package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ledgerflow/autobook/internal/app/booking"
	"github.com/ledgerflow/autobook/internal/bas"
	"github.com/ledgerflow/autobook/internal/domain"
	"github.com/ledgerflow/autobook/internal/infra/observability"
	"github.com/ledgerflow/autobook/internal/infra/policystore"
	"github.com/ledgerflow/autobook/internal/infra/sqlite"
	"github.com/ledgerflow/autobook/internal/rules"
)

// ─── Setup ──────────────────────────────────────────────────────────────────

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	charts := bas.Default()
	metrics := observability.EngineMetrics{}
	vm := rules.NewVersionManager(rules.VersionConfig{
		Policies:      policystore.Embedded(),
		Charts:        charts,
		EngineOptions: []rules.Option{rules.WithObserver(metrics)},
		OnPolicyDrop:  metrics.PolicyDropped,
	})
	tracer := observability.NewTracer(observability.DefaultTracerConfig())
	svc := booking.New(booking.DefaultConfig(), vm, db, tracer)

	s := NewServer(svc, vm, charts)
	s.EnableMetrics()
	s.SetTracer(tracer)
	s.today = func() domain.Date { return domain.MustParseDate("2025-03-14") }

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func phoneBody(total string) string {
	return fmt.Sprintf(`{
		"intent": {"name": "mobile_phone_purchase", "confidence": 0.95, "slots": {"installment_months": 24}},
		"receipt": {"total": %q, "currency": "SEK", "vendor": "Elgiganten", "date": "2025-03-14", "confidence": 0.9}
	}`, total)
}

const mealBody = `{
	"intent": {"name": "representation_meal", "confidence": 0.9, "slots": {"attendees_count": 2}},
	"receipt": {"total": "1200", "currency": "SEK", "vendor": "Restaurang Prinsen", "date": "2025-03-14"}
}`

// ─── Health ─────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	ts := setupServer(t)
	code, body := do(t, http.MethodGet, ts.URL+"/health", "")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("GET /health = %d %v", code, body)
	}
}

// ─── Proposals ──────────────────────────────────────────────────────────────

func TestProposeAndBook(t *testing.T) {
	ts := setupServer(t)

	code, body := do(t, http.MethodPost, ts.URL+"/v1/proposals", phoneBody("15000"))
	if code != http.StatusCreated {
		t.Fatalf("POST /v1/proposals = %d %v", code, body)
	}
	record := body["record"].(map[string]any)
	proposal := record["proposal"].(map[string]any)
	if proposal["stoplight"] != "GREEN" {
		t.Fatalf("stoplight = %v", proposal["stoplight"])
	}
	id := record["id"].(string)

	code, body = do(t, http.MethodGet, ts.URL+"/v1/proposals/"+id, "")
	if code != http.StatusOK || body["id"] != id {
		t.Errorf("GET proposal = %d %v", code, body)
	}

	code, body = do(t, http.MethodPost, ts.URL+"/v1/proposals/"+id+"/book", "")
	if code != http.StatusCreated {
		t.Fatalf("book = %d %v", code, body)
	}
	if body["series"] != "AI" || body["number"] != "000001" {
		t.Errorf("voucher = %v%v", body["series"], body["number"])
	}
	entryID := body["id"].(string)

	code, _ = do(t, http.MethodPost, ts.URL+"/v1/proposals/"+id+"/book", "")
	if code != http.StatusConflict {
		t.Errorf("second book = %d, want 409", code)
	}

	code, body = do(t, http.MethodGet, ts.URL+"/v1/entries/"+entryID, "")
	if code != http.StatusOK || len(body["lines"].([]any)) != 3 {
		t.Errorf("GET entry = %d %v", code, body)
	}
}

func TestBook_YellowIsUnprocessable(t *testing.T) {
	ts := setupServer(t)
	code, body := do(t, http.MethodPost, ts.URL+"/v1/proposals", mealBody)
	if code != http.StatusCreated {
		t.Fatalf("POST = %d %v", code, body)
	}
	record := body["record"].(map[string]any)
	if record["question"] == "" || record["question"] == nil {
		t.Error("YELLOW proposal has no question")
	}
	code, _ = do(t, http.MethodPost, ts.URL+"/v1/proposals/"+record["id"].(string)+"/book", "")
	if code != http.StatusUnprocessableEntity {
		t.Errorf("book YELLOW = %d, want 422", code)
	}
}

func TestPropose_BadRequests(t *testing.T) {
	ts := setupServer(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"intent":`, http.StatusBadRequest},
		{"unknown field", `{"intent": {"name": "x"}, "surprise": 1}`, http.StatusBadRequest},
		{"negative total", phoneBody("-5"), http.StatusBadRequest},
		{"missing intent", `{"receipt": {"total": "1", "currency": "SEK", "date": "2025-03-14"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, body := do(t, http.MethodPost, ts.URL+"/v1/proposals", tt.body); code != tt.want {
				t.Errorf("status = %d, want %d (%v)", code, tt.want, body)
			}
		})
	}
}

func TestListProposals(t *testing.T) {
	ts := setupServer(t)
	for i := 0; i < 3; i++ {
		if code, _ := do(t, http.MethodPost, ts.URL+"/v1/proposals", phoneBody("100")); code != http.StatusCreated {
			t.Fatalf("POST = %d", code)
		}
	}
	code, body := do(t, http.MethodGet, ts.URL+"/v1/proposals?limit=2", "")
	if code != http.StatusOK || body["count"] != float64(2) {
		t.Errorf("GET /v1/proposals = %d %v", code, body["count"])
	}
	if code, _ := do(t, http.MethodGet, ts.URL+"/v1/proposals?limit=x", ""); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", code)
	}
}

func TestGetProposal_NotFound(t *testing.T) {
	ts := setupServer(t)
	if code, _ := do(t, http.MethodGet, ts.URL+"/v1/proposals/nope", ""); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

// ─── Policies ───────────────────────────────────────────────────────────────

func TestListPolicies(t *testing.T) {
	ts := setupServer(t)
	code, body := do(t, http.MethodGet, ts.URL+"/v1/policies?date=2025-03-14", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d %v", code, body)
	}
	if body["bas_version"] != bas.Version2025v1 {
		t.Errorf("bas_version = %v", body["bas_version"])
	}
	if n := len(body["policies"].([]any)); n != 4 {
		t.Errorf("got %d policies, want 4", n)
	}

	if code, _ := do(t, http.MethodGet, ts.URL+"/v1/policies?date=14/03/2025", ""); code != http.StatusBadRequest {
		t.Errorf("bad date = %d, want 400", code)
	}
}

const validPolicy = `{
  "id": "SE_TEST_V1", "version": "V1", "country": "SE", "name": "Test",
  "effective_from": "2025-01-01", "bas_version": "2025_v1.0",
  "rules": {
    "match": {"intent": "test"},
    "vat": {"rate": 25},
    "posting": [
      {"account": "5460", "side": "D", "amount": "net_after_cap"},
      {"account": "2641", "side": "D", "amount": "vat_allowed"},
      {"account": "1930", "side": "K", "amount": "gross"}
    ]
  }
}`

func TestValidatePolicy(t *testing.T) {
	ts := setupServer(t)
	url := ts.URL + "/v1/policies/validate"

	code, body := do(t, http.MethodPost, url, validPolicy)
	if code != http.StatusOK || body["valid"] != true {
		t.Errorf("valid policy = %d %v", code, body)
	}

	code, body = do(t, http.MethodPost, url+"?bas_version=2025_v2.0", validPolicy)
	if code != http.StatusOK || body["bas"].(map[string]any)["bas_version"] != bas.Version2025v2 {
		t.Errorf("migrated check = %d %v", code, body)
	}

	bad := strings.Replace(validPolicy, `"side": "D"`, `"side": "X"`, 1)
	code, body = do(t, http.MethodPost, url, bad)
	if code != http.StatusUnprocessableEntity || len(body["schema_errors"].([]any)) == 0 {
		t.Errorf("schema violation = %d %v", code, body)
	}

	unknown := strings.Replace(validPolicy, `"account": "5460"`, `"account": "5999"`, 1)
	code, body = do(t, http.MethodPost, url, unknown)
	if code != http.StatusUnprocessableEntity || body["valid"] != false {
		t.Errorf("unknown account = %d %v", code, body)
	}

	code, _ = do(t, http.MethodPost, url+"?bas_version=1999_v1.0", validPolicy)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("missing migration = %d, want 422", code)
	}
}

// ─── Accounts ───────────────────────────────────────────────────────────────

func TestAccounts(t *testing.T) {
	ts := setupServer(t)

	code, body := do(t, http.MethodGet, ts.URL+"/v1/accounts/6071", "")
	if code != http.StatusOK || body["name"] != "Representation, avdragsgill" {
		t.Errorf("GET 6071 = %d %v", code, body)
	}
	if code, _ := do(t, http.MethodGet, ts.URL+"/v1/accounts/9999", ""); code != http.StatusNotFound {
		t.Errorf("GET 9999 = %d, want 404", code)
	}
	if code, _ := do(t, http.MethodGet, ts.URL+"/v1/accounts/6071?bas_version=1999_v1.0", ""); code != http.StatusNotFound {
		t.Errorf("unknown version = %d, want 404", code)
	}

	code, body = do(t, http.MethodGet, ts.URL+"/v1/accounts?class=60", "")
	if code != http.StatusOK {
		t.Fatalf("GET class=60 = %d", code)
	}
	for _, a := range body["accounts"].([]any) {
		if a.(map[string]any)["account_class"] != "60" {
			t.Errorf("class filter leaked %v", a)
		}
	}

	_, v2 := do(t, http.MethodGet, ts.URL+"/v1/accounts?date=2025-08-01", "")
	if v2["bas_version"] != bas.Version2025v2 {
		t.Errorf("scheduled version = %v, want %s", v2["bas_version"], bas.Version2025v2)
	}
}

// ─── Metrics & Debug ────────────────────────────────────────────────────────

func TestMetricsAndSpans(t *testing.T) {
	ts := setupServer(t)
	do(t, http.MethodPost, ts.URL+"/v1/proposals", phoneBody("100"))

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"autobook_http_requests_total", "autobook_engine_proposals_total"} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("/metrics missing %s", want)
		}
	}

	resp, err = http.Get(ts.URL + "/debug/spans")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var spans []observability.Span
	if err := json.NewDecoder(resp.Body).Decode(&spans); err != nil {
		t.Fatal(err)
	}
	if len(spans) == 0 || spans[0].Operation != "propose" {
		t.Errorf("spans = %+v", spans)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidReceipt, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", domain.ErrProposalNotFound), http.StatusNotFound},
		{domain.ErrAlreadyBooked, http.StatusConflict},
		{domain.ErrNotBookable, http.StatusUnprocessableEntity},
		{&rules.SchemaViolation{PolicyID: "X"}, http.StatusUnprocessableEntity},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
