package rules

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ledgerflow/autobook/internal/domain"
)

// ─── Fixtures ───────────────────────────────────────────────────────────────

const mealPolicy = `{
  "id": "SE_REPR_MEAL_V1",
  "version": "V1",
  "country": "SE",
  "name": "Representation meal",
  "effective_from": "2025-01-01",
  "bas_version": "2025_v1.0",
  "rules": {
    "match": {"intent": "representation_meal", "vendor_patterns": ["restaurang", "restaurant"]},
    "requires": [
      {"field": "attendees_count", "op": ">=", "value": 1},
      {"field": "purpose", "op": "exists"}
    ],
    "vat": {"rate": 12, "deductible_rate": 25, "cap_sek_per_person": 300, "deductible_split": true, "code": "MP1"},
    "posting": [
      {"account": "6071", "side": "D", "amount": "deductible_net"},
      {"account": "6072", "side": "D", "amount": "non_deductible_net"},
      {"account": "2641", "side": "D", "amount": "vat_deductible"},
      {"account": "1930", "side": "K", "amount": "gross"}
    ],
    "stoplight": {"on_missing_required": "YELLOW", "confidence_threshold": 0.8}
  }
}`

const saasPolicy = `{
  "id": "SE_SAAS_REVERSE_CHARGE_V1",
  "version": "V1",
  "country": "SE",
  "name": "Foreign SaaS subscription",
  "effective_from": "2025-01-01",
  "bas_version": "2025_v1.0",
  "rules": {
    "match": {"intent": "saas_subscription", "vendor_patterns": ["slack", "github", "notion"]},
    "vat": {"rate": 25, "reverse_charge": true, "code": "RC25",
            "report_boxes": {"21": "net_after_cap", "30": "vat_allowed", "48": "vat_allowed"}},
    "posting": [
      {"account": "6540", "side": "D", "amount": "net_after_cap"},
      {"account": "2645", "side": "D", "amount": "vat_allowed"},
      {"account": "2614", "side": "K", "amount": "vat_allowed"},
      {"account": "1930", "side": "K", "amount": "gross"}
    ]
  }
}`

const phonePolicy = `{
  "id": "SE_MOBILE_PHONE_V1",
  "version": "V1",
  "country": "SE",
  "name": "Mobile phone purchase",
  "effective_from": "2025-01-01",
  "bas_version": "2025_v1.0",
  "rules": {
    "match": {"intent": "mobile_phone_purchase"},
    "vat": {"rate": 25, "code": "MP1"},
    "posting": [
      {"account": "5410", "side": "D", "amount": "net_after_cap"},
      {"account": "2641", "side": "D", "amount": "vat_allowed"},
      {"account": "2440", "side": "K", "amount": "gross"}
    ]
  }
}`

func fixtureDocs() [][]byte {
	return [][]byte{[]byte(mealPolicy), []byte(saasPolicy), []byte(phonePolicy)}
}

type docSource [][]byte

func (s docSource) PolicyDocuments(context.Context) ([][]byte, error) { return s, nil }

// ─── Builders ───────────────────────────────────────────────────────────────

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

func slots(t *testing.T, m map[string]any) domain.Slots {
	t.Helper()
	s, err := domain.SlotsFrom(m)
	if err != nil {
		t.Fatalf("SlotsFrom: %v", err)
	}
	return s
}

func receipt(t *testing.T, total, vendor, date string) domain.ReceiptDoc {
	t.Helper()
	return domain.ReceiptDoc{
		Total:      dec(t, total),
		Currency:   domain.SEK,
		Vendor:     vendor,
		Date:       domain.MustParseDate(date),
		Confidence: 0.95,
	}
}

func parse(t *testing.T, doc string) Policy {
	t.Helper()
	p, err := DefaultValidator().ParsePolicy([]byte(doc))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	return p
}

func newEngine(t *testing.T, docs [][]byte, opts ...Option) *Engine {
	t.Helper()
	e, err := New(docs, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func assertAmount(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func assertLines(t *testing.T, got []domain.PostingLine, want []domain.PostingLine) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d lines, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.Account != w.Account || g.Side != w.Side || !g.Amount.Equal(w.Amount) {
			t.Errorf("line %d = %s %s %s, want %s %s %s",
				i, g.Account, g.Side, g.Amount, w.Account, w.Side, w.Amount)
		}
	}
}

func line(account string, side domain.Side, amount string) domain.PostingLine {
	return domain.PostingLine{Account: account, Side: side, Amount: decimal.RequireFromString(amount)}
}
