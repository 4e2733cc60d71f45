package rules

import (
	"strings"
	"testing"

	"github.com/ledgerflow/autobook/internal/domain"
)

// ─── Operators ──────────────────────────────────────────────────────────────

func TestEvaluate(t *testing.T) {
	n := func(i int64) domain.Value { return domain.Int(i) }
	s := domain.String
	null := domain.Null()

	tests := []struct {
		name     string
		actual   domain.Value
		op       Op
		expected domain.Value
		want     bool
	}{
		{"exists present", s("x"), OpExists, null, true},
		{"exists null", null, OpExists, null, false},
		{">= equal", n(2), OpGTE, n(2), true},
		{">= below", n(1), OpGTE, n(2), false},
		{">= null", null, OpGTE, n(1), false},
		{">= string vs number", s("3"), OpGTE, n(1), false},
		{"<= above", n(3), OpLTE, n(2), false},
		{"<= strings", s("a"), OpLTE, s("b"), true},
		{"== numbers by value", domain.MustValue(2.0), OpEQ, n(2), true},
		{"== null vs value", null, OpEQ, n(2), false},
		{"== null vs null", null, OpEQ, null, true},
		{"!= null vs value", null, OpNE, n(2), true},
		{"!= equal", s("SE"), OpNE, s("SE"), false},
		{"in list", s("SE"), OpIn, domain.List(s("SE"), s("NO")), true},
		{"in list missing", s("DK"), OpIn, domain.List(s("SE"), s("NO")), false},
		{"in substring", s("lunch"), OpIn, s("client lunch"), true},
		{"in map key", s("a"), OpIn, domain.Map(map[string]domain.Value{"a": n(1)}), true},
		{"in null", null, OpIn, domain.List(s("SE")), false},
		{"not_in list", s("DK"), OpNotIn, domain.List(s("SE")), true},
		{"not_in null", null, OpNotIn, domain.List(s("SE")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.actual, tt.op, tt.expected); got != tt.want {
				t.Errorf("Evaluate(%s %s %s) = %v, want %v", tt.actual, tt.op, tt.expected, got, tt.want)
			}
		})
	}
}

// ─── Matching ───────────────────────────────────────────────────────────────

func TestMatch_Confidence(t *testing.T) {
	meal := parse(t, mealPolicy)
	full := slots(t, map[string]any{"attendees_count": 2, "purpose": "client"})

	tests := []struct {
		name     string
		intent   domain.Intent
		vendor   string
		want     float64
		matched  bool
		missing  []string
		rejected bool
	}{
		{
			name:    "intent vendor requirements",
			intent:  domain.Intent{Name: "representation_meal", Slots: full},
			vendor:  "Restaurang Prinsen",
			want:    1.0,
			matched: true,
		},
		{
			name:    "vendor case insensitive",
			intent:  domain.Intent{Name: "representation_meal", Slots: full},
			vendor:  "THE RESTAURANT",
			want:    1.0,
			matched: true,
		},
		{
			name:    "no vendor",
			intent:  domain.Intent{Name: "representation_meal", Slots: full},
			want:    0.8,
			matched: true,
		},
		{
			name:    "missing requirement",
			intent:  domain.Intent{Name: "representation_meal", Slots: slots(t, map[string]any{"purpose": "client"})},
			vendor:  "Restaurang",
			want:    0.7,
			missing: []string{"attendees_count"},
		},
		{
			name:     "intent mismatch",
			intent:   domain.Intent{Name: "saas_subscription", Slots: full},
			vendor:   "Restaurang",
			want:     0.2,
			rejected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Match(&meal, tt.intent, receipt(t, "1500", tt.vendor, "2025-03-15"))
			if diff := m.Confidence - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Confidence = %v, want %v", m.Confidence, tt.want)
			}
			if m.Matched != tt.matched {
				t.Errorf("Matched = %v, want %v", m.Matched, tt.matched)
			}
			if strings.Join(m.MissingRequirements, ",") != strings.Join(tt.missing, ",") {
				t.Errorf("MissingRequirements = %v, want %v", m.MissingRequirements, tt.missing)
			}
			if m.Rejected() != tt.rejected {
				t.Errorf("Rejected() = %v, want %v (failures %v)", m.Rejected(), tt.rejected, m.Failures)
			}
			if m.Policy() != &meal {
				t.Error("Policy() does not point at the matched policy")
			}
		})
	}
}

func TestMatch_AmountBounds(t *testing.T) {
	p := parse(t, phonePolicy)
	lo, hi := 100.0, 20000.0
	p.Rules.Match.AmountMin = &lo
	p.Rules.Match.AmountMax = &hi
	intent := domain.Intent{Name: "mobile_phone_purchase"}

	tests := []struct {
		total    string
		rejected bool
	}{
		{"99.99", true},
		{"100", false},
		{"20000", false},
		{"20000.01", true},
	}
	for _, tt := range tests {
		m := Match(&p, intent, receipt(t, tt.total, "", "2025-03-15"))
		if m.Rejected() != tt.rejected {
			t.Errorf("total %s: Rejected() = %v, want %v", tt.total, m.Rejected(), tt.rejected)
		}
		if tt.rejected && m.Matched {
			t.Errorf("total %s: Matched = true on rejected match", tt.total)
		}
	}
}

func TestMatch_NestedSlotPath(t *testing.T) {
	doc := strings.Replace(mealPolicy, `{"field": "purpose", "op": "exists"}`,
		`{"field": "slots.client.country", "op": "in", "value": ["SE", "NO"]}`, 1)
	p := parse(t, doc)

	ok := slots(t, map[string]any{"attendees_count": 1, "client": map[string]any{"country": "NO"}})
	m := Match(&p, domain.Intent{Name: "representation_meal", Slots: ok}, receipt(t, "100", "", "2025-03-15"))
	if len(m.MissingRequirements) != 0 {
		t.Errorf("MissingRequirements = %v, want none", m.MissingRequirements)
	}

	bad := slots(t, map[string]any{"attendees_count": 1, "client": map[string]any{"country": "US"}})
	m = Match(&p, domain.Intent{Name: "representation_meal", Slots: bad}, receipt(t, "100", "", "2025-03-15"))
	if got := strings.Join(m.MissingRequirements, ","); got != "slots.client.country" {
		t.Errorf("MissingRequirements = %q, want slots.client.country", got)
	}
}

// ─── Ranking ────────────────────────────────────────────────────────────────

func TestFindMatchingPolicies_Ranking(t *testing.T) {
	a := parse(t, phonePolicy)
	b := parse(t, strings.Replace(phonePolicy, "SE_MOBILE_PHONE_V1", "SE_MOBILE_PHONE_V2", 1))
	c := parse(t, saasPolicy)
	policies := []Policy{c, a, b}

	intent := domain.Intent{Name: "mobile_phone_purchase"}
	r := receipt(t, "15000", "Elgiganten", "2025-03-15")

	for run := 0; run < 3; run++ {
		got := FindMatchingPolicies(policies, intent, r)
		ids := make([]string, len(got))
		for i, m := range got {
			ids[i] = m.PolicyID
		}
		want := "SE_MOBILE_PHONE_V1,SE_MOBILE_PHONE_V2,SE_SAAS_REVERSE_CHARGE_V1"
		if strings.Join(ids, ",") != want {
			t.Fatalf("run %d: order = %v, want %s", run, ids, want)
		}
		for i := 1; i < len(got); i++ {
			if got[i].Confidence > got[i-1].Confidence {
				t.Errorf("not sorted at %d: %v > %v", i, got[i].Confidence, got[i-1].Confidence)
			}
		}
	}
}

func TestFindMatchingPolicies_Empty(t *testing.T) {
	got := FindMatchingPolicies(nil, domain.Intent{Name: "x"}, receipt(t, "1", "", "2025-03-15"))
	if len(got) != 0 {
		t.Errorf("got %d matches, want 0", len(got))
	}
}
