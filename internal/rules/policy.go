// Package rules is the policy rule engine. Given an Intent and a ReceiptDoc it
// selects the best accounting policy, computes exact amounts under the policy's
// VAT rules, builds balanced posting lines and attaches a stoplight decision.
//
// Pipeline:
//  1. Match every policy and rank by confidence (stable)
//  2. Compute named amounts for the winning policy's VAT mode
//  3. Turn posting rules into ledger lines
//  4. Decide GREEN / YELLOW / RED and attach reason codes
package rules

import (
	"encoding/json"
	"fmt"

	"github.com/ledgerflow/autobook/internal/domain"
)

// ─── Amount Kinds ───────────────────────────────────────────────────────────

// AmountKind names a computed quantity a posting rule can reference.
type AmountKind string

const (
	AmountGross            AmountKind = "gross"
	AmountNetBeforeCap     AmountKind = "net_before_cap"
	AmountNetAfterCap      AmountKind = "net_after_cap"
	AmountVATBeforeCap     AmountKind = "vat_before_cap"
	AmountVATAllowed       AmountKind = "vat_allowed"
	AmountVATExcess        AmountKind = "vat_excess"
	AmountDeductibleNet    AmountKind = "deductible_net"
	AmountNonDeductibleNet AmountKind = "non_deductible_net"
	AmountVATDeductible    AmountKind = "vat_deductible"
)

// AmountKinds lists every kind in a fixed order.
var AmountKinds = []AmountKind{
	AmountGross,
	AmountNetBeforeCap,
	AmountNetAfterCap,
	AmountVATBeforeCap,
	AmountVATAllowed,
	AmountVATExcess,
	AmountDeductibleNet,
	AmountNonDeductibleNet,
	AmountVATDeductible,
}

// Valid reports whether k is a known kind.
func (k AmountKind) Valid() bool {
	for _, known := range AmountKinds {
		if k == known {
			return true
		}
	}
	return false
}

// UnmarshalJSON rejects unknown kinds.
func (k *AmountKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if !AmountKind(s).Valid() {
		return fmt.Errorf("unknown amount kind %q", s)
	}
	*k = AmountKind(s)
	return nil
}

// ─── Operators ──────────────────────────────────────────────────────────────

// Op is a requirement operator.
type Op string

const (
	OpExists Op = "exists"
	OpGTE    Op = ">="
	OpLTE    Op = "<="
	OpEQ     Op = "=="
	OpNE     Op = "!="
	OpIn     Op = "in"
	OpNotIn  Op = "not_in"
)

// Valid reports whether o is a known operator.
func (o Op) Valid() bool {
	switch o {
	case OpExists, OpGTE, OpLTE, OpEQ, OpNE, OpIn, OpNotIn:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown operators.
func (o *Op) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if !Op(s).Valid() {
		return fmt.Errorf("unknown operator %q", s)
	}
	*o = Op(s)
	return nil
}

// ─── Policy Model ───────────────────────────────────────────────────────────

// Policy is an immutable accounting policy. A new version is a new Policy.
type Policy struct {
	ID            string       `json:"id"`
	Version       string       `json:"version"`
	Country       string       `json:"country"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	EffectiveFrom domain.Date  `json:"effective_from"`
	EffectiveTo   *domain.Date `json:"effective_to,omitempty"`
	BASVersion    string       `json:"bas_version"`
	Rules         Rules        `json:"rules"`
}

// Rules is the policy DSL body.
type Rules struct {
	Match     MatchRules     `json:"match"`
	Requires  []Requirement  `json:"requires,omitempty"`
	VAT       VATRules       `json:"vat"`
	Posting   []PostingRule  `json:"posting"`
	Stoplight StoplightRules `json:"stoplight"`
}

// MatchRules gate and score a policy against an intent and receipt.
type MatchRules struct {
	Intent         string   `json:"intent,omitempty"`
	VendorPatterns []string `json:"vendor_patterns,omitempty"`
	AmountMin      *float64 `json:"amount_min,omitempty"`
	AmountMax      *float64 `json:"amount_max,omitempty"`
}

// Requirement is a condition on an intent slot.
type Requirement struct {
	Field string       `json:"field"`
	Op    Op           `json:"op"`
	Value domain.Value `json:"value"`
}

// VATRules select the calculation mode and its parameters. Rates are percents.
// ReverseCharge takes precedence over DeductibleSplit when both are set.
type VATRules struct {
	Rate            float64           `json:"rate,omitempty"`
	// DeductibleRate is the rate the capped deductible slice of a split is
	// divided at; nil means Rate. A representation policy at rate 12 with a
	// 300 SEK cap books 600 gross as 480 net + 120 VAT only with
	// deductible_rate 25; without it the slice is 535.71 + 64.29.
	DeductibleRate  *float64          `json:"deductible_rate,omitempty"`
	CapPerPerson    float64           `json:"cap_sek_per_person,omitempty"`
	Code            string            `json:"code,omitempty"`
	ReverseCharge   bool              `json:"reverse_charge,omitempty"`
	DeductibleSplit bool              `json:"deductible_split,omitempty"`
	ReportBoxes     map[string]string `json:"report_boxes,omitempty"`
}

// Mode returns the VAT mode recorded on proposals.
func (v VATRules) Mode() domain.VATMode {
	if v.ReverseCharge {
		return domain.VATReverseCharge
	}
	return domain.VATStandard
}

// PostingRule maps a computed amount onto an account and side.
type PostingRule struct {
	Account             string      `json:"account"`
	Side                domain.Side `json:"side"`
	Amount              AmountKind  `json:"amount"`
	DimensionProject    string      `json:"dimension_project,omitempty"`
	DimensionCostCenter string      `json:"dimension_cost_center,omitempty"`
	Description         string      `json:"description,omitempty"`
}

// StoplightRules are the policy-declared decision overrides.
type StoplightRules struct {
	OnMissingRequired   domain.Stoplight `json:"on_missing_required,omitempty"`
	OnFail              domain.Stoplight `json:"on_fail,omitempty"`
	ConfidenceThreshold *float64         `json:"confidence_threshold,omitempty"`
}

// Stoplight defaults.
const (
	DefaultConfidenceThreshold = 0.8
	DefaultOnMissingRequired   = domain.Yellow
	DefaultOnFail              = domain.Red
)

// MissingRequired returns the decision for missing requirements.
func (s StoplightRules) MissingRequired() domain.Stoplight {
	if s.OnMissingRequired.Valid() {
		return s.OnMissingRequired
	}
	return DefaultOnMissingRequired
}

// Fail returns the decision when confidence is below threshold.
func (s StoplightRules) Fail() domain.Stoplight {
	if s.OnFail.Valid() {
		return s.OnFail
	}
	return DefaultOnFail
}

// Threshold returns the minimum confidence for GREEN.
func (s StoplightRules) Threshold() float64 {
	if s.ConfidenceThreshold != nil {
		return *s.ConfidenceThreshold
	}
	return DefaultConfidenceThreshold
}

// EffectiveOn reports whether the policy applies on d: from <= d <= to,
// unbounded above when EffectiveTo is nil.
func (p Policy) EffectiveOn(d domain.Date) bool {
	if d.Before(p.EffectiveFrom) {
		return false
	}
	if p.EffectiveTo != nil && d.After(*p.EffectiveTo) {
		return false
	}
	return true
}

// Accounts returns the account numbers referenced by posting rules, in order.
func (p Policy) Accounts() []string {
	out := make([]string, 0, len(p.Rules.Posting))
	for _, r := range p.Rules.Posting {
		out = append(out, r.Account)
	}
	return out
}

// Clone returns a deep copy so derived policies never alias the original.
func (p Policy) Clone() Policy {
	out := p
	if p.EffectiveTo != nil {
		to := *p.EffectiveTo
		out.EffectiveTo = &to
	}
	out.Rules.Match.VendorPatterns = append([]string(nil), p.Rules.Match.VendorPatterns...)
	out.Rules.Requires = append([]Requirement(nil), p.Rules.Requires...)
	out.Rules.Posting = append([]PostingRule(nil), p.Rules.Posting...)
	if p.Rules.VAT.ReportBoxes != nil {
		out.Rules.VAT.ReportBoxes = make(map[string]string, len(p.Rules.VAT.ReportBoxes))
		for k, v := range p.Rules.VAT.ReportBoxes {
			out.Rules.VAT.ReportBoxes[k] = v
		}
	}
	return out
}

// Document renders the policy as the JSON document the schema validates.
func (p Policy) Document() ([]byte, error) {
	return json.Marshal(p)
}
