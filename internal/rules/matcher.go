package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ledgerflow/autobook/internal/domain"
)

// Confidence contributions of each match signal.
const (
	intentWeight       = 0.5
	vendorWeight       = 0.2
	requirementsWeight = 0.3
)

// PolicyMatch is the transient result of matching one policy.
type PolicyMatch struct {
	PolicyID            string   `json:"policy_id"`
	Confidence          float64  `json:"confidence"`
	Matched             bool     `json:"matched"`
	MissingRequirements []string `json:"missing_requirements"`
	// Failures lists hard gate failures (intent, amount bounds). A match with
	// failures never yields lines; one that is only missing requirements does.
	Failures     []string `json:"failures,omitempty"`
	AppliedRules Rules    `json:"applied_rules"`

	policy *Policy
}

// Policy returns the policy this match was computed for.
func (m PolicyMatch) Policy() *Policy { return m.policy }

// Rejected reports whether a hard gate failed.
func (m PolicyMatch) Rejected() bool { return len(m.Failures) > 0 }

// Match scores a single policy.
func Match(p *Policy, intent domain.Intent, receipt domain.ReceiptDoc) PolicyMatch {
	mr := p.Rules.Match
	confidence := 0.0
	matched := true
	missing := []string{}
	var failures []string

	if mr.Intent != "" {
		if intent.Name == mr.Intent {
			confidence += intentWeight
		} else {
			matched = false
			failures = append(failures, fmt.Sprintf("intent %q does not match %q", intent.Name, mr.Intent))
		}
	}

	if len(mr.VendorPatterns) > 0 && receipt.Vendor != "" && vendorMatches(mr.VendorPatterns, receipt.Vendor) {
		confidence += vendorWeight
	}

	if mr.AmountMin != nil {
		if lo := decimal.NewFromFloat(*mr.AmountMin); receipt.Total.LessThan(lo) {
			matched = false
			failures = append(failures, fmt.Sprintf("total %s below minimum %s", receipt.Total, lo))
		}
	}
	if mr.AmountMax != nil {
		if hi := decimal.NewFromFloat(*mr.AmountMax); receipt.Total.GreaterThan(hi) {
			matched = false
			failures = append(failures, fmt.Sprintf("total %s above maximum %s", receipt.Total, hi))
		}
	}

	for _, req := range p.Rules.Requires {
		actual := intent.Slots.Lookup(req.Field)
		if !Evaluate(actual, req.Op, req.Value) {
			missing = append(missing, req.Field)
			matched = false
		}
	}

	if matched && len(missing) == 0 {
		confidence += requirementsWeight
	}

	return PolicyMatch{
		PolicyID:            p.ID,
		Confidence:          confidence,
		Matched:             matched,
		MissingRequirements: missing,
		Failures:            failures,
		AppliedRules:        p.Rules,
		policy:              p,
	}
}

func vendorMatches(patterns []string, vendor string) bool {
	v := strings.ToLower(vendor)
	for _, p := range patterns {
		if strings.Contains(v, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Evaluate applies a requirement operator. Null never satisfies an ordering
// comparison, equals only an explicit null, and is never a member of anything
// except a list containing null.
func Evaluate(actual domain.Value, op Op, expected domain.Value) bool {
	switch op {
	case OpExists:
		return !actual.IsNull()
	case OpGTE:
		cmp, ok := actual.Compare(expected)
		return ok && cmp >= 0
	case OpLTE:
		cmp, ok := actual.Compare(expected)
		return ok && cmp <= 0
	case OpEQ:
		return actual.Equal(expected)
	case OpNE:
		return !actual.Equal(expected)
	case OpIn:
		return expected.Contains(actual)
	case OpNotIn:
		return !expected.Contains(actual)
	}
	return false
}

// FindMatchingPolicies matches every policy and orders the results by
// descending confidence. Ties keep input order.
func FindMatchingPolicies(policies []Policy, intent domain.Intent, receipt domain.ReceiptDoc) []PolicyMatch {
	matches := make([]PolicyMatch, 0, len(policies))
	for i := range policies {
		matches = append(matches, Match(&policies[i], intent, receipt))
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})
	return matches
}
