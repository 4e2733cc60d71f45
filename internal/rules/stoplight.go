package rules

import (
	"fmt"
	"strings"

	"github.com/ledgerflow/autobook/internal/domain"
)

// Reason codes with fixed wording.
const (
	ReasonNoMatch    = "No matching policy found"
	ReasonVATCap     = "VAT cap applied"
	ReasonHighValue  = "High value transaction"
	ReasonUnbalanced = "Unbalanced posting"
)

// Decide applies the stoplight rules to a match that passed its hard gates.
// Missing requirements win over confidence.
func Decide(m PolicyMatch, amounts Amounts) domain.Stoplight {
	sl := m.AppliedRules.Stoplight
	if len(m.MissingRequirements) > 0 {
		return sl.MissingRequired()
	}
	if amounts.Confidence >= sl.Threshold() {
		return domain.Green
	}
	return sl.Fail()
}

// ReasonCodes lists why a proposal got its decision. The policy code is always
// first.
func ReasonCodes(m PolicyMatch, amounts Amounts) []string {
	codes := []string{"Policy: " + m.PolicyID}
	if amounts.Value(AmountVATExcess).IsPositive() {
		codes = append(codes, ReasonVATCap)
	}
	if len(m.MissingRequirements) > 0 {
		codes = append(codes, "Missing: "+strings.Join(m.MissingRequirements, ", "))
	}
	return codes
}

// FailedProposal is the RED proposal for a policy whose hard gates failed.
func FailedProposal(m PolicyMatch) domain.PostingProposal {
	return domain.PostingProposal{
		Lines:       []domain.PostingLine{},
		Confidence:  0,
		ReasonCodes: []string{fmt.Sprintf("Policy %s failed to match", m.PolicyID)},
		Stoplight:   domain.Red,
		PolicyID:    m.PolicyID,
	}
}

// NoMatchProposal is the RED proposal when no policy is loaded for the date.
func NoMatchProposal() domain.PostingProposal {
	return domain.PostingProposal{
		Lines:       []domain.PostingLine{},
		Confidence:  0,
		ReasonCodes: []string{ReasonNoMatch},
		Stoplight:   domain.Red,
	}
}

// ─── User Feedback ──────────────────────────────────────────────────────────

var fieldQuestions = map[string]string{
	"attendees_count":    "How many people attended, including yourself?",
	"purpose":            "What was the business purpose of this expense?",
	"project":            "Which project should this expense be booked against?",
	"cost_center":        "Which cost center should carry this expense?",
	"service_period":     "Which period does this subscription cover?",
	"installment_months": "Over how many months is the device paid?",
	"device_type":        "What kind of device was purchased?",
	"client":             "Which client was this expense for?",
}

// ClarifyingQuestion returns the single follow-up question for a YELLOW
// proposal, or "" for any other decision. The first missing field wins.
func ClarifyingQuestion(p domain.PostingProposal, m PolicyMatch) string {
	if p.Stoplight != domain.Yellow {
		return ""
	}
	if len(m.MissingRequirements) > 0 {
		return questionFor(m.MissingRequirements[0])
	}
	for _, rc := range p.ReasonCodes {
		if rc == ReasonHighValue {
			debit, _ := p.Totals()
			return fmt.Sprintf("This expense totals %s. Can you confirm it is correct?", debit.StringFixed(2))
		}
	}
	return "Can you confirm the details of this expense?"
}

func questionFor(field string) string {
	name := strings.TrimPrefix(field, "slots.")
	if q, ok := fieldQuestions[name]; ok {
		return q
	}
	human := strings.NewReplacer("_", " ", ".", " ").Replace(name)
	return fmt.Sprintf("Please provide the %s for this expense.", human)
}

// Explain renders a one-line, human-readable explanation of a decision.
func Explain(p domain.PostingProposal, question string) string {
	switch p.Stoplight {
	case domain.Green:
		return "Automatically booked using policy " + p.PolicyID
	case domain.Yellow:
		return fmt.Sprintf("Requires clarification for policy %s: %s", p.PolicyID, question)
	default:
		return "Manual review required: " + strings.Join(p.ReasonCodes, "; ")
	}
}
