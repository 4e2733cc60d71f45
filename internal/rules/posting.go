package rules

import (
	"log"

	"github.com/ledgerflow/autobook/internal/domain"
)

// Slots that supply default dimensions when a posting rule names none.
const (
	ProjectSlot    = "project"
	CostCenterSlot = "cost_center"
)

// AccountValidator checks an account number against a chart of accounts.
// *bas.Dataset and *bas.Registry both satisfy it.
type AccountValidator interface {
	Validate(number, region string) bool
}

// LineBuilder turns posting rules into ledger lines.
type LineBuilder struct {
	Accounts AccountValidator // nil skips validation
	Region   string

	// OnUnknownAccount is called for every line whose account failed
	// validation. The line is still emitted.
	OnUnknownAccount func(account string)
}

// Build emits one line per rule whose amount kind was computed, in rule order.
func (b LineBuilder) Build(rules []PostingRule, amounts Amounts, slots domain.Slots) []domain.PostingLine {
	lines := make([]domain.PostingLine, 0, len(rules))
	for _, r := range rules {
		line, ok := b.Line(r, amounts, slots)
		if !ok {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Line builds a single line. ok is false when the rule's amount is absent.
func (b LineBuilder) Line(r PostingRule, amounts Amounts, slots domain.Slots) (domain.PostingLine, bool) {
	amount, ok := amounts.Get(r.Amount)
	if !ok {
		return domain.PostingLine{}, false
	}

	if b.Accounts != nil && !b.Accounts.Validate(r.Account, b.Region) {
		log.Printf("[rules] warning: account %s not valid for region %s", r.Account, b.Region)
		if b.OnUnknownAccount != nil {
			b.OnUnknownAccount(r.Account)
		}
	}

	project := r.DimensionProject
	if project == "" {
		project = slots.Text(ProjectSlot)
	}
	costCenter := r.DimensionCostCenter
	if costCenter == "" {
		costCenter = slots.Text(CostCenterSlot)
	}

	return domain.PostingLine{
		Account:             r.Account,
		Side:                r.Side,
		Amount:              amount,
		DimensionProject:    project,
		DimensionCostCenter: costCenter,
		Description:         r.Description,
	}, true
}
