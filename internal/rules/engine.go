package rules

import (
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerflow/autobook/internal/bas"
	"github.com/ledgerflow/autobook/internal/domain"
)

// Observer receives engine events. The metrics layer implements it.
type Observer interface {
	ProposalDecided(p domain.PostingProposal, elapsed time.Duration)
	AccountWarning(policyID, account string)
}

// Option configures an Engine.
type Option func(*Engine)

// WithAccounts sets the chart used to validate posting accounts.
func WithAccounts(a AccountValidator) Option {
	return func(e *Engine) { e.accounts = a }
}

// WithRegion sets the region accounts are validated for.
func WithRegion(region string) Option {
	return func(e *Engine) { e.region = region }
}

// WithAmountConfidence overrides the confidence attached to computed amounts.
func WithAmountConfidence(c float64) Option {
	return func(e *Engine) { e.calc.Confidence = c }
}

// WithHighValueThreshold downgrades GREEN proposals above t to YELLOW.
// Zero disables the check.
func WithHighValueThreshold(t decimal.Decimal) Option {
	return func(e *Engine) { e.highValue = t }
}

// WithObserver attaches an event observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// Engine turns (Intent, ReceiptDoc) pairs into posting proposals. It holds no
// mutable state after construction and is safe for concurrent use.
type Engine struct {
	policies  []Policy
	accounts  AccountValidator
	region    string
	calc      Calculator
	highValue decimal.Decimal
	observer  Observer
}

// Result carries a proposal together with the intermediate values that
// produced it.
type Result struct {
	Proposal    domain.PostingProposal `json:"proposal"`
	Match       *PolicyMatch           `json:"match,omitempty"`
	Amounts     *Amounts               `json:"amounts,omitempty"`
	Question    string                 `json:"question,omitempty"`
	Explanation string                 `json:"explanation"`
}

// New validates every policy document and builds an engine. Any invalid
// document fails construction.
func New(docs [][]byte, opts ...Option) (*Engine, error) {
	policies, err := DefaultValidator().ParsePolicies(docs)
	if err != nil {
		return nil, err
	}
	return build(policies, opts), nil
}

// NewFromPolicies builds an engine from already decoded policies, re-checking
// each one against the schema.
func NewFromPolicies(policies []Policy, opts ...Option) (*Engine, error) {
	v := DefaultValidator()
	for _, p := range policies {
		doc, err := p.Document()
		if err != nil {
			return nil, fmt.Errorf("encode policy %s: %w", p.ID, err)
		}
		if err := v.Validate(doc); err != nil {
			return nil, err
		}
	}
	return build(policies, opts), nil
}

func build(policies []Policy, opts []Option) *Engine {
	e := &Engine{
		policies: make([]Policy, len(policies)),
		region:   bas.DefaultRegion,
		calc:     Calculator{Confidence: DefaultAmountConfidence},
	}
	for i, p := range policies {
		e.policies[i] = p.Clone()
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.accounts == nil {
		e.accounts = bas.Default()
	}
	return e
}

// Policies returns copies of the loaded policies in load order.
func (e *Engine) Policies() []Policy {
	out := make([]Policy, len(e.policies))
	for i, p := range e.policies {
		out[i] = p.Clone()
	}
	return out
}

// Policy returns a loaded policy by ID.
func (e *Engine) Policy(id string) (Policy, error) {
	for _, p := range e.policies {
		if p.ID == id {
			return p.Clone(), nil
		}
	}
	return Policy{}, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, id)
}

// FindMatchingPolicies scores every loaded policy, best first.
func (e *Engine) FindMatchingPolicies(intent domain.Intent, receipt domain.ReceiptDoc) []PolicyMatch {
	return FindMatchingPolicies(e.policies, intent, receipt)
}

// Propose builds a proposal from the top-ranked match. A top match whose hard
// gates failed is RED even when a lower-ranked policy would pass, so a more
// specific policy is never bypassed by a catch-all. It never fails: no
// policies and failed matches are RED.
func (e *Engine) Propose(intent domain.Intent, receipt domain.ReceiptDoc) Result {
	start := time.Now()
	matches := e.FindMatchingPolicies(intent, receipt)

	var res Result
	if len(matches) > 0 {
		res = e.CreateProposal(matches[0], intent, receipt)
	} else {
		res = Result{Proposal: NoMatchProposal()}
		res.Explanation = Explain(res.Proposal, "")
	}

	if e.observer != nil {
		e.observer.ProposalDecided(res.Proposal, time.Since(start))
	}
	return res
}

// CreateProposal runs amounts, lines and the stoplight for one match.
func (e *Engine) CreateProposal(m PolicyMatch, intent domain.Intent, receipt domain.ReceiptDoc) Result {
	if m.Rejected() {
		p := FailedProposal(m)
		return Result{Proposal: p, Match: &m, Explanation: Explain(p, "")}
	}

	r := m.AppliedRules
	amounts := e.calc.Compute(receipt.Total, r.VAT, intent.Slots)

	builder := LineBuilder{
		Accounts: e.accounts,
		Region:   e.region,
		OnUnknownAccount: func(account string) {
			if e.observer != nil {
				e.observer.AccountWarning(m.PolicyID, account)
			}
		},
	}
	lines := builder.Build(r.Posting, amounts, intent.Slots)

	p := domain.PostingProposal{
		Lines:       lines,
		VATCode:     r.VAT.Code,
		Confidence:  m.Confidence,
		ReasonCodes: ReasonCodes(m, amounts),
		Stoplight:   Decide(m, amounts),
		PolicyID:    m.PolicyID,
		VATMode:     amounts.Mode,
		ReportBoxes: copyBoxes(r.VAT.ReportBoxes),
	}

	if p.Stoplight == domain.Green && e.highValue.IsPositive() && receipt.Total.GreaterThan(e.highValue) {
		p.Stoplight = domain.Yellow
		p.ReasonCodes = append(p.ReasonCodes, ReasonHighValue)
	}

	if len(lines) > 0 && !p.Balanced() {
		debit, credit := p.Totals()
		log.Printf("[rules] policy %s produced unbalanced lines: debit %s credit %s",
			m.PolicyID, debit.StringFixed(2), credit.StringFixed(2))
		p.Stoplight = domain.Red
		p.ReasonCodes = append(p.ReasonCodes, ReasonUnbalanced)
	}

	question := ClarifyingQuestion(p, m)
	return Result{
		Proposal:    p,
		Match:       &m,
		Amounts:     &amounts,
		Question:    question,
		Explanation: Explain(p, question),
	}
}

func copyBoxes(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
