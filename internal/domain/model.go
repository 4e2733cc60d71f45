// Package domain contains pure bookkeeping types with ZERO infrastructure imports.
// This is the innermost ring: receipts and intents come in, posting proposals
// and journal entries go out.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ─── Decision Types ─────────────────────────────────────────────────────────

// Stoplight is the risk decision attached to every posting proposal.
type Stoplight string

const (
	Green  Stoplight = "GREEN"  // auto-book
	Yellow Stoplight = "YELLOW" // ask one clarifying question
	Red    Stoplight = "RED"    // park for manual review
)

// Valid reports whether s is one of the three known states.
func (s Stoplight) Valid() bool {
	return s == Green || s == Yellow || s == Red
}

// Side is the ledger side of a posting line. K is the Swedish "kredit".
type Side string

const (
	Debit  Side = "D"
	Credit Side = "K"
)

// VATMode records which calculation mode produced a proposal.
type VATMode string

const (
	VATStandard      VATMode = "standard"
	VATReverseCharge VATMode = "reverse_charge"
)

// Currency is an ISO currency code accepted on receipts.
type Currency string

const (
	SEK Currency = "SEK"
	NOK Currency = "NOK"
	DKK Currency = "DKK"
	EUR Currency = "EUR"
	USD Currency = "USD"
)

// ─── Inputs ─────────────────────────────────────────────────────────────────

// VATLine is one VAT breakdown row printed on a receipt.
type VATLine struct {
	Rate       decimal.Decimal `json:"rate"`
	Amount     decimal.Decimal `json:"amount"`
	BaseAmount decimal.Decimal `json:"base_amount"`
}

// ReceiptDoc is a normalized receipt produced by OCR or a text parser.
type ReceiptDoc struct {
	Total      decimal.Decimal `json:"total"`
	Currency   Currency        `json:"currency"`
	VATLines   []VATLine       `json:"vat_lines,omitempty"`
	Vendor     string          `json:"vendor,omitempty"`
	Date       Date            `json:"date"`
	RawText    string          `json:"raw_text,omitempty"`
	Confidence float64         `json:"confidence"`
}

// Validate checks the receipt invariants the engine relies on.
func (r ReceiptDoc) Validate() error {
	if r.Total.IsNegative() {
		return fmt.Errorf("%w: total must be >= 0, got %s", ErrInvalidReceipt, r.Total)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.2f outside [0,1]", ErrInvalidReceipt, r.Confidence)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidReceipt)
	}
	return nil
}

// Intent is the business intent detected for an expense.
type Intent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Slots      Slots   `json:"slots,omitempty"`
}

// Validate checks the intent invariants the engine relies on.
func (i Intent) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidIntent)
	}
	if i.Confidence < 0 || i.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.2f outside [0,1]", ErrInvalidIntent, i.Confidence)
	}
	return nil
}

// ─── Outputs ────────────────────────────────────────────────────────────────

// PostingLine is a single debit or credit row of a proposal.
type PostingLine struct {
	Account             string          `json:"account"`
	Side                Side            `json:"side"`
	Amount              decimal.Decimal `json:"amount"`
	DimensionProject    string          `json:"dimension_project,omitempty"`
	DimensionCostCenter string          `json:"dimension_cost_center,omitempty"`
	Description         string          `json:"description,omitempty"`
}

// PostingProposal is the engine's answer for one (intent, receipt) pair.
// Only GREEN proposals may be turned into journal entries.
type PostingProposal struct {
	Lines       []PostingLine     `json:"lines"`
	VATCode     string            `json:"vat_code,omitempty"`
	Confidence  float64           `json:"confidence"`
	ReasonCodes []string          `json:"reason_codes"`
	Stoplight   Stoplight         `json:"stoplight"`
	PolicyID    string            `json:"policy_id,omitempty"`
	VATMode     VATMode           `json:"vat_mode,omitempty"`
	ReportBoxes map[string]string `json:"report_boxes,omitempty"`
}

// Totals returns the debit and credit sums of the proposal.
func (p PostingProposal) Totals() (debit, credit decimal.Decimal) {
	for _, l := range p.Lines {
		switch l.Side {
		case Debit:
			debit = debit.Add(l.Amount)
		case Credit:
			credit = credit.Add(l.Amount)
		}
	}
	return debit, credit
}

// Balanced reports whether debits equal credits to the cent.
func (p PostingProposal) Balanced() bool {
	d, k := p.Totals()
	return d.Round(2).Equal(k.Round(2))
}

// Bookable reports whether downstream booking may create a journal entry.
func (p PostingProposal) Bookable() bool {
	return p.Stoplight == Green && len(p.Lines) > 0 && p.Balanced()
}

// ─── Dates ──────────────────────────────────────────────────────────────────

// DateLayout is the ISO calendar date format used in policies and receipts.
const DateLayout = "2006-01-02"

// Date is a calendar date without time of day, serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate builds a UTC calendar date.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return Date{t}, nil
}

// MustParseDate is ParseDate for literals known to be valid.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

// Before reports whether d is strictly before o.
func (d Date) Before(o Date) bool { return d.Time.Before(o.Time) }

// After reports whether d is strictly after o.
func (d Date) After(o Date) bool { return d.Time.After(o.Time) }

// MarshalJSON encodes the date as a quoted YYYY-MM-DD string.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON accepts YYYY-MM-DD or null.
func (d *Date) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", s, err)
	}
	*d = parsed
	return nil
}
