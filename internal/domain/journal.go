package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ─── Journal Types ──────────────────────────────────────────────────────────
// A journal entry is the booked form of a GREEN proposal.

// JournalSeriesAI is the voucher series for automatically booked entries.
const JournalSeriesAI = "AI"

// JournalEntry is a persisted double-entry voucher.
type JournalEntry struct {
	ID         string        `json:"id"`
	CompanyID  string        `json:"company_id"`
	ProposalID string        `json:"proposal_id"`
	Date       Date          `json:"date"`
	Series     string        `json:"series"`
	Number     string        `json:"number"`
	Notes      string        `json:"notes,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	Lines      []JournalLine `json:"lines"`
}

// JournalLine is one row of a journal entry.
type JournalLine struct {
	Account             string          `json:"account"`
	Side                Side            `json:"side"`
	Amount              decimal.Decimal `json:"amount"`
	DimensionProject    string          `json:"dimension_project,omitempty"`
	DimensionCostCenter string          `json:"dimension_cost_center,omitempty"`
	Description         string          `json:"description,omitempty"`
}

// ProposalRecord is the audit row stored for each proposal.
type ProposalRecord struct {
	ID         string          `json:"id"`
	CompanyID  string          `json:"company_id"`
	Intent     Intent          `json:"intent"`
	Receipt    ReceiptDoc      `json:"receipt"`
	Proposal   PostingProposal `json:"proposal"`
	BASVersion string          `json:"bas_version"`
	Question   string          `json:"question,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	EntryID    string          `json:"entry_id,omitempty"`
}
