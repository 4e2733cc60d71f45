package domain

import "context"

// ─── Store Interfaces ───────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// PolicySource yields raw policy documents (JSON). The engine validates them.
type PolicySource interface {
	PolicyDocuments(ctx context.Context) ([][]byte, error)
}

// ChartSource yields a named chart-of-accounts dataset as a JSON document.
type ChartSource interface {
	ChartDocument(ctx context.Context, version string) ([]byte, error)
}

// ProposalStore keeps an audit trail of every proposal the engine produced.
type ProposalStore interface {
	SaveProposal(ctx context.Context, rec ProposalRecord) error
	GetProposal(ctx context.Context, id string) (*ProposalRecord, error)
	ListProposals(ctx context.Context, limit int) ([]ProposalRecord, error)
}

// JournalStore persists double-entry journal entries. BookJournalEntry stores
// the entry and marks its proposal booked atomically.
type JournalStore interface {
	LastJournalNumber(ctx context.Context, companyID, series string) (string, error)
	BookJournalEntry(ctx context.Context, entry JournalEntry) error
	GetJournalEntry(ctx context.Context, id string) (*JournalEntry, error)
}
