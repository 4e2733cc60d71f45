package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ledgerflow/autobook/internal/domain"
)

// ─── Proposal Operations ────────────────────────────────────────────────────
// DB implements domain.ProposalStore.

// SaveProposal appends a proposal to the audit log.
func (db *DB) SaveProposal(ctx context.Context, rec domain.ProposalRecord) error {
	intent, err := json.Marshal(rec.Intent)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	receipt, err := json.Marshal(rec.Receipt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	proposal, err := json.Marshal(rec.Proposal)
	if err != nil {
		return fmt.Errorf("encode proposal: %w", err)
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO proposals (id, company_id, policy_id, stoplight, confidence, bas_version,
			intent, receipt, proposal, question, entry_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.CompanyID, nullString(rec.Proposal.PolicyID), string(rec.Proposal.Stoplight),
		rec.Proposal.Confidence, rec.BASVersion, string(intent), string(receipt), string(proposal),
		nullString(rec.Question), nullString(rec.EntryID), formatTime(rec.CreatedAt))
	return err
}

const proposalColumns = `id, company_id, bas_version, intent, receipt, proposal, question, entry_id, created_at`

func scanProposal(scan func(dest ...any) error) (*domain.ProposalRecord, error) {
	var (
		rec                       domain.ProposalRecord
		intent, receipt, proposal string
		question, entryID         sql.NullString
		createdAt                 string
	)
	if err := scan(&rec.ID, &rec.CompanyID, &rec.BASVersion, &intent, &receipt, &proposal,
		&question, &entryID, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(intent), &rec.Intent); err != nil {
		return nil, fmt.Errorf("decode intent of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(receipt), &rec.Receipt); err != nil {
		return nil, fmt.Errorf("decode receipt of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(proposal), &rec.Proposal); err != nil {
		return nil, fmt.Errorf("decode proposal of %s: %w", rec.ID, err)
	}
	rec.Question = question.String
	rec.EntryID = entryID.String
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

// GetProposal retrieves a proposal by ID.
func (db *DB) GetProposal(ctx context.Context, id string) (*domain.ProposalRecord, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	rec, err := scanProposal(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrProposalNotFound, id)
	}
	return rec, err
}

// ListProposals returns the most recent proposals first.
func (db *DB) ListProposals(ctx context.Context, limit int) ([]domain.ProposalRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ProposalRecord
	for rows.Next() {
		rec, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// CountProposalsByStoplight returns how many proposals got each decision.
func (db *DB) CountProposalsByStoplight(ctx context.Context) (map[domain.Stoplight]int, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT stoplight, COUNT(*) FROM proposals GROUP BY stoplight`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[domain.Stoplight]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.Stoplight(s)] = n
	}
	return out, rows.Err()
}

// ─── Journal Operations ─────────────────────────────────────────────────────
// DB implements domain.JournalStore.

// LastJournalNumber returns the highest number used in a series, or "" when
// the series is empty. Numbers are zero-padded so text order is numeric order.
func (db *DB) LastJournalNumber(ctx context.Context, companyID, series string) (string, error) {
	var n string
	err := db.db.QueryRowContext(ctx, `
		SELECT number FROM journal_entries
		WHERE company_id = ? AND series = ?
		ORDER BY length(number) DESC, number DESC LIMIT 1
	`, companyID, series).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return n, err
}

// BookJournalEntry writes an entry with its lines and links the proposal to
// it in one transaction. Either all of it is stored or none of it is.
func (db *DB) BookJournalEntry(ctx context.Context, e domain.JournalEntry) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := markBooked(ctx, tx, e.ProposalID, e.ID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO journal_entries (id, company_id, proposal_id, entry_date, series, number, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.CompanyID, e.ProposalID, e.Date.String(), e.Series, e.Number,
		nullString(e.Notes), formatTime(e.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: journal_entries.proposal_id") {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyBooked, e.ProposalID)
		}
		return fmt.Errorf("insert journal entry: %w", err)
	}

	for i, l := range e.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO journal_lines (entry_id, line_no, account, side, amount,
				dim_project, dim_cost_center, description)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, i, l.Account, string(l.Side), l.Amount.StringFixed(2),
			nullString(l.DimensionProject), nullString(l.DimensionCostCenter), nullString(l.Description))
		if err != nil {
			return fmt.Errorf("insert journal line %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// markBooked sets the proposal's entry_id unless it is already booked.
func markBooked(ctx context.Context, tx *sql.Tx, proposalID, entryID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE proposals SET entry_id = ? WHERE id = ? AND entry_id IS NULL`, entryID, proposalID)
	if err != nil {
		return fmt.Errorf("mark proposal booked: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM proposals WHERE id = ?`, proposalID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrProposalNotFound, proposalID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", domain.ErrAlreadyBooked, proposalID)
}

// GetJournalEntry retrieves an entry with its lines.
func (db *DB) GetJournalEntry(ctx context.Context, id string) (*domain.JournalEntry, error) {
	var (
		e               domain.JournalEntry
		date, createdAt string
		notes           sql.NullString
	)
	err := db.db.QueryRowContext(ctx, `
		SELECT id, company_id, proposal_id, entry_date, series, number, notes, created_at
		FROM journal_entries WHERE id = ?
	`, id).Scan(&e.ID, &e.CompanyID, &e.ProposalID, &date, &e.Series, &e.Number, &notes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	e.Notes = notes.String
	e.CreatedAt = parseTime(createdAt)
	if e.Date, err = domain.ParseDate(date); err != nil {
		return nil, fmt.Errorf("entry %s date: %w", id, err)
	}

	rows, err := db.db.QueryContext(ctx, `
		SELECT account, side, amount, dim_project, dim_cost_center, description
		FROM journal_lines WHERE entry_id = ? ORDER BY line_no
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l                         domain.JournalLine
			side, amount              string
			project, costCenter, desc sql.NullString
		)
		if err := rows.Scan(&l.Account, &side, &amount, &project, &costCenter, &desc); err != nil {
			return nil, err
		}
		if l.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("entry %s amount %q: %w", id, amount, err)
		}
		l.Side = domain.Side(side)
		l.DimensionProject = project.String
		l.DimensionCostCenter = costCenter.String
		l.Description = desc.String
		e.Lines = append(e.Lines, l)
	}
	return &e, rows.Err()
}
