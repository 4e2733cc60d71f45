package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ledgerflow/autobook/internal/bas"
	"github.com/ledgerflow/autobook/internal/domain"
	"github.com/ledgerflow/autobook/internal/rules"
)

// ─── Policy Operations ──────────────────────────────────────────────────────
// DB implements domain.PolicySource over the policies table.

// SavePolicy inserts or replaces a policy by ID.
func (db *DB) SavePolicy(ctx context.Context, p rules.Policy) error {
	doc, err := p.Document()
	if err != nil {
		return fmt.Errorf("encode policy %s: %w", p.ID, err)
	}
	var to sql.NullString
	if p.EffectiveTo != nil {
		to = nullString(p.EffectiveTo.String())
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO policies (id, version, bas_version, effective_from, effective_to, document, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			version        = excluded.version,
			bas_version    = excluded.bas_version,
			effective_from = excluded.effective_from,
			effective_to   = excluded.effective_to,
			document       = excluded.document,
			updated_at     = datetime('now')
	`, p.ID, p.Version, p.BASVersion, p.EffectiveFrom.String(), to, string(doc))
	return err
}

// DeletePolicy removes a policy.
func (db *DB) DeletePolicy(ctx context.Context, id string) error {
	res, err := db.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, id)
	}
	return nil
}

// PolicyDocuments returns every stored policy document ordered by ID.
func (db *DB) PolicyDocuments(ctx context.Context) ([][]byte, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT document FROM policies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs [][]byte
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, []byte(doc))
	}
	return docs, rows.Err()
}

// CountPolicies returns the number of stored policies.
func (db *DB) CountPolicies(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM policies`).Scan(&n)
	return n, err
}

// ─── Chart Operations ───────────────────────────────────────────────────────
// DB implements domain.ChartSource over the bas_datasets table.

// SaveChart stores a dataset, replacing any previous import of the version.
func (db *DB) SaveChart(ctx context.Context, ds *bas.Dataset) error {
	doc, err := bas.Encode(ds)
	if err != nil {
		return fmt.Errorf("encode dataset %s: %w", ds.Version, err)
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO bas_datasets (version, account_count, document, imported_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(version) DO UPDATE SET
			account_count = excluded.account_count,
			document      = excluded.document,
			imported_at   = datetime('now')
	`, ds.Version, ds.Len(), string(doc))
	return err
}

// ChartDocument returns the stored dataset document for version.
func (db *DB) ChartDocument(ctx context.Context, version string) ([]byte, error) {
	var doc string
	err := db.db.QueryRowContext(ctx, `SELECT document FROM bas_datasets WHERE version = ?`, version).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrDatasetNotFound, version)
	}
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}

// ChartVersions lists imported dataset versions.
func (db *DB) ChartVersions(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT version FROM bas_datasets ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
