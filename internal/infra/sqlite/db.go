// Package sqlite persists policies, chart datasets, the proposal audit log and
// booked journal entries in a single SQLite file.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "autobook.db"

// DB wraps the SQLite connection.
type DB struct {
	db   *sql.DB
	path string
}

// Open creates dir if needed, opens the database inside it and applies
// migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, FileName)

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps per-connection pragmas in force and serializes
	// writers, which SQLite does anyway.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	db := &DB{db: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.db.Close()
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

func (db *DB) migrate() error {
	for i, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements in order.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Policy documents, stored verbatim as validated JSON
		`CREATE TABLE IF NOT EXISTS policies (
			id             TEXT PRIMARY KEY,
			version        TEXT NOT NULL,
			bas_version    TEXT NOT NULL,
			effective_from TEXT NOT NULL,
			effective_to   TEXT,
			document       TEXT NOT NULL,
			updated_at     TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		// Chart-of-accounts datasets by version
		`CREATE TABLE IF NOT EXISTS bas_datasets (
			version       TEXT PRIMARY KEY,
			account_count INTEGER NOT NULL DEFAULT 0,
			document      TEXT NOT NULL,
			imported_at   TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		// Proposal audit log
		`CREATE TABLE IF NOT EXISTS proposals (
			id          TEXT PRIMARY KEY,
			company_id  TEXT NOT NULL,
			policy_id   TEXT,
			stoplight   TEXT NOT NULL,
			confidence  REAL NOT NULL DEFAULT 0,
			bas_version TEXT NOT NULL,
			intent      TEXT NOT NULL,
			receipt     TEXT NOT NULL,
			proposal    TEXT NOT NULL,
			question    TEXT,
			entry_id    TEXT,
			created_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_created ON proposals(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_stoplight ON proposals(stoplight)`,

		// Booked journal entries
		`CREATE TABLE IF NOT EXISTS journal_entries (
			id          TEXT PRIMARY KEY,
			company_id  TEXT NOT NULL,
			proposal_id TEXT NOT NULL REFERENCES proposals(id),
			entry_date  TEXT NOT NULL,
			series      TEXT NOT NULL,
			number      TEXT NOT NULL,
			notes       TEXT,
			created_at  TEXT NOT NULL,
			UNIQUE(company_id, series, number),
			UNIQUE(proposal_id)
		)`,
		`CREATE TABLE IF NOT EXISTS journal_lines (
			entry_id         TEXT NOT NULL REFERENCES journal_entries(id) ON DELETE CASCADE,
			line_no          INTEGER NOT NULL,
			account          TEXT NOT NULL,
			side             TEXT NOT NULL CHECK (side IN ('D', 'K')),
			amount           TEXT NOT NULL,
			dim_project      TEXT,
			dim_cost_center  TEXT,
			description      TEXT,
			PRIMARY KEY (entry_id, line_no)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_lines_account ON journal_lines(account)`,
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
