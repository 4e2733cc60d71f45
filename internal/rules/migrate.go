package rules

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ledgerflow/autobook/internal/bas"
	"github.com/ledgerflow/autobook/internal/domain"
)

// ─── Migration Rules ────────────────────────────────────────────────────────

// VATRateChange records a rate change between chart versions.
type VATRateChange struct {
	OldRate float64 `json:"old_rate" toml:"old_rate"`
	NewRate float64 `json:"new_rate" toml:"new_rate"`
}

// MigrationRule describes how policies move from one chart version to the
// next. Only AccountMappings is applied mechanically; the other fields are
// reported so a reviewer can act on them.
type MigrationRule struct {
	AccountMappings    map[string]string        `json:"account_mappings" toml:"account_mappings"`
	NewAccounts        []string                 `json:"new_accounts,omitempty" toml:"new_accounts"`
	DeprecatedAccounts []string                 `json:"deprecated_accounts,omitempty" toml:"deprecated_accounts"`
	VATRateChanges     map[string]VATRateChange `json:"vat_rate_changes,omitempty" toml:"vat_rate_changes"`
}

// MigrationKey is the table key for a from→to migration.
func MigrationKey(from, to string) string {
	return from + "_to_" + to
}

// DefaultMigrations is the migration table shipped with the binary.
func DefaultMigrations() map[string]MigrationRule {
	return map[string]MigrationRule{
		MigrationKey(bas.Version2025v1, bas.Version2025v2): {
			AccountMappings: map[string]string{},
			NewAccounts:     []string{"6073", "6542"},
		},
	}
}

// MigrationNotFoundError is returned when the table has no from→to entry.
type MigrationNotFoundError struct {
	From, To string
}

func (e *MigrationNotFoundError) Error() string {
	return fmt.Sprintf("no migration rules from %s to %s", e.From, e.To)
}

// Unwrap lets callers match domain.ErrMigrationNotFound.
func (e *MigrationNotFoundError) Unwrap() error { return domain.ErrMigrationNotFound }

// ─── Migrator ───────────────────────────────────────────────────────────────

// ChartLookup resolves a chart dataset by version. *bas.Registry satisfies it.
type ChartLookup interface {
	Dataset(ctx context.Context, version string) (*bas.Dataset, error)
}

// BASValidation is the result of checking a policy against a chart version.
type BASValidation struct {
	PolicyID   string   `json:"policy_id"`
	BASVersion string   `json:"bas_version"`
	Valid      bool     `json:"valid"`
	Errors     []string `json:"errors"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Migrator moves policies between chart versions.
type Migrator struct {
	charts ChartLookup
	table  map[string]MigrationRule

	// OnDrop, when set, is called for each policy CompatiblePolicies excludes.
	OnDrop func(policyID, version string)
}

// NewMigrator creates a migrator. A nil table uses DefaultMigrations.
func NewMigrator(charts ChartLookup, table map[string]MigrationRule) *Migrator {
	if table == nil {
		table = DefaultMigrations()
	}
	return &Migrator{charts: charts, table: table}
}

// Rule returns the migration rule for from→to.
func (m *Migrator) Rule(from, to string) (MigrationRule, error) {
	r, ok := m.table[MigrationKey(from, to)]
	if !ok {
		return MigrationRule{}, &MigrationNotFoundError{From: from, To: to}
	}
	return r, nil
}

// Migrate returns a copy of p targeting version. The original is untouched.
func (m *Migrator) Migrate(p Policy, version string) (Policy, error) {
	if p.BASVersion == version {
		return p, nil
	}
	rule, err := m.Rule(p.BASVersion, version)
	if err != nil {
		return Policy{}, err
	}

	out := p.Clone()
	for i, pr := range out.Rules.Posting {
		if to, ok := rule.AccountMappings[pr.Account]; ok {
			out.Rules.Posting[i].Account = to
		}
	}
	out.BASVersion = version
	return out, nil
}

// ValidateAgainstBAS checks that every posting account exists in the chart.
// Accounts a migration into version deprecates are reported as warnings.
func (m *Migrator) ValidateAgainstBAS(ctx context.Context, p Policy, version string) (BASValidation, error) {
	ds, err := m.charts.Dataset(ctx, version)
	if err != nil {
		return BASValidation{}, err
	}
	res := BASValidation{PolicyID: p.ID, BASVersion: version, Valid: true, Errors: []string{}}

	deprecated := m.deprecatedIn(version)
	for i, pr := range p.Rules.Posting {
		if _, ok := ds.Account(pr.Account); !ok {
			res.Valid = false
			res.Errors = append(res.Errors,
				fmt.Sprintf("posting[%d]: account %s not found in BAS %s", i, pr.Account, version))
			continue
		}
		if deprecated[pr.Account] {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("posting[%d]: account %s is deprecated in BAS %s", i, pr.Account, version))
		}
	}
	return res, nil
}

func (m *Migrator) deprecatedIn(version string) map[string]bool {
	out := map[string]bool{}
	suffix := "_to_" + version
	for k, rule := range m.table {
		if !strings.HasSuffix(k, suffix) {
			continue
		}
		for _, a := range rule.DeprecatedAccounts {
			out[a] = true
		}
	}
	return out
}

// CompatiblePolicies returns the policies usable against version: those
// already targeting it and those that migrate and validate cleanly. Dropped
// policies are logged, not returned as errors.
func (m *Migrator) CompatiblePolicies(ctx context.Context, policies []Policy, version string) ([]Policy, error) {
	if _, err := m.charts.Dataset(ctx, version); err != nil {
		return nil, err
	}

	out := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if p.BASVersion == version {
			out = append(out, p)
			continue
		}
		migrated, err := m.Migrate(p, version)
		if err != nil {
			log.Printf("[migrate] dropping policy %s: %v", p.ID, err)
			m.dropped(p.ID, version)
			continue
		}
		v, err := m.ValidateAgainstBAS(ctx, migrated, version)
		if err != nil {
			return nil, err
		}
		if !v.Valid {
			log.Printf("[migrate] dropping policy %s: %v", p.ID, v.Errors)
			m.dropped(p.ID, version)
			continue
		}
		out = append(out, migrated)
	}
	return out, nil
}

func (m *Migrator) dropped(policyID, version string) {
	if m.OnDrop != nil {
		m.OnDrop(policyID, version)
	}
}
