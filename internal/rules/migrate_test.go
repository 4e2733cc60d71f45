package rules

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ledgerflow/autobook/internal/bas"
	"github.com/ledgerflow/autobook/internal/domain"
)

func testMigrator(table map[string]MigrationRule) *Migrator {
	return NewMigrator(bas.Default(), table)
}

// ─── Migrate ────────────────────────────────────────────────────────────────

func TestMigrate_SameVersionIsNoop(t *testing.T) {
	p := parse(t, mealPolicy)
	got, err := testMigrator(nil).Migrate(p, bas.Version2025v1)
	if err != nil {
		t.Fatal(err)
	}
	if got.BASVersion != p.BASVersion || got.Rules.Posting[0].Account != p.Rules.Posting[0].Account {
		t.Errorf("Migrate() changed a same-version policy: %+v", got)
	}
}

func TestMigrate_NotFound(t *testing.T) {
	p := parse(t, mealPolicy)
	_, err := testMigrator(nil).Migrate(p, "2030_v1.0")

	var nf *MigrationNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Migrate() error = %v, want *MigrationNotFoundError", err)
	}
	if nf.From != bas.Version2025v1 || nf.To != "2030_v1.0" {
		t.Errorf("error = %+v", nf)
	}
	if !errors.Is(err, domain.ErrMigrationNotFound) {
		t.Error("error does not match ErrMigrationNotFound")
	}
}

func TestMigrate_AppliesAccountMappings(t *testing.T) {
	table := map[string]MigrationRule{
		MigrationKey(bas.Version2025v1, bas.Version2025v2): {
			AccountMappings: map[string]string{"6071": "6073"},
		},
	}
	p := parse(t, mealPolicy)
	got, err := testMigrator(table).Migrate(p, bas.Version2025v2)
	if err != nil {
		t.Fatal(err)
	}

	if got.BASVersion != bas.Version2025v2 {
		t.Errorf("BASVersion = %s, want %s", got.BASVersion, bas.Version2025v2)
	}
	if got.Rules.Posting[0].Account != "6073" {
		t.Errorf("Posting[0].Account = %s, want 6073", got.Rules.Posting[0].Account)
	}
	if got.Rules.Posting[1].Account != "6072" {
		t.Errorf("unmapped account changed to %s", got.Rules.Posting[1].Account)
	}
	if p.Rules.Posting[0].Account != "6071" || p.BASVersion != bas.Version2025v1 {
		t.Error("Migrate() mutated the source policy")
	}
}

func TestMigrationKey(t *testing.T) {
	if got := MigrationKey("2025_v1.0", "2025_v2.0"); got != "2025_v1.0_to_2025_v2.0" {
		t.Errorf("MigrationKey() = %q", got)
	}
	if _, ok := DefaultMigrations()["2025_v1.0_to_2025_v2.0"]; !ok {
		t.Error("default table lacks 2025_v1.0_to_2025_v2.0")
	}
}

// ─── Validation ─────────────────────────────────────────────────────────────

func TestValidateAgainstBAS(t *testing.T) {
	ctx := context.Background()
	m := testMigrator(map[string]MigrationRule{
		MigrationKey(bas.Version2025v1, bas.Version2025v2): {DeprecatedAccounts: []string{"6072"}},
	})

	ok, err := m.ValidateAgainstBAS(ctx, parse(t, mealPolicy), bas.Version2025v1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok.Valid || len(ok.Errors) != 0 {
		t.Errorf("result = %+v, want valid", ok)
	}

	bad := parse(t, strings.Replace(mealPolicy, `"account": "6072"`, `"account": "6999"`, 1))
	res, err := m.ValidateAgainstBAS(ctx, bad, bas.Version2025v1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "6999") {
		t.Errorf("result = %+v, want one error naming 6999", res)
	}

	warn, err := m.ValidateAgainstBAS(ctx, parse(t, mealPolicy), bas.Version2025v2)
	if err != nil {
		t.Fatal(err)
	}
	if !warn.Valid || len(warn.Warnings) != 1 {
		t.Errorf("result = %+v, want valid with one deprecation warning", warn)
	}
}

func TestValidateAgainstBAS_UnknownVersion(t *testing.T) {
	_, err := testMigrator(nil).ValidateAgainstBAS(context.Background(), parse(t, mealPolicy), "1999_v1.0")
	if !errors.Is(err, domain.ErrDatasetNotFound) {
		t.Errorf("error = %v, want ErrDatasetNotFound", err)
	}
}

// ─── Compatible Policies ────────────────────────────────────────────────────

func TestCompatiblePolicies(t *testing.T) {
	current := parse(t, strings.Replace(phonePolicy, `"bas_version": "2025_v1.0"`, `"bas_version": "2025_v2.0"`, 1))
	migratable := parse(t, mealPolicy)
	orphan := parse(t, strings.Replace(saasPolicy, `"bas_version": "2025_v1.0"`, `"bas_version": "2019_v1.0"`, 1))
	broken := parse(t, strings.Replace(
		strings.Replace(phonePolicy, "SE_MOBILE_PHONE_V1", "SE_BROKEN_V1", 1),
		`"account": "5410"`, `"account": "5999"`, 1))

	m := testMigrator(nil)
	var dropped []string
	m.OnDrop = func(id, version string) { dropped = append(dropped, id+"@"+version) }
	got, err := m.CompatiblePolicies(context.Background(),
		[]Policy{current, migratable, orphan, broken}, bas.Version2025v2)
	if err != nil {
		t.Fatal(err)
	}

	ids := make([]string, len(got))
	for i, p := range got {
		ids[i] = p.ID
		if p.BASVersion != bas.Version2025v2 {
			t.Errorf("%s BASVersion = %s, want %s", p.ID, p.BASVersion, bas.Version2025v2)
		}
	}
	if want := "SE_MOBILE_PHONE_V1,SE_REPR_MEAL_V1"; strings.Join(ids, ",") != want {
		t.Errorf("compatible = %v, want %s", ids, want)
	}
	if want := "SE_SAAS_REVERSE_CHARGE_V1@2025_v2.0,SE_BROKEN_V1@2025_v2.0"; strings.Join(dropped, ",") != want {
		t.Errorf("dropped = %v, want %s", dropped, want)
	}
}
