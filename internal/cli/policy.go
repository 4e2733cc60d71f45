package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgerflow/autobook/internal/domain"
	"github.com/ledgerflow/autobook/internal/rules"
)

// ─── Policy CLI ─────────────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyMigrateCmd)
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyImportCmd)

	policyValidateCmd.Flags().String("bas-version", "", "Check accounts against this chart (default: the policy's own)")
	policyMigrateCmd.Flags().String("to", "", "Target chart version")
	policyMigrateCmd.Flags().StringP("output", "o", "", "Write the migrated policy here instead of stdout")
	_ = policyMigrateCmd.MarkFlagRequired("to")
	policyListCmd.Flags().String("date", "", "Effective date YYYY-MM-DD (default today)")
	policyListCmd.Flags().String("bas-version", "", "Chart version (default: scheduled for the date)")
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate, migrate and list accounting policies",
}

// ─── policy validate ────────────────────────────────────────────────────────

var policyValidateCmd = &cobra.Command{
	Use:   "validate FILE...",
	Short: "Check policy documents against the schema and the chart of accounts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetString("bas-version")
		d, err := openDaemon(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		invalid, err := validatePolicyFiles(cmd.Context(), cmd.OutOrStdout(), d.Versions.Migrator(), args, version)
		if err != nil {
			return err
		}
		if invalid > 0 {
			return fmt.Errorf("%d of %d policies invalid", invalid, len(args))
		}
		return nil
	},
}

func validatePolicyFiles(ctx context.Context, w io.Writer, m *rules.Migrator, files []string, version string) (int, error) {
	invalid := 0
	for _, file := range files {
		doc, err := os.ReadFile(file)
		if err != nil {
			return invalid, err
		}
		ok, err := validatePolicy(ctx, w, m, file, doc, version)
		if err != nil {
			return invalid, err
		}
		if !ok {
			invalid++
		}
	}
	return invalid, nil
}

func validatePolicy(ctx context.Context, w io.Writer, m *rules.Migrator, name string, doc []byte, version string) (bool, error) {
	p, err := rules.DefaultValidator().ParsePolicy(doc)
	var sv *rules.SchemaViolation
	if errors.As(err, &sv) {
		fmt.Fprintf(w, "✗ %s\n", name)
		for _, fe := range sv.Errors {
			fmt.Fprintf(w, "    %s\n", fe)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if version == "" {
		version = p.BASVersion
	}
	migrated, err := m.Migrate(p, version)
	if errors.Is(err, domain.ErrMigrationNotFound) {
		fmt.Fprintf(w, "✗ %s (%s)\n    %v\n", name, p.ID, err)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	v, err := m.ValidateAgainstBAS(ctx, migrated, version)
	if err != nil {
		return false, err
	}

	mark := "✓"
	if !v.Valid {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %s (%s, BAS %s)\n", mark, name, p.ID, version)
	for _, e := range v.Errors {
		fmt.Fprintf(w, "    error: %s\n", e)
	}
	for _, warn := range v.Warnings {
		fmt.Fprintf(w, "    warning: %s\n", warn)
	}
	return v.Valid, nil
}

// ─── policy migrate ─────────────────────────────────────────────────────────

var policyMigrateCmd = &cobra.Command{
	Use:   "migrate FILE",
	Short: "Rewrite a policy for another chart version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		output, _ := cmd.Flags().GetString("output")

		doc, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		d, err := openDaemon(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		out, err := migratePolicy(cmd.Context(), cmd.ErrOrStderr(), d.Versions.Migrator(), doc, to)
		if err != nil {
			return err
		}
		if output == "" {
			_, err = cmd.OutOrStdout().Write(out)
			return err
		}
		if err := os.WriteFile(output, out, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", output)
		return nil
	},
}

// migratePolicy returns the indented migrated document. Chart problems in
// the result are reported to warn but do not fail the migration.
func migratePolicy(ctx context.Context, warn io.Writer, m *rules.Migrator, doc []byte, to string) ([]byte, error) {
	p, err := rules.DefaultValidator().ParsePolicy(doc)
	if err != nil {
		return nil, err
	}
	migrated, err := m.Migrate(p, to)
	if err != nil {
		return nil, err
	}
	v, err := m.ValidateAgainstBAS(ctx, migrated, to)
	if err != nil {
		return nil, err
	}
	for _, e := range v.Errors {
		fmt.Fprintf(warn, "error: %s\n", e)
	}
	for _, w := range v.Warnings {
		fmt.Fprintf(warn, "warning: %s\n", w)
	}

	raw, err := migrated.Document()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// ─── policy list ────────────────────────────────────────────────────────────

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policies effective on a date",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dateStr, _ := cmd.Flags().GetString("date")
		version, _ := cmd.Flags().GetString("bas-version")

		date := today()
		if dateStr != "" {
			var err error
			if date, err = domain.ParseDate(dateStr); err != nil {
				return fmt.Errorf("--date: %w", err)
			}
		}

		d, err := openDaemon(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		if version == "" {
			version = d.Versions.VersionFor(date)
		}
		policies, err := d.Versions.PoliciesFor(cmd.Context(), date, version)
		if err != nil {
			return err
		}
		printPolicies(cmd.OutOrStdout(), policies, date, version)
		return nil
	},
}

func printPolicies(w io.Writer, policies []rules.Policy, date domain.Date, version string) {
	if len(policies) == 0 {
		fmt.Fprintf(w, "No policies effective on %s for BAS %s.\n", date, version)
		return
	}
	fmt.Fprintf(w, "Policies effective on %s (BAS %s):\n\n", date, version)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tINTENT\tFROM\tNAME")
	for _, p := range policies {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Version, p.Rules.Match.Intent, p.EffectiveFrom, p.Name)
	}
	tw.Flush()
}

func today() domain.Date {
	y, m, d := time.Now().Date()
	return domain.NewDate(y, m, d)
}

// ─── policy import ──────────────────────────────────────────────────────────

var policyImportCmd = &cobra.Command{
	Use:   "import FILE...",
	Short: "Store policy documents in the database (used when policies.source = \"db\")",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		docs := make([][]byte, 0, len(args))
		for _, file := range args {
			doc, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		// Validate everything before writing anything.
		policies, err := rules.DefaultValidator().ParsePolicies(docs)
		if err != nil {
			return err
		}

		d, err := openDaemon(ctx)
		if err != nil {
			return err
		}
		defer d.Close()
		for _, p := range policies {
			if err := d.DB.SavePolicy(ctx, p); err != nil {
				return fmt.Errorf("save %s: %w", p.ID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s\n", p.ID)
		}
		return nil
	},
}
