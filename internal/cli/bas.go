package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ledgerflow/autobook/internal/bas"
	"github.com/ledgerflow/autobook/internal/domain"
)

// ─── BAS CLI ────────────────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(basCmd)
	basCmd.AddCommand(basShowCmd)
	basCmd.AddCommand(basImportCmd)

	basShowCmd.Flags().String("version", "", "Chart version (default: bas.default_version)")
	basShowCmd.Flags().String("class", "", "Only accounts in this two-digit class")
	basShowCmd.Flags().String("type", "", "Only accounts of this type (asset, liability, equity, income, expense)")
}

var basCmd = &cobra.Command{
	Use:   "bas",
	Short: "Inspect and import BAS chart-of-accounts datasets",
}

// ─── bas show ───────────────────────────────────────────────────────────────

var basShowCmd = &cobra.Command{
	Use:   "show [ACCOUNT]",
	Short: "Show one account or list a chart version",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetString("version")
		class, _ := cmd.Flags().GetString("class")
		typ, _ := cmd.Flags().GetString("type")

		d, err := openDaemon(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		if version == "" {
			version = d.Config.BAS.DefaultVersion
		}
		ds, err := d.Charts.Dataset(cmd.Context(), version)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(args) == 1 {
			acc, ok := ds.Account(args[0])
			if !ok {
				return fmt.Errorf("%w: %s in BAS %s", domain.ErrAccountNotFound, args[0], version)
			}
			printAccount(w, acc)
			return nil
		}

		accounts := ds.Accounts()
		switch {
		case class != "":
			accounts = ds.AccountsByClass(class)
		case typ != "":
			accounts = ds.AccountsByType(typ)
		}
		printAccounts(w, ds.Version, accounts)
		return nil
	},
}

func printAccount(w io.Writer, a bas.Account) {
	fmt.Fprintf(w, "%s  %s\n", a.Number, a.Name)
	fmt.Fprintf(w, "  Class:    %s\n", a.AccountClass)
	fmt.Fprintf(w, "  Type:     %s\n", a.AccountType)
	if a.VATHint != nil {
		fmt.Fprintf(w, "  VAT hint: %g%%\n", *a.VATHint)
	}
	if len(a.AllowedRegions) > 0 {
		fmt.Fprintf(w, "  Regions:  %v\n", a.AllowedRegions)
	}
	fmt.Fprintf(w, "  BAS:      %s (from %s)\n", a.BASVersion, a.EffectiveFrom)
	if a.Description != "" {
		fmt.Fprintf(w, "  %s\n", a.Description)
	}
}

func printAccounts(w io.Writer, version string, accounts []bas.Account) {
	fmt.Fprintf(w, "BAS %s: %d accounts\n\n", version, len(accounts))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NUMBER\tCLASS\tTYPE\tNAME")
	for _, a := range accounts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Number, a.AccountClass, a.AccountType, a.Name)
	}
	tw.Flush()
}

// ─── bas import ─────────────────────────────────────────────────────────────

var basImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import a chart dataset into the database",
	Long: `Validate a BAS dataset document and store it. Imported versions take
precedence over the embedded datasets of the same version.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		ds, err := bas.Decode(data)
		if err != nil {
			return err
		}

		d, err := openDaemon(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.DB.SaveChart(cmd.Context(), ds); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported BAS %s (%d accounts)\n", ds.Version, ds.Len())
		return nil
	},
}
