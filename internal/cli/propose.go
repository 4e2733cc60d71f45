package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ledgerflow/autobook/internal/app/booking"
	"github.com/ledgerflow/autobook/internal/domain"
)

func init() {
	rootCmd.AddCommand(proposeCmd)
	proposeCmd.Flags().StringP("file", "f", "-", "Request JSON file ({\"intent\": ..., \"receipt\": ...}); - reads stdin")
	proposeCmd.Flags().String("bas-version", "", "Chart version (default: scheduled for the receipt date)")
	proposeCmd.Flags().Bool("book", false, "Book the proposal if it is GREEN")
	proposeCmd.Flags().Bool("json", false, "Print the outcome as JSON")
}

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Propose a posting for an intent and receipt",
	Long: `Run the rule engine for one expense and record the proposal in the audit
log. With --book a GREEN proposal is booked into the AI voucher series.`,
	Args: cobra.NoArgs,
	RunE: runPropose,
}

func runPropose(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	version, _ := cmd.Flags().GetString("bas-version")
	book, _ := cmd.Flags().GetBool("book")
	asJSON, _ := cmd.Flags().GetBool("json")

	req, err := readRequest(file, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if version != "" {
		req.BASVersion = version
	}

	ctx := cmd.Context()
	d, err := openDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	out, err := d.Booking.Propose(ctx, req)
	if err != nil {
		return err
	}
	if book && out.Entry == nil && out.Record.Proposal.Bookable() {
		entry, err := d.Booking.Book(ctx, out.Record.ID)
		if err != nil {
			return err
		}
		out.Entry = entry
		out.Record.EntryID = entry.ID
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printOutcome(cmd.OutOrStdout(), out)
	return nil
}

func readRequest(path string, stdin io.Reader) (booking.Request, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return booking.Request{}, err
		}
		defer f.Close()
		r = f
	}
	var req booking.Request
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return booking.Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func printOutcome(w io.Writer, out *booking.Outcome) {
	p := out.Record.Proposal
	fmt.Fprintf(w, "Proposal %s\n", out.Record.ID)
	fmt.Fprintf(w, "  Stoplight:  %s\n", stoplightLabel(p.Stoplight))
	if p.PolicyID != "" {
		fmt.Fprintf(w, "  Policy:     %s (BAS %s)\n", p.PolicyID, out.Record.BASVersion)
	}
	fmt.Fprintf(w, "  Confidence: %.2f\n", p.Confidence)
	for _, rc := range p.ReasonCodes {
		fmt.Fprintf(w, "  Reason:     %s\n", rc)
	}

	if len(p.Lines) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "ACCOUNT\tDEBIT\tCREDIT\t")
		for _, l := range p.Lines {
			debit, credit := l.Amount.StringFixed(2), ""
			if l.Side == domain.Credit {
				debit, credit = "", l.Amount.StringFixed(2)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t\n", l.Account, debit, credit)
		}
		d, k := p.Totals()
		fmt.Fprintf(tw, "TOTAL\t%s\t%s\t\n", d.StringFixed(2), k.StringFixed(2))
		tw.Flush()
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, out.Explanation)
	if out.Record.Question != "" {
		fmt.Fprintf(w, "Question: %s\n", out.Record.Question)
	}
	if out.Entry != nil {
		fmt.Fprintf(w, "Booked as %s%s\n", out.Entry.Series, out.Entry.Number)
	}
}

func stoplightLabel(s domain.Stoplight) string {
	switch s {
	case domain.Green:
		return "GREEN (auto-book)"
	case domain.Yellow:
		return "YELLOW (needs clarification)"
	case domain.Red:
		return "RED (manual review)"
	}
	return string(s)
}
