package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/warp/device-ledger/generic"
)

// HistoryCmd prints the report of one participant column.
func HistoryCmd(app *App) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "history <participant> <column>",
		Short: "Show the device history of a participant column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := app.Ledger.Report(cmd.Context(), historyKeyArgs(args))
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report, all)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include superseded entries")
	return cmd
}

func printReport(out io.Writer, r *generic.ColumnReport, all bool) {
	if !r.Valid {
		fmt.Fprintf(out, "%s %s %s\n", color.New(color.FgRed).Sprint("INVALID"), r.Key.Participant, r.Key.Column)
		fmt.Fprintf(out, "  %s\n", r.Diagnostic)
	} else {
		fmt.Fprintf(out, "%s %s %s\n", stateMarker(r.State), r.Key.Participant, r.Key.Column)
	}
	if r.Current != nil {
		fmt.Fprintf(out, "  Current: %s since %s\n", r.Current.DeviceID, r.Current.RegisteredOn)
	}
	if r.Next != nil {
		fmt.Fprintf(out, "  Next:    %s from %s\n", r.Next.DeviceID, r.Next.RegisteredOn)
	}

	entries := r.Entries
	if all {
		entries = append(append([]generic.EntryReport{}, entries...), r.Superseded...)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "  (no devices registered)")
		return
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tREGISTERED\tUNTIL\tDAYS\tSTATE\tNOTE")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.AssignmentID, e.DeviceID, e.RegisteredOn, e.UntilLabel, e.Days.StringFixed(2), e.State, e.Note)
	}
	w.Flush()
}

func stateMarker(s generic.ColumnState) string {
	label := string(s)
	switch s {
	case generic.ColumnActive:
		return color.New(color.FgGreen).Sprint(label)
	case generic.ColumnScheduled:
		return color.New(color.FgCyan).Sprint(label)
	case generic.ColumnClosed:
		return color.New(color.FgYellow).Sprint(label)
	default:
		return color.New(color.Faint).Sprint(label)
	}
}
