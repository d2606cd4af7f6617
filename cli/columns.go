package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// ColumnsCmd lists the configured device columns.
func ColumnsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "columns",
		Short: "List configured device columns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "COLUMN\tFORMAT\tDESCRIPTION")
			for _, c := range app.Ledger.Columns().List() {
				format := c.SerialNumberFormat
				if format == "" {
					format = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, format, c.Description)
			}
			return w.Flush()
		},
	}
}
