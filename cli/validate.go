package cli

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// ErrInvalidHistories is returned by validate when any history fails, so
// the process exits non-zero.
var ErrInvalidHistories = errors.New("invalid device histories found")

// ValidateCmd validates every stored device history.
func ValidateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate every stored device history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := app.Ledger.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ic := range result.Invalid {
				fmt.Fprintf(out, "%s %s %s: %s\n",
					color.New(color.FgRed).Sprint("✗"), ic.Key.Participant, ic.Key.Column, ic.Diagnostic)
			}
			if !result.Valid() {
				fmt.Fprintf(out, "%d of %d histories invalid\n", len(result.Invalid), result.Checked)
				return ErrInvalidHistories
			}
			fmt.Fprintf(out, "%s %d histories valid\n", color.New(color.FgGreen).Sprint("✓"), result.Checked)
			return nil
		},
	}
}
