package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/device-ledger/store/codec"
)

// ImportCmd loads a history document into an empty column. Both the
// current format and legacy start/stop event files are accepted.
func ImportCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "import <participant> <column> <file>",
		Short: "Import a device history from a JSON file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[2])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[2], err)
			}
			hist, err := codec.Decode(data)
			if err != nil {
				return fmt.Errorf("decode %s: %w", args[2], err)
			}

			res, err := app.Ledger.Import(cmd.Context(), historyKeyArgs(args), hist.Entries, app.actorName())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d entries (version %d)\n", len(hist.Entries), res.Version)
			printReport(cmd.OutOrStdout(), res.Report, false)
			return nil
		},
	}
}
