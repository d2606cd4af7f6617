package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/warp/device-ledger/generic"
)

// RegisterCmd opens an assignment for a device.
func RegisterCmd(app *App) *cobra.Command {
	var start, note string

	cmd := &cobra.Command{
		Use:   "register <participant> <column> <device>",
		Short: "Register a device for a participant",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := optionalTime("start", start)
			if err != nil {
				return err
			}
			res, err := app.Ledger.Register(cmd.Context(), generic.RegisterCommand{
				Key:      historyKeyArgs(args),
				DeviceID: args[2],
				Start:    at,
				Note:     note,
				Actor:    app.actorName(),
			})
			if err != nil {
				return err
			}
			printMutation(cmd.OutOrStdout(), "Registered", res)
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "start time (RFC 3339, YYYY-MM-DD or epoch ms; default now)")
	cmd.Flags().StringVar(&note, "note", "", "note stored with the registration")
	return cmd
}

// DeregisterCmd closes the open assignment.
func DeregisterCmd(app *App) *cobra.Command {
	var end, device string

	cmd := &cobra.Command{
		Use:   "deregister <participant> <column>",
		Short: "Deregister the active device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := optionalTime("end", end)
			if err != nil {
				return err
			}
			res, err := app.Ledger.Deregister(cmd.Context(), generic.DeregisterCommand{
				Key:      historyKeyArgs(args),
				End:      at,
				DeviceID: device,
				Actor:    app.actorName(),
			})
			if err != nil {
				return err
			}
			printMutation(cmd.OutOrStdout(), "Deregistered", res)
			return nil
		},
	}
	cmd.Flags().StringVar(&end, "end", "", "end time (default now; a future time schedules the deregistration)")
	cmd.Flags().StringVar(&device, "device", "", "fail unless this device is the active one")
	return cmd
}

// CorrectCmd supersedes an assignment with an edited copy.
func CorrectCmd(app *App) *cobra.Command {
	var (
		device, start, end, note string
		openEnded                bool
	)

	cmd := &cobra.Command{
		Use:   "correct <participant> <column> <id>",
		Short: "Correct a registration",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAssignmentID(args[2])
			if err != nil {
				return err
			}
			if end != "" && openEnded {
				return fmt.Errorf("--end and --open-ended are mutually exclusive")
			}
			c := generic.CorrectCommand{
				Key:          historyKeyArgs(args),
				AssignmentID: id,
				DeviceID:     device,
				OpenEnded:    openEnded,
				Actor:        app.actorName(),
			}
			if cmd.Flags().Changed("note") {
				c.Note = &note
			}
			if start != "" {
				t, err := generic.ParseTime(start)
				if err != nil {
					return fmt.Errorf("--start: %w", err)
				}
				c.Start = &t
			}
			if end != "" {
				t, err := generic.ParseTime(end)
				if err != nil {
					return fmt.Errorf("--end: %w", err)
				}
				c.End = &t
			}

			res, err := app.Ledger.Correct(cmd.Context(), c)
			if err != nil {
				return err
			}
			printMutation(cmd.OutOrStdout(), "Corrected", res)
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "corrected device id")
	cmd.Flags().StringVar(&start, "start", "", "corrected start time")
	cmd.Flags().StringVar(&end, "end", "", "corrected end time")
	cmd.Flags().BoolVar(&openEnded, "open-ended", false, "clear the end time")
	cmd.Flags().StringVar(&note, "note", "", "corrected note")
	return cmd
}

// CancelCmd supersedes an assignment without replacement.
func CancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <participant> <column> <id>",
		Short: "Cancel a registration",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAssignmentID(args[2])
			if err != nil {
				return err
			}
			res, err := app.Ledger.Cancel(cmd.Context(), generic.CancelCommand{
				Key:          historyKeyArgs(args),
				AssignmentID: id,
				Actor:        app.actorName(),
			})
			if err != nil {
				return err
			}
			printMutation(cmd.OutOrStdout(), "Canceled", res)
			return nil
		},
	}
}

func optionalTime(flag, raw string) (generic.TimePoint, error) {
	if raw == "" {
		return generic.TimePoint{}, nil
	}
	t, err := generic.ParseTime(raw)
	if err != nil {
		return generic.TimePoint{}, fmt.Errorf("--%s: %w", flag, err)
	}
	return t, nil
}

func parseAssignmentID(raw string) (generic.AssignmentID, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid assignment id %q", raw)
	}
	return generic.AssignmentID(n), nil
}

func printMutation(out io.Writer, verb string, res *generic.MutationResult) {
	a := res.Assignment
	fmt.Fprintf(out, "%s %s entry %d: %s %s (version %d)\n",
		color.New(color.FgGreen).Sprint("✓"), verb, a.ID, a.DeviceID, a.Interval, res.Version)
	printReport(out, res.Report, false)
}
