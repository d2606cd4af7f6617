/*
Package cli implements devicectl, the operator command line for the
device ledger.

COMMANDS:

	columns                                   Configured device columns
	history    <participant> <column>         Column report (--all adds superseded)
	register   <participant> <column> <device>
	deregister <participant> <column>
	correct    <participant> <column> <id>
	cancel     <participant> <column> <id>
	validate                                  Validate every stored history
	import     <participant> <column> <file>  Import a JSON history document

STORAGE:

	Commands open the store named by LEDGER_STORE (see config/config.go).
	Persistent flags override the environment.
*/
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/device-ledger/config"
	"github.com/warp/device-ledger/devices"
	"github.com/warp/device-ledger/factory"
	"github.com/warp/device-ledger/generic"
	"github.com/warp/device-ledger/store"
)

// App carries what commands share. When Ledger is set, commands use it
// instead of opening the configured store.
type App struct {
	Config config.Config
	Ledger *devices.DeviceLedger
	Out    io.Writer
	Clock  generic.Clock

	actor   string
	backend *store.Backend
}

// NewApp returns an App configured from the environment.
func NewApp() (*App, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	return &App{Config: cfg, Out: os.Stdout}, nil
}

// NewRootCmd builds the devicectl command tree.
func NewRootCmd(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "devicectl",
		Short:         "Manage participant device registrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.close()
		},
	}
	root.SetOut(app.Out)

	f := root.PersistentFlags()
	f.StringVar(&app.Config.Store, "store", app.Config.Store, "store backend: memory, sqlite, postgres, redis, s3")
	f.StringVar(&app.Config.SQLitePath, "sqlite", app.Config.SQLitePath, "SQLite database path")
	f.StringVar(&app.Config.PostgresDSN, "postgres-dsn", app.Config.PostgresDSN, "PostgreSQL connection string")
	f.StringVar(&app.Config.RedisURL, "redis-url", app.Config.RedisURL, "Redis URL")
	f.StringVar(&app.Config.S3.Bucket, "s3-bucket", app.Config.S3.Bucket, "S3 bucket")
	f.StringVar(&app.Config.ColumnsFile, "columns", app.Config.ColumnsFile, "YAML or JSON column definitions")
	f.StringVar(&app.actor, "actor", defaultActor(), "name recorded on mutations")

	root.AddCommand(
		ColumnsCmd(app),
		HistoryCmd(app),
		RegisterCmd(app),
		DeregisterCmd(app),
		CorrectCmd(app),
		CancelCmd(app),
		ValidateCmd(app),
		ImportCmd(app),
	)
	return root
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "devicectl"
}

func (a *App) open(ctx context.Context) error {
	if a.Ledger != nil {
		return nil
	}
	if err := a.Config.Validate(); err != nil {
		return err
	}

	columns := factory.DefaultColumns()
	if a.Config.ColumnsFile != "" {
		var err error
		if columns, err = factory.LoadColumnsFile(a.Config.ColumnsFile); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	backend, err := store.Open(ctx, a.Config)
	if err != nil {
		return fmt.Errorf("open %s store: %w", a.Config.Store, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	opts := []devices.Option{
		devices.WithLogger(logger),
		devices.WithMaxRetries(a.Config.MaxRetries),
	}
	if backend.Audit != nil {
		opts = append(opts, devices.WithAuditLog(backend.Audit))
	}
	if a.Clock != nil {
		opts = append(opts, devices.WithClock(a.Clock))
	}
	ledger, err := devices.New(backend.History, columns, opts...)
	if err != nil {
		backend.Close()
		return err
	}
	a.backend = backend
	a.Ledger = ledger
	return nil
}

func (a *App) close() error {
	if a.backend == nil {
		return nil
	}
	err := a.backend.Close()
	a.backend = nil
	a.Ledger = nil
	return err
}

func (a *App) actorName() generic.Actor {
	if a.actor == "" {
		return generic.Actor(defaultActor())
	}
	return generic.Actor(a.actor)
}

func historyKeyArgs(args []string) generic.HistoryKey {
	return generic.HistoryKey{
		Participant: generic.ParticipantID(args[0]),
		Column:      generic.ColumnID(args[1]),
	}
}
