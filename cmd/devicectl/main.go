package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/warp/device-ledger/cli"
)

func main() {
	app, err := cli.NewApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = cli.NewRootCmd(app).ExecuteContext(ctx)
	stop()

	if err != nil {
		if !errors.Is(err, cli.ErrInvalidHistories) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
