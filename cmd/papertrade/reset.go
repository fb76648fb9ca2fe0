package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/rewired-gh/papertrade/internal/models"
)

type resetCmd struct {
	confirm bool
}

func (*resetCmd) Name() string     { return "reset" }
func (*resetCmd) Synopsis() string { return "discard all positions and restore the starting balance" }
func (*resetCmd) Usage() string {
	return `reset -confirm

  Clears the spot and leveraged books and restores portfolio.starting_balance.
  Alerts, the watchlist and the trade journal are kept.
`
}

func (c *resetCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.confirm, "confirm", false, "Confirm the reset (required)")
}

func (c *resetCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if !c.confirm {
		fmt.Fprintln(os.Stderr, "Error: reset discards every position; pass -confirm to proceed.")
		return subcommands.ExitUsageError
	}

	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer a.close()

	if err := a.checkNoServer(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := a.ledger.Reset(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("Portfolio reset. Cash: %s\n", models.FormatUSD(a.ledger.Cash()))
	return subcommands.ExitSuccess
}
