package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/rewired-gh/papertrade/internal/commands"
	"github.com/rewired-gh/papertrade/internal/logger"
)

// dispatchCmd exposes one dispatcher command as a CLI subcommand.
type dispatchCmd struct {
	name     string
	group    string
	synopsis string
	// refresh loads live prices before running.
	refresh bool
	// mutates refuses to run while a server holds the database.
	mutates bool
}

func dispatchCommands() []*dispatchCmd {
	return []*dispatchCmd{
		{name: "price", group: "market", synopsis: "search coins by name or symbol", refresh: true},
		{name: "watch", group: "market", synopsis: "add a coin to the watchlist", refresh: true, mutates: true},
		{name: "unwatch", group: "market", synopsis: "remove a coin from the watchlist", mutates: true},
		{name: "watchlist", group: "market", synopsis: "show watched coins with current prices", refresh: true},

		{name: "buy", group: "trading", synopsis: "buy at the current price", refresh: true, mutates: true},
		{name: "sell", group: "trading", synopsis: "sell at the current price", refresh: true, mutates: true},
		{name: "portfolio", group: "trading", synopsis: "show cash, holdings and valuation", refresh: true},
		{name: "trades", group: "trading", synopsis: "list recent trades"},

		{name: "alert", group: "alerts", synopsis: "create a price alert", refresh: true, mutates: true},
		{name: "alerts", group: "alerts", synopsis: "list price alerts"},
		{name: "unalert", group: "alerts", synopsis: "delete a price alert", mutates: true},
		{name: "check", group: "alerts", synopsis: "evaluate price alerts now", refresh: true, mutates: true},
	}
}

func (c *dispatchCmd) Name() string           { return c.name }
func (c *dispatchCmd) Synopsis() string       { return c.synopsis }
func (c *dispatchCmd) Usage() string          { return commands.Usage(c.name) + "\n" }
func (c *dispatchCmd) SetFlags(*flag.FlagSet) {}

func (c *dispatchCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer a.close()

	// Deliver notifications raised by the command before exiting.
	qctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.queue.Run(qctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if c.mutates {
		if err := a.checkNoServer(ctx); err != nil {
			fmt.Fprintln(os.Stderr, commands.Reply(err, c.name))
			return subcommands.ExitFailure
		}
	}

	if c.refresh {
		if err := a.prices.Refresh(ctx); err != nil {
			logger.Error("Price refresh failed: %v", err)
			fmt.Fprintln(os.Stderr, commands.Reply(err, c.name))
			return subcommands.ExitFailure
		}
	}

	out, err := a.dispatcher.Dispatch(ctx, c.name, f.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, commands.Reply(err, c.name))
		if errors.Is(err, commands.ErrUsage) {
			return subcommands.ExitUsageError
		}
		return subcommands.ExitFailure
	}
	fmt.Println(out)
	return subcommands.ExitSuccess
}
