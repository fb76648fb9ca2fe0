package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

var configPath = flag.String("config", "", "Path to configuration file (defaults and PAPERTRADE_* environment when empty)")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&serveCmd{}, "service")
	subcommands.Register(&resetCmd{}, "service")

	for _, c := range dispatchCommands() {
		subcommands.Register(c, c.group)
	}

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
