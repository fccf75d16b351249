// Binary vpcictl assembles emulated PCI systems from a YAML description and
// drives them with recorded guest accesses.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/subcommands"
)

var debug = flag.Bool("debug", false, "enable debug logging.")

func fatalf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "vpcictl: "+format+"\n", args...)
	return subcommands.ExitFailure
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(Check), "")
	subcommands.Register(new(Dump), "")
	subcommands.Register(new(Replay), "")
	subcommands.Register(new(SBDF), "")

	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	os.Exit(int(subcommands.Execute(context.Background())))
}
