package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/tinyrange/vpci/internal/config"
)

func (s *system) dump(w io.Writer) error {
	for _, id := range s.order {
		g := s.guests[id]
		fmt.Fprintf(w, "== %v\n", g.d)
		if err := g.bus.Dump(w); err != nil {
			return err
		}
		if err := g.router.Dump(w); err != nil {
			return err
		}
		if n := g.tables.Tables(); n != 0 {
			fmt.Fprintf(w, "%d guest msi-x tables\n", n)
		}
	}
	return nil
}

// Dump implements subcommands.Command for the "dump" command.
type Dump struct{}

// Name implements subcommands.Command.
func (*Dump) Name() string { return "dump" }

// Synopsis implements subcommands.Command.
func (*Dump) Synopsis() string { return "prints the register handlers and bindings of every domain" }

// Usage implements subcommands.Command.
func (*Dump) Usage() string {
	return `dump <config.yaml>
`
}

// SetFlags implements subcommands.Command.
func (*Dump) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Dump) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := config.Load(f.Arg(0))
	if err != nil {
		return fatalf("%v", err)
	}
	s, err := newSystem(cfg)
	if err != nil {
		return fatalf("build system: %v", err)
	}
	err = s.dump(os.Stdout)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// Check implements subcommands.Command for the "check" command.
type Check struct{}

// Name implements subcommands.Command.
func (*Check) Name() string { return "check" }

// Synopsis implements subcommands.Command.
func (*Check) Synopsis() string { return "validates a config and assigns its devices" }

// Usage implements subcommands.Command.
func (*Check) Usage() string {
	return `check <config.yaml>
`
}

// SetFlags implements subcommands.Command.
func (*Check) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Check) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := config.Load(f.Arg(0))
	if err != nil {
		return fatalf("%v", err)
	}
	s, err := newSystem(cfg)
	if err != nil {
		return fatalf("build system: %v", err)
	}
	devices := 0
	for _, g := range s.guests {
		devices += len(g.bus.Devices())
	}
	if err := s.Close(); err != nil {
		return fatalf("%v", err)
	}
	fmt.Printf("%s: %d domains, %d devices assigned\n", f.Arg(0), len(cfg.Domains), devices)
	return subcommands.ExitSuccess
}
