package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/tinyrange/vpci/internal/pci"
)

// SBDF implements subcommands.Command for the "sbdf" command.
type SBDF struct {
	reg uint
}

// Name implements subcommands.Command.
func (*SBDF) Name() string { return "sbdf" }

// Synopsis implements subcommands.Command.
func (*SBDF) Synopsis() string { return "decodes PCI addresses into ECAM offsets and CF8 latches" }

// Usage implements subcommands.Command.
func (*SBDF) Usage() string {
	return `sbdf [-reg N] <ssss:bb:dd.f>...
`
}

// SetFlags implements subcommands.Command.
func (s *SBDF) SetFlags(f *flag.FlagSet) {
	f.UintVar(&s.reg, "reg", 0, "config space register to address.")
}

// cf8Latch returns the configuration mechanism #1 address of reg, with the
// extended register bits in 24-27.
func cf8Latch(sbdf pci.SBDF, reg uint16) uint32 {
	return 1<<31 | uint32(sbdf.BDF())<<8 | uint32(reg&0xfc) | uint32(reg&0xf00)<<16
}

// Execute implements subcommands.Command.Execute.
func (s *SBDF) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if s.reg >= pci.ConfigSpaceSize {
		return fatalf("register %#x outside config space", s.reg)
	}
	reg := uint16(s.reg)
	for _, arg := range f.Args() {
		sbdf, err := pci.ParseSBDF(arg)
		if err != nil {
			return fatalf("%v", err)
		}
		fmt.Printf("%v seg=%#x bus=%#x dev=%#x fn=%d ecam=%#x cf8=%#08x\n",
			sbdf, sbdf.Seg(), sbdf.Bus(), sbdf.Dev(), sbdf.Fn(), pci.ECAMOffset(sbdf, reg), cf8Latch(sbdf, reg))
	}
	return subcommands.ExitSuccess
}
