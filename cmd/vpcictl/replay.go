package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/vpci/internal/config"
	"github.com/tinyrange/vpci/internal/hostpci"
	"github.com/tinyrange/vpci/internal/hv"
	"github.com/tinyrange/vpci/internal/pci"
)

var errMismatch = errors.New("unexpected result")

// pendingTimeout bounds how long expect-pending waits for the workers.
const pendingTimeout = time.Second

// runStep applies one trace step to the system.
func (s *system) runStep(st config.Step) error {
	g, err := s.guest(st.Domain)
	if err != nil {
		return err
	}
	ctx := hv.VCPUContext(st.VCPU)
	v := g.d.VCPU(st.VCPU)
	switch st.Op {
	case config.OpAck, config.OpEOI, config.OpExpectPending:
		if v == nil {
			return fmt.Errorf("%v has no vcpu %d", g.d, st.VCPU)
		}
	}

	switch st.Op {
	case config.OpRead, config.OpWrite:
		addr := s.cfg.ECAM.Base + pci.ECAMOffset(st.SBDF, st.Reg) - uint64(s.cfg.ECAM.StartBus)<<20
		return s.access(g, ctx, st, addr)
	case config.OpMMIORead, config.OpMMIOWrite, config.OpPIORead, config.OpPIOWrite:
		return s.access(g, ctx, st, st.Addr)
	case config.OpFire:
		irqn, ok := g.d.PirqIRQ(st.Pirq)
		if !ok {
			return fmt.Errorf("pirq %d of %v is not mapped", st.Pirq, g.d)
		}
		s.ctl.Fire(irqn)
		if s.workers == nil {
			s.drainAll()
		}
	case config.OpAck:
		if _, ok := v.Ack(); !ok {
			return fmt.Errorf("%w: nothing to acknowledge on %v vcpu %d", errMismatch, g.d, st.VCPU)
		}
	case config.OpEOI:
		if _, ok := v.EOI(); !ok {
			return fmt.Errorf("%w: nothing in service on %v vcpu %d", errMismatch, g.d, st.VCPU)
		}
	case config.OpDrain:
		s.sched.Drain(st.CPU)
	case config.OpCPUDead:
		return s.sched.CPUDead(st.CPU)
	case config.OpAssign:
		return g.bus.Assign(hostpci.Info{SBDF: st.SBDF, PhysFn: pci.InvalidSBDF})
	case config.OpDeassign:
		return g.bus.Deassign(st.SBDF)
	case config.OpExpectPending:
		deadline := time.Now().Add(pendingTimeout)
		for !v.Pending(st.Vector) {
			if s.workers == nil || time.Now().After(deadline) {
				return fmt.Errorf("%w: vector %#x not pending on %v vcpu %d", errMismatch, st.Vector, g.d, st.VCPU)
			}
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}

// access performs a read or write through the domain's trap dispatch.
func (s *system) access(g *guest, ctx hv.ExitContext, st config.Step, addr uint64) error {
	data := make([]byte, st.Size)
	write := st.Op == config.OpWrite || st.Op == config.OpMMIOWrite || st.Op == config.OpPIOWrite
	if write {
		for i := range data {
			data[i] = byte(st.Value >> (8 * i))
		}
	}
	var err error
	if st.Op == config.OpPIORead || st.Op == config.OpPIOWrite {
		err = g.chipset.HandlePIO(ctx, uint16(addr), data, write)
	} else {
		err = g.chipset.HandleMMIO(ctx, addr, data, write)
	}
	if err != nil {
		return err
	}
	if write || st.Expect == nil {
		return nil
	}
	var got uint64
	for i, b := range data {
		got |= uint64(b) << (8 * i)
	}
	if got != *st.Expect {
		return fmt.Errorf("%w: %s at %#x = %#x, want %#x", errMismatch, st.Op, addr, got, *st.Expect)
	}
	return nil
}

// replay runs tr and returns the number of failed steps. Errors other than
// mismatches stop the replay.
func (s *system) replay(tr *config.Trace, out io.Writer) (int, error) {
	if !isTerminal(out) {
		out = io.Discard
	}
	bar := progressbar.NewOptions(len(tr.Steps),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("replay"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	failed := 0
	for i, st := range tr.Steps {
		if err := s.runStep(st); err != nil {
			if !errors.Is(err, errMismatch) {
				return failed, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
			}
			failed++
			slog.Error("vpcictl: step failed", "step", i, "op", st.Op, "err", err)
		}
		bar.Add(1)
	}
	bar.Finish()
	return failed, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	workers bool
	dump    bool
}

// Name implements subcommands.Command.
func (*Replay) Name() string { return "replay" }

// Synopsis implements subcommands.Command.
func (*Replay) Synopsis() string { return "replays a trace of guest accesses against a system" }

// Usage implements subcommands.Command.
func (*Replay) Usage() string {
	return `replay [flags] <config.yaml> <trace.yaml>
`
}

// SetFlags implements subcommands.Command.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.workers, "workers", false, "run softirq workers instead of draining after every fire (overrides the config).")
	f.BoolVar(&r.dump, "dump", false, "dump the emulated state after the replay.")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := config.Load(f.Arg(0))
	if err != nil {
		return fatalf("%v", err)
	}
	tr, err := config.LoadTrace(f.Arg(1))
	if err != nil {
		return fatalf("%v", err)
	}

	s, err := newSystem(cfg)
	if err != nil {
		return fatalf("build system: %v", err)
	}
	if r.workers || cfg.Workers {
		s.startWorkers(ctx)
	}

	failed, err := s.replay(tr, os.Stderr)
	if err == nil && r.dump {
		err = s.dump(os.Stdout)
	}
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fatalf("%v", err)
	}
	fmt.Printf("%d steps, %d failed\n", len(tr.Steps), failed)
	if failed != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
