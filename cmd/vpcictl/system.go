package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vpci/internal/chipset"
	"github.com/tinyrange/vpci/internal/config"
	pcidev "github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/domain"
	"github.com/tinyrange/vpci/internal/dpci"
	"github.com/tinyrange/vpci/internal/hostpci"
	"github.com/tinyrange/vpci/internal/irq"
	"github.com/tinyrange/vpci/internal/pci"
	"github.com/tinyrange/vpci/internal/vmsi"
	"github.com/tinyrange/vpci/internal/vpci"
)

// guest is one domain with its emulated bus and trap dispatch.
type guest struct {
	d       *domain.Domain
	router  *dpci.Router
	bus     *vpci.Bus
	tables  *vmsi.Registry
	chipset *chipset.Chipset
}

// system is every domain of a config sharing one host.
type system struct {
	cfg     *config.Config
	backend hostpci.Backend
	closer  func() error
	ctl     *irq.Controller
	sched   *dpci.Scheduler
	host    *vpci.Host
	guests  map[uint16]*guest
	order   []uint16

	cancel  context.CancelFunc
	workers *errgroup.Group
}

// populate creates the configured functions in mem.
func populate(mem *hostpci.Memory, devices []config.Device) {
	for _, dev := range devices {
		fn := mem.Add(dev.SBDF, dev.Vendor, dev.Device)
		for _, bar := range dev.BARs {
			if bar.Port != 0 {
				fn.SetIOBAR(bar.Index, bar.Port, bar.Size)
				continue
			}
			fn.SetBAR(bar.Index, bar.Base, bar.Size, bar.Mem64, bar.Prefetch)
		}
		if dev.ROM != nil {
			fn.SetROM(dev.ROM.Base, dev.ROM.Size)
		}
		if dev.MSI != nil {
			log2 := 0
			for 1<<log2 < dev.MSI.Vectors {
				log2++
			}
			fn.AddMSI(log2, dev.MSI.Addr64, dev.MSI.Maskable)
		}
		if x := dev.MSIX; x != nil {
			fn.AddMSIX(x.Entries, x.TableBIR, x.TableOffset, x.PBABIR, x.PBAOffset)
		}
		if s := dev.SRIOV; s != nil {
			pos := fn.AddSRIOV(s.TotalVFs, s.Offset, s.Stride, s.VFDevice)
			for _, bar := range s.BARs {
				fn.SetVFBAR(pos, bar.Index, bar.Base, bar.Size, bar.Mem64)
			}
			for _, vf := range dev.VFs() {
				mem.AddVirtfn(vf, dev.SBDF)
			}
		}
		if dev.Command != 0 {
			fn.Set(pci.Command, 2, uint32(dev.Command))
		}
	}
}

// newSystem builds the host and every domain of cfg and assigns their
// devices.
func newSystem(cfg *config.Config) (*system, error) {
	s := &system{
		cfg:    cfg,
		ctl:    irq.NewController(irqGSIs(cfg), cfg.CPUs),
		sched:  dpci.NewScheduler(cfg.CPUs),
		guests: make(map[uint16]*guest),
		closer: func() error { return nil },
	}

	switch cfg.Backend {
	case config.BackendSysfs:
		sysfs := hostpci.NewSysfs(cfg.SysfsRoot)
		s.backend, s.closer = sysfs, sysfs.Close
	default:
		mem := hostpci.NewMemory()
		populate(mem, cfg.Devices)
		s.backend = mem
	}

	romap := hostpci.NewROMap()
	for _, sbdf := range cfg.ReadOnly {
		romap.Set(sbdf)
	}
	s.host = vpci.NewHost(s.backend, romap)

	infos, err := s.backend.Devices()
	if err != nil {
		s.closer()
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	byAddr := make(map[pci.SBDF]hostpci.Info, len(infos))
	for _, info := range infos {
		byAddr[info.SBDF] = info
	}

	for _, dc := range cfg.Domains {
		g, err := s.newGuest(dc)
		if err != nil {
			s.Close()
			return nil, err
		}
		for _, sbdf := range dc.Assign {
			info, ok := byAddr[sbdf]
			if !ok {
				s.Close()
				return nil, fmt.Errorf("d%d: %v: %w", dc.ID, sbdf, vpci.ErrNoDevice)
			}
			if err := g.bus.Assign(info); err != nil {
				s.Close()
				return nil, fmt.Errorf("d%d: assign: %w", dc.ID, err)
			}
		}
	}
	return s, nil
}

func irqGSIs(cfg *config.Config) int {
	n := 0
	for _, d := range cfg.Domains {
		n = max(n, d.GSIs)
	}
	if n == 0 {
		n = 48
	}
	return n
}

func (s *system) newGuest(dc config.Domain) (*guest, error) {
	d, err := domain.New(domain.Config{
		ID:       dc.ID,
		Hardware: dc.Hardware,
		VCPUs:    dc.VCPUs,
		NrPirqs:  dc.Pirqs,
		NrGSIs:   dc.GSIs,
	}, s.ctl)
	if err != nil {
		return nil, fmt.Errorf("d%d: %w", dc.ID, err)
	}
	r := dpci.NewRouter(d, s.sched)
	r.VectorHashing = dc.VectorHashing
	tables := vmsi.NewRegistry(s.ctl, s.backend)
	r.SetTableRegistry(tables)
	bus := s.host.NewBus(d, vmsi.New(r))

	b := chipset.NewBuilder()
	ecam := pcidev.NewHostBridge(bus, pcidev.HostBridgeConfig{
		ConfigBase: s.cfg.ECAM.Base,
		Segment:    s.cfg.ECAM.Segment,
		StartBus:   s.cfg.ECAM.StartBus,
		EndBus:     s.cfg.ECAM.EndBus,
	})
	if err := b.RegisterDevice(ecam.DeviceId(), ecam); err != nil {
		return nil, err
	}
	ports := pcidev.NewConfigPorts(bus)
	if err := b.RegisterDevice(ports.DeviceId(), ports); err != nil {
		return nil, err
	}
	if err := b.WithMmioMatcher(bus.MSIXHandler()); err != nil {
		return nil, err
	}
	if err := b.WithMmioMatcher(tables.Handler()); err != nil {
		return nil, err
	}
	if d.IsHardware() {
		if err := s.registerIOBARs(b, dc.Assign); err != nil {
			return nil, fmt.Errorf("d%d: %w", dc.ID, err)
		}
	}
	cs, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("d%d: %w", dc.ID, err)
	}
	bus.SetPortRelocator(cs)
	if err := cs.Start(); err != nil {
		return nil, fmt.Errorf("d%d: %w", dc.ID, err)
	}

	g := &guest{d: d, router: r, bus: bus, tables: tables, chipset: cs}
	s.guests[dc.ID] = g
	s.order = append(s.order, dc.ID)
	slog.Debug("vpcictl: created domain", "dom", d, "hardware", dc.Hardware, "vcpus", len(d.VCPUs))
	return g, nil
}

// registerIOBARs gives the hardware domain port access to the I/O BARs of
// its devices.
func (s *system) registerIOBARs(b *chipset.ChipsetBuilder, assign []pci.SBDF) error {
	for _, sbdf := range assign {
		res, err := s.backend.Resources(sbdf)
		if err != nil {
			return fmt.Errorf("resources of %v: %w", sbdf, err)
		}
		for i := 0; i < pci.NumBARs && i < len(res); i++ {
			r := res[i]
			if r.Flags&hostpci.ResourceFlagIO == 0 || r.Size() == 0 || r.End > 0xffff {
				continue
			}
			ports := pcidev.NewBARPorts(s.backend, sbdf, i, uint16(r.Start), uint16(r.Size()))
			if err := b.RegisterDevice(ports.DeviceId(), ports); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *system) guest(id uint16) (*guest, error) {
	g, ok := s.guests[id]
	if !ok {
		return nil, fmt.Errorf("no domain %d", id)
	}
	return g, nil
}

// startWorkers runs the softirq workers until Close.
func (s *system) startWorkers(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.workers, ctx = errgroup.WithContext(ctx)
	s.workers.Go(func() error { return s.sched.Run(ctx) })
}

// drainAll runs every softirq queue inline and returns the work done.
func (s *system) drainAll() int {
	n := 0
	for cpu := 0; cpu < s.sched.CPUs(); cpu++ {
		n += s.sched.Drain(cpu)
	}
	return n
}

// teardown releases a domain's devices and bindings. CleanPirqs restarts
// while softirq work of the domain is still running.
func (s *system) teardown(g *guest) error {
	if err := g.chipset.Stop(); err != nil {
		slog.Warn("vpcictl: stop chipset", "dom", g.d, "err", err)
	}
	g.d.Kill()
	for _, dev := range g.bus.Devices() {
		if err := g.bus.Deassign(dev.SBDF); err != nil {
			slog.Warn("vpcictl: deassign failed", "dom", g.d, "sbdf", dev.SBDF, "err", err)
		}
	}
	for {
		err := g.router.CleanPirqs()
		if !errors.Is(err, dpci.ErrRestart) {
			g.tables.Cleanup()
			g.d.Put()
			return err
		}
		if s.workers == nil {
			s.drainAll()
		} else {
			runtime.Gosched()
		}
	}
}

// Close tears every domain down and stops the workers.
func (s *system) Close() error {
	var errs []error
	for i := len(s.order) - 1; i >= 0; i-- {
		if err := s.teardown(s.guests[s.order[i]]); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cancel != nil {
		s.cancel()
		if err := s.workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if err := s.closer(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
