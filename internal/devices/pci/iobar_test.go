package pci

import (
	"errors"
	"testing"

	"github.com/tinyrange/vpci/internal/chipset"
	"github.com/tinyrange/vpci/internal/domain"
	"github.com/tinyrange/vpci/internal/hostpci"
	"github.com/tinyrange/vpci/internal/hv"
	"github.com/tinyrange/vpci/internal/irq"
	pcidef "github.com/tinyrange/vpci/internal/pci"
	"github.com/tinyrange/vpci/internal/vpci"
)

func TestBARPortsFollowBAR(t *testing.T) {
	sbdf := pcidef.NewSBDF(0, 3, 0, 0)
	mem := hostpci.NewMemory()
	fn := mem.Add(sbdf, 0x8086, 0x7113)
	fn.SetIOBAR(0, 0x1000, 0x10)

	d, err := domain.New(domain.Config{ID: domain.HardwareID, Hardware: true}, irq.NewController(48, 1))
	if err != nil {
		t.Fatalf("domain.New: %v", err)
	}
	bus := vpci.NewHost(mem, hostpci.NewROMap()).NewBus(d, nil)
	if err := bus.Assign(hostpci.Info{SBDF: sbdf, PhysFn: pcidef.InvalidSBDF}); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("ecam", NewHostBridge(bus, HostBridgeConfig{ConfigBase: ecamBase, EndBus: 3})); err != nil {
		t.Fatalf("RegisterDevice(ecam): %v", err)
	}
	ports := NewBARPorts(mem, sbdf, 0, 0x1000, 0x10)
	if err := b.RegisterDevice(ports.DeviceId(), ports); err != nil {
		t.Fatalf("RegisterDevice(%s): %v", ports.DeviceId(), err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	bus.SetPortRelocator(cs)
	if err := cs.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f := &frontEnd{mem: mem, bus: bus, cs: cs}

	f.out(t, 0x1004, 1, 0x5a)
	if got := fn.Window(0)[4]; got != 0x5a {
		t.Fatalf("resource byte 4 = 0x%x, want 0x5a", got)
	}
	if got := f.in(t, 0x100e, 4); got != 0xffffffff {
		t.Fatalf("read past the window = 0x%x", got)
	}

	f.mmioWrite(t, ecamAddr(3, 0, 0, pcidef.BaseAddress0), 4, 0x3000)
	if got := ports.Base(); got != 0x3000 {
		t.Fatalf("window base = 0x%x, want 0x3000", got)
	}
	if got := f.in(t, 0x3004, 1); got != 0x5a {
		t.Fatalf("read at new base = 0x%x, want 0x5a", got)
	}
	err = cs.HandlePIO(hv.VCPUContext(0), 0x1004, make([]byte, 1), false)
	if !errors.Is(err, chipset.ErrNoHandler) {
		t.Fatalf("old base err = %v, want ErrNoHandler", err)
	}

	if err := cs.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := f.in(t, 0x3004, 1); got != 0xff {
		t.Fatalf("read after Stop = 0x%x", got)
	}
}
