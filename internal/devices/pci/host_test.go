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

const ecamBase = 0xe0000000

type frontEnd struct {
	mem *hostpci.Memory
	bus *vpci.Bus
	cs  *chipset.Chipset
}

func newFrontEnd(t *testing.T, cfg domain.Config, assign ...pcidef.SBDF) *frontEnd {
	t.Helper()
	mem := hostpci.NewMemory()
	mem.Add(pcidef.NewSBDF(0, 3, 0, 0), 0x8086, 0x10d3)
	mem.Add(pcidef.NewSBDF(0, 3, 1, 0), 0x8086, 0x10d4)

	ctl := irq.NewController(48, 1)
	d, err := domain.New(cfg, ctl)
	if err != nil {
		t.Fatalf("domain.New: %v", err)
	}
	bus := vpci.NewHost(mem, hostpci.NewROMap()).NewBus(d, nil)
	for _, sbdf := range assign {
		if err := bus.Assign(hostpci.Info{SBDF: sbdf, PhysFn: pcidef.InvalidSBDF}); err != nil {
			t.Fatalf("Assign(%v): %v", sbdf, err)
		}
	}

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("ecam", NewHostBridge(bus, HostBridgeConfig{ConfigBase: ecamBase, EndBus: 3})); err != nil {
		t.Fatalf("RegisterDevice(ecam): %v", err)
	}
	if err := b.RegisterDevice("cf8", NewConfigPorts(bus)); err != nil {
		t.Fatalf("RegisterDevice(cf8): %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := cs.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return &frontEnd{mem: mem, bus: bus, cs: cs}
}

func (f *frontEnd) mmio(t *testing.T, addr uint64, size int) uint64 {
	t.Helper()
	data := make([]byte, size)
	if err := f.cs.HandleMMIO(hv.VCPUContext(0), addr, data, false); err != nil {
		t.Fatalf("HandleMMIO(0x%x): %v", addr, err)
	}
	var val uint64
	for i, b := range data {
		val |= uint64(b) << (8 * i)
	}
	return val
}

func (f *frontEnd) mmioWrite(t *testing.T, addr uint64, size int, val uint64) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(val >> (8 * i))
	}
	if err := f.cs.HandleMMIO(hv.VCPUContext(0), addr, data, true); err != nil {
		t.Fatalf("HandleMMIO(0x%x): %v", addr, err)
	}
}

func (f *frontEnd) in(t *testing.T, port uint16, size int) uint32 {
	t.Helper()
	data := make([]byte, size)
	if err := f.cs.HandlePIO(hv.VCPUContext(0), port, data, false); err != nil {
		t.Fatalf("HandlePIO(0x%x): %v", port, err)
	}
	var val uint32
	for i, b := range data {
		val |= uint32(b) << (8 * i)
	}
	return val
}

func (f *frontEnd) out(t *testing.T, port uint16, size int, val uint32) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(val >> (8 * i))
	}
	if err := f.cs.HandlePIO(hv.VCPUContext(0), port, data, true); err != nil {
		t.Fatalf("HandlePIO(0x%x): %v", port, err)
	}
}

func ecamAddr(bus, dev, fn uint8, reg uint16) uint64 {
	return ecamBase + pcidef.ECAMOffset(pcidef.NewSBDF(0, bus, dev, fn), reg)
}

func TestECAMGuestTranslation(t *testing.T) {
	f := newFrontEnd(t, domain.Config{ID: 1}, pcidef.NewSBDF(0, 3, 0, 0))

	// The assigned function shows up in the first virtual slot.
	if got := f.mmio(t, ecamAddr(0, 0, 0, pcidef.VendorID), 4); got != 0x10d38086 {
		t.Fatalf("guest 00:00.0 ID = 0x%x, want 0x10d38086", got)
	}
	if got := f.mmio(t, ecamAddr(3, 0, 0, pcidef.VendorID), 4); got != 0xffffffff {
		t.Fatalf("physical address visible to guest: 0x%x", got)
	}
	if got := f.mmio(t, ecamAddr(0, 1, 0, pcidef.VendorID), 2); got != 0xffff {
		t.Fatalf("empty slot = 0x%x, want 0xffff", got)
	}

	f.mmioWrite(t, ecamAddr(0, 0, 0, pcidef.InterruptLine), 1, 0x0b)
	if got := f.mmio(t, ecamAddr(0, 0, 0, pcidef.InterruptLine), 1); got != 0x0b {
		t.Fatalf("interrupt line = 0x%x, want 0x0b", got)
	}
	if got := f.mem.Function(pcidef.NewSBDF(0, 3, 0, 0)).Get(pcidef.InterruptLine, 1); got != 0 {
		t.Fatalf("guest write reached hardware: 0x%x", got)
	}

	// Unaligned accesses are dropped.
	if got := f.mmio(t, ecamAddr(0, 0, 0, 1), 2); got != 0xffff {
		t.Fatalf("unaligned read = 0x%x, want 0xffff", got)
	}
}

func TestECAMOutsideWindow(t *testing.T) {
	f := newFrontEnd(t, domain.Config{ID: 1})
	data := make([]byte, 4)
	err := f.cs.HandleMMIO(hv.VCPUContext(0), ecamBase+4<<20, data, false)
	if !errors.Is(err, chipset.ErrNoHandler) {
		t.Fatalf("HandleMMIO past window = %v, want ErrNoHandler", err)
	}
}

func TestECAMHardwareDomain(t *testing.T) {
	f := newFrontEnd(t, domain.Config{ID: domain.HardwareID, Hardware: true})

	if got := f.mmio(t, ecamAddr(3, 1, 0, pcidef.VendorID), 8); got&0xffffffff != 0x10d48086 {
		t.Fatalf("03:01.0 ID = 0x%x", got)
	}
	f.mmioWrite(t, ecamAddr(3, 1, 0, pcidef.InterruptLine), 1, 0x05)
	if got := f.mem.Function(pcidef.NewSBDF(0, 3, 1, 0)).Get(pcidef.InterruptLine, 1); got != 0x05 {
		t.Fatalf("interrupt line = 0x%x, want 0x05", got)
	}
}

func TestConfigPorts(t *testing.T) {
	f := newFrontEnd(t, domain.Config{ID: domain.HardwareID, Hardware: true})
	const enable = 1 << 31
	latch := func(bus, dev, fn uint8, reg uint16) uint32 {
		return enable | uint32(bus)<<16 | uint32(dev)<<11 | uint32(fn)<<8 | uint32(reg)
	}

	if got := f.in(t, pcidef.ConfigDataPort, 4); got != 0xffffffff {
		t.Fatalf("read with latch disabled = 0x%x", got)
	}

	f.out(t, pcidef.ConfigAddressPort, 4, latch(3, 0, 0, pcidef.VendorID))
	if got := f.in(t, pcidef.ConfigAddressPort, 4); got != latch(3, 0, 0, 0) {
		t.Fatalf("latch = 0x%x", got)
	}
	if got := f.in(t, pcidef.ConfigDataPort, 4); got != 0x10d38086 {
		t.Fatalf("ID = 0x%x, want 0x10d38086", got)
	}
	if got := f.in(t, pcidef.ConfigDataPort+2, 2); got != 0x10d3 {
		t.Fatalf("device ID = 0x%x, want 0x10d3", got)
	}
	if got := f.in(t, pcidef.ConfigDataPort+3, 2); got != 0xffff {
		t.Fatalf("access crossing the data port = 0x%x", got)
	}

	// Byte writes to the latch are dropped.
	f.out(t, pcidef.ConfigAddressPort+1, 1, 0xff)
	if got := f.in(t, pcidef.ConfigAddressPort, 4); got != latch(3, 0, 0, 0) {
		t.Fatalf("latch after byte write = 0x%x", got)
	}

	f.out(t, pcidef.ConfigAddressPort, 4, latch(3, 0, 0, pcidef.InterruptLine&^3))
	f.out(t, pcidef.ConfigDataPort+pcidef.InterruptLine&3, 1, 0x0a)
	if got := f.mem.Function(pcidef.NewSBDF(0, 3, 0, 0)).Get(pcidef.InterruptLine, 1); got != 0x0a {
		t.Fatalf("interrupt line = 0x%x, want 0x0a", got)
	}
}

func TestStoppedFrontEnd(t *testing.T) {
	f := newFrontEnd(t, domain.Config{ID: domain.HardwareID, Hardware: true})
	f.out(t, pcidef.ConfigAddressPort, 4, 1<<31|3<<16)
	if err := f.cs.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := f.mmio(t, ecamAddr(3, 0, 0, pcidef.VendorID), 4); got != 0xffffffff {
		t.Fatalf("ECAM read after Stop = 0x%x", got)
	}
	f.mmioWrite(t, ecamAddr(3, 0, 0, pcidef.InterruptLine), 1, 0x07)
	if got := f.mem.Function(pcidef.NewSBDF(0, 3, 0, 0)).Get(pcidef.InterruptLine, 1); got != 0 {
		t.Fatalf("ECAM write after Stop reached hardware: 0x%x", got)
	}
	if got := f.in(t, pcidef.ConfigAddressPort, 4); got != 0 {
		t.Fatalf("latch after Stop = 0x%x", got)
	}
	f.out(t, pcidef.ConfigAddressPort, 4, 1<<31|3<<16)
	if got := f.in(t, pcidef.ConfigDataPort, 4); got != 0xffffffff {
		t.Fatalf("data port after Stop = 0x%x", got)
	}
}
