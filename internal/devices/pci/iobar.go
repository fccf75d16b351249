package pci

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vpci/internal/chipset"
	"github.com/tinyrange/vpci/internal/hostpci"
	"github.com/tinyrange/vpci/internal/hv"
	pcidef "github.com/tinyrange/vpci/internal/pci"
)

// BARPorts passes the hardware domain's port accesses to an I/O BAR through
// to the physical resource. The chipset moves the range when the BAR is
// reprogrammed.
type BARPorts struct {
	backend hostpci.Backend
	sbdf    pcidef.SBDF
	index   int
	size    uint16

	mu      sync.Mutex
	base    uint16
	running bool
}

// NewBARPorts returns the port window of I/O BAR index of sbdf, currently
// decoding size ports at base.
func NewBARPorts(backend hostpci.Backend, sbdf pcidef.SBDF, index int, base, size uint16) *BARPorts {
	return &BARPorts{backend: backend, sbdf: sbdf, index: index, base: base, size: size}
}

// DeviceId implements hv.Device.
func (p *BARPorts) DeviceId() string {
	return fmt.Sprintf("iobar-%s-%d", p.sbdf, p.index)
}

// Base returns the first port of the window.
func (p *BARPorts) Base() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.base
}

// IOPorts implements hv.X86IOPortDevice.
func (p *BARPorts) IOPorts() []uint16 {
	base := p.Base()
	ports := make([]uint16, p.size)
	for i := range ports {
		ports[i] = base + uint16(i)
	}
	return ports
}

// offset returns the resource offset of an access, or false when the window
// is stopped or the access leaves it.
func (p *BARPorts) offset(port uint16, size int) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || port < p.base || size == 0 || size > 4 {
		return 0, false
	}
	off := uint64(port - p.base)
	return off, off+uint64(size) <= uint64(p.size)
}

// ReadIOPort implements hv.X86IOPortDevice. Failed reads return all ones.
func (p *BARPorts) ReadIOPort(_ hv.ExitContext, port uint16, data []byte) error {
	val := ^uint64(0)
	if off, ok := p.offset(port, len(data)); ok {
		v, err := p.backend.ReadResource(p.sbdf, p.index, off, uint8(len(data)))
		if err != nil {
			slog.Debug("pci: I/O BAR read failed", "sbdf", p.sbdf, "bar", p.index, "port", port, "err", err)
		} else {
			val = v
		}
	}
	for i := range data {
		data[i] = byte(val >> (8 * i))
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (p *BARPorts) WriteIOPort(_ hv.ExitContext, port uint16, data []byte) error {
	off, ok := p.offset(port, len(data))
	if !ok {
		return nil
	}
	var val uint64
	for i, b := range data {
		val |= uint64(b) << (8 * i)
	}
	if err := p.backend.WriteResource(p.sbdf, p.index, off, uint8(len(data)), val); err != nil {
		slog.Debug("pci: I/O BAR write failed", "sbdf", p.sbdf, "bar", p.index, "port", port, "err", err)
	}
	return nil
}

// MovePort implements chipset.PortMover.
func (p *BARPorts) MovePort(base uint16) {
	p.mu.Lock()
	p.base = base
	p.mu.Unlock()
}

// Start begins forwarding accesses.
func (p *BARPorts) Start() error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	return nil
}

// Stop drops further accesses.
func (p *BARPorts) Stop() error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (p *BARPorts) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{Base: p.Base(), Size: p.size, Handler: p}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (p *BARPorts) SupportsMmio() *chipset.MmioIntercept { return nil }

var (
	_ hv.X86IOPortDevice    = (*BARPorts)(nil)
	_ chipset.ChipsetDevice = (*BARPorts)(nil)
	_ chipset.PortMover     = (*BARPorts)(nil)
)
