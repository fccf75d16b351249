package pci

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vpci/internal/chipset"
	"github.com/tinyrange/vpci/internal/hv"
	pcidef "github.com/tinyrange/vpci/internal/pci"
)

const configPortCount = 8

// ConfigPorts services configuration mechanism #1 through ports 0xCF8-0xCFF
// on segment 0. The address latch is only updated by dword accesses to
// 0xCF8; narrower accesses to it are dropped.
type ConfigPorts struct {
	bus ConfigBus

	mu      sync.Mutex
	running bool
	address uint32
}

// NewConfigPorts returns the CF8/CFC front-end of bus.
func NewConfigPorts(bus ConfigBus) *ConfigPorts {
	return &ConfigPorts{bus: bus}
}

// DeviceId implements hv.Device.
func (p *ConfigPorts) DeviceId() string { return "pci-cf8" }

// IOPorts implements hv.X86IOPortDevice.
func (p *ConfigPorts) IOPorts() []uint16 {
	ports := make([]uint16, configPortCount)
	for i := range ports {
		ports[i] = pcidef.ConfigAddressPort + uint16(i)
	}
	return ports
}

// Address returns the current CF8 latch.
func (p *ConfigPorts) Address() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.address
}

// target returns the physical function and register the latch selects for
// a data port access at offset.
func (p *ConfigPorts) target(offset uint16) (pcidef.SBDF, uint16, bool) {
	p.mu.Lock()
	latch, running := p.address, p.running
	p.mu.Unlock()
	if !running {
		return 0, 0, false
	}

	bdf, reg, ok := pcidef.DecodeCF8(latch, offset)
	if !ok {
		return 0, 0, false
	}
	sbdf, ok := p.bus.Translate(bdf)
	return sbdf, reg, ok
}

// dataAccess returns the data port offset of an access and whether it
// stays inside the data port.
func dataAccess(port uint16, size int) (uint16, bool) {
	if port < pcidef.ConfigDataPort || size == 0 || size > 4 {
		return 0, false
	}
	offset := port - pcidef.ConfigDataPort
	return offset, int(offset)+size <= 4
}

// ReadIOPort implements hv.X86IOPortDevice.
func (p *ConfigPorts) ReadIOPort(_ hv.ExitContext, port uint16, data []byte) error {
	if port < pcidef.ConfigAddressPort || port >= pcidef.ConfigAddressPort+configPortCount {
		return fmt.Errorf("%w: pci host bridge read from I/O port 0x%04x", hv.ErrUnhandled, port)
	}

	val := ^uint32(0)
	switch {
	case port == pcidef.ConfigAddressPort && len(data) == 4:
		val = p.Address()
	case port >= pcidef.ConfigDataPort:
		offset, ok := dataAccess(port, len(data))
		if !ok {
			break
		}
		if sbdf, reg, ok := p.target(offset); ok {
			val = p.bus.Read(sbdf, reg, len(data))
		}
	}
	for i := range data {
		data[i] = byte(val >> (8 * i))
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (p *ConfigPorts) WriteIOPort(_ hv.ExitContext, port uint16, data []byte) error {
	if port < pcidef.ConfigAddressPort || port >= pcidef.ConfigAddressPort+configPortCount {
		return fmt.Errorf("%w: pci host bridge write to I/O port 0x%04x", hv.ErrUnhandled, port)
	}

	var val uint32
	for i, b := range data {
		if i < 4 {
			val |= uint32(b) << (8 * i)
		}
	}

	switch {
	case port == pcidef.ConfigAddressPort && len(data) == 4:
		p.mu.Lock()
		if p.running {
			p.address = val
		}
		p.mu.Unlock()
	case port >= pcidef.ConfigDataPort:
		offset, ok := dataAccess(port, len(data))
		if !ok {
			return nil
		}
		if sbdf, reg, ok := p.target(offset); ok {
			p.bus.Write(sbdf, reg, len(data), val)
		}
	}
	return nil
}

// Start clears the address latch and begins decoding.
func (p *ConfigPorts) Start() error {
	p.mu.Lock()
	p.running, p.address = true, 0
	p.mu.Unlock()
	return nil
}

// Stop clears the address latch. Data port reads return all ones until the
// next Start.
func (p *ConfigPorts) Stop() error {
	p.mu.Lock()
	p.running, p.address = false, 0
	p.mu.Unlock()
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (p *ConfigPorts) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{
		Base:    pcidef.ConfigAddressPort,
		Size:    configPortCount,
		Handler: p,
	}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (p *ConfigPorts) SupportsMmio() *chipset.MmioIntercept { return nil }

var (
	_ hv.X86IOPortDevice    = (*ConfigPorts)(nil)
	_ chipset.ChipsetDevice = (*ConfigPorts)(nil)
)
