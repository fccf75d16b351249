// Package vpci emulates the PCI configuration space of passed-through
// devices. Every assigned function gets a sorted set of register handlers;
// accesses not covered by a handler reach the physical device when the
// requesting domain is the hardware domain.
package vpci

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/tinyrange/vpci/internal/domain"
	"github.com/tinyrange/vpci/internal/hostpci"
	"github.com/tinyrange/vpci/internal/pci"
)

var (
	ErrInvalid      = errors.New("vpci: invalid argument")
	ErrExist        = errors.New("vpci: already exists")
	ErrNotExist     = errors.New("vpci: does not exist")
	ErrNoMemory     = errors.New("vpci: out of memory")
	ErrBusy         = errors.New("vpci: busy")
	ErrNotSupported = errors.New("vpci: not supported")
	ErrPermission   = errors.New("vpci: permission denied")
	ErrNoSpace      = errors.New("vpci: no space left")
	ErrNoDevice     = errors.New("vpci: no such device")
)

// Host is the machine-wide view shared by every domain's bus: the physical
// backend, the segment read-only map and the registry of emulated devices.
type Host struct {
	backend hostpci.Backend
	romap   *hostpci.ROMap

	mu      sync.Mutex
	devices map[pci.SBDF]*Device
}

// NewHost returns a host backed by backend. romap may be nil.
func NewHost(backend hostpci.Backend, romap *hostpci.ROMap) *Host {
	return &Host{
		backend: backend,
		romap:   romap,
		devices: make(map[pci.SBDF]*Device),
	}
}

func (h *Host) Backend() hostpci.Backend { return h.backend }

func (h *Host) ROMap() *hostpci.ROMap { return h.romap }

// Device returns the emulated state of a physical function, whichever domain
// owns it.
func (h *Host) Device(sbdf pci.SBDF) *Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices[sbdf]
}

func (h *Host) register(dev *Device) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[dev.SBDF] = dev
}

func (h *Host) unregister(dev *Device) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.devices[dev.SBDF] == dev {
		delete(h.devices, dev.SBDF)
	}
}

// Device is the emulated configuration space of one assigned function.
type Device struct {
	SBDF pci.SBDF
	Info hostpci.Info

	// GuestSBDF is the address the owning guest sees. It equals SBDF for the
	// hardware domain.
	GuestSBDF pci.SBDF

	bus *Bus

	// mu protects the handler set and all emulated state below.
	mu   sync.Mutex
	regs *btree.BTreeG[*register]

	Header Header
	MSI    *MSI
	MSIX   *MSIX
	SRIOV  *SRIOV
}

func newDevice(b *Bus, info hostpci.Info) *Device {
	return &Device{
		SBDF:      info.SBDF,
		Info:      info,
		GuestSBDF: info.SBDF,
		bus:       b,
		regs:      newRegisterSet(),
	}
}

func (d *Device) Bus() *Bus { return d.bus }

func (d *Device) Domain() *domain.Domain { return d.bus.domain }

// IsHardware reports whether the device belongs to the hardware domain.
func (d *Device) IsHardware() bool { return d.bus.domain.IsHardware() }

// Lock takes the device lock. Architecture hooks run with it held.
func (d *Device) Lock() { d.mu.Lock() }

func (d *Device) Unlock() { d.mu.Unlock() }

// ConfRead reads the physical configuration space.
func (d *Device) ConfRead(reg uint16, size uint16) uint32 {
	return confRead(d.bus.host.backend, d.SBDF, reg, size)
}

// ConfWrite writes the physical configuration space.
func (d *Device) ConfWrite(reg uint16, size uint16, val uint32) {
	confWrite(d.bus.host.backend, d.SBDF, reg, size, val)
}

// ReadConfig implements pci.ConfigSpace over the physical function.
func (d *Device) ReadConfig(offset uint16, size uint8) (uint32, error) {
	return d.ConfRead(offset, uint16(size)), nil
}

// WriteConfig implements pci.ConfigSpace over the physical function.
func (d *Device) WriteConfig(offset uint16, size uint8, value uint32) error {
	d.ConfWrite(offset, uint16(size), value)
	return nil
}

var _ pci.ConfigSpace = (*Device)(nil)

// RegisterInfo describes one registered handler.
type RegisterInfo struct {
	Offset uint16
	Size   uint16
	RO     uint32
	RW1C   uint32
	RsvdP  uint32
	RsvdZ  uint32
}

// Registers lists the registered handlers in offset order.
func (d *Device) Registers() []RegisterInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]RegisterInfo, 0, d.regs.Len())
	d.regs.Ascend(func(r *register) bool {
		out = append(out, RegisterInfo{
			Offset: r.offset,
			Size:   r.size,
			RO:     r.ro,
			RW1C:   r.rw1c,
			RsvdP:  r.rsvdp,
			RsvdZ:  r.rsvdz,
		})
		return true
	})
	return out
}

func (d *Device) String() string {
	return fmt.Sprintf("%v@%v", d.SBDF, d.bus.domain)
}

// confRead splits three byte accesses, which the backends do not support.
func confRead(be hostpci.Backend, sbdf pci.SBDF, reg, size uint16) uint32 {
	if size == 3 {
		if reg&1 != 0 {
			return be.ReadConfig(sbdf, reg, 1) | be.ReadConfig(sbdf, reg+1, 2)<<8
		}
		return be.ReadConfig(sbdf, reg, 2) | be.ReadConfig(sbdf, reg+2, 1)<<16
	}
	return be.ReadConfig(sbdf, reg, uint8(size))
}

func confWrite(be hostpci.Backend, sbdf pci.SBDF, reg, size uint16, val uint32) {
	if size == 3 {
		if reg&1 != 0 {
			be.WriteConfig(sbdf, reg, 1, val&0xff)
			be.WriteConfig(sbdf, reg+1, 2, val>>8&0xffff)
		} else {
			be.WriteConfig(sbdf, reg, 2, val&0xffff)
			be.WriteConfig(sbdf, reg+2, 1, val>>16&0xff)
		}
		return
	}
	be.WriteConfig(sbdf, reg, uint8(size), val)
}

func sortDevices(devs []*Device) {
	sort.Slice(devs, func(i, j int) bool { return devs[i].SBDF < devs[j].SBDF })
}
