package vpci

import (
	"log/slog"
	"sync"

	"github.com/tinyrange/vpci/internal/domain"
	"github.com/tinyrange/vpci/internal/pci"
)

// maxVirtualDevices bounds the virtual slots of an unprivileged domain: one
// per device number on guest bus 0.
const maxVirtualDevices = 32

// Bus is the set of emulated devices of one domain.
type Bus struct {
	host   *Host
	domain *domain.Domain
	arch   Arch

	// mu guards devices, vslots and msixTables. Reads take it shared,
	// writes exclusively since they may remap BARs.
	mu         sync.RWMutex
	devices    map[pci.SBDF]*Device
	shadow     *Bus
	vslots     uint32
	msixTables []*MSIX
	ports      PortRelocator
}

// PortRelocator moves the port handler of an I/O BAR when the hardware
// domain reprograms it. *chipset.Chipset implements it.
type PortRelocator interface {
	RelocatePort(oldBase, newBase, size uint16) bool
}

// SetPortRelocator sets where I/O BAR moves of the bus are reported.
func (b *Bus) SetPortRelocator(p PortRelocator) {
	b.mu.Lock()
	b.ports = p
	b.mu.Unlock()
}

// NewBus returns the emulated bus of d. arch may be nil, in which case MSI
// and MSI-X programming is only tracked, never bound.
func (h *Host) NewBus(d *domain.Domain, arch Arch) *Bus {
	if arch == nil {
		arch = nopArch{}
	}
	return &Bus{
		host:    h,
		domain:  d,
		arch:    arch,
		devices: make(map[pci.SBDF]*Device),
	}
}

// SetShadow makes the devices of s reachable from the hardware domain's bus.
// s holds the devices owned by the hypervisor itself.
func (b *Bus) SetShadow(s *Bus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shadow = s
}

func (b *Bus) Host() *Host { return b.host }

func (b *Bus) Domain() *domain.Domain { return b.domain }

func (b *Bus) Arch() Arch { return b.arch }

// Device returns the device at the physical address sbdf, or nil.
func (b *Bus) Device(sbdf pci.SBDF) *Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.devices[sbdf]
}

// Devices returns the assigned devices sorted by address.
func (b *Bus) Devices() []*Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Device, 0, len(b.devices))
	for _, dev := range b.devices {
		out = append(out, dev)
	}
	sortDevices(out)
	return out
}

func rwLock(mu *sync.RWMutex, write bool) func() {
	if write {
		mu.Lock()
		return mu.Unlock
	}
	mu.RLock()
	return mu.RUnlock
}

// acquire resolves sbdf and returns the device with the bus locks held. The
// hardware domain also reaches the shadow bus.
func (b *Bus) acquire(sbdf pci.SBDF, write bool) (*Device, func()) {
	unlock := rwLock(&b.mu, write)
	if dev := b.devices[sbdf]; dev != nil {
		return dev, unlock
	}
	if s := b.shadow; s != nil && b.domain.IsHardware() {
		sunlock := rwLock(&s.mu, write)
		if dev := s.devices[sbdf]; dev != nil {
			return dev, func() {
				sunlock()
				unlock()
			}
		}
		sunlock()
	}
	return nil, unlock
}

func (b *Bus) readHW(sbdf pci.SBDF, reg, size uint16) uint32 {
	if !b.domain.IsHardware() {
		return ^uint32(0)
	}
	return confRead(b.host.backend, sbdf, reg, size)
}

func (b *Bus) writeHW(sbdf pci.SBDF, reg, size uint16, val uint32) {
	if !b.domain.IsHardware() {
		return
	}
	confWrite(b.host.backend, sbdf, reg, size, val)
}

func validAccess(reg uint16, size int) bool {
	return size >= 1 && size <= 4 && int(reg)+size <= pci.ConfigSpaceSize
}

// Read returns size bytes of configuration space at reg. Bytes without a
// handler come from the hardware for the hardware domain and read as ones
// otherwise.
func (b *Bus) Read(sbdf pci.SBDF, reg uint16, size int) uint32 {
	if !validAccess(reg, size) {
		slog.Debug("vpci: invalid config read", "dom", b.domain, "sbdf", sbdf, "reg", reg, "size", size)
		return ^uint32(0)
	}
	sz := uint16(size)

	dev, unlock := b.acquire(sbdf, false)
	if dev == nil {
		unlock()
		return b.readHW(sbdf, reg, sz) & pci.MaskSize(size)
	}

	data := ^uint32(0)
	var off uint16

	dev.mu.Lock()
	for _, r := range dev.overlapping(reg, sz) {
		emuOff := reg + off

		if emuOff < r.offset {
			n := r.offset - emuOff
			data = merge(data, b.readHW(sbdf, emuOff, n), n, off)
			off += n
			emuOff = r.offset
		}

		val := r.read(dev, r.offset, r.data)
		val &^= r.rsvdp | r.rsvdz
		if r.offset < emuOff {
			val >>= uint32(emuOff-r.offset) * 8
		}

		n := min(reg+sz, r.end()) - emuOff
		data = merge(data, val, n, off)
		off += n
		if off == sz {
			break
		}
	}
	dev.mu.Unlock()
	unlock()

	if off < sz {
		data = merge(data, b.readHW(sbdf, reg+off, sz-off), sz-off, off)
	}

	return data & pci.MaskSize(size)
}

// Write stores size bytes of data at reg. Bytes without a handler reach the
// hardware only for the hardware domain.
func (b *Bus) Write(sbdf pci.SBDF, reg uint16, size int, data uint32) {
	if !validAccess(reg, size) {
		slog.Debug("vpci: invalid config write", "dom", b.domain, "sbdf", sbdf, "reg", reg, "size", size)
		return
	}
	sz := uint16(size)
	data &= pci.MaskSize(size)

	dev, unlock := b.acquire(sbdf, true)
	if dev == nil {
		unlock()
		if !b.host.romap.Test(sbdf) {
			b.writeHW(sbdf, reg, sz, data)
		}
		return
	}

	var off uint16

	dev.mu.Lock()
	for _, r := range dev.overlapping(reg, sz) {
		emuOff := reg + off

		if emuOff < r.offset {
			n := r.offset - emuOff
			b.writeHW(sbdf, emuOff, n, data>>(uint32(off)*8)&pci.MaskSize(int(n)))
			off += n
			emuOff = r.offset
		}

		n := min(reg+sz, r.end()) - emuOff
		val := data >> (uint32(off) * 8)
		dev.writeHelper(r, n, emuOff-r.offset, val)
		off += n
		if off == sz {
			break
		}
	}
	dev.mu.Unlock()
	unlock()

	if off < sz {
		b.writeHW(sbdf, reg+off, sz-off, data>>(uint32(off)*8))
	}
}

// ECAMRead performs an enhanced configuration access read. Accesses must be
// 1, 2, 4 or 8 bytes, naturally aligned and inside the function's 4K window;
// ok is false otherwise. Eight byte accesses split in two.
func (b *Bus) ECAMRead(sbdf pci.SBDF, reg uint16, size int) (val uint64, ok bool) {
	if !ecamAccessAllowed(reg, size) {
		return ^uint64(0), false
	}
	if size == 8 {
		lo := uint64(b.Read(sbdf, reg, 4))
		hi := uint64(b.Read(sbdf, reg+4, 4))
		return lo | hi<<32, true
	}
	return uint64(b.Read(sbdf, reg, size)), true
}

// ECAMWrite is the write counterpart of ECAMRead.
func (b *Bus) ECAMWrite(sbdf pci.SBDF, reg uint16, size int, val uint64) bool {
	if !ecamAccessAllowed(reg, size) {
		return false
	}
	if size == 8 {
		b.Write(sbdf, reg, 4, uint32(val))
		b.Write(sbdf, reg+4, 4, uint32(val>>32))
		return true
	}
	b.Write(sbdf, reg, size, uint32(val))
	return true
}

func ecamAccessAllowed(reg uint16, size int) bool {
	switch size {
	case 1, 2, 4, 8:
	default:
		return false
	}
	return int(reg)&(size-1) == 0 && int(reg)+size <= pci.ConfigSpaceSize
}
