package pci

import (
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/vpci/internal/chipset"
	"github.com/tinyrange/vpci/internal/hv"
	pcidef "github.com/tinyrange/vpci/internal/pci"
)

// ConfigBus is the emulated configuration space of one domain.
// *vpci.Bus implements it.
type ConfigBus interface {
	// Translate maps an address seen by the domain to the physical function.
	Translate(sbdf pcidef.SBDF) (pcidef.SBDF, bool)
	Read(sbdf pcidef.SBDF, reg uint16, size int) uint32
	Write(sbdf pcidef.SBDF, reg uint16, size int, data uint32)
	ECAMRead(sbdf pcidef.SBDF, reg uint16, size int) (uint64, bool)
	ECAMWrite(sbdf pcidef.SBDF, reg uint16, size int, val uint64) bool
}

// HostBridgeConfig describes the ECAM window of a segment.
type HostBridgeConfig struct {
	ConfigBase uint64
	ConfigSize uint64
	Segment    uint16
	StartBus   uint8
	EndBus     uint8
}

// HostBridge decodes guest accesses to an ECAM window and forwards them to
// the domain's emulated configuration space. The window only decodes
// between Start and Stop.
type HostBridge struct {
	bus     ConfigBus
	running atomicbitops.Bool

	configBase uint64
	configSize uint64
	segment    uint16
	startBus   uint8
	endBus     uint8
}

// NewHostBridge constructs a host bridge using the supplied config.
func NewHostBridge(bus ConfigBus, cfg HostBridgeConfig) *HostBridge {
	const (
		defaultConfigBase = 0xe0000000
		busWindow         = 1 << 20
	)

	h := &HostBridge{
		bus:        bus,
		configBase: cfg.ConfigBase,
		configSize: cfg.ConfigSize,
		segment:    cfg.Segment,
		startBus:   cfg.StartBus,
		endBus:     cfg.EndBus,
	}
	if h.configBase == 0 {
		h.configBase = defaultConfigBase
	}
	if h.endBus < h.startBus {
		h.endBus = h.startBus
	}
	if h.configSize == 0 {
		h.configSize = (uint64(h.endBus) - uint64(h.startBus) + 1) * busWindow
	}
	return h
}

// DeviceId implements hv.Device.
func (h *HostBridge) DeviceId() string {
	return fmt.Sprintf("ecam-%04x", h.segment)
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (h *HostBridge) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{
		Address: h.configBase,
		Size:    h.configSize,
	}}
}

// decode returns the physical function and register addressed by offset.
// ok is false for buses outside the window and for functions the domain
// cannot see.
func (h *HostBridge) decode(offset uint64) (sbdf pcidef.SBDF, reg uint16, ok bool) {
	if !h.running.Load() {
		return 0, 0, false
	}
	bdf, reg := pcidef.DecodeECAM(offset)
	bus := uint32(bdf.Bus()) + uint32(h.startBus)
	if bus > uint32(h.endBus) {
		return 0, 0, false
	}
	guest := pcidef.NewSBDF(h.segment, uint8(bus), bdf.Dev(), bdf.Fn())
	sbdf, ok = h.bus.Translate(guest)
	return sbdf, reg, ok
}

// ReadMMIO implements hv.MemoryMappedIODevice. Accesses the window cannot
// serve read as all ones.
func (h *HostBridge) ReadMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if offset >= h.configSize {
		return fmt.Errorf("%w: ECAM read outside window at %#x", hv.ErrUnhandled, addr)
	}

	val := ^uint64(0)
	if sbdf, reg, ok := h.decode(offset); ok {
		if v, ok := h.bus.ECAMRead(sbdf, reg, len(data)); ok {
			val = v
		} else {
			slog.Debug("pci: dropped ECAM read", "sbdf", sbdf, "reg", reg, "size", len(data))
		}
	}
	for i := range data {
		data[i] = byte(val >> (8 * i))
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) WriteMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if offset >= h.configSize {
		return fmt.Errorf("%w: ECAM write outside window at %#x", hv.ErrUnhandled, addr)
	}
	if len(data) > 8 {
		return nil
	}

	sbdf, reg, ok := h.decode(offset)
	if !ok {
		return nil
	}
	var val uint64
	for i, b := range data {
		val |= uint64(b) << (8 * i)
	}
	if !h.bus.ECAMWrite(sbdf, reg, len(data), val) {
		slog.Debug("pci: dropped ECAM write", "sbdf", sbdf, "reg", reg, "size", len(data))
	}
	return nil
}

// Start opens the window.
func (h *HostBridge) Start() error {
	h.running.Store(true)
	return nil
}

// Stop closes the window: reads return all ones and writes are dropped.
func (h *HostBridge) Stop() error {
	h.running.Store(false)
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (h *HostBridge) SupportsPortIO() *chipset.PortIOIntercept { return nil }

// SupportsMmio implements chipset.ChipsetDevice.
func (h *HostBridge) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: h.MMIORegions(),
		Handler: h,
	}
}

var (
	_ hv.MemoryMappedIODevice = (*HostBridge)(nil)
	_ chipset.ChipsetDevice   = (*HostBridge)(nil)
)
