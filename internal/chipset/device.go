package chipset

import (
	"github.com/tinyrange/vpci/internal/hv"
)

// PortIOHandler serves accesses to a range of I/O ports.
type PortIOHandler interface {
	ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error
	WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error
}

// PortMover is a PortIOHandler that tracks its own base port. The chipset
// tells it where RelocatePort moved its range.
type PortMover interface {
	PortIOHandler
	MovePort(base uint16)
}

// PortIOIntercept is the port range a device claims.
type PortIOIntercept struct {
	Base    uint16
	Size    uint16
	Handler PortIOHandler
}

// MmioHandler serves accesses to guest physical addresses.
type MmioHandler interface {
	ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error
}

// MmioMatcher is an MMIO handler whose claimed addresses change at runtime,
// such as MSI-X tables that follow their BAR.
type MmioMatcher interface {
	MmioHandler
	AcceptsMMIO(addr uint64, size int) bool
}

// MmioIntercept lists the fixed windows of a device.
type MmioIntercept struct {
	Regions []hv.MMIORegion
	Handler MmioHandler
}

// ChipsetDevice is a configuration or passthrough front-end registered
// with a domain's chipset. Start runs once the chipset is built and Stop
// when the domain is torn down.
type ChipsetDevice interface {
	hv.Device

	Start() error
	Stop() error

	SupportsPortIO() *PortIOIntercept
	SupportsMmio() *MmioIntercept
}
