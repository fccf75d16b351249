// Package dpci routes physical interrupts of passed-through devices to the
// guest interrupts they are bound to. Arrivals only mark a binding scheduled
// and queue it on the arriving CPU; per-CPU workers deliver later.
package dpci

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinyrange/vpci/internal/pci"
)

var (
	ErrInvalid      = errors.New("dpci: invalid argument")
	ErrBusy         = errors.New("dpci: interrupt bound with another type")
	ErrNotSupported = errors.New("dpci: unsupported bind type")
	ErrNoMemory     = errors.New("dpci: out of memory")
	ErrRestart      = errors.New("dpci: softirq pending, retry")
)

// BindType selects how a machine interrupt reaches the guest.
type BindType int

const (
	// BindPCI routes a machine GSI to a guest INTx pin.
	BindPCI BindType = iota
	// BindMSI routes a machine MSI to a guest MSI vector.
	BindMSI
	// BindMSITranslate routes a machine MSI to a guest INTx pin.
	BindMSITranslate
)

func (t BindType) String() string {
	switch t {
	case BindPCI:
		return "pci"
	case BindMSI:
		return "msi"
	case BindMSITranslate:
		return "msi-translate"
	}
	return fmt.Sprintf("BindType(%d)", int(t))
}

// PCIBind names the guest INTx pin of a BindPCI or BindMSITranslate bind.
type PCIBind struct {
	Bus    uint8
	Device uint8
	Intx   uint8
}

// MSIBind describes the guest message of a BindMSI bind.
type MSIBind struct {
	GVec   uint8
	GFlags uint32
	// GTable is the guest address of the MSI-X table, or zero.
	GTable uint64
}

// Bind is a bind or unbind request. MachineIRQ is the domain's pirq.
type Bind struct {
	Type       BindType
	MachineIRQ int
	PCI        PCIBind
	MSI        MSIBind
}

// Guest MSI flags layout of MSIBind.GFlags.
const (
	GFlagsDestIDMask   = 0x000ff
	GFlagsRH           = 0x00100
	GFlagsDM           = 0x00200
	GFlagsDelivShift   = 12
	GFlagsDelivMask    = 0x07000
	GFlagsTrig         = 0x08000
	GFlagsUnmasked     = 0x10000
	gflagsDelivLowPrio = 1
)

// MSIGFlags encodes a guest MSI address and data pair as bind flags. masked
// leaves the vector masked after binding.
func MSIGFlags(data uint32, addr uint64, masked bool) uint32 {
	flags := uint32(addr&pci.MSIAddrDestIDMask) >> pci.MSIAddrDestIDShift
	if addr&pci.MSIAddrRedirectMask != 0 {
		flags |= GFlagsRH
	}
	if addr&pci.MSIAddrDestModeMask != 0 {
		flags |= GFlagsDM
	}
	flags |= (data & pci.MSIDataDeliveryMask) >> pci.MSIDataDeliveryShift << GFlagsDelivShift
	if data&pci.MSIDataTriggerMask != 0 {
		flags |= GFlagsTrig
	}
	if !masked {
		flags |= GFlagsUnmasked
	}
	return flags
}

func gflagsDest(f uint32) uint8     { return uint8(f & GFlagsDestIDMask) }
func gflagsLogical(f uint32) bool   { return f&GFlagsDM != 0 }
func gflagsDelivery(f uint32) uint8 { return uint8((f & GFlagsDelivMask) >> GFlagsDelivShift) }
func gflagsLevel(f uint32) bool     { return f&GFlagsTrig != 0 }

// Flags describe the machine and guest side of a binding.
type Flags uint32

const (
	FlagMapped Flags = 1 << iota
	FlagMachPCI
	FlagMachMSI
	FlagGuestPCI
	FlagGuestMSI
	FlagTranslate
	FlagIdentityGSI
	FlagNoEOI
)

var flagNames = []string{"mapped", "mach-pci", "mach-msi", "guest-pci", "guest-msi", "translate", "identity-gsi", "no-eoi"}

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var parts []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}
