// Package hostpci provides access to physical PCI configuration space and
// BAR resources for the emulation layer.
package hostpci

import (
	"errors"

	"github.com/tinyrange/vpci/internal/pci"
)

var (
	ErrNoDevice   = errors.New("hostpci: no such device")
	ErrNoResource = errors.New("hostpci: no such resource")
)

// Resource indices follow the Linux sysfs layout.
const (
	ResourceROM     = 6
	ResourceIOVBase = 7
	NumResources    = ResourceIOVBase + pci.SRIOVNumBARs
)

const (
	ResourceFlagIO     = 0x00000100
	ResourceFlagMem    = 0x00000200
	ResourceFlagPrefet = 0x00002000
	ResourceFlagMem64  = 0x00100000
)

// Resource describes the host address window decoded by one BAR.
type Resource struct {
	Start uint64
	End   uint64
	Flags uint64
}

// Size returns the window size, or 0 for an unused resource.
func (r Resource) Size() uint64 {
	if r.End == 0 || r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Info describes a physical function as enumerated on the host.
type Info struct {
	SBDF     pci.SBDF
	IsVirtfn bool
	PhysFn   pci.SBDF
}

// Backend accesses the real hardware. Config accesses never fail: absent
// functions read as all-ones and drop writes, like a master abort.
type Backend interface {
	ReadConfig(sbdf pci.SBDF, reg uint16, size uint8) uint32
	WriteConfig(sbdf pci.SBDF, reg uint16, size uint8, value uint32)

	Resources(sbdf pci.SBDF) ([]Resource, error)
	ReadResource(sbdf pci.SBDF, index int, offset uint64, size uint8) (uint64, error)
	WriteResource(sbdf pci.SBDF, index int, offset uint64, size uint8, value uint64) error

	Devices() ([]Info, error)
}

// Function adapts a Backend to the per-function pci.ConfigSpace interface.
type Function struct {
	Backend Backend
	SBDF    pci.SBDF
}

func (f Function) ReadConfig(offset uint16, size uint8) (uint32, error) {
	return f.Backend.ReadConfig(f.SBDF, offset, size), nil
}

func (f Function) WriteConfig(offset uint16, size uint8, value uint32) error {
	f.Backend.WriteConfig(f.SBDF, offset, size, value)
	return nil
}

var _ pci.ConfigSpace = Function{}
