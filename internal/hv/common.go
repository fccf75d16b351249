package hv

import (
	"errors"
)

var (
	ErrUnhandled = errors.New("access not handled")
	ErrOverlap   = errors.New("region overlaps an existing mapping")
)

// ExitContext identifies the vCPU whose exit is being serviced.
type ExitContext interface {
	VCPU() int
}

// VCPUContext is an ExitContext for a fixed vCPU index.
type VCPUContext int

func (c VCPUContext) VCPU() int { return int(c) }

type Device interface {
	// DeviceId names the device in dispatch tables and diagnostics.
	DeviceId() string
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether [addr, addr+size) lies inside the region.
func (r MMIORegion) Contains(addr, size uint64) bool {
	end := addr + size
	return end >= addr && addr >= r.Address && end <= r.Address+r.Size
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(ctx ExitContext, port uint16, data []byte) error
	WriteIOPort(ctx ExitContext, port uint16, data []byte) error
}
