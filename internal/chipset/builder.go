package chipset

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vpci/internal/hv"
)

var (
	ErrNoHandler = errors.New("chipset: no handler")
	ErrConflict  = errors.New("chipset: conflicting registration")
)

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint32, high bool)
}

type mmioBinding struct {
	region  hv.MMIORegion
	handler MmioHandler
}

type pioBinding struct {
	base    uint16
	size    uint16
	handler PortIOHandler
}

func (p *pioBinding) contains(port uint16) bool {
	return port >= p.base && uint32(port) < uint32(p.base)+uint32(p.size)
}

// ChipsetBuilder registers devices and their intercepts before creating a Chipset.
type ChipsetBuilder struct {
	devices  map[string]ChipsetDevice
	pio      []*pioBinding
	mmio     []mmioBinding
	matchers []MmioMatcher
}

// NewBuilder returns an empty ChipsetBuilder instance.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		devices: make(map[string]ChipsetDevice),
	}
}

// RegisterDevice adds a chipset device and wires up its intercepts.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("%w: device %q already registered", ErrConflict, name)
	}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided port I/O range with nil handler", name)
		}
		if err := b.WithPioRange(intercept.Base, intercept.Size, intercept.Handler); err != nil {
			return fmt.Errorf("device %q: %w", name, err)
		}
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := b.WithMmioRegion(region.Address, region.Size, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	b.devices[name] = dev
	return nil
}

// WithPioRange registers a handler for [base, base+size).
func (b *ChipsetBuilder) WithPioRange(base, size uint16, handler PortIOHandler) error {
	if handler == nil {
		return fmt.Errorf("PIO handler for port 0x%x is nil", base)
	}
	if size == 0 || uint32(base)+uint32(size) > 0x10000 {
		return fmt.Errorf("PIO range 0x%x size %d is invalid", base, size)
	}
	for _, existing := range b.pio {
		if regionsOverlap(uint64(base), uint64(size), uint64(existing.base), uint64(existing.size)) {
			return fmt.Errorf("%w: PIO range 0x%x-0x%x overlaps 0x%x-0x%x", ErrConflict,
				base, uint32(base)+uint32(size)-1, existing.base, uint32(existing.base)+uint32(existing.size)-1)
		}
	}
	b.pio = append(b.pio, &pioBinding{base: base, size: size, handler: handler})
	return nil
}

// WithMmioRegion registers a memory-mapped region handler.
func (b *ChipsetBuilder) WithMmioRegion(base, size uint64, handler MmioHandler) error {
	if handler == nil {
		return fmt.Errorf("MMIO handler for region 0x%x size 0x%x is nil", base, size)
	}
	if size == 0 {
		return fmt.Errorf("MMIO region at 0x%x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("MMIO region at 0x%x with size 0x%x overflows", base, size)
	}
	for _, existing := range b.mmio {
		if regionsOverlap(base, size, existing.region.Address, existing.region.Size) {
			return fmt.Errorf(
				"%w: MMIO region 0x%x-0x%x overlaps existing region 0x%x-0x%x", ErrConflict,
				base, base+size-1, existing.region.Address, existing.region.Address+existing.region.Size-1)
		}
	}

	b.mmio = append(b.mmio, mmioBinding{
		region: hv.MMIORegion{
			Address: base,
			Size:    size,
		},
		handler: handler,
	})
	return nil
}

// WithMmioMatcher registers a handler consulted for addresses no static
// region claims.
func (b *ChipsetBuilder) WithMmioMatcher(m MmioMatcher) error {
	if m == nil {
		return fmt.Errorf("MMIO matcher is nil")
	}
	b.matchers = append(b.matchers, m)
	return nil
}

// Build finalizes the chipset layout and returns the constructed Chipset.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	devices := make(map[string]ChipsetDevice, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	pio := make([]*pioBinding, len(b.pio))
	for i, p := range b.pio {
		cp := *p
		pio[i] = &cp
	}

	mmio := make([]mmioBinding, len(b.mmio))
	copy(mmio, b.mmio)

	matchers := make([]MmioMatcher, len(b.matchers))
	copy(matchers, b.matchers)

	return &Chipset{
		devices:  devices,
		pio:      pio,
		mmio:     mmio,
		matchers: matchers,
	}, nil
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}
