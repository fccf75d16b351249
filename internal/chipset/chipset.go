package chipset

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/vpci/internal/hv"
)

// Chipset represents the built dispatch tables for chipset devices.
type Chipset struct {
	devices map[string]ChipsetDevice

	mu       sync.RWMutex
	pio      []*pioBinding
	mmio     []mmioBinding
	matchers []MmioMatcher
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices. Every device is stopped even if
// one fails.
func (c *Chipset) Stop() error {
	var first error
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil && first == nil {
			first = fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return first
}

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(ctx hv.ExitContext, port uint16, data []byte, isWrite bool) error {
	c.mu.RLock()
	var handler PortIOHandler
	for _, p := range c.pio {
		if p.contains(port) {
			handler = p.handler
			break
		}
	}
	c.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("%w: I/O port 0x%04x", ErrNoHandler, port)
	}
	if isWrite {
		return handler.WriteIOPort(ctx, port, data)
	}
	return handler.ReadIOPort(ctx, port, data)
}

// RelocatePort moves the port range registered at oldBase to newBase. Only a
// registration of exactly size ports is moved; it reports whether one was.
func (c *Chipset) RelocatePort(oldBase, newBase, size uint16) bool {
	c.mu.Lock()
	var moved PortIOHandler
	for _, p := range c.pio {
		if p.base == oldBase && p.size == size {
			p.base = newBase
			moved = p.handler
			break
		}
	}
	c.mu.Unlock()

	if moved == nil {
		return false
	}
	if m, ok := moved.(PortMover); ok {
		m.MovePort(newBase)
	}
	return true
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(ctx hv.ExitContext, addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	handler := c.lookupMMIO(addr, len(data))
	if handler == nil {
		return fmt.Errorf("%w: MMIO address 0x%016x", ErrNoHandler, addr)
	}
	if isWrite {
		return handler.WriteMMIO(ctx, addr, data)
	}
	return handler.ReadMMIO(ctx, addr, data)
}

func (c *Chipset) lookupMMIO(addr uint64, size int) MmioHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, binding := range c.mmio {
		if binding.region.Contains(addr, uint64(size)) {
			return binding.handler
		}
	}
	for _, m := range c.matchers {
		if m.AcceptsMMIO(addr, size) {
			return m
		}
	}
	return nil
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
