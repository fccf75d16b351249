package hv

import (
	"fmt"
	"sort"
	"sync"
)

// PageSize is the granularity of guest physmap entries.
const PageSize = 0x1000

// Mapping is one direct MMIO mapping of host memory into the guest.
type Mapping struct {
	Name  string
	Guest uint64
	Host  uint64
	Size  uint64
}

func (m Mapping) end() uint64 { return m.Guest + m.Size }

// PhysMap tracks the guest physical ranges backed directly by host BARs.
// Ranges are page aligned; unmapping may split an existing mapping.
type PhysMap struct {
	mu       sync.Mutex
	mappings []Mapping
}

func NewPhysMap() *PhysMap {
	return &PhysMap{}
}

func alignDown(v, a uint64) uint64 { return v &^ (a - 1) }

func alignUp(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }

// Map adds a mapping of size bytes at guest to host.
func (p *PhysMap) Map(name string, guest, host, size uint64) error {
	if size == 0 {
		return fmt.Errorf("physmap: cannot map zero-size region %s", name)
	}
	if guest%PageSize != 0 || host%PageSize != 0 {
		return fmt.Errorf("physmap: region %s [0x%x-0x%x) is not page aligned", name, guest, guest+size)
	}
	size = alignUp(size, PageSize)
	if guest+size < guest {
		return fmt.Errorf("physmap: region %s at 0x%x size 0x%x overflows", name, guest, size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range p.mappings {
		if guest < m.end() && m.Guest < guest+size {
			return fmt.Errorf("physmap: %w: %s [0x%x-0x%x) and %s [0x%x-0x%x)",
				ErrOverlap, name, guest, guest+size, m.Name, m.Guest, m.end())
		}
	}
	p.mappings = append(p.mappings, Mapping{Name: name, Guest: guest, Host: host, Size: size})
	sort.Slice(p.mappings, func(i, j int) bool { return p.mappings[i].Guest < p.mappings[j].Guest })
	return nil
}

// Unmap removes every mapped page in [guest, guest+size).
func (p *PhysMap) Unmap(guest, size uint64) {
	start := alignDown(guest, PageSize)
	end := alignUp(guest+size, PageSize)

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Mapping
	for _, m := range p.mappings {
		if end <= m.Guest || m.end() <= start {
			out = append(out, m)
			continue
		}
		if m.Guest < start {
			out = append(out, Mapping{Name: m.Name, Guest: m.Guest, Host: m.Host, Size: start - m.Guest})
		}
		if end < m.end() {
			off := end - m.Guest
			out = append(out, Mapping{Name: m.Name, Guest: end, Host: m.Host + off, Size: m.end() - end})
		}
	}
	p.mappings = out
}

// Translate returns the host address backing guest, if mapped.
func (p *PhysMap) Translate(guest uint64) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := sort.Search(len(p.mappings), func(i int) bool { return p.mappings[i].end() > guest })
	if i < len(p.mappings) && p.mappings[i].Guest <= guest {
		m := p.mappings[i]
		return m.Host + (guest - m.Guest), true
	}
	return 0, false
}

// Mappings returns a copy of the current mappings in guest address order.
func (p *PhysMap) Mappings() []Mapping {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Mapping(nil), p.mappings...)
}
