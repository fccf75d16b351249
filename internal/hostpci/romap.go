package hostpci

import (
	"sync"

	"github.com/tinyrange/vpci/internal/pci"
)

// ROMap tracks functions whose config space is read-only for every domain,
// one bitmap per segment indexed by BDF.
type ROMap struct {
	mu   sync.RWMutex
	segs map[uint16]*[1 << 16 / 64]uint64
}

func NewROMap() *ROMap {
	return &ROMap{segs: make(map[uint16]*[1 << 16 / 64]uint64)}
}

func (m *ROMap) Set(sbdf pci.SBDF) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bits := m.segs[sbdf.Seg()]
	if bits == nil {
		bits = new([1 << 16 / 64]uint64)
		m.segs[sbdf.Seg()] = bits
	}
	bdf := sbdf.BDF()
	bits[bdf/64] |= 1 << (bdf % 64)
}

func (m *ROMap) Clear(sbdf pci.SBDF) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bits := m.segs[sbdf.Seg()]; bits != nil {
		bdf := sbdf.BDF()
		bits[bdf/64] &^= 1 << (bdf % 64)
	}
}

// Test reports whether sbdf is marked read-only. A nil map marks nothing.
func (m *ROMap) Test(sbdf pci.SBDF) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	bits := m.segs[sbdf.Seg()]
	if bits == nil {
		return false
	}
	bdf := sbdf.BDF()
	return bits[bdf/64]&(1<<(bdf%64)) != 0
}
