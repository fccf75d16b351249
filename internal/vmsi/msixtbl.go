package vmsi

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vpci/internal/chipset"
	"github.com/tinyrange/vpci/internal/dpci"
	"github.com/tinyrange/vpci/internal/hostpci"
	"github.com/tinyrange/vpci/internal/hv"
	"github.com/tinyrange/vpci/internal/irq"
	"github.com/tinyrange/vpci/internal/pci"
)

const (
	pageShift = 12
	// shadowEntries is the number of leading entries whose address and
	// data writes are remembered for reads.
	shadowEntries = 3
)

// table is a guest MSI-X table of one device with vectors bound by a device
// model.
type table struct {
	sbdf   pci.SBDF
	gtable uint64
	length uint64
	refs   int

	shadow [shadowEntries][3]uint32
	valid  [shadowEntries][3]bool
	// dirty entries had their address or data written since the last
	// unmask.
	dirty map[int]bool
	// unmask holds entries whose unmask waits for the device model to
	// rebind them.
	unmask map[int]bool
}

func (t *table) samePage(addr uint64) bool {
	page := addr >> pageShift
	return page >= t.gtable>>pageShift && page <= (t.gtable+t.length-1)>>pageShift
}

func (t *table) contains(addr uint64) bool {
	return addr >= t.gtable && addr < t.gtable+t.length
}

// Registry tracks the guest MSI-X tables of a domain. It serves the mask
// bits of bound vectors from the host and forwards every write to the
// device model.
type Registry struct {
	ctl     *irq.Controller
	backend hostpci.Backend
	// Forward receives table writes after they were snooped. It may be nil.
	Forward func(addr uint64, size int, val uint64)

	mu     sync.Mutex
	tables []*table
}

// NewRegistry returns an empty registry. Table sizes are read from the
// devices' MSI-X capability through backend.
func NewRegistry(ctl *irq.Controller, backend hostpci.Backend) *Registry {
	return &Registry{ctl: ctl, backend: backend}
}

var _ dpci.TableRegistry = (*Registry)(nil)

func (r *Registry) tableLen(sbdf pci.SBDF) uint64 {
	fn := hostpci.Function{Backend: r.backend, SBDF: sbdf}
	pos := pci.FindCapability(fn, pci.CapIDMSIX)
	if pos == 0 {
		return 0
	}
	control := r.backend.ReadConfig(sbdf, pos+pci.MSIXFlags, 2)
	return (uint64(control&pci.MSIXFlagsQSize) + 1) * pci.MSIXEntrySize
}

// Register records that the MSI-X vector irq is bound with its table at
// gtable.
func (r *Registry) Register(irqn int, gtable uint64) error {
	desc, ok := r.ctl.Lookup(irqn)
	if !ok || desc.MSI == nil {
		return fmt.Errorf("%w: irq %d is not an MSI", dpci.ErrInvalid, irqn)
	}
	sbdf := desc.MSI.SBDF

	r.mu.Lock()
	var t *table
	for _, cand := range r.tables {
		if cand.sbdf == sbdf {
			t = cand
			break
		}
	}
	if t == nil {
		n := r.tableLen(sbdf)
		if n == 0 {
			r.mu.Unlock()
			return fmt.Errorf("%w: %v has no MSI-X table", dpci.ErrInvalid, sbdf)
		}
		t = &table{sbdf: sbdf, gtable: gtable, length: n, dirty: make(map[int]bool), unmask: make(map[int]bool)}
		r.tables = append(r.tables, t)
		slog.Debug("vmsi: tracking guest msi-x table", "sbdf", sbdf, "gtable", fmt.Sprintf("%#x", gtable), "len", n)
	}
	t.refs++
	replay := t.unmask[desc.MSI.Entry]
	delete(t.unmask, desc.MSI.Entry)
	r.mu.Unlock()

	// Complete an unmask that waited for the rebind.
	if replay {
		if err := r.ctl.Mask(irqn, false); err != nil {
			slog.Warn("vmsi: unable to unmask rebound entry", "irq", irqn, "err", err)
		}
	}
	return nil
}

// Unregister drops the reference irq's binding holds on its table.
func (r *Registry) Unregister(irqn int) {
	desc, ok := r.ctl.Lookup(irqn)
	if !ok || desc.MSI == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tables {
		if t.sbdf != desc.MSI.SBDF {
			continue
		}
		t.refs--
		if t.refs == 0 {
			r.tables = append(r.tables[:i], r.tables[i+1:]...)
		}
		return
	}
}

// Tables returns the number of registered tables.
func (r *Registry) Tables() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tables)
}

// Cleanup forgets every table.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	r.tables = nil
	r.mu.Unlock()
}

// find returns the table on the same page as addr. Called with r.mu held.
func (r *Registry) find(addr uint64) *table {
	for _, t := range r.tables {
		if t.samePage(addr) {
			return t
		}
	}
	return nil
}

// entryIRQ returns the host vector bound for entry nr of sbdf.
func (r *Registry) entryIRQ(sbdf pci.SBDF, nr int) (irq.Desc, bool) {
	for _, desc := range r.ctl.Descs() {
		if desc.MSI != nil && desc.MSI.SBDF == sbdf && desc.MSI.Entry == nr {
			return desc, true
		}
	}
	return irq.Desc{}, false
}

// Accept reports whether addr is on a page of a registered table and
// either outside the table or in an entry with a bound vector.
func (r *Registry) Accept(addr uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.find(addr)
	if t == nil {
		return false
	}
	if !t.contains(addr) {
		return true
	}
	_, ok := r.entryIRQ(t.sbdf, int((addr-t.gtable)/pci.MSIXEntrySize))
	return ok
}

// Read serves a guest table read. ok is false when the access has to go to
// the device model.
func (r *Registry) Read(addr uint64, size int) (val uint64, ok bool) {
	if size <= 0 || size > 8 || addr%uint64(size) != 0 {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.find(addr)
	if t == nil {
		return 0, false
	}
	// Adjacent memory on the table's pages is not reachable.
	if !t.contains(addr) {
		return ^uint64(0), true
	}
	if size != 4 && size != 8 {
		return 0, false
	}

	nr := int((addr - t.gtable) / pci.MSIXEntrySize)
	offset := addr & (pci.MSIXEntrySize - 1)
	if offset != pci.MSIXEntryVectorCtrl {
		index := offset / 4
		if nr >= shadowEntries || !t.valid[nr][index] {
			return 0, false
		}
		val = uint64(t.shadow[nr][index])
		if size == 8 {
			switch {
			case index != 0:
				offset = pci.MSIXEntryVectorCtrl
			case t.valid[nr][1]:
				val |= uint64(t.shadow[nr][1]) << 32
			default:
				return 0, false
			}
		}
	}
	if offset == pci.MSIXEntryVectorCtrl {
		desc, found := r.entryIRQ(t.sbdf, nr)
		if !found {
			return 0, false
		}
		var ctrl uint64
		if desc.Masked {
			ctrl = pci.MSIXVectorMaskBit
		}
		if size == 4 {
			val = ctrl
		} else {
			val |= ctrl << 32
		}
	}
	return val, true
}

// Write snoops a guest table write: address and data are shadowed, mask
// changes of clean entries are applied to the host vector. The write is
// always passed on to Forward.
func (r *Registry) Write(addr uint64, size int, val uint64) {
	if size <= 0 || size > 8 || addr%uint64(size) != 0 {
		return
	}
	if irqn, mask, ok := r.snoop(addr, size, val); ok {
		if err := r.ctl.Mask(irqn, mask); err != nil {
			slog.Warn("vmsi: unable to apply entry mask", "addr", fmt.Sprintf("%#x", addr), "irq", irqn, "err", err)
		}
	}
	if r.Forward != nil {
		r.Forward(addr, size, val)
	}
}

// snoop updates the shadow state and returns the host vector whose mask the
// write changes, if any.
func (r *Registry) snoop(addr uint64, size int, val uint64) (irqn int, mask, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.find(addr)
	if t == nil || !t.contains(addr) || (size != 4 && size != 8) {
		return 0, false, false
	}
	nr := int((addr - t.gtable) / pci.MSIXEntrySize)
	offset := addr & (pci.MSIXEntrySize - 1)
	if offset != pci.MSIXEntryVectorCtrl {
		index := offset / 4
		if nr < shadowEntries {
			t.shadow[nr][index] = uint32(val)
			t.valid[nr][index] = true
			if size == 8 && index == 0 {
				t.shadow[nr][1] = uint32(val >> 32)
				t.valid[nr][1] = true
			}
		}
		t.dirty[nr] = true
		if size != 8 || index == 0 {
			return 0, false, false
		}
		val >>= 32
	}

	if val&pci.MSIXVectorMaskBit == 0 && t.dirty[nr] {
		// The device model rebinds the entry before it may be unmasked.
		delete(t.dirty, nr)
		t.unmask[nr] = true
		return 0, false, false
	}
	desc, found := r.entryIRQ(t.sbdf, nr)
	if !found {
		return 0, false, false
	}
	return desc.IRQ, val&pci.MSIXVectorMaskBit != 0, true
}

// Handler returns the MMIO trap for the registered tables.
func (r *Registry) Handler() chipset.MmioMatcher { return tableMMIO{r} }

type tableMMIO struct{ r *Registry }

func (h tableMMIO) AcceptsMMIO(addr uint64, _ int) bool { return h.r.Accept(addr) }

func (h tableMMIO) ReadMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	val, ok := h.r.Read(addr, len(data))
	if !ok {
		return fmt.Errorf("%w: MSI-X table read at 0x%x", hv.ErrUnhandled, addr)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	copy(data, buf[:])
	return nil
}

func (h tableMMIO) WriteMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	var buf [8]byte
	copy(buf[:], data)
	h.r.Write(addr, len(data), binary.LittleEndian.Uint64(buf[:]))
	return nil
}

var _ chipset.MmioMatcher = tableMMIO{}
