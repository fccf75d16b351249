package vpci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vpci/internal/chipset"
	"github.com/tinyrange/vpci/internal/hv"
	"github.com/tinyrange/vpci/internal/pci"
)

// Indexes of MSIX.Tables.
const (
	MSIXTable = 0
	MSIXPBA   = 1
)

// MSIXEntry is the guest view of one MSI-X table entry.
type MSIXEntry struct {
	Addr   uint64
	Data   uint32
	Masked bool
	// Updated is set when Addr or Data changed since the entry was last
	// bound.
	Updated bool
	Nr      int
	Pirq    int
}

// MSIX is the emulated MSI-X capability and table of a device.
type MSIX struct {
	dev *Device

	Pos uint16
	// Tables holds the table and PBA registers: BAR indicator in the low
	// three bits, offset in the rest.
	Tables [2]uint32

	Enabled bool
	Masked  bool
	Entries []MSIXEntry
}

func (m *MSIX) bir(i int) int { return int(m.Tables[i] & pci.MSIXBIRMask) }

func (m *MSIX) offset(i int) uint64 { return uint64(m.Tables[i] &^ pci.MSIXBIRMask) }

func (m *MSIX) size(i int) uint64 {
	if i == MSIXTable {
		return uint64(len(m.Entries)) * pci.MSIXEntrySize
	}
	return (uint64(len(m.Entries)+7)/8 + 7) &^ 7
}

// addr returns the guest address of the table or PBA.
func (m *MSIX) addr(i int) uint64 {
	return m.dev.Header.BARs[m.bir(i)].GuestAddr + m.offset(i)
}

// tableBase returns the host address of the BAR holding the table.
func (m *MSIX) tableBase() uint64 {
	return m.dev.Header.BARs[m.bir(MSIXTable)].Addr
}

func (m *MSIX) inRange(i int, addr uint64) bool {
	start := m.addr(i)
	return addr >= start && addr < start+m.size(i)
}

func (m *MSIX) contains(addr uint64) bool {
	for i := range m.Tables {
		if m.dev.Header.BARs[m.bir(i)].Enabled && m.inRange(i, addr) {
			return true
		}
	}
	return false
}

// holes returns the pages of BAR index that must stay trapped.
func (m *MSIX) holes(index int) []pageRange {
	var out []pageRange
	for i := range m.Tables {
		if m.bir(i) != index {
			continue
		}
		start := m.addr(i)
		out = append(out, pageRange{alignDown(start), alignUp(start + m.size(i))})
	}
	return out
}

func msixControlRead(_ *Device, _ uint16, data any) uint32 {
	m := data.(*MSIX)
	val := uint32(len(m.Entries) - 1)
	if m.Enabled {
		val |= pci.MSIXFlagsEnable
	}
	if m.Masked {
		val |= pci.MSIXFlagsMaskAll
	}
	return val
}

// updateEntry rebinds e with its current address and data.
func (m *MSIX) updateEntry(e *MSIXEntry) {
	dev := m.dev
	arch := dev.bus.arch

	if err := arch.MSIXDisableEntry(dev, e); err != nil && !errors.Is(err, ErrNotExist) {
		slog.Warn("vpci: unable to disable entry for update", "sbdf", dev.SBDF, "entry", e.Nr, "err", err)
		return
	}
	if err := arch.MSIXEnableEntry(dev, e, m.tableBase()); err != nil {
		slog.Warn("vpci: unable to enable entry", "sbdf", dev.SBDF, "entry", e.Nr, "err", err)
		return
	}
	e.Updated = false
}

func msixControlWrite(dev *Device, reg uint16, val uint32, data any) {
	m := data.(*MSIX)
	masked := val&pci.MSIXFlagsMaskAll != 0
	enabled := val&pci.MSIXFlagsEnable != 0

	if masked == m.Masked && enabled == m.Enabled {
		return
	}

	// Enabling or dropping the function mask recomputes every dirty
	// unmasked entry.
	if enabled && !masked && (!m.Enabled || m.Masked) {
		for i := range m.Entries {
			e := &m.Entries[i]
			if e.Masked || !e.Updated {
				continue
			}
			m.updateEntry(e)
		}
	} else if !enabled && m.Enabled {
		for i := range m.Entries {
			e := &m.Entries[i]
			err := dev.bus.arch.MSIXDisableEntry(dev, e)
			switch {
			case err == nil:
				// Rebind on the next enable even if the guest only
				// unmasks the entry.
				e.Updated = true
			case errors.Is(err, ErrNotExist):
			default:
				slog.Warn("vpci: unable to disable entry", "sbdf", dev.SBDF, "entry", i, "err", err)
				return
			}
		}
	}

	m.Masked = masked
	m.Enabled = enabled

	dev.ConfWrite(reg, 2, msixControlRead(dev, reg, m))
}

func initMSIX(dev *Device) error {
	pos := pci.FindCapability(dev, pci.CapIDMSIX)
	if pos == 0 {
		return nil
	}

	control := dev.ConfRead(pos+pci.MSIXFlags, 2)
	n := int(control&pci.MSIXFlagsQSize) + 1
	m := &MSIX{
		dev:     dev,
		Pos:     pos,
		Entries: make([]MSIXEntry, n),
	}
	m.Tables[MSIXTable] = dev.ConfRead(pos+pci.MSIXTable, 4)
	m.Tables[MSIXPBA] = dev.ConfRead(pos+pci.MSIXPBA, 4)
	for i := range m.Entries {
		m.Entries[i] = MSIXEntry{Masked: true, Nr: i, Pirq: InvalidPirq}
	}

	if err := dev.AddRegister(msixControlRead, msixControlWrite, pos+pci.MSIXFlags, 2, m); err != nil {
		return err
	}
	if !dev.IsHardware() {
		for _, reg := range []uint16{pci.MSIXTable, pci.MSIXPBA} {
			if err := dev.AddRegister(ReadVal, nil, pos+reg, 4, dev.ConfRead(pos+reg, 4)); err != nil {
				return err
			}
		}
	}

	dev.MSIX = m
	dev.bus.msixTables = append(dev.bus.msixTables, m)
	return nil
}

func (b *Bus) removeMSIXTable(m *MSIX) {
	for i, t := range b.msixTables {
		if t == m {
			b.msixTables = append(b.msixTables[:i], b.msixTables[i+1:]...)
			return
		}
	}
}

// msixFind returns the table or PBA containing addr. Called with b.mu held.
func (b *Bus) msixFind(addr uint64) *MSIX {
	for _, m := range b.msixTables {
		m.dev.mu.Lock()
		hit := m.contains(addr)
		m.dev.mu.Unlock()
		if hit {
			return m
		}
	}
	return nil
}

func msixAccessAllowed(dev *Device, addr uint64, size int) bool {
	if (size == 4 || size == 8) && addr&uint64(size-1) == 0 {
		return true
	}
	slog.Warn("vpci: unaligned or invalid size MSI-X table access",
		"sbdf", dev.SBDF, "addr", fmt.Sprintf("%#x", addr), "size", size)
	return false
}

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*size) - 1
}

// MSIXAccept reports whether addr falls in a mapped MSI-X table or PBA of
// the domain.
func (b *Bus) MSIXAccept(addr uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.msixFind(addr) != nil
}

// pbaOffset converts a guest PBA address into an offset in its host BAR.
func (m *MSIX) pbaOffset(addr uint64) uint64 {
	return addr - m.dev.Header.BARs[m.bir(MSIXPBA)].GuestAddr
}

// MSIXRead emulates a read of size bytes at addr. ok is false if addr is not
// in an MSI-X table or PBA of the domain.
func (b *Bus) MSIXRead(addr uint64, size int) (val uint64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m := b.msixFind(addr)
	if m == nil {
		return ^uint64(0), false
	}
	dev := m.dev
	if !msixAccessAllowed(dev, addr, size) {
		return sizeMask(size), true
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if m.inRange(MSIXPBA, addr) {
		v, err := b.host.backend.ReadResource(dev.SBDF, m.bir(MSIXPBA), m.pbaOffset(addr), uint8(size))
		if err != nil {
			slog.Warn("vpci: unable to read PBA", "sbdf", dev.SBDF, "err", err)
			return sizeMask(size), true
		}
		return v & sizeMask(size), true
	}

	off := addr - m.addr(MSIXTable)
	e := &m.Entries[off/pci.MSIXEntrySize]
	masked := uint64(0)
	if e.Masked {
		masked = pci.MSIXVectorMaskBit
	}

	switch off % pci.MSIXEntrySize {
	case pci.MSIXEntryLowerAddr:
		val = e.Addr
	case pci.MSIXEntryUpperAddr:
		val = e.Addr >> 32
	case pci.MSIXEntryData:
		val = uint64(e.Data)
		if size == 8 {
			val |= masked << 32
		}
	case pci.MSIXEntryVectorCtrl:
		val = masked
	}
	return val & sizeMask(size), true
}

// MSIXWrite emulates a write of size bytes at addr. It returns false if addr
// is not in an MSI-X table or PBA of the domain.
func (b *Bus) MSIXWrite(addr uint64, size int, val uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m := b.msixFind(addr)
	if m == nil {
		return false
	}
	dev := m.dev
	if !msixAccessAllowed(dev, addr, size) {
		return true
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if m.inRange(MSIXPBA, addr) {
		// Guest PBA writes are undefined and dropped.
		if dev.IsHardware() {
			if err := b.host.backend.WriteResource(dev.SBDF, m.bir(MSIXPBA), m.pbaOffset(addr), uint8(size), val); err != nil {
				slog.Warn("vpci: unable to write PBA", "sbdf", dev.SBDF, "err", err)
			}
		}
		return true
	}

	off := addr - m.addr(MSIXTable)
	e := &m.Entries[off/pci.MSIXEntrySize]

	switch off % pci.MSIXEntrySize {
	case pci.MSIXEntryLowerAddr:
		e.Updated = true
		if size == 8 {
			e.Addr = val
			break
		}
		e.Addr = e.Addr&^0xffffffff | val&0xffffffff
	case pci.MSIXEntryUpperAddr:
		e.Updated = true
		e.Addr = e.Addr&0xffffffff | (val&0xffffffff)<<32
	case pci.MSIXEntryData:
		e.Updated = true
		e.Data = uint32(val)
		if size == 4 {
			break
		}
		val >>= 32
		fallthrough
	case pci.MSIXEntryVectorCtrl:
		masked := val&pci.MSIXVectorMaskBit != 0
		if e.Masked == masked {
			break
		}
		// The arch hooks observe the new mask state.
		e.Masked = masked
		if !masked && m.Enabled && !m.Masked && e.Updated {
			m.updateEntry(e)
		} else {
			b.arch.MSIXMaskEntry(dev, e, masked)
		}
	}
	return true
}

// MSIXHandler returns the MMIO trap for the domain's MSI-X tables.
func (b *Bus) MSIXHandler() chipset.MmioMatcher { return msixMMIO{b} }

type msixMMIO struct{ b *Bus }

func (h msixMMIO) AcceptsMMIO(addr uint64, _ int) bool { return h.b.MSIXAccept(addr) }

func (h msixMMIO) ReadMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	val, ok := h.b.MSIXRead(addr, len(data))
	if !ok {
		return fmt.Errorf("%w: MSI-X read at 0x%x", hv.ErrUnhandled, addr)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	copy(data, buf[:])
	return nil
}

func (h msixMMIO) WriteMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	var buf [8]byte
	copy(buf[:], data)
	if !h.b.MSIXWrite(addr, len(data), binary.LittleEndian.Uint64(buf[:])) {
		return fmt.Errorf("%w: MSI-X write at 0x%x", hv.ErrUnhandled, addr)
	}
	return nil
}

var _ chipset.MmioMatcher = msixMMIO{}
