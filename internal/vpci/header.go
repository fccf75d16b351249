package vpci

import (
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/vpci/internal/hostpci"
	"github.com/tinyrange/vpci/internal/hv"
	"github.com/tinyrange/vpci/internal/pci"
)

// BARType is the decoded kind of a base address register.
type BARType uint8

const (
	BAREmpty BARType = iota
	BARIO
	BARMem32
	BARMem64Lo
	BARMem64Hi
	BARROM
)

func (t BARType) String() string {
	switch t {
	case BAREmpty:
		return "empty"
	case BARIO:
		return "io"
	case BARMem32:
		return "mem32"
	case BARMem64Lo:
		return "mem64lo"
	case BARMem64Hi:
		return "mem64hi"
	case BARROM:
		return "rom"
	default:
		return fmt.Sprintf("BARType(%d)", uint8(t))
	}
}

// BAR is the emulated state of one base address register. For the upper
// half of a 64-bit BAR only Type is meaningful; the low half holds the
// address and size.
type BAR struct {
	Type         BARType
	Addr         uint64
	GuestAddr    uint64
	Size         uint64
	Prefetchable bool
	// Enabled is set while the BAR is mapped into the owner's physmap.
	Enabled bool

	index int
	lo    *BAR
}

func (b *BAR) mappable() bool {
	return b.Type == BARMem32 || b.Type == BARMem64Lo || b.Type == BARROM
}

// Index returns the BAR number, pci.NumBARs for the expansion ROM.
func (b *BAR) Index() int { return b.index }

// romIndex is the slot of the expansion ROM in Header.BARs.
const romIndex = pci.NumBARs

// Header is the emulated type 0/1 header of a device.
type Header struct {
	BARs [pci.NumBARs + 1]BAR

	ROMReg     uint16
	ROMEnabled bool
	// BARsMapped mirrors the memory decode bit as last applied.
	BARsMapped bool

	// GuestCmd is the last command value written, as read back by guests
	// and by virtual functions.
	GuestCmd uint16
	// IntLine is the emulated interrupt line register of a guest.
	IntLine uint8
}

// ROM returns the expansion ROM BAR.
func (h *Header) ROM() *BAR { return &h.BARs[romIndex] }

// Command bits an unprivileged guest can neither see nor change.
const guestCmdRsvdP = pci.CommandRsvdPMask | pci.CommandIO | pci.CommandSpecial |
	pci.CommandInvalidate | pci.CommandVGAPalette | pci.CommandWait |
	pci.CommandSERR | pci.CommandFastBack

func guestCmdRead(dev *Device, _ uint16, _ any) uint32 {
	return uint32(dev.Header.GuestCmd)
}

func (d *Device) msiEnabled() bool {
	return (d.MSI != nil && d.MSI.Enabled) || (d.MSIX != nil && d.MSIX.Enabled)
}

func cmdWrite(dev *Device, reg uint16, val uint32, _ any) {
	h := &dev.Header
	cmd := uint16(val)
	h.GuestCmd = cmd

	if !dev.IsHardware() {
		if dev.msiEnabled() {
			cmd |= pci.CommandIntxDisable
		}
	}

	// Memory decoding changes are applied to the physmap before the
	// hardware register, so the device never decodes unmapped BARs.
	if h.BARsMapped != (cmd&pci.CommandMemory != 0) {
		if err := dev.modifyBARs(cmd, false); err != nil {
			slog.Warn("vpci: unable to change memory decoding", "sbdf", dev.SBDF, "cmd", fmt.Sprintf("%#x", cmd), "err", err)
		}
		return
	}
	dev.ConfWrite(reg, 2, uint32(cmd))
}

func barWrite(dev *Device, reg uint16, val uint32, data any) {
	bar := data.(*BAR)
	hi := bar.Type == BARMem64Hi
	if hi {
		bar = bar.lo
	} else {
		val &= pci.BARMemMask
	}

	if bar.Enabled {
		cur := uint32(bar.Addr)
		if hi {
			cur = uint32(bar.Addr >> 32)
		}
		if cur != val {
			slog.Warn("vpci: ignored BAR write while mapped",
				"sbdf", dev.SBDF, "reg", fmt.Sprintf("%#x", reg), "value", fmt.Sprintf("%#x", val))
		}
		return
	}

	if hi {
		bar.Addr = bar.Addr&0xffffffff | uint64(val)<<32
	} else {
		bar.Addr = bar.Addr&^0xffffffff | uint64(val)
		if bar.Type == BARMem64Lo {
			val |= pci.BARMemType64
		}
		if bar.Prefetchable {
			val |= pci.BARMemPrefetch
		}
	}
	if dev.IsHardware() {
		bar.GuestAddr = bar.Addr
	}
	dev.ConfWrite(reg, 4, val)
}

func guestBARRead(_ *Device, _ uint16, data any) uint32 {
	bar := data.(*BAR)
	if bar.Type == BARMem64Hi {
		return uint32(bar.lo.GuestAddr >> 32)
	}
	val := uint32(bar.GuestAddr)
	if bar.Type == BARMem64Lo {
		val |= pci.BARMemType64
	}
	if bar.Prefetchable {
		val |= pci.BARMemPrefetch
	}
	return val
}

func guestBARWrite(dev *Device, reg uint16, val uint32, data any) {
	bar := data.(*BAR)
	hi := bar.Type == BARMem64Hi
	if hi {
		bar = bar.lo
	}
	if bar.Enabled {
		slog.Warn("vpci: ignored guest BAR write while mapped",
			"sbdf", dev.SBDF, "reg", fmt.Sprintf("%#x", reg))
		return
	}

	addr := bar.GuestAddr
	if hi {
		addr = addr&0xffffffff | uint64(val)<<32
	} else {
		addr = addr&^0xffffffff | uint64(val&pci.BARMemMask)
	}
	// Sizing writes read back the size mask, like real hardware.
	bar.GuestAddr = addr &^ (bar.Size - 1)
}

// ioBARWrite passes a hardware domain I/O BAR write through and moves the
// BAR's port handler with it. Sizing writes leave the handler in place.
func ioBARWrite(dev *Device, reg uint16, val uint32, data any) {
	bar := data.(*BAR)
	dev.ConfWrite(reg, 4, val)
	addr := uint64(dev.ConfRead(reg, 4) & pci.BARIOMask)
	if addr != uint64(val&pci.BARIOMask) || addr == bar.Addr {
		return
	}

	old := bar.Addr
	bar.Addr, bar.GuestAddr = addr, addr
	ports := dev.bus.ports
	if ports == nil {
		return
	}
	if old+bar.Size > 0x10000 || addr+bar.Size > 0x10000 {
		slog.Warn("vpci: I/O BAR outside the port space", "sbdf", dev.SBDF, "bar", bar.index, "addr", fmt.Sprintf("%#x", addr))
		return
	}
	if !ports.RelocatePort(uint16(old), uint16(addr), uint16(bar.Size)) {
		slog.Debug("vpci: no port handler to relocate", "sbdf", dev.SBDF, "bar", bar.index,
			"from", fmt.Sprintf("%#x", old), "to", fmt.Sprintf("%#x", addr))
	}
}

func romWrite(dev *Device, reg uint16, val uint32, data any) {
	h := &dev.Header
	rom := data.(*BAR)
	enable := val&pci.ROMEnable != 0

	if rom.Enabled && enable {
		slog.Warn("vpci: ignored ROM BAR write while mapped", "sbdf", dev.SBDF)
		return
	}

	if !rom.Enabled {
		rom.Addr = uint64(val & pci.ROMAddressMask)
		rom.GuestAddr = rom.Addr
	}

	if !h.BARsMapped || rom.Enabled == enable {
		h.ROMEnabled = enable
		dev.ConfWrite(reg, 4, val)
	} else {
		cmd := uint16(0)
		if enable {
			cmd = pci.CommandMemory
		}
		if err := dev.modifyBARs(cmd, true); err != nil {
			return
		}
	}

	if !enable {
		rom.Addr = uint64(val & pci.ROMAddressMask)
		rom.GuestAddr = rom.Addr
	}
}

type pageRange struct{ start, end uint64 }

func alignDown(v uint64) uint64 { return v &^ (hv.PageSize - 1) }

func alignUp(v uint64) uint64 { return (v + hv.PageSize - 1) &^ (hv.PageSize - 1) }

// subtract removes hole from every range of rs.
func subtract(rs []pageRange, hole pageRange) []pageRange {
	var out []pageRange
	for _, r := range rs {
		if hole.end <= r.start || r.end <= hole.start {
			out = append(out, r)
			continue
		}
		if r.start < hole.start {
			out = append(out, pageRange{r.start, hole.start})
		}
		if hole.end < r.end {
			out = append(out, pageRange{hole.end, r.end})
		}
	}
	return out
}

// barPages returns the guest pages to map for bar, without the pages holding
// an MSI-X table or PBA.
func (d *Device) barPages(bar *BAR) []pageRange {
	rs := []pageRange{{alignDown(bar.GuestAddr), alignUp(bar.GuestAddr + bar.Size)}}
	if d.MSIX != nil && bar.Type != BARROM {
		for _, hole := range d.MSIX.holes(bar.index) {
			rs = subtract(rs, hole)
		}
	}
	return rs
}

func (d *Device) barName(bar *BAR) string {
	if bar.Type == BARROM {
		return fmt.Sprintf("%v rom", d.SBDF)
	}
	return fmt.Sprintf("%v bar%d", d.SBDF, bar.index)
}

func (d *Device) mapBAR(bar *BAR) error {
	if (bar.GuestAddr^bar.Addr)&(hv.PageSize-1) != 0 {
		return fmt.Errorf("%w: %s guest 0x%x and host 0x%x differ within a page",
			ErrInvalid, d.barName(bar), bar.GuestAddr, bar.Addr)
	}
	pm := d.Domain().Physmap
	delta := alignDown(bar.Addr) - alignDown(bar.GuestAddr)

	var mapped []pageRange
	cu := cleanup.Make(func() {
		for _, r := range mapped {
			pm.Unmap(r.start, r.end-r.start)
		}
	})
	defer cu.Clean()

	for _, r := range d.barPages(bar) {
		err := pm.Map(d.barName(bar), r.start, r.start+delta, r.end-r.start)
		if err == nil {
			mapped = append(mapped, r)
			continue
		}
		// BARs smaller than a page may share one with another BAR of the
		// same device.
		if !sharedPages(pm, r, delta) {
			return err
		}
	}
	cu.Release()
	return nil
}

func sharedPages(pm *hv.PhysMap, r pageRange, delta uint64) bool {
	for a := r.start; a < r.end; a += hv.PageSize {
		host, ok := pm.Translate(a)
		if !ok || host != a+delta {
			return false
		}
	}
	return true
}

func (d *Device) unmapBAR(bar *BAR) {
	pm := d.Domain().Physmap
	for _, r := range d.barPages(bar) {
		pm.Unmap(r.start, r.end-r.start)
	}
}

// modifyBARs maps or unmaps the memory BARs whose state differs from the
// memory decode bit of cmd, then applies cmd to the hardware. With romOnly
// only the expansion ROM is considered and cmd is not written. Called with
// the device lock held.
func (d *Device) modifyBARs(cmd uint16, romOnly bool) error {
	h := &d.Header
	enable := cmd&pci.CommandMemory != 0

	var changed []*BAR
	cu := cleanup.Make(func() {
		for _, bar := range changed {
			if enable {
				d.unmapBAR(bar)
			} else if err := d.mapBAR(bar); err != nil {
				slog.Warn("vpci: unable to restore BAR mapping", "sbdf", d.SBDF, "bar", bar.index, "err", err)
			}
		}
	})
	defer cu.Clean()

	for i := range h.BARs {
		bar := &h.BARs[i]
		if !bar.mappable() || bar.Enabled == enable {
			continue
		}
		if romOnly && bar.Type != BARROM {
			continue
		}
		if !romOnly && bar.Type == BARROM && !h.ROMEnabled {
			continue
		}
		if enable {
			if err := d.mapBAR(bar); err != nil {
				slog.Warn("vpci: unable to map BAR", "sbdf", d.SBDF, "bar", i, "err", err)
				return err
			}
		} else {
			d.unmapBAR(bar)
		}
		changed = append(changed, bar)
	}
	cu.Release()

	d.modifyDecoding(cmd, romOnly)
	return nil
}

func (d *Device) modifyDecoding(cmd uint16, romOnly bool) {
	h := &d.Header
	enable := cmd&pci.CommandMemory != 0

	if romOnly {
		rom := h.ROM()
		val := uint32(rom.Addr)
		if enable {
			val |= pci.ROMEnable
		}
		rom.Enabled = enable
		h.ROMEnabled = enable
		d.ConfWrite(h.ROMReg, 4, val)
		return
	}

	for i := range h.BARs {
		bar := &h.BARs[i]
		if !bar.mappable() {
			continue
		}
		if bar.Type != BARROM || h.ROMEnabled {
			bar.Enabled = enable
		}
	}
	h.BARsMapped = enable
	d.ConfWrite(pci.Command, 2, uint32(cmd))
}

// guestCaps lists the capabilities exposed to unprivileged domains.
var guestCaps = map[uint32]bool{
	pci.CapIDMSI:  true,
	pci.CapIDMSIX: true,
}

// nextCap follows the capability pointer at ptr to the next capability
// accepted by keep, or returns 0.
func (d *Device) nextCap(ptr uint16, keep map[uint32]bool, ttl *int) uint16 {
	pos := uint16(d.ConfRead(ptr, 1)) & 0xfc
	for pos >= 0x40 && *ttl > 0 {
		*ttl--
		id := d.ConfRead(pos, 1)
		if id == 0xff {
			return 0
		}
		if keep == nil || keep[id] {
			return pos
		}
		pos = uint16(d.ConfRead(pos+1, 1)) & 0xfc
	}
	return 0
}

// initCapabilityList hides from guests every capability that has no
// emulation, and installs the status register.
func initCapabilityList(dev *Device) error {
	maskCapList := false

	if !dev.IsHardware() && dev.ConfRead(pci.Status, 2)&pci.StatusCapList != 0 {
		ttl := 48
		next := dev.nextCap(pci.CapabilityPtr, guestCaps, &ttl)
		if err := dev.AddRegister(ReadVal, nil, pci.CapabilityPtr, 1, uint32(next)); err != nil {
			return err
		}
		maskCapList = next == 0
		for next != 0 && ttl > 0 {
			pos := next
			next = dev.nextCap(pos+1, guestCaps, &ttl)
			if err := dev.AddRegister(HWRead8, nil, pos, 1, nil); err != nil {
				return err
			}
			if err := dev.AddRegister(ReadVal, nil, pos+1, 1, uint32(next)); err != nil {
				return err
			}
		}
	}

	ro := uint32(pci.StatusROMask)
	rsvdp := uint32(pci.StatusRsvdPMask)
	if maskCapList {
		ro &^= pci.StatusCapList
		rsvdp |= pci.StatusCapList
	}
	return dev.AddRegisterMask(HWRead16, HWWrite16, pci.Status, 2, nil,
		ro, pci.StatusRW1CMask, rsvdp, pci.StatusRsvdZMask)
}

func intLineRead(dev *Device, _ uint16, _ any) uint32 { return uint32(dev.Header.IntLine) }

func intLineWrite(dev *Device, _ uint16, val uint32, _ any) { dev.Header.IntLine = uint8(val) }

// initGuestIdentity serves the identification registers of a guest owned
// device from values cached at assignment.
func initGuestIdentity(dev *Device) error {
	type cachedReg struct {
		reg  uint16
		size uint8
		val  uint32
	}
	var cached []cachedReg
	// Virtual functions have no ID registers of their own.
	if !dev.Info.IsVirtfn {
		cached = append(cached, cachedReg{pci.VendorID, 4, dev.ConfRead(pci.VendorID, 4)})
	}
	cached = append(cached, []cachedReg{
		{pci.ClassRevision, 4, dev.ConfRead(pci.ClassRevision, 4)},
		{pci.HeaderType, 1, dev.ConfRead(pci.HeaderType, 1) & pci.HeaderTypeMask},
		{pci.SubsystemID, 4, dev.ConfRead(pci.SubsystemID, 4)},
		{pci.InterruptPin, 1, dev.ConfRead(pci.InterruptPin, 1)},
	}...)
	for _, c := range cached {
		if err := dev.AddRegister(ReadVal, nil, c.reg, c.size, c.val); err != nil {
			return err
		}
	}
	dev.Header.IntLine = uint8(dev.ConfRead(pci.InterruptLine, 1))
	return dev.AddRegister(intLineRead, intLineWrite, pci.InterruptLine, 1, nil)
}

func initHeader(dev *Device) error {
	if dev.Info.IsVirtfn {
		return nil
	}
	h := &dev.Header
	hwdom := dev.IsHardware()

	var numBARs int
	switch ht := dev.ConfRead(pci.HeaderType, 1) & pci.HeaderTypeMask; ht {
	case pci.HeaderTypeNormal:
		numBARs = pci.NumBARs
		h.ROMReg = pci.ROMAddress
	case pci.HeaderTypeBridge:
		numBARs = pci.NumBridgeBARs
		h.ROMReg = pci.ROMAddress1
	default:
		return fmt.Errorf("%w: header type 0x%x", ErrNotSupported, ht)
	}

	cmd := uint16(dev.ConfRead(pci.Command, 2))

	var err error
	if hwdom {
		err = dev.AddRegister(HWRead16, cmdWrite, pci.Command, 2, nil)
	} else {
		err = dev.AddRegisterMask(guestCmdRead, cmdWrite, pci.Command, 2, nil, 0, 0, guestCmdRsvdP, 0)
	}
	if err != nil {
		return err
	}

	if err := initCapabilityList(dev); err != nil {
		return err
	}
	if !hwdom {
		if err := initGuestIdentity(dev); err != nil {
			return err
		}
	}

	res, err := dev.bus.host.backend.Resources(dev.SBDF)
	if err != nil {
		return fmt.Errorf("%w: resources of %v: %v", ErrNoDevice, dev.SBDF, err)
	}
	resSize := func(i int) uint64 {
		if i < len(res) {
			return res[i].Size()
		}
		return 0
	}

	barRead, barWr := ReadFunc(HWRead32), WriteFunc(barWrite)
	if !hwdom {
		barRead, barWr = guestBARRead, guestBARWrite
	}

	for i := 0; i < numBARs; i++ {
		reg := uint16(pci.BaseAddress0 + 4*i)
		bar := &h.BARs[i]
		bar.index = i

		if i > 0 && h.BARs[i-1].Type == BARMem64Lo {
			bar.Type = BARMem64Hi
			bar.lo = &h.BARs[i-1]
			if err := dev.AddRegister(barRead, barWr, reg, 4, bar); err != nil {
				return err
			}
			continue
		}

		val := dev.ConfRead(reg, 4)
		if val&pci.BARSpaceIO != 0 {
			bar.Type = BARIO
			if !hwdom {
				if err := dev.AddRegister(ReadVal, IgnoredWrite, reg, 4, uint32(0)); err != nil {
					return err
				}
			} else if size := resSize(i); size != 0 {
				bar.Addr = uint64(val & pci.BARIOMask)
				bar.GuestAddr = bar.Addr
				bar.Size = size
				if err := dev.AddRegister(HWRead32, ioBARWrite, reg, 4, bar); err != nil {
					return err
				}
			}
			continue
		}

		bar.Type = BARMem32
		addr := uint64(val & pci.BARMemMask)
		if val&pci.BARMemTypeMask == pci.BARMemType64 && i+1 < numBARs {
			bar.Type = BARMem64Lo
			addr |= uint64(dev.ConfRead(reg+4, 4)) << 32
		}

		size := resSize(i)
		if size == 0 {
			bar.Type = BAREmpty
			if !hwdom {
				if err := dev.AddRegister(ReadVal, IgnoredWrite, reg, 4, uint32(0)); err != nil {
					return err
				}
			}
			continue
		}

		bar.Addr = addr
		bar.GuestAddr = addr
		bar.Size = size
		bar.Prefetchable = val&pci.BARMemPrefetch != 0
		if err := dev.AddRegister(barRead, barWr, reg, 4, bar); err != nil {
			return err
		}
	}

	rom := h.ROM()
	rom.index = romIndex
	// Guests never see the expansion ROM.
	if size := resSize(hostpci.ResourceROM); hwdom && size != 0 && h.ROMReg == pci.ROMAddress {
		val := dev.ConfRead(h.ROMReg, 4)
		rom.Type = BARROM
		rom.Size = size
		rom.Addr = uint64(val & pci.ROMAddressMask)
		rom.GuestAddr = rom.Addr
		h.ROMEnabled = val&pci.ROMEnable != 0
		if err := dev.AddRegister(HWRead32, romWrite, h.ROMReg, 4, rom); err != nil {
			return err
		}
	} else if !hwdom {
		if err := dev.AddRegister(ReadVal, IgnoredWrite, h.ROMReg, 4, uint32(0)); err != nil {
			return err
		}
	}

	if !hwdom {
		// Guests start with decoding off and see only the bits they own.
		h.GuestCmd = cmd & pci.CommandIntxDisable
		dev.ConfWrite(pci.Command, 2, uint32(cmd&^(pci.CommandMemory|pci.CommandIO|pci.CommandMaster)))
		return nil
	}
	if cmd&pci.CommandMemory != 0 {
		return dev.modifyBARs(cmd, false)
	}
	return nil
}
