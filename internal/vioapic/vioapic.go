// Package vioapic emulates the guest-visible IO-APIC that routes GSIs to the
// domain's local APICs and reports level-triggered EOIs back to the
// passthrough layer.
package vioapic

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/vpci/internal/hv"
)

const (
	// BaseAddress is the legacy MMIO base of the first IO-APIC.
	BaseAddress uint64 = 0xFEC00000

	registerWindowSize = 0x20

	registerSelect = 0x00
	registerData   = 0x10

	idRegister           = 0x00
	versionRegister      = 0x01
	arbitrationRegister  = 0x02
	redirectionTableBase = 0x10

	version = 0x11

	// DefaultPins matches the conventional 48-pin HVM IO-APIC.
	DefaultPins = 48
)

const (
	deliveryModeFixed          = 0x0
	deliveryModeLowestPriority = 0x1
)

// Redirection bits that the guest is permitted to write.
const redirectionWriteMask uint64 = 0xFFFF0000000000FF |
	(0x7 << 8) | // delivery mode
	(1 << 11) | // destination mode
	(1 << 13) | // polarity
	(1 << 15) | // trigger mode
	(1 << 16) // mask bit

// Routing receives the interrupts the IO-APIC decides to deliver.
type Routing interface {
	// Assert requests an interrupt injection. logical selects the logical
	// destination mode; level reports a level-triggered redirection entry.
	Assert(vector, dest uint8, logical bool, deliveryMode uint8, level bool)
}

// RoutingFunc adapts a function to Routing.
type RoutingFunc func(vector, dest uint8, logical bool, deliveryMode uint8, level bool)

// Assert implements Routing.
func (f RoutingFunc) Assert(vector, dest uint8, logical bool, deliveryMode uint8, level bool) {
	if f != nil {
		f(vector, dest, logical, deliveryMode, level)
	}
}

type noopRouting struct{}

func (noopRouting) Assert(uint8, uint8, bool, uint8, bool) {}

// EOIFunc is invoked, without the IO-APIC lock held, for every pin whose
// remote IRR an EOI cleared.
type EOIFunc func(gsi uint32)

// IOAPIC is a virtual IO-APIC.
type IOAPIC struct {
	mu sync.Mutex

	entries []pin
	index   uint8
	id      uint8

	routing Routing
	onEOI   EOIFunc
	stats   stats
}

// New builds an IO-APIC exposing numPins redirection entries.
func New(numPins int) *IOAPIC {
	if numPins <= 0 {
		numPins = DefaultPins
	}
	entries := make([]pin, numPins)
	for i := range entries {
		entries[i] = newPin()
	}
	return &IOAPIC{
		entries: entries,
		routing: noopRouting{},
		stats: stats{
			perPin: make([]uint64, numPins),
		},
	}
}

// DeviceId implements hv.Device.
func (i *IOAPIC) DeviceId() string { return "vioapic" }

// Pins returns the number of redirection entries.
func (i *IOAPIC) Pins() int { return len(i.entries) }

// SetRouting overrides the destination used when an interrupt fires.
func (i *IOAPIC) SetRouting(r Routing) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if r == nil {
		i.routing = noopRouting{}
	} else {
		i.routing = r
	}
}

// SetEOIHandler installs the callback notified on EOI of a routed pin.
func (i *IOAPIC) SetEOIHandler(fn EOIFunc) {
	i.mu.Lock()
	i.onEOI = fn
	i.mu.Unlock()
}

// TriggerLevel reports whether gsi's redirection entry is level triggered.
func (i *IOAPIC) TriggerLevel(gsi uint32) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if gsi >= uint32(len(i.entries)) {
		return false
	}
	return i.entries[gsi].redirection.triggerModeLevel()
}

// Masked reports whether gsi's redirection entry is masked.
func (i *IOAPIC) Masked(gsi uint32) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if gsi >= uint32(len(i.entries)) {
		return true
	}
	return i.entries[gsi].redirection.masked()
}

// Program writes a full redirection entry for gsi.
func (i *IOAPIC) Program(gsi uint32, vector, dest uint8, logical, level, masked bool) {
	raw := uint64(vector) | uint64(dest)<<56
	if logical {
		raw |= 1 << 11
	}
	if level {
		raw |= 1 << 15
	}
	if masked {
		raw |= 1 << 16
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if gsi >= uint32(len(i.entries)) {
		return
	}
	i.writeRedirection(uint8(gsi*2), uint32(raw))
	i.writeRedirection(uint8(gsi*2+1), uint32(raw>>32))
}

// HandleEOI clears remote-IRR for any pin that was targeting the supplied
// vector, notifies the EOI handler and re-evaluates those pins.
func (i *IOAPIC) HandleEOI(vector uint8) {
	i.mu.Lock()
	var pins []uint32
	for line := range i.entries {
		entry := &i.entries[line]
		if entry.redirection.vector() == vector && entry.redirection.remoteIRR() {
			entry.redirection.setRemoteIRR(false)
			pins = append(pins, uint32(line))
		}
	}
	fn := i.onEOI
	i.mu.Unlock()

	if fn != nil {
		for _, gsi := range pins {
			fn(gsi)
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	for _, gsi := range pins {
		i.entries[gsi].evaluate(i.routing, &i.stats, uint8(gsi), false)
	}
}

// SetIRQ changes the level of a given IO-APIC input pin.
func (i *IOAPIC) SetIRQ(line uint32, high bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if line >= uint32(len(i.entries)) {
		return
	}
	entry := &i.entries[line]
	if high {
		entry.assert(i.routing, &i.stats, uint8(line))
	} else {
		entry.deassert()
	}
}

// Delivered returns the number of interrupts delivered from gsi.
func (i *IOAPIC) Delivered(gsi uint32) uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if gsi >= uint32(len(i.stats.perPin)) {
		return 0
	}
	return i.stats.perPin[gsi]
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (i *IOAPIC) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{
		{Address: BaseAddress, Size: registerWindowSize},
	}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (i *IOAPIC) ReadMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	if !i.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("vioapic: read outside MMIO window: 0x%x", addr)
	}

	offset := addr - BaseAddress
	var value uint32

	i.mu.Lock()
	switch offset {
	case registerSelect:
		value = uint32(i.index)
	case registerData:
		value = i.readRegister(i.index)
	default:
		i.mu.Unlock()
		return fmt.Errorf("vioapic: invalid read offset 0x%x", offset)
	}
	i.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data, buf[:])
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (i *IOAPIC) WriteMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	if !i.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("vioapic: write outside MMIO window: 0x%x", addr)
	}
	offset := addr - BaseAddress

	i.mu.Lock()
	defer i.mu.Unlock()

	switch offset {
	case registerSelect:
		if len(data) == 0 {
			return fmt.Errorf("vioapic: empty write to select register")
		}
		i.index = data[0]
	case registerData:
		if len(data) != 4 && len(data) != 8 {
			return fmt.Errorf("vioapic: invalid data register write size %d", len(data))
		}
		i.writeRegister(i.index, binary.LittleEndian.Uint32(data))
	default:
		return fmt.Errorf("vioapic: invalid write offset 0x%x", offset)
	}
	return nil
}

func (i *IOAPIC) readRegister(index uint8) uint32 {
	switch {
	case index == idRegister:
		return uint32(i.id&0x0f) << 24
	case index == versionRegister:
		return version | uint32(len(i.entries)-1)<<16
	case index == arbitrationRegister:
		return 0
	case index >= redirectionTableBase:
		return i.readRedirection(index - redirectionTableBase)
	default:
		return 0
	}
}

func (i *IOAPIC) writeRegister(index uint8, value uint32) {
	switch {
	case index == idRegister:
		i.id = uint8(value>>24) & 0x0f
	case index == versionRegister, index == arbitrationRegister:
	case index >= redirectionTableBase:
		i.writeRedirection(index-redirectionTableBase, value)
	}
}

func (i *IOAPIC) readRedirection(index uint8) uint32 {
	entry := i.entryForIndex(index)
	if entry == nil {
		return 0
	}
	raw := entry.redirection.raw()
	if index&1 == 1 {
		return uint32(raw >> 32)
	}
	return uint32(raw)
}

func (i *IOAPIC) writeRedirection(index uint8, value uint32) {
	entry := i.entryForIndex(index)
	if entry == nil {
		return
	}

	raw := entry.redirection.raw()
	val := uint64(value)
	lowMask := redirectionWriteMask & 0xffffffff
	highMask := redirectionWriteMask & 0xffffffff00000000
	line := uint8(index / 2)

	wasMasked := entry.redirection.masked()

	if index&1 == 1 {
		raw &= ^highMask
		raw |= (val << 32) & highMask
	} else {
		raw &= ^lowMask
		raw |= val & lowMask
	}
	entry.redirection.setRaw(raw)

	// Unmasking a pin whose input is high is a rising edge for edge-triggered
	// entries.
	forceEdge := wasMasked && !entry.redirection.masked() && entry.lineLevel

	entry.evaluate(i.routing, &i.stats, line, forceEdge)
}

func (i *IOAPIC) entryForIndex(index uint8) *pin {
	n := int(index / 2)
	if n >= len(i.entries) {
		return nil
	}
	return &i.entries[n]
}

func (i *IOAPIC) inRange(addr uint64, size uint64) bool {
	if addr < BaseAddress {
		return false
	}
	return addr+size <= BaseAddress+registerWindowSize
}

type pin struct {
	redirection redirectionEntry
	lineLevel   bool
}

func newPin() pin {
	return pin{redirection: newRedirectionEntry()}
}

func (r *pin) assert(router Routing, stats *stats, line uint8) {
	edge := !r.lineLevel
	r.lineLevel = true
	r.evaluate(router, stats, line, edge)
}

func (r *pin) deassert() {
	r.lineLevel = false
}

func (r *pin) evaluate(router Routing, stats *stats, line uint8, edge bool) {
	if r.redirection.masked() {
		return
	}
	isLevel := r.redirection.isLevelCapable()
	switch {
	case isLevel && (!r.lineLevel || r.redirection.remoteIRR()):
		return
	case !isLevel && !edge:
		return
	}

	r.redirection.setRemoteIRR(isLevel)
	stats.interrupts++
	if int(line) < len(stats.perPin) {
		stats.perPin[line]++
	}

	router.Assert(
		r.redirection.vector(),
		r.redirection.destination(),
		r.redirection.destinationModeLogical(),
		r.redirection.deliveryMode(),
		isLevel,
	)
}

type redirectionEntry struct {
	value uint64
}

func newRedirectionEntry() redirectionEntry {
	return redirectionEntry{value: 1 << 16}
}

func (r redirectionEntry) raw() uint64            { return r.value }
func (r *redirectionEntry) setRaw(value uint64)   { r.value = value }
func (r redirectionEntry) destination() uint8     { return uint8(r.value >> 56) }
func (r redirectionEntry) vector() uint8          { return uint8(r.value) }
func (r redirectionEntry) deliveryMode() uint8    { return uint8(r.value>>8) & 0x7 }
func (r redirectionEntry) masked() bool           { return (r.value>>16)&1 == 1 }
func (r redirectionEntry) remoteIRR() bool        { return (r.value>>14)&1 == 1 }
func (r redirectionEntry) triggerModeLevel() bool { return (r.value>>15)&1 == 1 }

func (r redirectionEntry) destinationModeLogical() bool {
	return (r.value>>11)&1 == 1
}

func (r *redirectionEntry) setRemoteIRR(val bool) {
	if val {
		r.value |= 1 << 14
	} else {
		r.value &^= 1 << 14
	}
}

func (r redirectionEntry) isLevelCapable() bool {
	if !r.triggerModeLevel() {
		return false
	}
	mode := r.deliveryMode()
	return mode == deliveryModeFixed || mode == deliveryModeLowestPriority
}

type stats struct {
	interrupts uint64
	perPin     []uint64
}

var _ hv.MemoryMappedIODevice = (*IOAPIC)(nil)
