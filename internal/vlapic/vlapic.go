// Package vlapic models the per-vCPU local APIC state needed to deliver
// passed-through interrupts: destination matching, IRR/ISR/TMR tracking and
// end-of-interrupt notification.
package vlapic

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

var (
	ErrNoTarget    = errors.New("vlapic: no destination vCPU")
	ErrUnsupported = errors.New("vlapic: unsupported delivery mode")
)

// Delivery modes as encoded in MSI data and redirection entries.
const (
	DeliveryFixed      uint8 = 0
	DeliveryLowestPrio uint8 = 1
	DeliverySMI        uint8 = 2
	DeliveryNMI        uint8 = 4
	DeliveryINIT       uint8 = 5
	DeliveryExtINT     uint8 = 7
)

const (
	broadcastID = 0xff

	// Destination format register models.
	DFRFlat    uint32 = 0xffffffff
	DFRCluster uint32 = 0x0fffffff
)

type vectorSet [4]uint64

func (s *vectorSet) set(v uint8)       { s[v/64] |= 1 << (v % 64) }
func (s *vectorSet) clear(v uint8)     { s[v/64] &^= 1 << (v % 64) }
func (s *vectorSet) test(v uint8) bool { return s[v/64]&(1<<(v%64)) != 0 }

func (s *vectorSet) highest() (uint8, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != 0 {
			return uint8(i*64 + 63 - bits.LeadingZeros64(s[i])), true
		}
	}
	return 0, false
}

// EOIFunc is notified when the guest signals end-of-interrupt for vector.
// level reports whether the vector was accepted as level triggered.
type EOIFunc func(vector uint8, level bool)

// VLAPIC is the virtual local APIC of one vCPU.
type VLAPIC struct {
	mu sync.Mutex

	vcpu      int
	id        uint8
	ldr       uint32
	dfr       uint32
	enabled   bool
	tpr       uint8
	processor int

	irr vectorSet
	isr vectorSet
	tmr vectorSet

	injected uint64
	onEOI    EOIFunc
}

// New returns an enabled local APIC for vcpu with the conventional APIC ID
// of twice the vCPU index, running on physical CPU processor.
func New(vcpu, processor int) *VLAPIC {
	return &VLAPIC{
		vcpu:      vcpu,
		id:        uint8(vcpu * 2),
		dfr:       DFRFlat,
		enabled:   true,
		processor: processor,
	}
}

func (v *VLAPIC) VCPU() int { return v.vcpu }

func (v *VLAPIC) ID() uint8 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.id
}

func (v *VLAPIC) SetID(id uint8) {
	v.mu.Lock()
	v.id = id
	v.mu.Unlock()
}

// SetLogical programs the logical destination and destination format
// registers.
func (v *VLAPIC) SetLogical(ldr, dfr uint32) {
	v.mu.Lock()
	v.ldr = ldr
	v.dfr = dfr
	v.mu.Unlock()
}

func (v *VLAPIC) SetEnabled(enabled bool) {
	v.mu.Lock()
	v.enabled = enabled
	v.mu.Unlock()
}

func (v *VLAPIC) Enabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.enabled
}

func (v *VLAPIC) SetTPR(tpr uint8) {
	v.mu.Lock()
	v.tpr = tpr
	v.mu.Unlock()
}

// Processor returns the physical CPU the vCPU currently runs on.
func (v *VLAPIC) Processor() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.processor
}

// Migrate moves the vCPU to another physical CPU.
func (v *VLAPIC) Migrate(processor int) {
	v.mu.Lock()
	v.processor = processor
	v.mu.Unlock()
}

// SetEOIHandler installs the end-of-interrupt callback.
func (v *VLAPIC) SetEOIHandler(fn EOIFunc) {
	v.mu.Lock()
	v.onEOI = fn
	v.mu.Unlock()
}

// PPR returns the processor priority.
func (v *VLAPIC) PPR() uint8 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pprLocked()
}

func (v *VLAPIC) pprLocked() uint8 {
	isrv, _ := v.isr.highest()
	if v.tpr&0xf0 >= isrv&0xf0 {
		return v.tpr
	}
	return isrv & 0xf0
}

// MatchDest reports whether the APIC is addressed by dest in the given
// destination mode.
func (v *VLAPIC) MatchDest(dest uint8, logical bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !logical {
		return dest == broadcastID || dest == v.id
	}
	if dest == broadcastID {
		return true
	}
	ldr := uint8(v.ldr >> 24)
	switch v.dfr {
	case DFRFlat:
		return ldr&dest != 0
	case DFRCluster:
		return ldr>>4 == dest>>4 && ldr&dest&0xf != 0
	}
	return false
}

// SetIRQ latches vector into IRR. level marks it for a level-triggered EOI.
func (v *VLAPIC) SetIRQ(vector uint8, level bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.irr.set(vector)
	if level {
		v.tmr.set(vector)
	} else {
		v.tmr.clear(vector)
	}
	v.injected++
}

// Pending reports whether vector is requested in IRR.
func (v *VLAPIC) Pending(vector uint8) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.irr.test(vector)
}

// InService reports whether vector is in ISR.
func (v *VLAPIC) InService(vector uint8) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.isr.test(vector)
}

// Injected returns the number of interrupts latched so far.
func (v *VLAPIC) Injected() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.injected
}

// Ack accepts the highest priority deliverable vector, moving it from IRR to
// ISR.
func (v *VLAPIC) Ack() (uint8, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vec, ok := v.irr.highest()
	if !ok || vec&0xf0 <= v.pprLocked()&0xf0 {
		return 0, false
	}
	v.irr.clear(vec)
	v.isr.set(vec)
	return vec, true
}

// EOI completes the highest in-service vector and notifies the EOI handler.
func (v *VLAPIC) EOI() (uint8, bool) {
	v.mu.Lock()
	vec, ok := v.isr.highest()
	if !ok {
		v.mu.Unlock()
		return 0, false
	}
	v.isr.clear(vec)
	level := v.tmr.test(vec)
	fn := v.onEOI
	v.mu.Unlock()

	if fn != nil {
		fn(vec, level)
	}
	return vec, true
}

func (v *VLAPIC) String() string {
	return fmt.Sprintf("vcpu%d(apic %d)", v.vcpu, v.ID())
}

// LowestPriority picks the enabled APIC with the lowest processor priority
// among those addressed by dest. Ties go to the lowest vCPU index.
func LowestPriority(cpus []*VLAPIC, dest uint8, logical bool) *VLAPIC {
	var target *VLAPIC
	var best uint8
	for _, v := range cpus {
		if v == nil || !v.Enabled() || !v.MatchDest(dest, logical) {
			continue
		}
		if ppr := v.PPR(); target == nil || ppr < best {
			target, best = v, ppr
		}
	}
	return target
}

// Deliver injects vector into the APICs addressed by dest.
func Deliver(cpus []*VLAPIC, vector, dest uint8, logical bool, mode uint8, level bool) error {
	switch mode {
	case DeliveryLowestPrio:
		target := LowestPriority(cpus, dest, logical)
		if target == nil {
			return fmt.Errorf("%w: dest 0x%x logical=%t", ErrNoTarget, dest, logical)
		}
		target.SetIRQ(vector, level)
	case DeliveryFixed:
		for _, v := range cpus {
			if v != nil && v.MatchDest(dest, logical) {
				v.SetIRQ(vector, level)
			}
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnsupported, mode)
	}
	return nil
}

// DestVCPU resolves dest to a single vCPU index. It returns -1 when no vCPU or
// more than one vCPU matches. A single-vCPU domain always resolves to 0.
func DestVCPU(cpus []*VLAPIC, dest uint8, logical bool) int {
	if len(cpus) == 1 {
		return 0
	}
	found := -1
	for i, v := range cpus {
		if v == nil || !v.MatchDest(dest, logical) {
			continue
		}
		if found >= 0 {
			return -1
		}
		found = i
	}
	return found
}
