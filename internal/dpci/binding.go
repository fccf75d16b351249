package dpci

import (
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/vpci/internal/domain"
)

// Softirq state bits. Whoever sets or clears stateScheduled owns the domain
// reference taken for the queued work; only the softirq touches stateRunning.
const (
	stateScheduled uint32 = 1 << iota
	stateRunning
)

// guestMSI is the guest side of an MSI binding.
type guestMSI struct {
	gvec     uint8
	gflags   uint32
	destVCPU int
}

// Binding routes one pirq of a domain. Fields other than state, masked, dom
// and flags are guarded by the domain's event lock.
type Binding struct {
	pirq int

	state  atomicbitops.Uint32
	masked atomicbitops.Bool
	flags  atomicbitops.Uint32

	// dom is set while bound. The softirq reads it before setting
	// stateRunning and never again afterwards.
	dom atomic.Pointer[domain.Domain]

	router  *Router
	pending int
	// digl lists the guest INTx pins sharing the interrupt.
	digl []PCIBind
	gmsi guestMSI
}

func newBinding(r *Router, pirq int) *Binding {
	return &Binding{pirq: pirq, router: r, gmsi: guestMSI{destVCPU: -1}}
}

// Pirq returns the domain pirq the binding routes.
func (b *Binding) Pirq() int { return b.pirq }

// Flags returns the binding's flags.
func (b *Binding) Flags() Flags { return Flags(b.flags.Load()) }

func (b *Binding) setFlags(f Flags) { b.flags.Store(uint32(f)) }

func (b *Binding) mapped() bool { return b.Flags()&FlagMapped != 0 }

// testAndSet sets bit and reports whether it was already set.
func (b *Binding) testAndSet(bit uint32) bool {
	for {
		old := b.state.Load()
		if old&bit != 0 {
			return true
		}
		if b.state.CompareAndSwap(old, old|bit) {
			return false
		}
	}
}

// testAndClear clears bit and reports whether it was set.
func (b *Binding) testAndClear(bit uint32) bool {
	for {
		old := b.state.Load()
		if old&bit == 0 {
			return false
		}
		if b.state.CompareAndSwap(old, old&^bit) {
			return true
		}
	}
}

// SoftirqActive reports whether delivery work is queued or running. The
// caller must let the softirq run before reusing the binding.
func (b *Binding) SoftirqActive() bool {
	return b.state.Load()&(stateScheduled|stateRunning) != 0
}

// softirqReset detaches the binding from its domain. Queued work that has
// not started is cancelled and its domain reference dropped here; running
// work already holds its own copy of the domain. Called with the event lock
// held.
func (b *Binding) softirqReset() {
	d := b.dom.Load()
	for {
		old := b.state.Load()
		if old == stateScheduled {
			if !b.state.CompareAndSwap(old, 0) {
				continue
			}
			if d != nil {
				d.Put()
			}
			b.dom.Store(nil)
		} else if old&stateRunning != 0 {
			b.dom.Store(nil)
		}
		break
	}
	b.masked.Store(false)
}

// BindingInfo is a snapshot of a binding.
type BindingInfo struct {
	Pirq      int
	Flags     Flags
	Scheduled bool
	Running   bool
	Pending   int
	GVec      uint8
	GFlags    uint32
	DestVCPU  int
	Links     []PCIBind
}

func (b *Binding) info() BindingInfo {
	st := b.state.Load()
	bi := BindingInfo{
		Pirq:      b.pirq,
		Flags:     b.Flags(),
		Scheduled: st&stateScheduled != 0,
		Running:   st&stateRunning != 0,
		Pending:   b.pending,
		GVec:      b.gmsi.gvec,
		GFlags:    b.gmsi.gflags,
		DestVCPU:  b.gmsi.destVCPU,
	}
	bi.Links = append(bi.Links, b.digl...)
	return bi
}
