package dpci

import (
	"log/slog"

	"github.com/tinyrange/vpci/internal/domain"
)

const nrISAIRQs = 16

// DoIRQ handles a physical interrupt arriving for b. It only marks the
// binding and queues it on the CPU the interrupt arrived on.
func (r *Router) DoIRQ(b *Binding) bool {
	if !b.mapped() {
		return false
	}
	b.masked.Store(true)
	cpu := 0
	if irqn, ok := r.d.PirqIRQ(b.pirq); ok {
		if desc, ok := r.ctl.Lookup(irqn); ok {
			cpu = desc.CPU
		}
	}
	r.sched.raise(cpu, b)
	return true
}

// assist delivers a marked binding to the guest.
func (r *Router) assist(d *domain.Domain, b *Binding) {
	d.EventLock.Lock()
	defer d.EventLock.Unlock()

	if !b.masked.Swap(false) {
		return
	}
	flags := b.Flags()
	if flags&FlagGuestMSI != 0 {
		r.deliverMSI(d, b)
		return
	}
	for _, pin := range b.digl {
		d.IntxAssert(pin.Device, pin.Intx)
		b.pending++
	}
	if flags&FlagIdentityGSI != 0 {
		d.GSIAssert(uint32(b.pirq))
		if flags&FlagNoEOI != 0 {
			return
		}
		b.pending++
	}
	if flags&FlagTranslate != 0 {
		// Translated MSIs are acknowledged as soon as they are injected.
		r.msiPirqEOI(b)
	}
}

func (r *Router) deliverMSI(d *domain.Domain, b *Binding) {
	f := b.gmsi.gflags
	err := d.DeliverMSI(b.gmsi.gvec, gflagsDest(f), gflagsLogical(f), gflagsDelivery(f), gflagsLevel(f))
	if err != nil {
		slog.Debug("dpci: msi delivery dropped", "dom", d, "pirq", b.pirq, "vector", b.gmsi.gvec, "err", err)
	}
}

// msiPirqEOI acknowledges the host MSI behind b.
func (r *Router) msiPirqEOI(b *Binding) {
	const want = FlagMapped | FlagMachMSI
	if b.Flags()&want != want {
		return
	}
	if irqn, ok := r.d.PirqIRQ(b.pirq); ok {
		r.ctl.GuestEOI(irqn)
	}
}

func needsTimer(f Flags) bool {
	return f&(FlagGuestMSI|FlagTranslate|FlagNoEOI) == 0
}

// pirqEOI retires one guest completion of b and acknowledges the host
// interrupt once none are outstanding. Called with the event lock held.
func (r *Router) pirqEOI(b *Binding) {
	if b.pending > 0 {
		b.pending--
	}
	if b.pending != 0 || !needsTimer(b.Flags()) {
		return
	}
	if irqn, ok := r.d.PirqIRQ(b.pirq); ok {
		r.ctl.GuestEOI(irqn)
	}
}

// PirqEOI retires one guest completion of pirq.
func (r *Router) PirqEOI(pirq int) {
	r.d.EventLock.Lock()
	defer r.d.EventLock.Unlock()
	if b := r.bindings[pirq]; b != nil {
		r.pirqEOI(b)
	}
}

// DPCIEOI handles the guest's EOI of a level-triggered GSI.
func (r *Router) DPCIEOI(gsi uint32) {
	r.d.EventLock.Lock()
	defer r.d.EventLock.Unlock()

	switch {
	case r.d.IsHardware():
		b := r.bindings[int(gsi)]
		if b == nil {
			return
		}
		r.d.GSIDeassert(gsi)
		r.pirqEOI(b)
	case gsi < nrISAIRQs:
		r.isaIRQEOI(uint8(gsi))
	case r.container != nil:
		for _, g := range r.container.girq[gsi] {
			r.d.IntxDeassert(g.Device, g.Intx)
			if b := r.bindings[g.pirq]; b != nil {
				r.pirqEOI(b)
			}
		}
	}
}

// isaIRQEOI completes every pin whose PCI link is routed to isairq.
func (r *Router) isaIRQEOI(isairq uint8) {
	if r.container == nil {
		return
	}
	for _, b := range r.sortedBindings() {
		for _, pin := range b.digl {
			if r.d.LinkRoute(domain.IntxLink(pin.Device, pin.Intx)) != isairq {
				continue
			}
			r.d.IntxDeassert(pin.Device, pin.Intx)
			if b.pending > 0 {
				b.pending--
				if b.pending == 0 {
					if irqn, ok := r.d.PirqIRQ(b.pirq); ok {
						r.ctl.GuestEOI(irqn)
					}
				}
			}
		}
	}
}

// MSIEOI handles vcpu's EOI of vector. The first MSI binding with that
// guest vector addressing vcpu is acknowledged.
func (r *Router) MSIEOI(vcpu int, vector uint8) {
	v := r.d.VCPU(vcpu)
	if v == nil {
		return
	}
	r.d.EventLock.Lock()
	defer r.d.EventLock.Unlock()
	if r.container == nil && !r.d.IsHardware() {
		return
	}
	for _, b := range r.sortedBindings() {
		if b.Flags()&FlagMachMSI == 0 || b.gmsi.gvec != vector {
			continue
		}
		if v.MatchDest(gflagsDest(b.gmsi.gflags), gflagsLogical(b.gmsi.gflags)) {
			r.msiPirqEOI(b)
			return
		}
	}
}
