package dpci

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/vpci/internal/domain"
	"github.com/tinyrange/vpci/internal/irq"
	"github.com/tinyrange/vpci/internal/vlapic"
)

// TableRegistry tracks the guest MSI-X tables of bound vectors so that guest
// mask bit writes can be forwarded to the host.
type TableRegistry interface {
	Register(irq int, gtable uint64) error
	Unregister(irq int)
}

// girq links a guest GSI to one INTx pin and the pirq behind it.
type girq struct {
	PCIBind
	pirq int
}

// Container holds the guest GSI routing of a domain without identity GSIs.
type Container struct {
	girq      map[uint32][]girq
	linkCount [4]int
}

func newContainer() *Container {
	return &Container{girq: make(map[uint32][]girq)}
}

// LinkCount returns the number of bound pins routed through PCI link.
func (c *Container) LinkCount(link uint8) int { return c.linkCount[link&3] }

// Router binds a domain's pirqs to guest interrupts.
type Router struct {
	d     *domain.Domain
	ctl   *irq.Controller
	sched *Scheduler

	// Guarded by d.EventLock.
	bindings  map[int]*Binding
	container *Container
	tables    TableRegistry

	// VectorHashing routes lowest priority MSIs to a vCPU picked by vector
	// hashing instead of leaving them unmigrated.
	VectorHashing bool
}

// NewRouter creates the router of d and installs its EOI hooks.
func NewRouter(d *domain.Domain, sched *Scheduler) *Router {
	r := &Router{
		d:        d,
		ctl:      d.Controller(),
		sched:    sched,
		bindings: make(map[int]*Binding),
	}
	d.SetPassthroughEOI(r.DPCIEOI, r.MSIEOI)
	return r
}

// Domain returns the routed domain.
func (r *Router) Domain() *domain.Domain { return r.d }

// SetTableRegistry installs the registry used for binds carrying a guest
// MSI-X table address.
func (r *Router) SetTableRegistry(t TableRegistry) {
	r.d.EventLock.Lock()
	r.tables = t
	r.d.EventLock.Unlock()
}

// Container returns the guest GSI routing, or nil before the first bind and
// for the hardware domain.
func (r *Router) Container() *Container {
	r.d.EventLock.Lock()
	defer r.d.EventLock.Unlock()
	return r.container
}

// lockIdle takes the event lock once b has no outstanding softirq work.
func (r *Router) lockIdle(pirq int) *Binding {
	for {
		r.d.EventLock.Lock()
		b := r.bindings[pirq]
		if b == nil || !b.SoftirqActive() {
			return b
		}
		r.d.EventLock.Unlock()
		r.sched.yield()
	}
}

// CreateBind binds the pirq named by bind to a guest interrupt. Rebinding a
// bound MSI updates its guest vector and flags.
func (r *Router) CreateBind(bind Bind) error {
	pirq := bind.MachineIRQ
	if pirq < 0 || pirq >= r.d.NrPirqs() {
		return fmt.Errorf("%w: pirq %d", ErrInvalid, pirq)
	}
	switch bind.Type {
	case BindPCI, BindMSI, BindMSITranslate:
	default:
		return fmt.Errorf("%w: %v", ErrNotSupported, bind.Type)
	}
	irqn, ok := r.d.PirqIRQ(pirq)
	if !ok {
		return fmt.Errorf("%w: pirq %d not mapped", ErrInvalid, pirq)
	}

	b := r.lockIdle(pirq)
	defer r.d.EventLock.Unlock()

	if r.container == nil && !r.d.IsHardware() {
		r.container = newContainer()
	}
	if b == nil {
		b = newBinding(r, pirq)
		r.bindings[pirq] = b
	}

	if bind.Type == BindMSI {
		return r.bindMSI(b, irqn, bind.MSI)
	}
	return r.bindPCI(b, irqn, bind)
}

func (r *Router) guestBind(b *Binding, irqn int, share bool) error {
	err := r.ctl.GuestBind(irqn, r.d.ID, share, func() { r.DoIRQ(b) })
	if errors.Is(err, irq.ErrBusy) {
		return fmt.Errorf("%w: pirq %d: %w", ErrBusy, b.pirq, err)
	}
	return err
}

func (r *Router) bindMSI(b *Binding, irqn int, msi MSIBind) error {
	if !b.mapped() {
		b.setFlags(FlagMapped | FlagMachMSI | FlagGuestMSI)
		b.gmsi.gvec = msi.GVec
		b.gmsi.gflags = msi.GFlags
		b.dom.Store(r.d)

		err := r.guestBind(b, irqn, false)
		if err == nil && msi.GTable != 0 && r.tables != nil {
			if err = r.tables.Register(irqn, msi.GTable); err != nil {
				r.ctl.GuestUnbind(irqn, r.d.ID)
			}
		}
		if err != nil {
			b.gmsi = guestMSI{destVCPU: -1}
			b.setFlags(0)
			b.dom.Store(nil)
			r.cleanupCheck(b)
			return err
		}
	} else {
		const want = FlagMachMSI | FlagGuestMSI
		if b.Flags()&want != want {
			return fmt.Errorf("%w: pirq %d bound as %v", ErrBusy, b.pirq, b.Flags())
		}
		if b.gmsi.gvec != msi.GVec || b.gmsi.gflags != msi.GFlags {
			// Drop EOIs still owed for the old vector.
			r.ctl.GuestEOI(irqn)
			b.gmsi.gvec = msi.GVec
			b.gmsi.gflags = msi.GFlags
		}
	}

	dest, logical := gflagsDest(b.gmsi.gflags), gflagsLogical(b.gmsi.gflags)
	b.gmsi.destVCPU = vlapic.DestVCPU(r.d.VCPUs, dest, logical)

	target := b.gmsi.destVCPU
	if r.VectorHashing && gflagsDelivery(b.gmsi.gflags) == gflagsDelivLowPrio {
		target = r.VectorHashingDest(dest, logical, b.gmsi.gvec)
	}
	if v := r.d.VCPU(target); v != nil {
		if err := r.ctl.SetAffinity(irqn, v.Processor()); err != nil {
			slog.Warn("dpci: unable to migrate pirq", "dom", r.d, "pirq", b.pirq, "vcpu", target, "err", err)
		}
	}
	if b.gmsi.gflags&GFlagsUnmasked != 0 {
		if err := r.ctl.Mask(irqn, false); err != nil {
			slog.Warn("dpci: unable to unmask pirq", "dom", r.d, "pirq", b.pirq, "err", err)
		}
	}
	return nil
}

func (r *Router) bindPCI(b *Binding, irqn int, bind Bind) error {
	pin := bind.PCI
	var guestGSI uint32
	link := domain.IntxLink(pin.Device, pin.Intx)
	if r.container != nil {
		guestGSI = domain.IntxGSI(pin.Device, pin.Intx)
		r.container.linkCount[link]++
		b.digl = append(b.digl, pin)
		r.container.girq[guestGSI] = append(r.container.girq[guestGSI], girq{PCIBind: pin, pirq: b.pirq})
	} else {
		// The hardware domain sees its GSIs unchanged.
		if bind.Type != BindPCI || b.pirq >= r.d.NrGSIs() {
			r.cleanupCheck(b)
			return fmt.Errorf("%w: identity bind of pirq %d", ErrInvalid, b.pirq)
		}
		guestGSI = uint32(b.pirq)
	}

	if b.mapped() {
		return nil
	}
	b.dom.Store(r.d)
	share := true
	if bind.Type == BindMSITranslate {
		b.setFlags(FlagMapped | FlagMachMSI | FlagGuestPCI | FlagTranslate)
		share = false
	} else if r.container != nil {
		b.setFlags(FlagMapped | FlagMachPCI | FlagGuestPCI)
	} else {
		f := FlagMapped | FlagMachPCI | FlagIdentityGSI
		if !r.d.IOAPIC.TriggerLevel(guestGSI) {
			f |= FlagNoEOI
		}
		b.setFlags(f)
	}

	if err := r.guestBind(b, irqn, share); err != nil {
		b.dom.Store(nil)
		if r.container != nil {
			b.digl = removePin(b.digl, pin)
			r.container.girq[guestGSI] = removeGirq(r.container.girq[guestGSI], pin)
			r.container.linkCount[link]--
		}
		b.setFlags(0)
		r.cleanupCheck(b)
		return err
	}
	slog.Debug("dpci: bound pirq", "dom", r.d, "pirq", b.pirq, "gsi", guestGSI, "flags", b.Flags())
	return nil
}

func removePin(list []PCIBind, pin PCIBind) []PCIBind {
	for i, p := range list {
		if p == pin {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func removeGirq(list []girq, pin PCIBind) []girq {
	for i, g := range list {
		if g.PCIBind == pin {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// cleanupCheck forgets an unused binding. Called with the event lock held.
func (r *Router) cleanupCheck(b *Binding) bool {
	if b.Flags() != 0 || b.SoftirqActive() {
		return false
	}
	b.dom.Store(nil)
	delete(r.bindings, b.pirq)
	return true
}

// DestroyBind removes a binding made by CreateBind. MSI vectors are left
// masked.
func (r *Router) DestroyBind(bind Bind) error {
	pirq := bind.MachineIRQ
	switch bind.Type {
	case BindPCI, BindMSITranslate:
	case BindMSI:
		irqn, ok := r.d.PirqIRQ(pirq)
		if !ok {
			return fmt.Errorf("%w: pirq %d not mapped", ErrInvalid, pirq)
		}
		if err := r.ctl.Mask(irqn, true); err != nil {
			return fmt.Errorf("%w: pirq %d: %w", ErrInvalid, pirq, err)
		}
	default:
		return fmt.Errorf("%w: %v", ErrNotSupported, bind.Type)
	}

	r.d.EventLock.Lock()
	defer r.d.EventLock.Unlock()

	if r.container == nil && !r.d.IsHardware() {
		return fmt.Errorf("%w: d%d has no bindings", ErrInvalid, r.d.ID)
	}
	b := r.bindings[pirq]

	what := ""
	if r.container != nil && bind.Type != BindMSI {
		pin := bind.PCI
		gsi := domain.IntxGSI(pin.Device, pin.Intx)
		list := r.container.girq[gsi]
		trimmed := removeGirq(list, pin)
		if len(trimmed) == len(list) {
			return fmt.Errorf("%w: %02x:%02x INT%c not bound", ErrInvalid, pin.Bus, pin.Device, 'A'+pin.Intx)
		}
		if len(trimmed) == 0 {
			delete(r.container.girq, gsi)
		} else {
			r.container.girq[gsi] = trimmed
		}
		r.container.linkCount[domain.IntxLink(pin.Device, pin.Intx)]--

		if b != nil && b.mapped() {
			b.digl = removePin(b.digl, pin)
			what = "partial"
			if len(b.digl) == 0 {
				what = "final"
			}
		} else {
			what = "bogus"
		}
	}

	if b != nil && b.mapped() && len(b.digl) == 0 {
		irqn, _ := r.d.PirqIRQ(pirq)
		if err := r.ctl.GuestUnbind(irqn, r.d.ID); err != nil {
			slog.Warn("dpci: unbind failed", "dom", r.d, "pirq", pirq, "err", err)
		}
		if b.Flags()&FlagMachMSI != 0 && r.tables != nil {
			r.tables.Unregister(irqn)
		}
		b.setFlags(0)
		b.softirqReset()
		r.cleanupCheck(b)
	}
	if what != "" {
		slog.Debug("dpci: unbound pin", "dom", r.d, "pirq", pirq, "device", bind.PCI.Device, "intx", bind.PCI.Intx, "what", what)
	}
	return nil
}

// sortedBindings returns the mapped bindings in pirq order. Called with the
// event lock held.
func (r *Router) sortedBindings() []*Binding {
	out := make([]*Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		if b.mapped() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pirq < out[j].pirq })
	return out
}

// CleanPirqs unbinds every pirq of the domain. It returns ErrRestart while
// delivery work is still outstanding; the caller retries after letting it
// run.
func (r *Router) CleanPirqs() error {
	r.d.EventLock.Lock()
	defer r.d.EventLock.Unlock()

	if r.container == nil && !r.d.IsHardware() {
		return nil
	}
	for _, b := range r.sortedBindings() {
		if irqn, ok := r.d.PirqIRQ(b.pirq); ok {
			if err := r.ctl.GuestUnbind(irqn, r.d.ID); err != nil && !errors.Is(err, irq.ErrNotBound) {
				slog.Warn("dpci: unbind failed", "dom", r.d, "pirq", b.pirq, "err", err)
			}
			if b.Flags()&FlagMachMSI != 0 && r.tables != nil {
				r.tables.Unregister(irqn)
			}
		}
		b.digl = nil
		if b.SoftirqActive() {
			return fmt.Errorf("%w: pirq %d", ErrRestart, b.pirq)
		}
	}
	for pirq := range r.bindings {
		delete(r.bindings, pirq)
	}
	r.container = nil
	return nil
}

// Binding returns a snapshot of pirq's binding.
func (r *Router) Binding(pirq int) (BindingInfo, bool) {
	r.d.EventLock.Lock()
	defer r.d.EventLock.Unlock()
	b := r.bindings[pirq]
	if b == nil {
		return BindingInfo{}, false
	}
	return b.info(), true
}

// Bindings returns snapshots of every mapped binding in pirq order.
func (r *Router) Bindings() []BindingInfo {
	r.d.EventLock.Lock()
	defer r.d.EventLock.Unlock()
	var out []BindingInfo
	for _, b := range r.sortedBindings() {
		out = append(out, b.info())
	}
	return out
}

// VectorHashingDest picks the vCPU for a lowest priority interrupt by
// hashing gvec over the vCPUs matching dest. It returns -1 if none match.
func (r *Router) VectorHashingDest(dest uint8, logical bool, gvec uint8) int {
	var eligible []int
	for i, v := range r.d.VCPUs {
		if v.MatchDest(dest, logical) {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		return -1
	}
	return eligible[int(gvec)%len(eligible)]
}

// MigratePirqs follows vcpu to its current processor with every MSI bound
// to it.
func (r *Router) MigratePirqs(vcpu int) {
	v := r.d.VCPU(vcpu)
	if v == nil {
		return
	}
	r.d.EventLock.Lock()
	defer r.d.EventLock.Unlock()
	for _, b := range r.sortedBindings() {
		if b.Flags()&FlagMachMSI == 0 || b.gmsi.destVCPU != vcpu {
			continue
		}
		irqn, ok := r.d.PirqIRQ(b.pirq)
		if !ok {
			continue
		}
		if err := r.ctl.SetAffinity(irqn, v.Processor()); err != nil {
			slog.Warn("dpci: unable to migrate pirq", "dom", r.d, "pirq", b.pirq, "err", err)
		}
	}
}
