// Package vmsi binds the MSI and MSI-X state emulated by vpci to physical
// interrupts through the dpci router, and tracks guest MSI-X tables of
// vectors bound on behalf of a device model.
package vmsi

import (
	"fmt"
	"log/slog"
	"math/bits"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/vpci/internal/domain"
	"github.com/tinyrange/vpci/internal/dpci"
	"github.com/tinyrange/vpci/internal/irq"
	"github.com/tinyrange/vpci/internal/pci"
	"github.com/tinyrange/vpci/internal/vpci"
)

// Arch implements vpci.Arch for one domain.
type Arch struct {
	r   *dpci.Router
	d   *domain.Domain
	ctl *irq.Controller
}

// New returns the arch hooks binding through r.
func New(r *dpci.Router) *Arch {
	d := r.Domain()
	return &Arch{r: r, d: d, ctl: d.Controller()}
}

var _ vpci.Arch = (*Arch)(nil)

// vectorMask selects the low vector bits a multi-message function may
// modify.
func vectorMask(vectors int) uint8 {
	return uint8(0xff) >> (9 - bits.Len(uint(vectors)))
}

// update binds vectors consecutive pirqs starting at pirq to the guest
// message, rolling back on failure.
func (a *Arch) update(dev *vpci.Device, data uint32, addr uint64, vectors, pirq int, mask uint32) error {
	if addr&pci.MSIAddrBaseMask != pci.MSIAddrBaseLo {
		slog.Error("vmsi: unsupported address", "sbdf", dev.SBDF, "pirq", pirq, "addr", fmt.Sprintf("%#x", addr))
		return fmt.Errorf("%w: MSI address %#x", vpci.ErrNotSupported, addr)
	}

	vector := uint8(data & pci.MSIDataVectorMask)
	vmask := vectorMask(vectors)

	var bound []int
	cu := cleanup.Make(func() {
		for i := len(bound) - 1; i >= 0; i-- {
			a.r.DestroyBind(dpci.Bind{Type: dpci.BindMSI, MachineIRQ: bound[i]})
		}
	})
	defer cu.Clean()

	for i := 0; i < vectors; i++ {
		bind := dpci.Bind{
			Type:       dpci.BindMSI,
			MachineIRQ: pirq + i,
			MSI: dpci.MSIBind{
				GVec:   vector&^vmask | (vector+uint8(i))&vmask,
				GFlags: dpci.MSIGFlags(data, addr, (mask>>i)&1 != 0),
			},
		}
		if err := a.r.CreateBind(bind); err != nil {
			slog.Error("vmsi: failed to bind pirq", "sbdf", dev.SBDF, "pirq", pirq+i, "err", err)
			return err
		}
		bound = append(bound, pirq+i)
	}
	cu.Release()
	return nil
}

// enable allocates host vectors for entries first..first+n-1 of dev and maps
// them to consecutive pirqs.
func (a *Arch) enable(dev *vpci.Device, first, n int) (int, error) {
	var irqs []int
	cu := cleanup.Make(func() {
		for _, irqn := range irqs {
			a.ctl.Destroy(irqn)
		}
	})
	defer cu.Clean()

	for i := 0; i < n; i++ {
		irqn, err := a.ctl.CreateMSI(dev.SBDF, first+i)
		if err != nil {
			return vpci.InvalidPirq, fmt.Errorf("%w: %v: %w", vpci.ErrNoSpace, dev.SBDF, err)
		}
		irqs = append(irqs, irqn)
	}
	pirq, err := a.d.MapPirqRange(irqs)
	if err != nil {
		slog.Error("vmsi: failed to map pirq", "sbdf", dev.SBDF, "err", err)
		return vpci.InvalidPirq, fmt.Errorf("%w: %v: %w", vpci.ErrNoSpace, dev.SBDF, err)
	}
	cu.Release()
	return pirq, nil
}

// disable unbinds and unmaps n pirqs starting at pirq and releases their
// host vectors.
func (a *Arch) disable(dev *vpci.Device, pirq, n int, bound bool) {
	for i := 0; i < n && bound; i++ {
		if err := a.r.DestroyBind(dpci.Bind{Type: dpci.BindMSI, MachineIRQ: pirq + i}); err != nil {
			slog.Warn("vmsi: unbind failed", "sbdf", dev.SBDF, "pirq", pirq+i, "err", err)
		}
	}
	for i := 0; i < n; i++ {
		irqn, err := a.d.UnmapPirq(pirq + i)
		if err != nil {
			continue
		}
		if err := a.ctl.Destroy(irqn); err != nil {
			slog.Warn("vmsi: unable to release irq", "sbdf", dev.SBDF, "irq", irqn, "err", err)
		}
	}
}

func (a *Arch) maskPirq(pirq int, mask bool) {
	irqn, ok := a.d.PirqIRQ(pirq)
	if !ok {
		return
	}
	if err := a.ctl.Mask(irqn, mask); err != nil {
		slog.Warn("vmsi: unable to mask pirq", "pirq", pirq, "irq", irqn, "mask", mask, "err", err)
	}
}

// MSIEnable allocates vectors pirqs for the function. A message the guest
// cannot be bound with leaves the function enabled but unbound.
func (a *Arch) MSIEnable(dev *vpci.Device, msi *vpci.MSI, vectors int) error {
	pirq, err := a.enable(dev, 0, vectors)
	if err != nil {
		return err
	}
	msi.Pirq = pirq
	msi.Bound = a.update(dev, uint32(msi.Data), msi.Address, vectors, pirq, msi.Mask) == nil
	return nil
}

func (a *Arch) MSIDisable(dev *vpci.Device, msi *vpci.MSI) {
	if msi.Pirq == vpci.InvalidPirq {
		return
	}
	a.disable(dev, msi.Pirq, msi.Vectors, msi.Bound)
	msi.Pirq = vpci.InvalidPirq
	msi.Bound = false
}

func (a *Arch) MSIMask(_ *vpci.Device, msi *vpci.MSI, vector int, mask bool) {
	if msi.Pirq == vpci.InvalidPirq {
		return
	}
	a.maskPirq(msi.Pirq+vector, mask)
}

func (a *Arch) MSIXEnableEntry(dev *vpci.Device, e *vpci.MSIXEntry, tableBase uint64) error {
	pirq, err := a.enable(dev, e.Nr, 1)
	if err != nil {
		return err
	}
	var mask uint32
	if e.Masked {
		mask = 1
	}
	if err := a.update(dev, e.Data, e.Addr, 1, pirq, mask); err != nil {
		a.disable(dev, pirq, 1, false)
		return err
	}
	e.Pirq = pirq
	slog.Debug("vmsi: bound msi-x entry", "sbdf", dev.SBDF, "entry", e.Nr, "pirq", pirq, "table", fmt.Sprintf("%#x", tableBase))
	return nil
}

func (a *Arch) MSIXDisableEntry(dev *vpci.Device, e *vpci.MSIXEntry) error {
	if e.Pirq == vpci.InvalidPirq {
		return vpci.ErrNotExist
	}
	a.disable(dev, e.Pirq, 1, true)
	e.Pirq = vpci.InvalidPirq
	return nil
}

func (a *Arch) MSIXMaskEntry(_ *vpci.Device, e *vpci.MSIXEntry, mask bool) {
	if e.Pirq != vpci.InvalidPirq {
		a.maskPirq(e.Pirq, mask)
	}
}
