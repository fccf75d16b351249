package vpci

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sort"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/vpci/internal/hostpci"
	"github.com/tinyrange/vpci/internal/pci"
)

// Priority orders the per-device initializers. Lower values run first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMiddle
	PriorityLow
)

type initializer struct {
	name string
	prio Priority
	fn   func(*Device) error
}

// initializers run in priority order, then in list order. MSI-X state must
// exist before the header punches table holes into the BAR mappings, and
// the VF handlers need the VF BARs.
var initializers = sortInitializers([]initializer{
	{"header", PriorityMiddle, initHeader},
	{"msi", PriorityLow, initMSI},
	{"msix", PriorityHigh, initMSIX},
	{"sriov-bars", PriorityMiddle, initSRIOVBARs},
	{"vf-handlers", PriorityLow, initVFHandlers},
})

func sortInitializers(in []initializer) []initializer {
	sort.SliceStable(in, func(i, j int) bool { return in[i].prio < in[j].prio })
	return in
}

// Assign creates the emulated state of a host function in the bus's domain.
// Devices in the segment's read-only map are accepted without state.
func (b *Bus) Assign(info hostpci.Info) error {
	sbdf := info.SBDF

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.devices[sbdf]; ok {
		return fmt.Errorf("%w: %v already assigned to %v", ErrExist, sbdf, b.domain)
	}
	if b.host.romap.Test(sbdf) {
		return nil
	}
	if owner := b.host.Device(sbdf); owner != nil {
		return fmt.Errorf("%w: %v is assigned to %v", ErrBusy, sbdf, owner.Domain())
	}

	dev := newDevice(b, info)
	if !b.domain.IsHardware() {
		if err := b.assignVirtualSBDF(dev); err != nil {
			return err
		}
	}
	b.devices[sbdf] = dev
	b.host.register(dev)

	cu := cleanup.Make(func() { b.deassignLocked(dev) })
	defer cu.Clean()

	for _, in := range initializers {
		if err := in.fn(dev); err != nil {
			slog.Warn("vpci: device init failed", "sbdf", sbdf, "dom", b.domain, "init", in.name, "err", err)
			return fmt.Errorf("%v: %s: %w", sbdf, in.name, err)
		}
	}
	cu.Release()

	slog.Debug("vpci: assigned device", "sbdf", sbdf, "dom", b.domain, "guest", dev.GuestSBDF)
	return nil
}

// Deassign removes every handler of the device and releases its bindings
// and BAR mappings.
func (b *Bus) Deassign(sbdf pci.SBDF) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dev := b.devices[sbdf]
	if dev == nil {
		return fmt.Errorf("%w: %v not assigned to %v", ErrNotExist, sbdf, b.domain)
	}
	b.deassignLocked(dev)
	return nil
}

func (b *Bus) deassignLocked(dev *Device) {
	dev.mu.Lock()
	dev.teardown()
	dev.regs.Clear(false)
	dev.mu.Unlock()

	if dev.MSIX != nil {
		b.removeMSIXTable(dev.MSIX)
	}
	if !b.domain.IsHardware() {
		b.vslots &^= 1 << dev.GuestSBDF.Dev()
	}
	delete(b.devices, dev.SBDF)
	b.host.unregister(dev)
}

// teardown drops the physical bindings and mappings of the device. Called
// with the device lock held.
func (d *Device) teardown() {
	arch := d.bus.arch
	if d.MSI != nil && d.MSI.Enabled {
		arch.MSIDisable(d, d.MSI)
		d.MSI.Enabled = false
	}
	if d.MSIX != nil {
		for i := range d.MSIX.Entries {
			e := &d.MSIX.Entries[i]
			if err := arch.MSIXDisableEntry(d, e); err != nil && !errors.Is(err, ErrNotExist) {
				slog.Warn("vpci: unable to disable entry", "sbdf", d.SBDF, "entry", i, "err", err)
			}
		}
		d.MSIX.Enabled = false
	}
	for i := range d.Header.BARs {
		if bar := &d.Header.BARs[i]; bar.Enabled {
			d.unmapBAR(bar)
			bar.Enabled = false
		}
	}
	d.Header.BARsMapped = false
}

// assignVirtualSBDF gives a guest device the first free slot on guest bus 0.
func (b *Bus) assignVirtualSBDF(dev *Device) error {
	if dev.SBDF.Fn() != 0 && !dev.Info.IsVirtfn {
		return fmt.Errorf("%w: multi-function device %v", ErrNotSupported, dev.SBDF)
	}
	slot := bits.TrailingZeros32(^b.vslots)
	if slot >= maxVirtualDevices {
		return fmt.Errorf("%w: %v has no free virtual slot", ErrNoSpace, b.domain)
	}
	b.vslots |= 1 << slot
	dev.GuestSBDF = pci.NewSBDF(0, 0, uint8(slot), 0)
	return nil
}

// Translate maps an address seen by the domain to the physical function.
// The hardware domain sees physical addresses.
func (b *Bus) Translate(sbdf pci.SBDF) (pci.SBDF, bool) {
	if b.domain.IsHardware() {
		return sbdf, true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, dev := range b.devices {
		if dev.GuestSBDF == sbdf {
			return dev.SBDF, true
		}
	}
	return pci.InvalidSBDF, false
}
