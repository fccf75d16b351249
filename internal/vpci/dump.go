package vpci

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// Dump writes the handlers, BARs and MSI-X entries of every device.
func (b *Bus) Dump(w io.Writer) error {
	for _, dev := range b.Devices() {
		if err := dev.Dump(w); err != nil {
			return err
		}
	}
	return nil
}

// Dump writes the emulated state of the device.
func (d *Device) Dump(w io.Writer) error {
	regs := d.Registers()

	d.mu.Lock()
	defer d.mu.Unlock()

	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "%v %v guest %v\n", d.bus.domain, d.SBDF, d.GuestSBDF)
	for _, r := range regs {
		fmt.Fprintf(tw, "  reg\t%#05x\t%d\tro=%#x\trw1c=%#x\trsvdp=%#x\trsvdz=%#x\n",
			r.Offset, r.Size, r.RO, r.RW1C, r.RsvdP, r.RsvdZ)
	}
	for i := range d.Header.BARs {
		bar := &d.Header.BARs[i]
		if !bar.mappable() {
			continue
		}
		fmt.Fprintf(tw, "  bar%d\t%v\thost=%#x\tguest=%#x\tsize=%#x\tmapped=%v\n",
			i, bar.Type, bar.Addr, bar.GuestAddr, bar.Size, bar.Enabled)
	}
	if msi := d.MSI; msi != nil {
		fmt.Fprintf(tw, "  msi\tenabled=%v\tvectors=%d/%d\taddr=%#x\tdata=%#x\tmask=%#x\tpirq=%d\n",
			msi.Enabled, msi.Vectors, msi.MaxVectors, msi.Address, msi.Data, msi.Mask, msi.Pirq)
	}
	if m := d.MSIX; m != nil {
		fmt.Fprintf(tw, "  msix\tenabled=%v\tmasked=%v\tentries=%d\n", m.Enabled, m.Masked, len(m.Entries))
		for i := range m.Entries {
			e := &m.Entries[i]
			if e.Masked && e.Addr == 0 && e.Data == 0 {
				continue
			}
			fmt.Fprintf(tw, "    entry\t%d\taddr=%#x\tdata=%#x\tmasked=%v\tupdated=%v\tpirq=%d\n",
				e.Nr, e.Addr, e.Data, e.Masked, e.Updated, e.Pirq)
		}
	}
	return tw.Flush()
}
