package domain

// IntxGSI returns the guest GSI a virtual PCI device's INTx pin is wired to.
func IntxGSI(dev, intx uint8) uint32 {
	return uint32(((dev<<2)+(dev>>3)+intx)&31) + firstIntxGSI
}

// IntxLink returns the PCI interrupt link a device's INTx pin is wired to.
func IntxLink(dev, intx uint8) uint8 {
	return (dev + intx) & 3
}

func isaGSI(isa uint8) uint32 {
	if isa == 0 {
		return 2
	}
	return uint32(isa)
}

// SetLinkRoute routes PCI link to ISA IRQ isa; zero disconnects it.
func (d *Domain) SetLinkRoute(link, isa uint8) {
	d.intxMu.Lock()
	defer d.intxMu.Unlock()
	link &= 3
	old := d.linkRoute[link]
	d.linkRoute[link] = isa
	if d.linkCounts[link] == 0 || old == isa {
		return
	}
	if old != 0 {
		d.Lines.Deassert(isaGSI(old))
	}
	if isa != 0 {
		d.Lines.Assert(isaGSI(isa))
	}
}

// IntxAssert raises INTx pin intx of virtual device dev.
func (d *Domain) IntxAssert(dev, intx uint8) {
	d.intxMu.Lock()
	defer d.intxMu.Unlock()
	bit := int(dev&31)*intxPins + int(intx&3)
	if d.intx[bit] {
		return
	}
	d.intx[bit] = true
	d.Lines.Assert(IntxGSI(dev, intx))
	link := IntxLink(dev, intx)
	d.linkCounts[link]++
	if d.linkCounts[link] == 1 && d.linkRoute[link] != 0 {
		d.Lines.Assert(isaGSI(d.linkRoute[link]))
	}
}

// IntxDeassert lowers INTx pin intx of virtual device dev.
func (d *Domain) IntxDeassert(dev, intx uint8) {
	d.intxMu.Lock()
	defer d.intxMu.Unlock()
	bit := int(dev&31)*intxPins + int(intx&3)
	if !d.intx[bit] {
		return
	}
	d.intx[bit] = false
	d.Lines.Deassert(IntxGSI(dev, intx))
	link := IntxLink(dev, intx)
	d.linkCounts[link]--
	if d.linkCounts[link] == 0 && d.linkRoute[link] != 0 {
		d.Lines.Deassert(isaGSI(d.linkRoute[link]))
	}
}

// GSIAssert raises a GSI directly. Edge-triggered GSIs are pulsed.
func (d *Domain) GSIAssert(gsi uint32) {
	if !d.IOAPIC.TriggerLevel(gsi) {
		d.IOAPIC.SetIRQ(gsi, true)
		d.IOAPIC.SetIRQ(gsi, false)
		return
	}
	d.intxMu.Lock()
	defer d.intxMu.Unlock()
	if d.Lines.Count(gsi) == 0 {
		d.Lines.Assert(gsi)
	}
}

// GSIDeassert lowers a directly asserted level-triggered GSI.
func (d *Domain) GSIDeassert(gsi uint32) {
	d.intxMu.Lock()
	defer d.intxMu.Unlock()
	d.Lines.Deassert(gsi)
}

// LinkRoute returns the ISA IRQ PCI link is routed to, or zero.
func (d *Domain) LinkRoute(link uint8) uint8 {
	d.intxMu.Lock()
	defer d.intxMu.Unlock()
	return d.linkRoute[link&3]
}
