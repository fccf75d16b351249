package domain

import "fmt"

// MapPirq maps pirq to the host IRQ irqn. A negative pirq allocates the
// highest free pirq above the GSI range.
func (d *Domain) MapPirq(pirq, irqn int) (int, error) {
	d.pirqMu.Lock()
	defer d.pirqMu.Unlock()

	if irqn < 0 {
		return -1, fmt.Errorf("%w: irq %d", ErrInvalid, irqn)
	}
	if old, ok := d.irqToPirq[irqn]; ok {
		return -1, fmt.Errorf("%w: irq %d already has pirq %d", ErrExist, irqn, old)
	}
	if pirq < 0 {
		pirq = -1
		for p := d.nrPirqs - 1; p >= d.nrGSIs; p-- {
			if _, used := d.pirqToIRQ[p]; !used {
				pirq = p
				break
			}
		}
		if pirq < 0 {
			return -1, ErrNoSpace
		}
	} else if pirq >= d.nrPirqs {
		return -1, fmt.Errorf("%w: pirq %d", ErrInvalid, pirq)
	} else if _, used := d.pirqToIRQ[pirq]; used {
		return -1, fmt.Errorf("%w: pirq %d", ErrExist, pirq)
	}

	d.pirqToIRQ[pirq] = irqn
	d.irqToPirq[irqn] = pirq
	return pirq, nil
}

// UnmapPirq removes pirq's mapping and returns the host IRQ it referred to.
func (d *Domain) UnmapPirq(pirq int) (int, error) {
	d.pirqMu.Lock()
	defer d.pirqMu.Unlock()
	irqn, ok := d.pirqToIRQ[pirq]
	if !ok {
		return -1, fmt.Errorf("%w: pirq %d", ErrNoEntry, pirq)
	}
	delete(d.pirqToIRQ, pirq)
	delete(d.irqToPirq, irqn)
	return irqn, nil
}

// PirqIRQ resolves pirq to its host IRQ.
func (d *Domain) PirqIRQ(pirq int) (int, bool) {
	d.pirqMu.Lock()
	defer d.pirqMu.Unlock()
	irqn, ok := d.pirqToIRQ[pirq]
	return irqn, ok
}

// IRQPirq resolves a host IRQ to the domain's pirq.
func (d *Domain) IRQPirq(irqn int) (int, bool) {
	d.pirqMu.Lock()
	defer d.pirqMu.Unlock()
	pirq, ok := d.irqToPirq[irqn]
	return pirq, ok
}

// MapPirqRange maps a block of consecutive pirqs to irqs, as multi-vector
// MSI requires. It returns the first pirq of the block.
func (d *Domain) MapPirqRange(irqs []int) (int, error) {
	d.pirqMu.Lock()
	defer d.pirqMu.Unlock()
	n := len(irqs)
	if n == 0 {
		return -1, fmt.Errorf("%w: empty irq range", ErrInvalid)
	}
	for _, irqn := range irqs {
		if irqn < 0 {
			return -1, fmt.Errorf("%w: irq %d", ErrInvalid, irqn)
		}
		if old, ok := d.irqToPirq[irqn]; ok {
			return -1, fmt.Errorf("%w: irq %d already has pirq %d", ErrExist, irqn, old)
		}
	}

	first := -1
search:
	for p := d.nrPirqs - n; p >= d.nrGSIs; p-- {
		for i := 0; i < n; i++ {
			if _, used := d.pirqToIRQ[p+i]; used {
				continue search
			}
		}
		first = p
		break
	}
	if first < 0 {
		return -1, fmt.Errorf("%w: %d consecutive pirqs", ErrNoSpace, n)
	}
	for i, irqn := range irqs {
		d.pirqToIRQ[first+i] = irqn
		d.irqToPirq[irqn] = first + i
	}
	return first, nil
}
