// Package irq models the host interrupt controller: IRQ descriptors for GSIs
// and MSI vectors, their masking and affinity, and the guest actions bound to
// them.
package irq

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/vpci/internal/pci"
)

var (
	ErrInvalid  = errors.New("irq: invalid interrupt")
	ErrBusy     = errors.New("irq: interrupt already bound")
	ErrNoSpace  = errors.New("irq: no free vectors")
	ErrNotBound = errors.New("irq: interrupt not bound to domain")
)

const (
	firstDynamicVector = 0x30
	lastDynamicVector  = 0xef
)

// MSIMessage is the message a physical MSI or MSI-X vector is programmed with.
type MSIMessage struct {
	SBDF    pci.SBDF
	Entry   int
	Address uint64
	Data    uint32
}

type guestAction struct {
	domain uint16
	fn     func()
}

// Desc is a snapshot of an IRQ descriptor.
type Desc struct {
	IRQ       int
	Vector    uint8
	CPU       int
	Level     bool
	Masked    bool
	Pending   bool
	InFlight  int
	Shareable bool
	Guests    []uint16
	MSI       *MSIMessage
	Count     uint64
}

type desc struct {
	irq       int
	vector    uint8
	cpu       int
	level     bool
	masked    bool
	pending   bool
	inFlight  int
	running   int
	shareable bool
	guests    []guestAction
	msi       *MSIMessage
	count     uint64
}

// Controller owns every IRQ descriptor of the host.
type Controller struct {
	mu sync.Mutex
	// idle is signalled when a descriptor's running actions return.
	idle *sync.Cond

	cpus   int
	nrGSIs int
	descs  map[int]*desc

	vectors map[uint8]int
}

// NewController creates a controller with nrGSIs identity GSI descriptors
// spread over cpus physical CPUs.
func NewController(nrGSIs, cpus int) *Controller {
	if cpus <= 0 {
		cpus = 1
	}
	c := &Controller{
		cpus:    cpus,
		nrGSIs:  nrGSIs,
		descs:   make(map[int]*desc),
		vectors: make(map[uint8]int),
	}
	c.idle = sync.NewCond(&c.mu)
	for gsi := 0; gsi < nrGSIs; gsi++ {
		c.descs[gsi] = &desc{irq: gsi, vector: uint8(firstDynamicVector + gsi%(lastDynamicVector-firstDynamicVector))}
	}
	return c
}

// NrGSIs returns the number of legacy GSIs.
func (c *Controller) NrGSIs() int { return c.nrGSIs }

// CPUs returns the number of physical CPUs interrupts can target.
func (c *Controller) CPUs() int { return c.cpus }

// SetTrigger records the trigger mode of a GSI.
func (c *Controller) SetTrigger(gsi int, level bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.descs[gsi]
	if d == nil || gsi >= c.nrGSIs {
		return fmt.Errorf("%w: gsi %d", ErrInvalid, gsi)
	}
	d.level = level
	return nil
}

func (c *Controller) allocVector() (uint8, bool) {
	for v := firstDynamicVector; v <= lastDynamicVector; v++ {
		if _, used := c.vectors[uint8(v)]; !used {
			return uint8(v), true
		}
	}
	return 0, false
}

// CreateMSI allocates an IRQ and vector for one MSI or MSI-X message of sbdf.
// The message starts masked.
func (c *Controller) CreateMSI(sbdf pci.SBDF, entry int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vector, ok := c.allocVector()
	if !ok {
		return -1, ErrNoSpace
	}
	irq := c.nrGSIs
	for c.descs[irq] != nil {
		irq++
	}
	c.vectors[vector] = irq
	c.descs[irq] = &desc{
		irq:    irq,
		vector: vector,
		masked: true,
		msi: &MSIMessage{
			SBDF:    sbdf,
			Entry:   entry,
			Address: pci.MSIAddrBaseLo,
			Data:    uint32(vector),
		},
	}
	return irq, nil
}

// Destroy releases an MSI IRQ. It fails while guests are bound.
func (c *Controller) Destroy(irq int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.descs[irq]
	if d == nil || d.msi == nil {
		return fmt.Errorf("%w: %d", ErrInvalid, irq)
	}
	if len(d.guests) != 0 {
		return fmt.Errorf("%w: irq %d", ErrBusy, irq)
	}
	delete(c.vectors, d.vector)
	delete(c.descs, irq)
	return nil
}

// Mask sets the mask bit of an IRQ. Unmasking a vector that latched an
// interrupt while masked delivers it.
func (c *Controller) Mask(irq int, masked bool) error {
	c.mu.Lock()
	d := c.descs[irq]
	if d == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalid, irq)
	}
	d.masked = masked
	replay := !masked && d.pending
	if replay {
		d.pending = false
	}
	c.mu.Unlock()

	if replay {
		c.Fire(irq)
	}
	return nil
}

// SetAffinity routes irq to a physical CPU and reprograms its message.
func (c *Controller) SetAffinity(irq, cpu int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.descs[irq]
	if d == nil || cpu < 0 || cpu >= c.cpus {
		return fmt.Errorf("%w: irq %d cpu %d", ErrInvalid, irq, cpu)
	}
	d.cpu = cpu
	if d.msi != nil {
		d.msi.Address = pci.MSIAddrBaseLo | uint64(cpu)<<pci.MSIAddrDestIDShift
	}
	return nil
}

// GuestBind attaches a guest action for domain to irq. share requests a
// shareable binding; binding to an irq another domain holds exclusively (or
// exclusively binding a shared one) fails with ErrBusy.
func (c *Controller) GuestBind(irq int, domain uint16, share bool, fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.descs[irq]
	if d == nil || fn == nil {
		return fmt.Errorf("%w: %d", ErrInvalid, irq)
	}
	for _, g := range d.guests {
		if g.domain == domain {
			return fmt.Errorf("%w: irq %d already bound to d%d", ErrBusy, irq, domain)
		}
	}
	if len(d.guests) != 0 && (!d.shareable || !share) {
		return fmt.Errorf("%w: irq %d", ErrBusy, irq)
	}
	if len(d.guests) == 0 {
		d.shareable = share
		d.inFlight = 0
		if d.msi == nil {
			d.masked = false
		}
	}
	d.guests = append(d.guests, guestAction{domain: domain, fn: fn})
	return nil
}

// GuestUnbind detaches domain's action from irq.
func (c *Controller) GuestUnbind(irq int, domain uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.descs[irq]
	if d == nil {
		return fmt.Errorf("%w: %d", ErrInvalid, irq)
	}
	for i, g := range d.guests {
		if g.domain == domain {
			d.guests = append(d.guests[:i], d.guests[i+1:]...)
			if len(d.guests) == 0 {
				d.inFlight = 0
				d.masked = true
			}
			// The removed action may still be running from an earlier Fire.
			for d.running > 0 {
				c.idle.Wait()
			}
			return nil
		}
	}
	return fmt.Errorf("%w: irq %d d%d", ErrNotBound, irq, domain)
}

// GuestEOI acknowledges one in-flight level-triggered delivery.
func (c *Controller) GuestEOI(irq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.descs[irq]; d != nil && d.inFlight > 0 {
		d.inFlight--
	}
}

// Fire signals a physical interrupt on irq. It reports whether any guest
// action ran.
func (c *Controller) Fire(irq int) bool {
	c.mu.Lock()
	d := c.descs[irq]
	if d == nil {
		c.mu.Unlock()
		return false
	}
	if d.masked {
		d.pending = true
		c.mu.Unlock()
		return false
	}
	if len(d.guests) == 0 {
		c.mu.Unlock()
		return false
	}
	d.count++
	if d.level {
		d.inFlight += len(d.guests)
	}
	actions := make([]func(), len(d.guests))
	for i, g := range d.guests {
		actions[i] = g.fn
	}
	d.running++
	c.mu.Unlock()

	for _, fn := range actions {
		fn()
	}

	c.mu.Lock()
	d.running--
	if d.running == 0 {
		c.idle.Broadcast()
	}
	c.mu.Unlock()
	return true
}

// Lookup returns a snapshot of irq's descriptor.
func (c *Controller) Lookup(irq int) (Desc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.descs[irq]
	if d == nil {
		return Desc{}, false
	}
	return d.snapshot(), true
}

// Descs returns snapshots of every descriptor in IRQ order.
func (c *Controller) Descs() []Desc {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Desc, 0, len(c.descs))
	for _, d := range c.descs {
		out = append(out, d.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IRQ < out[j].IRQ })
	return out
}

func (d *desc) snapshot() Desc {
	s := Desc{
		IRQ:       d.irq,
		Vector:    d.vector,
		CPU:       d.cpu,
		Level:     d.level,
		Masked:    d.masked,
		Pending:   d.pending,
		InFlight:  d.inFlight,
		Shareable: d.shareable,
		Count:     d.count,
	}
	for _, g := range d.guests {
		s.Guests = append(s.Guests, g.domain)
	}
	if d.msi != nil {
		msg := *d.msi
		s.MSI = &msg
	}
	return s
}
