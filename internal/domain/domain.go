// Package domain holds per-domain state shared by the passthrough layers:
// identity, references, the event lock, vCPUs with their local APICs, the
// virtual IO-APIC with its shared GSI lines, and the pirq to IRQ map.
package domain

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/vpci/internal/chipset"
	"github.com/tinyrange/vpci/internal/hv"
	"github.com/tinyrange/vpci/internal/irq"
	"github.com/tinyrange/vpci/internal/vioapic"
	"github.com/tinyrange/vpci/internal/vlapic"
)

var (
	ErrInvalid = errors.New("domain: invalid argument")
	ErrExist   = errors.New("domain: pirq already mapped")
	ErrNoSpace = errors.New("domain: no free pirq")
	ErrNoEntry = errors.New("domain: pirq not mapped")
)

const (
	// HardwareID is the ID of the hardware domain.
	HardwareID uint16 = 0

	defaultNrPirqs = 256

	pciSlots     = 32
	intxPins     = 4
	pciLinks     = 4
	firstIntxGSI = 16
)

// Config describes a domain to create.
type Config struct {
	ID       uint16
	Hardware bool
	VCPUs    int
	NrPirqs  int
	NrGSIs   int
}

// Domain is one guest (or the hardware domain).
type Domain struct {
	ID       uint16
	hardware bool

	refs  atomicbitops.Int64
	dying atomicbitops.Bool

	// EventLock serialises binding changes of the domain's interrupts.
	EventLock sync.Mutex

	VCPUs   []*vlapic.VLAPIC
	IOAPIC  *vioapic.IOAPIC
	Lines   *chipset.LineSet
	Physmap *hv.PhysMap

	ctl     *irq.Controller
	nrPirqs int
	nrGSIs  int

	pirqMu    sync.Mutex
	pirqToIRQ map[int]int
	irqToPirq map[int]int

	intxMu     sync.Mutex
	intx       [pciSlots * intxPins]bool
	linkCounts [pciLinks]int
	linkRoute  [pciLinks]uint8

	hooksMu sync.Mutex
	gsiEOI  func(gsi uint32)
	msiEOI  func(vcpu int, vector uint8)
}

// New creates a domain whose physical interrupts are managed by ctl. The
// domain starts with one reference held by the caller.
func New(cfg Config, ctl *irq.Controller) (*Domain, error) {
	if ctl == nil {
		return nil, fmt.Errorf("%w: nil interrupt controller", ErrInvalid)
	}
	if cfg.VCPUs <= 0 {
		cfg.VCPUs = 1
	}
	if cfg.NrGSIs <= 0 {
		cfg.NrGSIs = vioapic.DefaultPins
	}
	if cfg.NrPirqs <= 0 {
		cfg.NrPirqs = defaultNrPirqs
	}
	if cfg.NrPirqs < cfg.NrGSIs {
		return nil, fmt.Errorf("%w: %d pirqs cannot cover %d GSIs", ErrInvalid, cfg.NrPirqs, cfg.NrGSIs)
	}

	d := &Domain{
		ID:        cfg.ID,
		hardware:  cfg.Hardware,
		IOAPIC:    vioapic.New(cfg.NrGSIs),
		Physmap:   hv.NewPhysMap(),
		ctl:       ctl,
		nrPirqs:   cfg.NrPirqs,
		nrGSIs:    cfg.NrGSIs,
		pirqToIRQ: make(map[int]int),
		irqToPirq: make(map[int]int),
	}
	d.refs.Store(1)
	for i := 0; i < cfg.VCPUs; i++ {
		v := vlapic.New(i, i%ctl.CPUs())
		vcpu := i
		v.SetEOIHandler(func(vector uint8, level bool) { d.handleEOI(vcpu, vector, level) })
		d.VCPUs = append(d.VCPUs, v)
	}
	d.Lines = chipset.NewLineSet(d.IOAPIC)
	d.IOAPIC.SetRouting(vioapic.RoutingFunc(d.routeIOAPIC))
	d.IOAPIC.SetEOIHandler(d.handleGSIEOI)

	// The hardware domain sees host GSIs with identity pirqs.
	if d.hardware {
		for gsi := 0; gsi < cfg.NrGSIs && gsi < ctl.NrGSIs(); gsi++ {
			d.pirqToIRQ[gsi] = gsi
			d.irqToPirq[gsi] = gsi
		}
	}
	return d, nil
}

// IsHardware reports whether this is the hardware domain.
func (d *Domain) IsHardware() bool { return d.hardware }

// Controller returns the host interrupt controller.
func (d *Domain) Controller() *irq.Controller { return d.ctl }

// NrPirqs returns the size of the domain's pirq space.
func (d *Domain) NrPirqs() int { return d.nrPirqs }

// NrGSIs returns the number of guest GSIs.
func (d *Domain) NrGSIs() int { return d.nrGSIs }

// Get takes a reference.
func (d *Domain) Get() { d.refs.Add(1) }

// Put drops a reference and reports whether it was the last one.
func (d *Domain) Put() bool {
	n := d.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("domain: d%d reference underflow", d.ID))
	}
	return n == 0
}

// Refs returns the current reference count.
func (d *Domain) Refs() int64 { return d.refs.Load() }

// Kill marks the domain as dying.
func (d *Domain) Kill() { d.dying.Store(true) }

// Dying reports whether the domain is being torn down.
func (d *Domain) Dying() bool { return d.dying.Load() }

// SetPassthroughEOI installs the callbacks run when the guest completes a
// GSI routed through the IO-APIC and when a vCPU EOIs any vector.
func (d *Domain) SetPassthroughEOI(gsi func(gsi uint32), msi func(vcpu int, vector uint8)) {
	d.hooksMu.Lock()
	d.gsiEOI = gsi
	d.msiEOI = msi
	d.hooksMu.Unlock()
}

func (d *Domain) handleEOI(vcpu int, vector uint8, level bool) {
	if level {
		d.IOAPIC.HandleEOI(vector)
	}
	d.hooksMu.Lock()
	fn := d.msiEOI
	d.hooksMu.Unlock()
	if fn != nil {
		fn(vcpu, vector)
	}
}

func (d *Domain) handleGSIEOI(gsi uint32) {
	d.hooksMu.Lock()
	fn := d.gsiEOI
	d.hooksMu.Unlock()
	if fn != nil {
		fn(gsi)
	}
}

func (d *Domain) routeIOAPIC(vector, dest uint8, logical bool, mode uint8, level bool) {
	if err := vlapic.Deliver(d.VCPUs, vector, dest, logical, mode, level); err != nil {
		slog.Debug("domain: ioapic delivery dropped", "domain", d.ID, "vector", vector, "err", err)
	}
}

// VCPU returns the local APIC of vCPU id, or nil.
func (d *Domain) VCPU(id int) *vlapic.VLAPIC {
	if id < 0 || id >= len(d.VCPUs) {
		return nil
	}
	return d.VCPUs[id]
}

// DeliverMSI injects an MSI into the domain's local APICs.
func (d *Domain) DeliverMSI(vector, dest uint8, logical bool, mode uint8, level bool) error {
	return vlapic.Deliver(d.VCPUs, vector, dest, logical, mode, level)
}

func (d *Domain) String() string { return fmt.Sprintf("d%d", d.ID) }
