package domain

import (
	"errors"
	"testing"

	"github.com/tinyrange/vpci/internal/irq"
)

func newTestDomain(t *testing.T, cfg Config) *Domain {
	t.Helper()
	d, err := New(cfg, irq.NewController(48, 4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestRefCounting(t *testing.T) {
	d := newTestDomain(t, Config{ID: 1})
	d.Get()
	if d.Put() {
		t.Fatalf("Put reported last reference with one outstanding")
	}
	if !d.Put() {
		t.Fatalf("final Put did not report last reference")
	}
	if got := d.Refs(); got != 0 {
		t.Fatalf("refs = %d, want 0", got)
	}
}

func TestMapPirqAllocatesDownward(t *testing.T) {
	d := newTestDomain(t, Config{ID: 1, NrPirqs: 64, NrGSIs: 48})

	p, err := d.MapPirq(-1, 100)
	if err != nil {
		t.Fatalf("MapPirq: %v", err)
	}
	if p != 63 {
		t.Fatalf("pirq = %d, want 63", p)
	}
	p2, _ := d.MapPirq(-1, 101)
	if p2 != 62 {
		t.Fatalf("pirq = %d, want 62", p2)
	}
	if _, err := d.MapPirq(-1, 100); !errors.Is(err, ErrExist) {
		t.Fatalf("remap irq err = %v, want ErrExist", err)
	}
	if irqn, ok := d.PirqIRQ(63); !ok || irqn != 100 {
		t.Fatalf("PirqIRQ(63) = %d,%t", irqn, ok)
	}
	if irqn, err := d.UnmapPirq(63); err != nil || irqn != 100 {
		t.Fatalf("UnmapPirq = %d,%v", irqn, err)
	}
	if _, err := d.UnmapPirq(63); !errors.Is(err, ErrNoEntry) {
		t.Fatalf("second unmap err = %v, want ErrNoEntry", err)
	}
}

func TestMapPirqExhaustion(t *testing.T) {
	d := newTestDomain(t, Config{ID: 2, NrPirqs: 50, NrGSIs: 48})
	for i := 0; i < 2; i++ {
		if _, err := d.MapPirq(-1, 200+i); err != nil {
			t.Fatalf("MapPirq %d: %v", i, err)
		}
	}
	if _, err := d.MapPirq(-1, 300); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("err = %v, want ErrNoSpace", err)
	}
}

func TestHardwareDomainIdentityGSIs(t *testing.T) {
	d := newTestDomain(t, Config{ID: HardwareID, Hardware: true})
	if irqn, ok := d.PirqIRQ(20); !ok || irqn != 20 {
		t.Fatalf("PirqIRQ(20) = %d,%t, want identity", irqn, ok)
	}
}

func TestIntxFormulas(t *testing.T) {
	tests := []struct {
		dev, intx uint8
		gsi       uint32
		link      uint8
	}{
		{0, 0, 16, 0},
		{1, 0, 20, 1},
		{3, 2, 30, 1},
		{8, 1, 18, 1},
		{31, 3, 18, 2},
	}
	for _, tt := range tests {
		if got := IntxGSI(tt.dev, tt.intx); got != tt.gsi {
			t.Fatalf("IntxGSI(%d,%d) = %d, want %d", tt.dev, tt.intx, got, tt.gsi)
		}
		if got := IntxLink(tt.dev, tt.intx); got != tt.link {
			t.Fatalf("IntxLink(%d,%d) = %d, want %d", tt.dev, tt.intx, got, tt.link)
		}
	}
}

func TestIntxAssertDeliversThroughIOAPIC(t *testing.T) {
	d := newTestDomain(t, Config{ID: 1, VCPUs: 2})
	gsi := IntxGSI(2, 0)
	d.IOAPIC.Program(gsi, 0x70, 2, false, true, false)

	d.IntxAssert(2, 0)
	d.IntxAssert(2, 0)
	if got := d.Lines.Count(gsi); got != 1 {
		t.Fatalf("assert count = %d, want 1", got)
	}
	if !d.VCPUs[1].Pending(0x70) {
		t.Fatalf("vcpu1 did not receive vector 0x70")
	}

	var eoiGSI uint32
	d.SetPassthroughEOI(func(g uint32) {
		eoiGSI = g
		d.IntxDeassert(2, 0)
	}, nil)
	if vec, ok := d.VCPUs[1].Ack(); !ok || vec != 0x70 {
		t.Fatalf("Ack = 0x%x,%t", vec, ok)
	}
	d.VCPUs[1].EOI()
	if eoiGSI != gsi {
		t.Fatalf("gsi eoi = %d, want %d", eoiGSI, gsi)
	}
	if got := d.Lines.Count(gsi); got != 0 {
		t.Fatalf("assert count after EOI = %d, want 0", got)
	}
}

func TestMapPirqRangeIsConsecutive(t *testing.T) {
	d := newTestDomain(t, Config{ID: 1, NrPirqs: 64, NrGSIs: 48})
	if _, err := d.MapPirq(62, 100); err != nil {
		t.Fatalf("MapPirq: %v", err)
	}
	first, err := d.MapPirqRange([]int{200, 201, 202, 203})
	if err != nil {
		t.Fatalf("MapPirqRange: %v", err)
	}
	if first != 58 {
		t.Fatalf("first pirq = %d, want 58", first)
	}
	for i := 0; i < 4; i++ {
		if irqn, ok := d.PirqIRQ(first + i); !ok || irqn != 200+i {
			t.Fatalf("PirqIRQ(%d) = %d,%t, want %d", first+i, irqn, ok, 200+i)
		}
	}
	if _, err := d.MapPirqRange([]int{201}); !errors.Is(err, ErrExist) {
		t.Fatalf("remap err = %v, want ErrExist", err)
	}
}
