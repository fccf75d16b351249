package dpci

import (
	"testing"

	"github.com/tinyrange/vpci/internal/domain"
	"github.com/tinyrange/vpci/internal/irq"
	"github.com/tinyrange/vpci/internal/pci"
)

const testVector = 0x41

type testEnv struct {
	ctl   *irq.Controller
	d     *domain.Domain
	sched *Scheduler
	r     *Router
}

func newTestEnv(t *testing.T, cfg domain.Config) *testEnv {
	t.Helper()
	ctl := irq.NewController(48, 2)
	d, err := domain.New(cfg, ctl)
	if err != nil {
		t.Fatalf("domain.New: %v", err)
	}
	sched := NewScheduler(ctl.CPUs())
	return &testEnv{ctl: ctl, d: d, sched: sched, r: NewRouter(d, sched)}
}

func newGuestEnv(t *testing.T) *testEnv {
	return newTestEnv(t, domain.Config{ID: 1, VCPUs: 2})
}

// mapMSI creates a host MSI and maps it to a pirq of the domain.
func (e *testEnv) mapMSI(t *testing.T, entry int) (irqn, pirq int) {
	t.Helper()
	irqn, err := e.ctl.CreateMSI(pci.NewSBDF(0, 3, 0, 0), entry)
	if err != nil {
		t.Fatalf("CreateMSI: %v", err)
	}
	pirq, err = e.d.MapPirq(-1, irqn)
	if err != nil {
		t.Fatalf("MapPirq: %v", err)
	}
	return irqn, pirq
}

// msiBind returns an MSI bind of vector to the vCPU with APIC ID apicID.
func msiBind(pirq int, vector, apicID uint8) Bind {
	addr := uint64(pci.MSIAddrBaseLo) | uint64(apicID)<<pci.MSIAddrDestIDShift
	return Bind{
		Type:       BindMSI,
		MachineIRQ: pirq,
		MSI:        MSIBind{GVec: vector, GFlags: MSIGFlags(uint32(vector), addr, false)},
	}
}

func (e *testEnv) bindMSI(t *testing.T, entry int) (irqn, pirq int) {
	t.Helper()
	irqn, pirq = e.mapMSI(t, entry)
	// APIC ID 2 is vCPU 1.
	if err := e.r.CreateBind(msiBind(pirq, testVector, 2)); err != nil {
		t.Fatalf("CreateBind: %v", err)
	}
	return irqn, pirq
}

func (e *testEnv) binding(t *testing.T, pirq int) BindingInfo {
	t.Helper()
	b, ok := e.r.Binding(pirq)
	if !ok {
		t.Fatalf("no binding for pirq %d", pirq)
	}
	return b
}
