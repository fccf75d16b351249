package vpci

import (
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/vpci/internal/domain"
	"github.com/tinyrange/vpci/internal/hostpci"
	"github.com/tinyrange/vpci/internal/irq"
	"github.com/tinyrange/vpci/internal/pci"
)

type archCall struct {
	Op    string
	Entry int
	Addr  uint64
	Data  uint32
	Mask  bool
}

// recordingArch logs every hook invocation. Entries count as bound between
// enable and disable.
type recordingArch struct {
	calls   []archCall
	bound   map[int]bool
	failErr error
}

func newRecordingArch() *recordingArch {
	return &recordingArch{bound: make(map[int]bool)}
}

func (a *recordingArch) MSIEnable(_ *Device, msi *MSI, vectors int) error {
	a.calls = append(a.calls, archCall{Op: "msi-enable", Entry: vectors, Addr: msi.Address, Data: uint32(msi.Data)})
	if a.failErr != nil {
		return a.failErr
	}
	msi.Pirq = 100
	return nil
}

func (a *recordingArch) MSIDisable(_ *Device, msi *MSI) {
	a.calls = append(a.calls, archCall{Op: "msi-disable"})
	msi.Pirq = InvalidPirq
}

func (a *recordingArch) MSIMask(_ *Device, _ *MSI, vector int, mask bool) {
	a.calls = append(a.calls, archCall{Op: "msi-mask", Entry: vector, Mask: mask})
}

func (a *recordingArch) MSIXEnableEntry(_ *Device, e *MSIXEntry, _ uint64) error {
	a.calls = append(a.calls, archCall{Op: "msix-enable", Entry: e.Nr, Addr: e.Addr, Data: e.Data, Mask: e.Masked})
	if a.failErr != nil {
		return a.failErr
	}
	a.bound[e.Nr] = true
	e.Pirq = 200 + e.Nr
	return nil
}

func (a *recordingArch) MSIXDisableEntry(_ *Device, e *MSIXEntry) error {
	if !a.bound[e.Nr] {
		return ErrNotExist
	}
	a.calls = append(a.calls, archCall{Op: "msix-disable", Entry: e.Nr})
	delete(a.bound, e.Nr)
	e.Pirq = InvalidPirq
	return nil
}

func (a *recordingArch) MSIXMaskEntry(_ *Device, e *MSIXEntry, mask bool) {
	a.calls = append(a.calls, archCall{Op: "msix-mask", Entry: e.Nr, Mask: mask})
}

func (a *recordingArch) ops(op string) []archCall {
	var out []archCall
	for _, c := range a.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

var _ Arch = (*recordingArch)(nil)

type testEnv struct {
	mem   *hostpci.Memory
	host  *Host
	ctl   *irq.Controller
	arch  *recordingArch
	hwdom *Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := hostpci.NewMemory()
	env := &testEnv{
		mem:  mem,
		host: NewHost(mem, hostpci.NewROMap()),
		ctl:  irq.NewController(48, 2),
		arch: newRecordingArch(),
	}
	env.hwdom = env.newBus(t, 0)
	return env
}

// newBus creates a domain. Domain 0 is the hardware domain.
func (e *testEnv) newBus(t *testing.T, id uint16) *Bus {
	t.Helper()
	d, err := domain.New(domain.Config{ID: id, Hardware: id == 0, VCPUs: 2}, e.ctl)
	if err != nil {
		t.Fatalf("domain.New(%d): %v", id, err)
	}
	return e.host.NewBus(d, e.arch)
}

func (e *testEnv) assign(t *testing.T, b *Bus, sbdf pci.SBDF) *Device {
	t.Helper()
	var info hostpci.Info
	infos, _ := e.mem.Devices()
	for _, in := range infos {
		if in.SBDF == sbdf {
			info = in
		}
	}
	if err := b.Assign(info); err != nil {
		t.Fatalf("Assign(%v): %v", sbdf, err)
	}
	dev := b.Device(sbdf)
	if dev == nil {
		t.Fatalf("Device(%v) = nil after Assign", sbdf)
	}
	return dev
}

// bareDevice adds a device without any handlers to b.
func bareDevice(b *Bus, sbdf pci.SBDF) *Device {
	dev := newDevice(b, hostpci.Info{SBDF: sbdf, PhysFn: pci.InvalidSBDF})
	b.mu.Lock()
	b.devices[sbdf] = dev
	b.mu.Unlock()
	return dev
}

// storage is a plain emulated register.
type storage struct{ val uint32 }

func storageRead(_ *Device, _ uint16, data any) uint32 { return data.(*storage).val }

func storageWrite(_ *Device, _ uint16, val uint32, data any) { data.(*storage).val = val }

func mustAdd(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("AddRegister: %v", err)
	}
}

func wantErr(t *testing.T, err, target error, format string, args ...any) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("%s: err = %v, want %v", fmt.Sprintf(format, args...), err, target)
	}
}

func hostInfo(sbdf pci.SBDF) hostpci.Info {
	return hostpci.Info{SBDF: sbdf, PhysFn: pci.InvalidSBDF}
}
