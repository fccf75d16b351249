package vpci

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/tinyrange/vpci/internal/hostpci"
	"github.com/tinyrange/vpci/internal/hv"
	"github.com/tinyrange/vpci/internal/pci"
)

func addNIC(env *testEnv, sbdf pci.SBDF) *hostpci.MemoryFunction {
	fn := env.mem.Add(sbdf, 0x8086, 0x10d3)
	fn.SetBAR(0, 0xfe000000, 0x4000, false, false)
	fn.SetBAR(2, 0x8_0000_0000, 0x100000, true, true)
	fn.AddMSIX(8, 0, 0x2000, 0, 0x3000)
	return fn
}

func mappings(b *Bus) []hv.Mapping {
	return b.Domain().Physmap.Mappings()
}

var ignoreName = cmpopts.IgnoreFields(hv.Mapping{}, "Name")

func TestHardwareDomainBARs(t *testing.T) {
	env := newTestEnv(t)
	sbdf := pci.NewSBDF(0, 0, 4, 0)
	fn := addNIC(env, sbdf)
	fn.Set(pci.Command, 2, pci.CommandMemory)
	b := env.hwdom
	dev := env.assign(t, b, sbdf)

	h := &dev.Header
	wantTypes := []BARType{BARMem32, BAREmpty, BARMem64Lo, BARMem64Hi, BAREmpty, BAREmpty}
	for i, want := range wantTypes {
		if got := h.BARs[i].Type; got != want {
			t.Fatalf("BAR%d type = %v, want %v", i, got, want)
		}
	}
	if !h.BARsMapped || !h.BARs[0].Enabled || !h.BARs[2].Enabled {
		t.Fatalf("BARs not mapped with memory decoding on")
	}

	// The MSI-X table and PBA pages stay trapped.
	want := []hv.Mapping{
		{Guest: 0xfe000000, Host: 0xfe000000, Size: 0x2000},
		{Guest: 0x8_0000_0000, Host: 0x8_0000_0000, Size: 0x100000},
	}
	if diff := cmp.Diff(want, mappings(b), ignoreName); diff != "" {
		t.Fatalf("mappings (-want +got):\n%s", diff)
	}

	b.Write(sbdf, pci.Command, 2, 0)
	if len(mappings(b)) != 0 || h.BARsMapped || h.BARs[0].Enabled {
		t.Fatalf("BARs still mapped after clearing memory decode: %v", mappings(b))
	}
	if got := fn.Get(pci.Command, 2); got != 0 {
		t.Fatalf("hardware command = 0x%x, want 0", got)
	}

	b.Write(sbdf, pci.BaseAddress0, 4, 0xfd000000)
	b.Write(sbdf, pci.BaseAddress0+12, 4, 0x9)
	if got := h.BARs[0].Addr; got != 0xfd000000 {
		t.Fatalf("BAR0 address = 0x%x, want 0xfd000000", got)
	}
	if got := h.BARs[2].Addr; got != 0x9_0000_0000 {
		t.Fatalf("BAR2 address = 0x%x, want 0x900000000", got)
	}
	if got := b.Read(sbdf, pci.BaseAddress0+8, 4); got != pci.BARMemType64|pci.BARMemPrefetch {
		t.Fatalf("BAR2 low = 0x%x, want type bits only", got)
	}
	if got := fn.Get(pci.BaseAddress0, 4); got != 0xfd000000 {
		t.Fatalf("hardware BAR0 = 0x%x, want 0xfd000000", got)
	}

	b.Write(sbdf, pci.Command, 2, pci.CommandMemory)
	want = []hv.Mapping{
		{Guest: 0xfd000000, Host: 0xfd000000, Size: 0x2000},
		{Guest: 0x9_0000_0000, Host: 0x9_0000_0000, Size: 0x100000},
	}
	if diff := cmp.Diff(want, mappings(b), ignoreName); diff != "" {
		t.Fatalf("mappings after move (-want +got):\n%s", diff)
	}

	// Writes while decoding are ignored.
	b.Write(sbdf, pci.BaseAddress0, 4, 0xfc000000)
	if got := h.BARs[0].Addr; got != 0xfd000000 {
		t.Fatalf("BAR0 moved while mapped to 0x%x", got)
	}
	if got := fn.Get(pci.BaseAddress0, 4); got != 0xfd000000 {
		t.Fatalf("hardware BAR0 written while mapped: 0x%x", got)
	}
}

func TestStatusWriteOneToClear(t *testing.T) {
	env := newTestEnv(t)
	sbdf := pci.NewSBDF(0, 0, 4, 0)
	fn := addNIC(env, sbdf)
	fn.Set(pci.Status, 2, fn.Get(pci.Status, 2)|pci.StatusParity|pci.StatusRecMasterAbort)
	b := env.hwdom
	env.assign(t, b, sbdf)

	b.Write(sbdf, pci.Status, 2, pci.StatusParity)
	got := b.Read(sbdf, pci.Status, 2)
	if got&pci.StatusParity != 0 || got&pci.StatusRecMasterAbort == 0 {
		t.Fatalf("status = 0x%x, want parity cleared and master abort kept", got)
	}
	if got&pci.StatusCapList == 0 {
		t.Fatalf("status = 0x%x lost the capability list bit", got)
	}
}

func TestExpansionROM(t *testing.T) {
	env := newTestEnv(t)
	sbdf := pci.NewSBDF(0, 0, 4, 0)
	fn := addNIC(env, sbdf)
	fn.SetROM(0xfe800000, 0x10000)
	b := env.hwdom
	dev := env.assign(t, b, sbdf)
	rom := dev.Header.ROM()

	if rom.Type != BARROM || rom.Size != 0x10000 || rom.Addr != 0xfe800000 {
		t.Fatalf("rom = %+v", *rom)
	}

	// Enabling the ROM alone maps nothing until memory decoding is on.
	b.Write(sbdf, pci.ROMAddress, 4, 0xfe800000|pci.ROMEnable)
	if !dev.Header.ROMEnabled || len(mappings(b)) != 0 {
		t.Fatalf("ROM mapped without memory decoding")
	}
	b.Write(sbdf, pci.Command, 2, pci.CommandMemory)
	if !rom.Enabled {
		t.Fatalf("ROM not mapped with decoding and enable on")
	}

	// Disabling the enable bit while decoding unmaps the ROM only.
	b.Write(sbdf, pci.ROMAddress, 4, 0xfe800000)
	if rom.Enabled || dev.Header.ROMEnabled {
		t.Fatalf("ROM still enabled")
	}
	if _, ok := b.Domain().Physmap.Translate(0xfe800000); ok {
		t.Fatalf("ROM still in physmap")
	}
	if _, ok := b.Domain().Physmap.Translate(0xfe000000); !ok {
		t.Fatalf("BAR0 unmapped with the ROM")
	}
	if got := fn.Get(pci.ROMAddress, 4); got != 0xfe800000 {
		t.Fatalf("hardware ROM = 0x%x", got)
	}
}

func TestGuestExpansionROMHidden(t *testing.T) {
	env := newTestEnv(t)
	guest := env.newBus(t, 1)
	sbdf := pci.NewSBDF(0, 3, 0, 0)
	fn := addGuestDevice(env, sbdf)
	fn.SetROM(0xfec00000, 0x10000)
	dev := env.assign(t, guest, sbdf)

	if got := guest.Read(sbdf, pci.ROMAddress, 4); got != 0 {
		t.Fatalf("guest ROM BAR = 0x%x, want 0", got)
	}
	guest.Write(sbdf, pci.ROMAddress, 4, 0x10000000|pci.ROMEnable)
	guest.Write(sbdf, pci.Command, 2, pci.CommandMemory)
	if got := fn.Get(pci.ROMAddress, 4); got != 0xfec00000 {
		t.Fatalf("hardware ROM BAR = 0x%x, want 0xfec00000", got)
	}
	if rom := dev.Header.ROM(); rom.Type != BAREmpty || rom.Enabled {
		t.Fatalf("guest rom = %+v", *rom)
	}
	want := []hv.Mapping{{Guest: 0xfe100000, Host: 0xfe100000, Size: 0x4000}}
	if diff := cmp.Diff(want, mappings(guest), ignoreName); diff != "" {
		t.Fatalf("mappings (-want +got):\n%s", diff)
	}
}

func addGuestDevice(env *testEnv, sbdf pci.SBDF) *hostpci.MemoryFunction {
	fn := env.mem.Add(sbdf, 0x8086, 0x1234)
	fn.SetBAR(0, 0xfe100000, 0x4000, false, false)
	fn.AddCapability(0x01, 8)
	fn.AddMSI(0, true, false)
	fn.Set(pci.ClassRevision, 4, 0x02000001)
	fn.Set(pci.InterruptPin, 1, 1)
	fn.Set(pci.Command, 2, pci.CommandMemory|pci.CommandIO|pci.CommandMaster)
	return fn
}

func TestGuestHeader(t *testing.T) {
	env := newTestEnv(t)
	guest := env.newBus(t, 1)
	sbdf := pci.NewSBDF(0, 3, 0, 0)
	fn := addGuestDevice(env, sbdf)
	dev := env.assign(t, guest, sbdf)

	if got := fn.Get(pci.Command, 2); got != 0 {
		t.Fatalf("hardware command after assign = 0x%x, want decoding off", got)
	}

	for _, tt := range []struct {
		name string
		reg  uint16
		size int
		want uint32
	}{
		{"vendor", pci.VendorID, 4, 0x12348086},
		{"class", pci.ClassRevision, 4, 0x02000001},
		{"pin", pci.InterruptPin, 1, 1},
		{"command", pci.Command, 2, 0},
		{"cap pointer skips PM", pci.CapabilityPtr, 1, 0x48},
		{"MSI id", 0x48, 1, pci.CapIDMSI},
		{"MSI next", 0x49, 1, 0},
		{"hidden PM", 0x40, 4, 0xffffffff},
		{"unused BAR", pci.BaseAddress0 + 4, 4, 0},
	} {
		if got := guest.Read(sbdf, tt.reg, tt.size); got != tt.want {
			t.Fatalf("%s: Read(0x%x) = 0x%x, want 0x%x", tt.name, tt.reg, got, tt.want)
		}
	}

	guest.Write(sbdf, pci.Command, 2, 0xffff)
	const allowed = pci.CommandMemory | pci.CommandMaster | pci.CommandParity | pci.CommandIntxDisable
	if got := guest.Read(sbdf, pci.Command, 2); got != allowed {
		t.Fatalf("guest command = 0x%x, want 0x%x", got, allowed)
	}
	if got := fn.Get(pci.Command, 2); got != allowed {
		t.Fatalf("hardware command = 0x%x, want 0x%x", got, allowed)
	}
	want := []hv.Mapping{{Guest: 0xfe100000, Host: 0xfe100000, Size: 0x4000}}
	if diff := cmp.Diff(want, mappings(guest), ignoreName); diff != "" {
		t.Fatalf("mappings (-want +got):\n%s", diff)
	}

	// Size and move the BAR.
	guest.Write(sbdf, pci.Command, 2, 0)
	guest.Write(sbdf, pci.BaseAddress0, 4, 0xffffffff)
	if got := guest.Read(sbdf, pci.BaseAddress0, 4); got != 0xffffc000 {
		t.Fatalf("BAR0 size probe = 0x%x, want 0xffffc000", got)
	}
	guest.Write(sbdf, pci.BaseAddress0, 4, 0xc0000000)
	guest.Write(sbdf, pci.Command, 2, pci.CommandMemory)
	want = []hv.Mapping{{Guest: 0xc0000000, Host: 0xfe100000, Size: 0x4000}}
	if diff := cmp.Diff(want, mappings(guest), ignoreName); diff != "" {
		t.Fatalf("mappings after move (-want +got):\n%s", diff)
	}
	if got := fn.Get(pci.BaseAddress0, 4); got != 0xfe100000 {
		t.Fatalf("guest BAR write reached hardware: 0x%x", got)
	}

	guest.Write(sbdf, pci.InterruptLine, 1, 0x0b)
	if got := guest.Read(sbdf, pci.InterruptLine, 1); got != 0x0b {
		t.Fatalf("interrupt line = 0x%x, want 0xb", got)
	}
	if got := fn.Get(pci.InterruptLine, 1); got != 0 {
		t.Fatalf("interrupt line reached hardware: 0x%x", got)
	}

	if got, want := dev.GuestSBDF, pci.NewSBDF(0, 0, 0, 0); got != want {
		t.Fatalf("guest SBDF = %v, want %v", got, want)
	}
	if phys, ok := guest.Translate(dev.GuestSBDF); !ok || phys != sbdf {
		t.Fatalf("Translate(%v) = %v, %v", dev.GuestSBDF, phys, ok)
	}
}

func TestGuestMSIForcesIntxDisable(t *testing.T) {
	env := newTestEnv(t)
	guest := env.newBus(t, 1)
	sbdf := pci.NewSBDF(0, 3, 0, 0)
	fn := addGuestDevice(env, sbdf)
	env.assign(t, guest, sbdf)

	guest.Write(sbdf, 0x48+pci.MSIFlags, 2, pci.MSIFlagsEnable)
	guest.Write(sbdf, pci.Command, 2, pci.CommandMaster)
	if got := guest.Read(sbdf, pci.Command, 2); got != pci.CommandMaster {
		t.Fatalf("guest command = 0x%x, want 0x%x", got, pci.CommandMaster)
	}
	if got := fn.Get(pci.Command, 2); got != pci.CommandMaster|pci.CommandIntxDisable {
		t.Fatalf("hardware command = 0x%x, want INTx disabled", got)
	}
}

func TestAssignDeassign(t *testing.T) {
	env := newTestEnv(t)
	guest := env.newBus(t, 1)
	a := pci.NewSBDF(0, 3, 0, 0)
	bsbdf := pci.NewSBDF(0, 4, 0, 0)
	addGuestDevice(env, a)
	addGuestDevice(env, bsbdf)
	fn1 := pci.NewSBDF(0, 4, 0, 1)
	env.mem.Add(fn1, 0x8086, 0x1234)

	da := env.assign(t, guest, a)
	db := env.assign(t, guest, bsbdf)
	if da.GuestSBDF.Dev() != 0 || db.GuestSBDF.Dev() != 1 {
		t.Fatalf("guest slots = %v, %v", da.GuestSBDF, db.GuestSBDF)
	}

	wantErr(t, guest.Assign(hostInfo(a)), ErrExist, "second assign")
	wantErr(t, env.hwdom.Assign(hostInfo(a)), ErrBusy, "assign to another domain")
	wantErr(t, guest.Assign(hostInfo(fn1)), ErrNotSupported, "function 1")

	if err := guest.Deassign(a); err != nil {
		t.Fatalf("Deassign: %v", err)
	}
	wantErr(t, guest.Deassign(a), ErrNotExist, "second deassign")
	if got := guest.Read(a, pci.VendorID, 4); got != 0xffffffff {
		t.Fatalf("deassigned device reads 0x%x", got)
	}
	if len(da.Registers()) != 0 {
		t.Fatalf("handlers left after deassign: %v", da.Registers())
	}
	if env.host.Device(a) != nil {
		t.Fatalf("host still tracks %v", a)
	}

	// The slot is reused.
	da = env.assign(t, guest, a)
	if da.GuestSBDF.Dev() != 0 {
		t.Fatalf("reassigned slot = %v, want 0", da.GuestSBDF)
	}
}

func TestAssignRollsBack(t *testing.T) {
	env := newTestEnv(t)
	guest := env.newBus(t, 1)
	sbdf := pci.NewSBDF(0, 3, 0, 0)
	fn := addNIC(env, sbdf)
	fn.SetHeaderType(0x02)

	wantErr(t, guest.Assign(hostInfo(sbdf)), ErrNotSupported, "cardbus header")
	if guest.Device(sbdf) != nil || env.host.Device(sbdf) != nil {
		t.Fatalf("device left behind after failed assign")
	}
	if guest.MSIXAccept(0xfe002000) || len(guest.msixTables) != 0 {
		t.Fatalf("MSI-X table left behind after failed assign")
	}
	if guest.vslots != 0 {
		t.Fatalf("virtual slot leaked: %b", guest.vslots)
	}
}

func TestDecodingFailureLogged(t *testing.T) {
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(old) })

	env := newTestEnv(t)
	sbdf := pci.NewSBDF(0, 0, 4, 0)
	addNIC(env, sbdf)
	b := env.hwdom
	dev := env.assign(t, b, sbdf)
	if err := b.Domain().Physmap.Map("other", 0xfe000000, 0x1000, 0x1000); err != nil {
		t.Fatalf("Map: %v", err)
	}

	b.Write(sbdf, pci.Command, 2, pci.CommandMemory)
	if dev.Header.BARsMapped {
		t.Fatalf("BARs mapped over an existing mapping")
	}
	if !strings.Contains(buf.String(), "vpci: unable to change memory decoding") {
		t.Fatalf("log = %q, want decoding failure", buf.String())
	}
}

type portMove struct{ From, To, Size uint16 }

type recordingRelocator struct{ moves []portMove }

func (r *recordingRelocator) RelocatePort(oldBase, newBase, size uint16) bool {
	r.moves = append(r.moves, portMove{oldBase, newBase, size})
	return true
}

func TestHardwareIOBARRelocation(t *testing.T) {
	env := newTestEnv(t)
	sbdf := pci.NewSBDF(0, 0, 7, 0)
	fn := env.mem.Add(sbdf, 0x8086, 0x7113)
	fn.SetIOBAR(1, 0x1000, 0x20)
	b := env.hwdom
	dev := env.assign(t, b, sbdf)
	rec := &recordingRelocator{}
	b.SetPortRelocator(rec)

	if bar := dev.Header.BARs[1]; bar.Type != BARIO || bar.Addr != 0x1000 || bar.Size != 0x20 {
		t.Fatalf("BAR1 = %+v", bar)
	}

	b.Write(sbdf, pci.BaseAddress0+4, 4, 0xffffffff)
	if got := b.Read(sbdf, pci.BaseAddress0+4, 4); got != 0xffffffe1 {
		t.Fatalf("BAR1 size probe = 0x%x, want 0xffffffe1", got)
	}
	b.Write(sbdf, pci.BaseAddress0+4, 4, 0x2000)
	if got := fn.Get(pci.BaseAddress0+4, 4); got != 0x2001 {
		t.Fatalf("hardware BAR1 = 0x%x, want 0x2001", got)
	}
	want := []portMove{{From: 0x1000, To: 0x2000, Size: 0x20}}
	if diff := cmp.Diff(want, rec.moves); diff != "" {
		t.Fatalf("port moves (-want +got):\n%s", diff)
	}
	if dev.Header.BARs[1].Addr != 0x2000 {
		t.Fatalf("BAR1 addr = 0x%x, want 0x2000", dev.Header.BARs[1].Addr)
	}
}
