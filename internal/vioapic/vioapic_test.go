package vioapic

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/vpci/internal/hv"
)

type testRouter struct {
	calls []routedCall
}

type routedCall struct {
	vector uint8
	dest   uint8
	level  bool
}

func (r *testRouter) Assert(vector, dest uint8, logical bool, deliveryMode uint8, level bool) {
	r.calls = append(r.calls, routedCall{vector: vector, dest: dest, level: level})
}

func TestVersionRegister(t *testing.T) {
	dev := New(24)

	writeIndex(t, dev, versionRegister)
	value := readData(t, dev)
	if got, want := value&0xff, uint32(version); got != want {
		t.Fatalf("version register = 0x%x, want 0x%x", got, want)
	}
	if got, want := (value>>16)&0xff, uint32(23); got != want {
		t.Fatalf("max redirection entry = %d, want %d", got, want)
	}
}

func TestDeliversEdgeInterrupts(t *testing.T) {
	dev := New(24)
	router := &testRouter{}
	dev.SetRouting(router)

	programRedirection(t, dev, 0, 0x45, false, false)

	dev.SetIRQ(0, true)
	if len(router.calls) != 1 {
		t.Fatalf("expected one interrupt, got %d", len(router.calls))
	}
	if router.calls[0].vector != 0x45 {
		t.Fatalf("unexpected vector 0x%x", router.calls[0].vector)
	}

	dev.SetIRQ(0, true)
	if len(router.calls) != 1 {
		t.Fatalf("unexpected retrigger while line high")
	}

	dev.SetIRQ(0, false)
	dev.SetIRQ(0, true)
	if len(router.calls) != 2 {
		t.Fatalf("expected second interrupt, got %d", len(router.calls))
	}
}

func TestLevelInterruptRequiresEOI(t *testing.T) {
	dev := New(24)
	router := &testRouter{}
	dev.SetRouting(router)
	var eois []uint32
	dev.SetEOIHandler(func(gsi uint32) { eois = append(eois, gsi) })

	const line = 5
	const vector = 0x55
	programRedirection(t, dev, line, vector, true, false)
	if !dev.TriggerLevel(line) {
		t.Fatalf("pin %d not level triggered", line)
	}

	dev.SetIRQ(line, true)
	if len(router.calls) != 1 || !router.calls[0].level {
		t.Fatalf("expected first level interrupt, got %+v", router.calls)
	}

	dev.SetIRQ(line, false)
	dev.SetIRQ(line, true)
	if len(router.calls) != 1 {
		t.Fatalf("level interrupt fired without EOI")
	}

	dev.HandleEOI(vector)
	if len(router.calls) != 2 {
		t.Fatalf("expected second interrupt after EOI, got %d", len(router.calls))
	}
	if len(eois) != 1 || eois[0] != line {
		t.Fatalf("eoi hook = %v, want [%d]", eois, line)
	}
}

func TestEOIHookCanDeassert(t *testing.T) {
	dev := New(24)
	router := &testRouter{}
	dev.SetRouting(router)
	dev.Program(20, 0x60, 0, false, true, false)
	dev.SetEOIHandler(func(gsi uint32) { dev.SetIRQ(gsi, false) })

	dev.SetIRQ(20, true)
	dev.HandleEOI(0x60)
	if len(router.calls) != 1 {
		t.Fatalf("calls = %d, want 1 after deasserting EOI", len(router.calls))
	}
	if got := dev.Delivered(20); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
}

func TestMaskedPinDoesNotDeliver(t *testing.T) {
	dev := New(24)
	router := &testRouter{}
	dev.SetRouting(router)
	programRedirection(t, dev, 3, 0x33, false, true)

	dev.SetIRQ(3, true)
	if len(router.calls) != 0 {
		t.Fatalf("masked pin delivered")
	}
	programRedirection(t, dev, 3, 0x33, false, false)
	if len(router.calls) != 1 {
		t.Fatalf("unmask with line high did not deliver an edge")
	}
}

func programRedirection(t *testing.T, dev *IOAPIC, line uint32, vector byte, level bool, masked bool) {
	t.Helper()
	low := uint32(vector)
	if level {
		low |= 1 << 15
	}
	if masked {
		low |= 1 << 16
	}

	writeIndex(t, dev, redirectionTableBase+uint8(line*2))
	writeData(t, dev, low)

	writeIndex(t, dev, redirectionTableBase+uint8(line*2)+1)
	writeData(t, dev, 0)
}

func writeIndex(t *testing.T, dev *IOAPIC, index uint8) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(index))
	if err := dev.WriteMMIO(hv.VCPUContext(0), BaseAddress+registerSelect, buf); err != nil {
		t.Fatalf("write select: %v", err)
	}
}

func writeData(t *testing.T, dev *IOAPIC, value uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := dev.WriteMMIO(hv.VCPUContext(0), BaseAddress+registerData, buf); err != nil {
		t.Fatalf("write data: %v", err)
	}
}

func readData(t *testing.T, dev *IOAPIC) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := dev.ReadMMIO(hv.VCPUContext(0), BaseAddress+registerData, buf); err != nil {
		t.Fatalf("read data: %v", err)
	}
	return binary.LittleEndian.Uint32(buf)
}
