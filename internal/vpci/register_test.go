package vpci

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/vpci/internal/pci"
)

func TestAddRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	dev := bareDevice(env.hwdom, pci.NewSBDF(0, 0, 1, 0))

	tests := []struct {
		name                   string
		read                   ReadFunc
		write                  WriteFunc
		offset                 uint16
		size                   uint8
		ro, rw1c, rsvdp, rsvdz uint32
	}{
		{name: "size 3", read: HWRead32, offset: 0x40, size: 3},
		{name: "size 8", read: HWRead32, offset: 0x40, size: 8},
		{name: "unaligned", read: HWRead32, offset: 0x42, size: 4},
		{name: "beyond extended space", read: HWRead32, offset: pci.ConfigSpaceSize, size: 4},
		{name: "no callbacks", offset: 0x40, size: 4},
		{name: "ro and rw1c", read: HWRead32, offset: 0x40, size: 4, ro: 1, rw1c: 1},
		{name: "ro and rsvdp", read: HWRead32, offset: 0x40, size: 4, ro: 2, rsvdp: 2},
		{name: "ro and rsvdz", read: HWRead32, offset: 0x40, size: 4, ro: 4, rsvdz: 4},
		{name: "rw1c and rsvdp", read: HWRead32, offset: 0x40, size: 4, rw1c: 8, rsvdp: 8},
		{name: "rw1c and rsvdz", read: HWRead32, offset: 0x40, size: 4, rw1c: 0x10, rsvdz: 0x10},
		{name: "rsvdp and rsvdz", read: HWRead32, offset: 0x40, size: 4, rsvdp: 0x20, rsvdz: 0x20},
		{name: "mask wider than byte", read: HWRead8, offset: 0x40, size: 1, ro: 0x100},
		{name: "mask wider than word", read: HWRead16, offset: 0x40, size: 2, rsvdz: 0x10000},
	}
	for _, tt := range tests {
		err := dev.AddRegisterMask(tt.read, tt.write, tt.offset, tt.size, nil, tt.ro, tt.rw1c, tt.rsvdp, tt.rsvdz)
		wantErr(t, err, ErrInvalid, "%s", tt.name)
	}
	if n := len(dev.Registers()); n != 0 {
		t.Fatalf("%d registers after rejected adds, want 0", n)
	}
}

func TestAddRegisterMaskDisjointness(t *testing.T) {
	env := newTestEnv(t)
	dev := bareDevice(env.hwdom, pci.NewSBDF(0, 0, 1, 0))

	// Every pair of masks sharing a bit is rejected at every size.
	for _, size := range []uint8{1, 2, 4} {
		for bit := 0; bit < 8*int(size); bit++ {
			m := uint32(1) << bit
			for i := 0; i < 4; i++ {
				for j := i + 1; j < 4; j++ {
					var masks [4]uint32
					masks[i], masks[j] = m, m
					err := dev.AddRegisterMask(HWRead32, nil, 0x40, size, nil, masks[0], masks[1], masks[2], masks[3])
					wantErr(t, err, ErrInvalid, "size %d bit %d masks %d/%d", size, bit, i, j)
				}
			}
		}
	}
}

func TestAddRegisterOverlap(t *testing.T) {
	env := newTestEnv(t)
	dev := bareDevice(env.hwdom, pci.NewSBDF(0, 0, 1, 0))

	mustAdd(t, dev.AddRegister(HWRead32, nil, 0x40, 4, nil))
	wantErr(t, dev.AddRegister(HWRead32, nil, 0x40, 4, nil), ErrExist, "exact overlap")
	wantErr(t, dev.AddRegister(HWRead16, nil, 0x42, 2, nil), ErrExist, "inner overlap")
	wantErr(t, dev.AddRegister(HWRead8, nil, 0x43, 1, nil), ErrExist, "last byte")
	mustAdd(t, dev.AddRegister(HWRead8, nil, 0x44, 1, nil))
	mustAdd(t, dev.AddRegister(HWRead16, nil, 0x3e, 2, nil))

	wantErr(t, dev.RemoveRegister(0x40, 2), ErrNotExist, "size mismatch")
	wantErr(t, dev.RemoveRegister(0x42, 2), ErrNotExist, "inside a register")
	if err := dev.RemoveRegister(0x40, 4); err != nil {
		t.Fatalf("RemoveRegister(0x40, 4): %v", err)
	}
	mustAdd(t, dev.AddRegister(HWRead16, nil, 0x42, 2, nil))

	want := []RegisterInfo{
		{Offset: 0x3e, Size: 2},
		{Offset: 0x42, Size: 2},
		{Offset: 0x44, Size: 1},
	}
	if diff := cmp.Diff(want, dev.Registers()); diff != "" {
		t.Fatalf("Registers() mismatch (-want +got):\n%s", diff)
	}
}

func TestRegisterSetNeverOverlaps(t *testing.T) {
	env := newTestEnv(t)
	dev := bareDevice(env.hwdom, pci.NewSBDF(0, 0, 1, 0))
	rng := rand.New(rand.NewSource(1))
	sizes := []uint8{1, 2, 4}

	for i := 0; i < 2000; i++ {
		size := sizes[rng.Intn(len(sizes))]
		offset := uint16(rng.Intn(0x80)) &^ uint16(size-1)
		if rng.Intn(3) == 0 {
			_ = dev.RemoveRegister(offset, size)
		} else {
			_ = dev.AddRegister(HWRead32, nil, offset, size, nil)
		}

		regs := dev.Registers()
		for j := 1; j < len(regs); j++ {
			prev, cur := regs[j-1], regs[j]
			if prev.Offset+prev.Size > cur.Offset {
				t.Fatalf("step %d: [%#x,+%d) overlaps [%#x,+%d)", i, prev.Offset, prev.Size, cur.Offset, cur.Size)
			}
		}
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		data, val    uint32
		size, offset uint16
		want         uint32
	}{
		{0xffffffff, 0x12, 1, 0, 0xffffff12},
		{0xffffffff, 0x12, 1, 3, 0x12ffffff},
		{0xffffffff, 0xabcd, 2, 1, 0xffabcdff},
		{0x00000000, 0xffffffff, 2, 2, 0xffff0000},
		{0x11223344, 0xaabbccdd, 4, 0, 0xaabbccdd},
		// Stale bits are replaced, not ORed.
		{0xffffffff, 0x00, 1, 1, 0xffff00ff},
	}
	for _, tt := range tests {
		if got := merge(tt.data, tt.val, tt.size, tt.offset); got != tt.want {
			t.Fatalf("merge(0x%x, 0x%x, %d, %d) = 0x%x, want 0x%x", tt.data, tt.val, tt.size, tt.offset, got, tt.want)
		}
	}
}
