package vpci

import (
	"fmt"

	"github.com/google/btree"

	"github.com/tinyrange/vpci/internal/pci"
)

// ReadFunc returns the value of the register at reg. It runs with the device
// lock held and must not have side effects: writes call it to merge partial
// values.
type ReadFunc func(dev *Device, reg uint16, data any) uint32

// WriteFunc stores val into the register at reg. val is already merged with
// the current value and masked to the register size.
type WriteFunc func(dev *Device, reg uint16, val uint32, data any)

type register struct {
	read   ReadFunc
	write  WriteFunc
	offset uint16
	size   uint16
	data   any

	ro    uint32
	rw1c  uint32
	rsvdp uint32
	rsvdz uint32
}

func (r *register) end() uint16 { return r.offset + r.size }

func registerLess(a, b *register) bool { return a.offset < b.offset }

func newRegisterSet() *btree.BTreeG[*register] {
	return btree.NewG(8, registerLess)
}

func ignoredRead(*Device, uint16, any) uint32 { return ^uint32(0) }

func ignoredWrite(*Device, uint16, uint32, any) {}

// ReadVal returns the uint32 stored as the register data.
func ReadVal(_ *Device, _ uint16, data any) uint32 {
	v, _ := data.(uint32)
	return v
}

// IgnoredWrite drops the write.
func IgnoredWrite(*Device, uint16, uint32, any) {}

// HWRead8 reads one byte of the physical device.
func HWRead8(dev *Device, reg uint16, _ any) uint32 { return dev.ConfRead(reg, 1) }

// HWRead16 reads two bytes of the physical device.
func HWRead16(dev *Device, reg uint16, _ any) uint32 { return dev.ConfRead(reg, 2) }

// HWRead32 reads four bytes of the physical device.
func HWRead32(dev *Device, reg uint16, _ any) uint32 { return dev.ConfRead(reg, 4) }

// HWWrite16 writes two bytes of the physical device.
func HWWrite16(dev *Device, reg uint16, val uint32, _ any) { dev.ConfWrite(reg, 2, val) }

// AddRegister registers an emulated register without bit masks.
func (d *Device) AddRegister(read ReadFunc, write WriteFunc, offset uint16, size uint8, data any) error {
	return d.AddRegisterMask(read, write, offset, size, data, 0, 0, 0, 0)
}

// AddRegisterMask registers an emulated register of size bytes at offset.
// ro bits keep their value on writes, rw1c bits clear when written as one,
// rsvdp bits read as zero and keep their value, rsvdz bits read and write as
// zero.
func (d *Device) AddRegisterMask(read ReadFunc, write WriteFunc, offset uint16, size uint8,
	data any, ro, rw1c, rsvdp, rsvdz uint32) error {
	if (size != 1 && size != 2 && size != 4) ||
		offset >= pci.ConfigSpaceSize || offset&uint16(size-1) != 0 ||
		(read == nil && write == nil) ||
		ro&rw1c != 0 || ro&rsvdp != 0 || ro&rsvdz != 0 ||
		rw1c&rsvdp != 0 || rw1c&rsvdz != 0 || rsvdp&rsvdz != 0 {
		return fmt.Errorf("%w: register 0x%x size %d", ErrInvalid, offset, size)
	}
	if size != 4 && (ro|rw1c|rsvdp|rsvdz)>>(8*uint32(size)) != 0 {
		return fmt.Errorf("%w: register 0x%x masks exceed %d bytes", ErrInvalid, offset, size)
	}

	r := &register{
		read:   read,
		write:  write,
		offset: offset,
		size:   uint16(size),
		data:   data,
		ro:     ro,
		rw1c:   rw1c,
		rsvdp:  rsvdp,
		rsvdz:  rsvdz,
	}
	if r.read == nil {
		r.read = ignoredRead
	}
	if r.write == nil {
		r.write = ignoredWrite
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.overlapping(r.offset, r.size)) != 0 {
		return fmt.Errorf("%w: register 0x%x size %d", ErrExist, offset, size)
	}
	d.regs.ReplaceOrInsert(r)
	return nil
}

// RemoveRegister removes the register registered at exactly offset and size.
func (d *Device) RemoveRegister(offset uint16, size uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.regs.Get(&register{offset: offset})
	if !ok || r.size != uint16(size) {
		return fmt.Errorf("%w: register 0x%x size %d", ErrNotExist, offset, size)
	}
	d.regs.Delete(r)
	return nil
}

// overlapping returns, in offset order, the registers intersecting
// [offset, offset+size). Callers hold d.mu.
func (d *Device) overlapping(offset, size uint16) []*register {
	var out []*register
	d.regs.DescendLessOrEqual(&register{offset: offset}, func(r *register) bool {
		if r.end() > offset {
			out = append(out, r)
		}
		return false
	})
	d.regs.AscendRange(&register{offset: offset + 1}, &register{offset: offset + size}, func(r *register) bool {
		out = append(out, r)
		return true
	})
	return out
}

// merge copies the low size bytes of val into data at byte offset.
func merge(data, val uint32, size, offset uint16) uint32 {
	mask := uint32(0xffffffff) >> (32 - 8*uint32(size))
	shift := uint32(offset) * 8
	return data&^(mask<<shift) | (val&mask)<<shift
}

// writeHelper performs a possibly partial write of size bytes at byte offset
// within r.
func (d *Device) writeHelper(r *register, size, offset uint16, data uint32) {
	var cur uint32
	preserved := r.ro | r.rsvdp

	if size != r.size || preserved != 0 {
		cur = r.read(d, r.offset, r.data)
		cur &^= r.rw1c
		data = merge(cur, data, size, offset)
	}

	data &^= preserved | r.rsvdz
	data |= cur & preserved

	r.write(d, r.offset, data&pci.MaskSize(int(r.size)), r.data)
}
