package vpci

import (
	"math/bits"

	"github.com/tinyrange/vpci/internal/pci"
)

// MSI is the emulated MSI capability of a device.
type MSI struct {
	Pos uint16

	Address uint64
	Data    uint16
	Mask    uint32

	// Vectors is the number of vectors enabled by the guest, MaxVectors
	// the number the device supports.
	Vectors    int
	MaxVectors int

	Address64 bool
	Masking   bool
	Enabled   bool

	// Pirq is the first physical interrupt bound by the arch hooks.
	Pirq  int
	Bound bool
}

// log2 of a power-of-two vector count, as encoded in the control word.
func vectorsLog2(n int) uint32 {
	if n <= 0 {
		return 0
	}
	return uint32(bits.Len(uint(n)) - 1)
}

func msiControlRead(_ *Device, _ uint16, data any) uint32 {
	msi := data.(*MSI)
	val := vectorsLog2(msi.MaxVectors)<<1 | vectorsLog2(msi.Vectors)<<4
	if msi.Enabled {
		val |= pci.MSIFlagsEnable
	}
	if msi.Masking {
		val |= pci.MSIFlagsMaskBit
	}
	if msi.Address64 {
		val |= pci.MSIFlags64Bit
	}
	return val
}

func msiControlWrite(dev *Device, reg uint16, val uint32, data any) {
	msi := data.(*MSI)
	vectors := min(int(1)<<((val&pci.MSIFlagsQSize)>>4), msi.MaxVectors)
	enable := val&pci.MSIFlagsEnable != 0
	arch := dev.bus.arch

	// Changing the vector count of a disabled function needs no binding.
	if enable == msi.Enabled && (vectors == msi.Vectors || !msi.Enabled) {
		msi.Vectors = vectors
		return
	}

	if enable {
		// Resizing an enabled function: rebind from scratch.
		if msi.Enabled {
			arch.MSIDisable(dev, msi)
			msi.Enabled = false
		}
		if err := arch.MSIEnable(dev, msi, vectors); err != nil {
			return
		}
	} else {
		arch.MSIDisable(dev, msi)
	}

	msi.Vectors = vectors
	msi.Enabled = enable

	dev.ConfWrite(reg, 2, msiControlRead(dev, reg, msi))
}

// updateMSI rebinds an enabled function after its message changed.
func updateMSI(dev *Device, msi *MSI) {
	if !msi.Enabled {
		return
	}
	arch := dev.bus.arch
	arch.MSIDisable(dev, msi)
	if err := arch.MSIEnable(dev, msi, msi.Vectors); err != nil {
		msi.Enabled = false
	}
}

func msiAddressRead(_ *Device, _ uint16, data any) uint32 {
	return uint32(data.(*MSI).Address)
}

func msiAddressWrite(dev *Device, _ uint16, val uint32, data any) {
	msi := data.(*MSI)
	msi.Address = msi.Address&^0xffffffff | uint64(val)
	updateMSI(dev, msi)
}

func msiAddressHiRead(_ *Device, _ uint16, data any) uint32 {
	return uint32(data.(*MSI).Address >> 32)
}

func msiAddressHiWrite(dev *Device, _ uint16, val uint32, data any) {
	msi := data.(*MSI)
	msi.Address = uint64(val)<<32 | msi.Address&0xffffffff
	updateMSI(dev, msi)
}

func msiDataRead(_ *Device, _ uint16, data any) uint32 {
	return uint32(data.(*MSI).Data)
}

func msiDataWrite(dev *Device, _ uint16, val uint32, data any) {
	msi := data.(*MSI)
	msi.Data = uint16(val)
	updateMSI(dev, msi)
}

func msiMaskRead(_ *Device, _ uint16, data any) uint32 {
	return data.(*MSI).Mask
}

func msiMaskWrite(dev *Device, _ uint16, val uint32, data any) {
	msi := data.(*MSI)
	changed := msi.Mask ^ val
	if changed == 0 {
		return
	}
	if msi.Enabled {
		for changed != 0 {
			i := bits.TrailingZeros32(changed)
			if i >= msi.Vectors {
				break
			}
			dev.bus.arch.MSIMask(dev, msi, i, val>>i&1 != 0)
			changed &^= 1 << i
		}
	}
	msi.Mask = val
}

func initMSI(dev *Device) error {
	pos := pci.FindCapability(dev, pci.CapIDMSI)
	if pos == 0 {
		return nil
	}

	control := dev.ConfRead(pos+pci.MSIFlags, 2)
	msi := &MSI{
		Pos:        pos,
		Address64:  control&pci.MSIFlags64Bit != 0,
		Masking:    control&pci.MSIFlagsMaskBit != 0,
		MaxVectors: 1 << ((control & pci.MSIFlagsQMask) >> 1),
		Vectors:    1,
		Pirq:       InvalidPirq,
	}
	if msi.MaxVectors > 32 {
		msi.MaxVectors = 32
	}

	type handler struct {
		read  ReadFunc
		write WriteFunc
		reg   uint16
		size  uint8
	}
	handlers := []handler{
		{msiControlRead, msiControlWrite, pos + pci.MSIFlags, 2},
		{msiAddressRead, msiAddressWrite, pos + pci.MSIAddressLo, 4},
	}
	dataReg, maskReg := pos+pci.MSIData32, pos+pci.MSIMask32
	if msi.Address64 {
		handlers = append(handlers, handler{msiAddressHiRead, msiAddressHiWrite, pos + pci.MSIAddressHi, 4})
		dataReg, maskReg = pos+pci.MSIData64, pos+pci.MSIMask64
	}
	handlers = append(handlers, handler{msiDataRead, msiDataWrite, dataReg, 2})
	if msi.Masking {
		handlers = append(handlers,
			handler{msiMaskRead, msiMaskWrite, maskReg, 4},
			handler{HWRead32, nil, maskReg + 4, 4})
	}

	for _, h := range handlers {
		var data any = msi
		if h.write == nil {
			data = nil
		}
		if err := dev.AddRegister(h.read, h.write, h.reg, h.size, data); err != nil {
			return err
		}
	}
	dev.MSI = msi
	return nil
}
