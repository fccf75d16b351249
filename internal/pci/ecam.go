package pci

// ECAM window decoding. Each function owns 4 KiB of the window, each bus 1 MiB.

// DecodeECAM splits an offset into the ECAM window into the function it
// addresses (segment and bus base not applied) and the register offset.
func DecodeECAM(offset uint64) (SBDF, uint16) {
	bdf := SBDF((offset & 0x0fff_f000) >> 12)
	return bdf, uint16(offset & 0xfff)
}

// ECAMOffset is the inverse of DecodeECAM for bus-relative addressing.
func ECAMOffset(sbdf SBDF, reg uint16) uint64 {
	return uint64(sbdf.BDF())<<12 | uint64(reg&0xfff)
}

// Configuration mechanism #1 (ports 0xcf8/0xcfc).
const (
	ConfigAddressPort = 0xcf8
	ConfigDataPort    = 0xcfc
	configEnableBit   = 1 << 31
)

// DecodeCF8 returns the function and register selected by a CF8 address
// latch combined with the byte offset of the data port access. Bits 24-27 of
// the latch carry the high nibble of the extended register (AMD extension).
func DecodeCF8(latch uint32, dataOffset uint16) (SBDF, uint16, bool) {
	if latch&configEnableBit == 0 {
		return 0, 0, false
	}
	bdf := SBDF((latch >> 8) & 0xffff)
	reg := uint16(latch&0xfc) | uint16((latch>>16)&0xf00)
	return bdf, reg + dataOffset, true
}
