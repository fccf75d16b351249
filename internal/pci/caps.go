package pci

// ConfigSpace models configuration space access for a single function.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

const (
	capListLimit    = 48
	extCapStart     = 0x100
	extCapListLimit = (ConfigSpaceSize - extCapStart) / 8
)

// FindCapability walks the standard capability list and returns the offset of
// the first capability with the given ID, or 0.
func FindCapability(cs ConfigSpace, id uint8) uint16 {
	status, err := cs.ReadConfig(Status, 2)
	if err != nil || status&StatusCapList == 0 {
		return 0
	}
	ptr, err := cs.ReadConfig(CapabilityPtr, 1)
	if err != nil {
		return 0
	}
	pos := uint16(ptr) & 0xfc
	for ttl := capListLimit; pos >= 0x40 && ttl > 0; ttl-- {
		hdr, err := cs.ReadConfig(pos, 2)
		if err != nil {
			return 0
		}
		if uint8(hdr) == 0xff {
			return 0
		}
		if uint8(hdr) == id {
			return pos
		}
		pos = uint16(hdr>>8) & 0xfc
	}
	return 0
}

// Capabilities returns the offsets of every capability in list order.
func Capabilities(cs ConfigSpace) map[uint8]uint16 {
	caps := make(map[uint8]uint16)
	status, err := cs.ReadConfig(Status, 2)
	if err != nil || status&StatusCapList == 0 {
		return caps
	}
	ptr, err := cs.ReadConfig(CapabilityPtr, 1)
	if err != nil {
		return caps
	}
	pos := uint16(ptr) & 0xfc
	for ttl := capListLimit; pos >= 0x40 && ttl > 0; ttl-- {
		hdr, err := cs.ReadConfig(pos, 2)
		if err != nil || uint8(hdr) == 0xff {
			break
		}
		if _, ok := caps[uint8(hdr)]; !ok {
			caps[uint8(hdr)] = pos
		}
		pos = uint16(hdr>>8) & 0xfc
	}
	return caps
}

// FindExtCapability walks the PCIe extended capability list.
func FindExtCapability(cs ConfigSpace, id uint16) uint16 {
	pos := uint16(extCapStart)
	for ttl := extCapListLimit; ttl > 0; ttl-- {
		hdr, err := cs.ReadConfig(pos, 4)
		if err != nil || hdr == 0 || hdr == 0xffff_ffff {
			return 0
		}
		if uint16(hdr) == id {
			return pos
		}
		pos = uint16(hdr>>20) & 0xffc
		if pos < extCapStart {
			return 0
		}
	}
	return 0
}
