package pci

import (
	"fmt"
	"regexp"
	"strconv"
)

// SBDF packs segment, bus, device and function the way the PCI config
// mechanism addresses a function: seg<<16 | bus<<8 | dev<<3 | fn.
type SBDF uint32

// InvalidSBDF marks an unassigned guest address.
const InvalidSBDF = SBDF(^uint32(0))

var sbdfPattern = regexp.MustCompile(`^(?:([\da-fA-F]{4}):)?([\da-fA-F]{2}):([\da-fA-F]{2})\.([0-7])$`)

// NewSBDF builds an SBDF from its components.
func NewSBDF(seg uint16, bus, dev, fn uint8) SBDF {
	return SBDF(uint32(seg)<<16 | uint32(bus)<<8 | uint32(dev&0x1f)<<3 | uint32(fn&0x7))
}

// ParseSBDF parses "ssss:bb:dd.f" or "bb:dd.f" as printed by lspci and sysfs.
func ParseSBDF(s string) (SBDF, error) {
	m := sbdfPattern.FindStringSubmatch(s)
	if m == nil {
		return InvalidSBDF, fmt.Errorf("pci: failed to parse address %q", s)
	}
	var seg uint64
	if m[1] != "" {
		seg, _ = strconv.ParseUint(m[1], 16, 16)
	}
	bus, _ := strconv.ParseUint(m[2], 16, 8)
	dev, _ := strconv.ParseUint(m[3], 16, 8)
	fn, _ := strconv.ParseUint(m[4], 8, 8)
	if dev > 0x1f {
		return InvalidSBDF, fmt.Errorf("pci: device number out of range in %q", s)
	}
	return NewSBDF(uint16(seg), uint8(bus), uint8(dev), uint8(fn)), nil
}

func (s SBDF) Seg() uint16  { return uint16(s >> 16) }
func (s SBDF) Bus() uint8   { return uint8(s >> 8) }
func (s SBDF) Dev() uint8   { return uint8(s>>3) & 0x1f }
func (s SBDF) Fn() uint8    { return uint8(s) & 0x7 }
func (s SBDF) DevFn() uint8 { return uint8(s) }
func (s SBDF) BDF() uint16  { return uint16(s) }

func (s SBDF) String() string {
	if s == InvalidSBDF {
		return "invalid"
	}
	return fmt.Sprintf("%04x:%02x:%02x.%x", s.Seg(), s.Bus(), s.Dev(), s.Fn())
}

// MarshalText implements encoding.TextMarshaler.
func (s SBDF) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SBDF) UnmarshalText(text []byte) error {
	v, err := ParseSBDF(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
