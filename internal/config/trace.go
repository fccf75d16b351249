package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vpci/internal/pci"
)

// Op names the action of a trace step.
type Op string

const (
	// OpRead and OpWrite are config space accesses through the domain's ECAM
	// window. SBDF is the address the domain sees.
	OpRead  Op = "read"
	OpWrite Op = "write"
	// OpMMIORead and OpMMIOWrite access guest physical memory, where the
	// MSI-X tables live.
	OpMMIORead  Op = "mmio-read"
	OpMMIOWrite Op = "mmio-write"
	// OpPIORead and OpPIOWrite access the I/O port at Addr: the CF8/CFC
	// configuration ports or a passed-through I/O BAR.
	OpPIORead  Op = "pio-read"
	OpPIOWrite Op = "pio-write"
	// OpFire raises the host interrupt bound to Pirq of the domain.
	OpFire Op = "fire"
	// OpAck acknowledges the highest pending vector of VCPU, OpEOI ends it.
	OpAck Op = "ack"
	OpEOI Op = "eoi"
	// OpDrain runs the softirq queue of CPU.
	OpDrain Op = "drain"
	// OpCPUDead takes CPU offline.
	OpCPUDead Op = "cpu-dead"
	// OpAssign and OpDeassign move SBDF in and out of the domain.
	OpAssign   Op = "assign"
	OpDeassign Op = "deassign"
	// OpExpectPending checks that Vector is pending on VCPU.
	OpExpectPending Op = "expect-pending"
)

// Step is one line of a replay trace.
type Step struct {
	Op     Op       `yaml:"op"`
	Domain uint16   `yaml:"dom,omitempty"`
	SBDF   pci.SBDF `yaml:"sbdf,omitempty"`
	Reg    uint16   `yaml:"reg,omitempty"`
	Addr   uint64   `yaml:"addr,omitempty"`
	Size   int      `yaml:"size,omitempty"`
	Value  uint64   `yaml:"val,omitempty"`
	// Expect, when set, is compared against the value a read returns.
	Expect *uint64 `yaml:"expect,omitempty"`
	Pirq   int     `yaml:"pirq,omitempty"`
	VCPU   int     `yaml:"vcpu,omitempty"`
	CPU    int     `yaml:"cpu,omitempty"`
	Vector uint8   `yaml:"vector,omitempty"`
}

// Trace is a sequence of steps replayed against a system.
type Trace struct {
	Steps []Step `yaml:"steps"`
}

func (s *Step) validate() error {
	switch s.Op {
	case OpRead, OpWrite, OpMMIORead, OpMMIOWrite:
		if s.Size == 0 {
			s.Size = 4
		}
	case OpPIORead, OpPIOWrite:
		if s.Size == 0 {
			s.Size = 4
		}
		if s.Size > 4 || s.Addr > 0xffff {
			return fmt.Errorf("port access of %d bytes at %#x", s.Size, s.Addr)
		}
	case OpFire, OpAck, OpEOI, OpDrain, OpCPUDead, OpAssign, OpDeassign, OpExpectPending:
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	switch s.Size {
	case 0, 1, 2, 4, 8:
	default:
		return fmt.Errorf("access size %d", s.Size)
	}
	return nil
}

// ParseTrace decodes a trace and fills in default access sizes.
func ParseTrace(data []byte) (*Trace, error) {
	var tr Trace
	if err := yaml.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("parse trace: %w", err)
	}
	for i := range tr.Steps {
		if err := tr.Steps[i].validate(); err != nil {
			return nil, fmt.Errorf("%w: step %d: %w", ErrInvalid, i, err)
		}
	}
	return &tr, nil
}

// LoadTrace reads the trace at path.
func LoadTrace(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	tr, err := ParseTrace(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tr, nil
}
