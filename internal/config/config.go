// Package config loads the YAML description of an emulated system: the host
// functions of the backend, the domains and the devices assigned to them.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vpci/internal/hostpci"
	"github.com/tinyrange/vpci/internal/pci"
)

const (
	BackendMemory = "memory"
	BackendSysfs  = "sysfs"

	defaultECAMBase = 0xe0000000
)

var ErrInvalid = errors.New("config: invalid")

// Config is the top level of a system description.
type Config struct {
	Version int `yaml:"version"`
	// CPUs is the number of physical CPUs interrupts are routed to.
	CPUs    int    `yaml:"cpus,omitempty"`
	Backend string `yaml:"backend,omitempty"`
	// SysfsRoot overrides hostpci.DefaultSysfsRoot.
	SysfsRoot string `yaml:"sysfsRoot,omitempty"`
	// Workers starts one softirq worker per CPU instead of draining inline.
	Workers bool `yaml:"workers,omitempty"`

	ECAM     ECAM       `yaml:"ecam"`
	ReadOnly []pci.SBDF `yaml:"readOnly,omitempty"`
	Devices  []Device   `yaml:"devices,omitempty"`
	Domains  []Domain   `yaml:"domains"`
}

type ECAM struct {
	Base     uint64 `yaml:"base,omitempty"`
	Segment  uint16 `yaml:"segment,omitempty"`
	StartBus uint8  `yaml:"startBus,omitempty"`
	EndBus   uint8  `yaml:"endBus,omitempty"`
}

// Device is a function of the in-memory backend.
type Device struct {
	SBDF    pci.SBDF `yaml:"sbdf"`
	Vendor  uint16   `yaml:"vendor"`
	Device  uint16   `yaml:"device"`
	Command uint16   `yaml:"command,omitempty"`

	BARs  []BAR  `yaml:"bars,omitempty"`
	ROM   *ROM   `yaml:"rom,omitempty"`
	MSI   *MSI   `yaml:"msi,omitempty"`
	MSIX  *MSIX  `yaml:"msix,omitempty"`
	SRIOV *SRIOV `yaml:"sriov,omitempty"`
}

type BAR struct {
	Index    int    `yaml:"index"`
	Base     uint64 `yaml:"base"`
	Size     uint64 `yaml:"size"`
	Mem64    bool   `yaml:"mem64,omitempty"`
	Prefetch bool   `yaml:"prefetch,omitempty"`
	// Port places an I/O BAR instead of a memory one.
	Port uint32 `yaml:"port,omitempty"`
}

type ROM struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

type MSI struct {
	Vectors  int  `yaml:"vectors"`
	Addr64   bool `yaml:"addr64,omitempty"`
	Maskable bool `yaml:"maskable,omitempty"`
}

type MSIX struct {
	Entries     int    `yaml:"entries"`
	TableBIR    int    `yaml:"tableBIR"`
	TableOffset uint32 `yaml:"tableOffset"`
	PBABIR      int    `yaml:"pbaBIR"`
	PBAOffset   uint32 `yaml:"pbaOffset"`
}

// SRIOV adds the capability and creates the virtual functions in the
// backend. VFs are numbered from the PF's routing ID plus Offset, Stride
// apart.
type SRIOV struct {
	TotalVFs uint16 `yaml:"totalVFs"`
	Offset   uint16 `yaml:"offset"`
	Stride   uint16 `yaml:"stride"`
	VFDevice uint16 `yaml:"vfDevice"`
	BARs     []BAR  `yaml:"bars,omitempty"`
}

type Domain struct {
	ID            uint16     `yaml:"id"`
	Hardware      bool       `yaml:"hardware,omitempty"`
	VCPUs         int        `yaml:"vcpus,omitempty"`
	Pirqs         int        `yaml:"pirqs,omitempty"`
	GSIs          int        `yaml:"gsis,omitempty"`
	VectorHashing bool       `yaml:"vectorHashing,omitempty"`
	Assign        []pci.SBDF `yaml:"assign,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.CPUs <= 0 {
		c.CPUs = 1
	}
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.Backend == BackendSysfs && c.SysfsRoot == "" {
		c.SysfsRoot = hostpci.DefaultSysfsRoot
	}
	if c.ECAM.Base == 0 {
		c.ECAM.Base = defaultECAMBase
	}
	if c.ECAM.EndBus < c.ECAM.StartBus {
		c.ECAM.EndBus = c.ECAM.StartBus
	}
	for i := range c.Domains {
		if c.Domains[i].VCPUs <= 0 {
			c.Domains[i].VCPUs = 1
		}
	}
}

// Validate reports the first inconsistency of a normalized config.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendSysfs:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	if c.Backend == BackendSysfs && len(c.Devices) != 0 {
		return fmt.Errorf("%w: devices can only be declared for the %s backend", ErrInvalid, BackendMemory)
	}

	known := make(map[pci.SBDF]bool)
	for _, dev := range c.Devices {
		if known[dev.SBDF] {
			return fmt.Errorf("%w: device %v declared twice", ErrInvalid, dev.SBDF)
		}
		known[dev.SBDF] = true
		if err := dev.validate(); err != nil {
			return fmt.Errorf("%w: device %v: %w", ErrInvalid, dev.SBDF, err)
		}
		for _, vf := range dev.VFs() {
			known[vf] = true
		}
	}

	if len(c.Domains) == 0 {
		return fmt.Errorf("%w: no domains", ErrInvalid)
	}
	ids := make(map[uint16]bool)
	owner := make(map[pci.SBDF]uint16)
	hardware := 0
	for _, d := range c.Domains {
		if ids[d.ID] {
			return fmt.Errorf("%w: domain %d declared twice", ErrInvalid, d.ID)
		}
		ids[d.ID] = true
		if d.Hardware {
			hardware++
		}
		if d.Pirqs != 0 && d.GSIs > d.Pirqs {
			return fmt.Errorf("%w: domain %d: %d pirqs cannot cover %d GSIs", ErrInvalid, d.ID, d.Pirqs, d.GSIs)
		}
		for _, sbdf := range d.Assign {
			if c.Backend == BackendMemory && !known[sbdf] {
				return fmt.Errorf("%w: domain %d: unknown device %v", ErrInvalid, d.ID, sbdf)
			}
			if prev, ok := owner[sbdf]; ok {
				return fmt.Errorf("%w: %v assigned to domains %d and %d", ErrInvalid, sbdf, prev, d.ID)
			}
			owner[sbdf] = d.ID
		}
	}
	if hardware > 1 {
		return fmt.Errorf("%w: %d hardware domains", ErrInvalid, hardware)
	}
	return nil
}

func (d *Device) validate() error {
	for _, bar := range d.BARs {
		if bar.Index < 0 || bar.Index >= pci.NumBARs {
			return fmt.Errorf("BAR index %d out of range", bar.Index)
		}
		if bar.Size == 0 || bar.Size&(bar.Size-1) != 0 {
			return fmt.Errorf("BAR %d size %#x is not a power of two", bar.Index, bar.Size)
		}
		if bar.Mem64 && bar.Index == pci.NumBARs-1 {
			return fmt.Errorf("64-bit BAR %d has no upper half", bar.Index)
		}
	}
	if d.MSI != nil {
		switch d.MSI.Vectors {
		case 1, 2, 4, 8, 16, 32:
		default:
			return fmt.Errorf("MSI vector count %d is not a power of two up to 32", d.MSI.Vectors)
		}
	}
	if d.MSIX != nil && (d.MSIX.Entries < 1 || d.MSIX.Entries > pci.MSIXFlagsQSize+1) {
		return fmt.Errorf("MSI-X table size %d out of range", d.MSIX.Entries)
	}
	if d.SRIOV != nil && d.SRIOV.TotalVFs > 1 && d.SRIOV.Stride == 0 {
		return fmt.Errorf("SR-IOV stride is zero with %d VFs", d.SRIOV.TotalVFs)
	}
	return nil
}

// VFs returns the routing IDs of the device's virtual functions.
func (d *Device) VFs() []pci.SBDF {
	if d.SRIOV == nil {
		return nil
	}
	var out []pci.SBDF
	rid := uint32(d.SBDF.BDF()) + uint32(d.SRIOV.Offset)
	for i := uint16(0); i < d.SRIOV.TotalVFs; i++ {
		out = append(out, pci.SBDF(uint32(d.SBDF.Seg())<<16|(rid&0xffff)))
		rid += uint32(d.SRIOV.Stride)
	}
	return out
}

// Parse decodes, normalizes and validates a config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
