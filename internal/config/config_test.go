package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/vpci/internal/pci"
)

const sample = `
cpus: 2
ecam:
  endBus: 3
readOnly: ["0000:00:1f.0"]
devices:
  - sbdf: "0000:03:00.0"
    vendor: 0x8086
    device: 0x10fb
    command: 0x2
    bars:
      - {index: 0, base: 0xfe000000, size: 0x4000, mem64: true}
    msix: {entries: 8, tableBIR: 0, tableOffset: 0x2000, pbaBIR: 0, pbaOffset: 0x3000}
    sriov:
      totalVFs: 2
      offset: 0x100
      stride: 2
      vfDevice: 0x10ed
      bars:
        - {index: 0, base: 0xfd000000, size: 0x4000}
domains:
  - {id: 0, hardware: true, vcpus: 2, assign: ["0000:03:00.0"]}
  - id: 3
    vectorHashing: true
    assign: ["0000:04:00.0"]
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Version != 1 || cfg.Backend != BackendMemory || cfg.CPUs != 2 {
		t.Fatalf("defaults = version %d backend %q cpus %d", cfg.Version, cfg.Backend, cfg.CPUs)
	}
	if cfg.ECAM.Base != defaultECAMBase || cfg.ECAM.EndBus != 3 {
		t.Fatalf("ecam = %+v", cfg.ECAM)
	}
	if diff := cmp.Diff([]pci.SBDF{pci.NewSBDF(0, 0, 0x1f, 0)}, cfg.ReadOnly); diff != "" {
		t.Fatalf("readOnly (-want +got):\n%s", diff)
	}

	dev := cfg.Devices[0]
	if dev.Vendor != 0x8086 || dev.MSIX == nil || dev.MSIX.TableOffset != 0x2000 {
		t.Fatalf("device = %+v", dev)
	}
	want := []pci.SBDF{pci.NewSBDF(0, 4, 0, 0), pci.NewSBDF(0, 4, 0, 2)}
	if diff := cmp.Diff(want, dev.VFs()); diff != "" {
		t.Fatalf("VFs (-want +got):\n%s", diff)
	}

	if got := cfg.Domains[1]; got.VCPUs != 1 || !got.VectorHashing || got.Hardware {
		t.Fatalf("domain 3 = %+v", got)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
	}{
		{"no domains", `devices: []`},
		{"unknown backend", "backend: pcap\ndomains: [{id: 0}]"},
		{"unknown device", `domains: [{id: 1, assign: ["0000:05:00.0"]}]`},
		{"double assignment", `
devices: [{sbdf: "0000:05:00.0", vendor: 1, device: 2}]
domains:
  - {id: 1, assign: ["0000:05:00.0"]}
  - {id: 2, assign: ["0000:05:00.0"]}`},
		{"two hardware domains", `domains: [{id: 0, hardware: true}, {id: 1, hardware: true}]`},
		{"duplicate domain", `domains: [{id: 1}, {id: 1}]`},
		{"bar size", `
devices: [{sbdf: "0000:05:00.0", vendor: 1, device: 2, bars: [{index: 0, base: 0x1000, size: 0x3000}]}]
domains: [{id: 0}]`},
		{"msi vectors", `
devices: [{sbdf: "0000:05:00.0", vendor: 1, device: 2, msi: {vectors: 3}}]
domains: [{id: 0}]`},
		{"sysfs devices", `
backend: sysfs
devices: [{sbdf: "0000:05:00.0", vendor: 1, device: 2}]
domains: [{id: 0}]`},
		{"pirqs below gsis", `domains: [{id: 0, pirqs: 16, gsis: 48}]`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.yaml)); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Parse = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.yaml")
	if err := os.WriteFile(path, []byte("backend: sysfs\ndomains: [{id: 0, hardware: true}]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SysfsRoot == "" {
		t.Fatalf("sysfs root not defaulted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load(missing) succeeded")
	}
}

func TestParseTrace(t *testing.T) {
	tr, err := ParseTrace([]byte(`
steps:
  - {op: write, sbdf: "0000:00:00.0", reg: 0x4, size: 2, val: 0x2}
  - {op: read, sbdf: "0000:00:00.0", reg: 0x0, expect: 0x10fb8086}
  - {op: fire, dom: 1, pirq: 255}
  - {op: expect-pending, dom: 1, vcpu: 1, vector: 0x45}
`))
	if err != nil {
		t.Fatalf("ParseTrace: %v", err)
	}
	if got := tr.Steps[1]; got.Size != 4 || got.Expect == nil || *got.Expect != 0x10fb8086 {
		t.Fatalf("read step = %+v", got)
	}
	if got := tr.Steps[3]; got.Op != OpExpectPending || got.Vector != 0x45 || got.Domain != 1 {
		t.Fatalf("expect step = %+v", got)
	}

	for _, bad := range []string{
		"steps: [{op: poke}]",
		"steps: [{op: read, size: 3}]",
		"steps: [{op: pio-read, addr: 0x10000}]",
		"steps: [{op: pio-write, addr: 0xcfc, size: 8}]",
	} {
		if _, err := ParseTrace([]byte(bad)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("ParseTrace(%q) = %v, want ErrInvalid", bad, err)
		}
	}
}
