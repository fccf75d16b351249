package hostpci

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vpci/internal/pci"
)

// DefaultSysfsRoot is where Linux exposes PCI functions.
const DefaultSysfsRoot = "/sys/bus/pci/devices"

// Sysfs accesses config space through /sys/bus/pci/devices/<sbdf>/config and
// BAR windows through the resourceN files.
type Sysfs struct {
	root string

	mu    sync.Mutex
	files map[string]int
}

// NewSysfs returns a backend rooted at root (DefaultSysfsRoot if empty).
func NewSysfs(root string) *Sysfs {
	if root == "" {
		root = DefaultSysfsRoot
	}
	return &Sysfs{root: root, files: make(map[string]int)}
}

func (s *Sysfs) path(sbdf pci.SBDF, name string) string {
	return filepath.Join(s.root, sbdf.String(), name)
}

func (s *Sysfs) fd(path string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fd, ok := s.files[path]; ok {
		return fd, nil
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		// Unprivileged users may only read the first 64 bytes; keep going read-only.
		fd, err = unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return -1, fmt.Errorf("hostpci: open %s: %w", path, err)
		}
	}
	s.files[path] = fd
	return fd, nil
}

func (s *Sysfs) ReadConfig(sbdf pci.SBDF, reg uint16, size uint8) uint32 {
	fd, err := s.fd(s.path(sbdf, "config"))
	if err != nil {
		return pci.MaskSize(int(size))
	}
	var buf [4]byte
	n, err := unix.Pread(fd, buf[:size], int64(reg))
	if err != nil || n != int(size) {
		return pci.MaskSize(int(size))
	}
	return binary.LittleEndian.Uint32(buf[:]) & pci.MaskSize(int(size))
}

func (s *Sysfs) WriteConfig(sbdf pci.SBDF, reg uint16, size uint8, value uint32) {
	fd, err := s.fd(s.path(sbdf, "config"))
	if err != nil {
		return
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if _, err := unix.Pwrite(fd, buf[:size], int64(reg)); err != nil {
		slog.Warn("hostpci: config write failed", "sbdf", sbdf, "reg", reg, "size", size, "err", err)
	}
}

// Resources parses the "resource" file: one "start end flags" line per
// resource, BARs first, then the ROM and the SR-IOV windows.
func (s *Sysfs) Resources(sbdf pci.SBDF) ([]Resource, error) {
	f, err := os.Open(s.path(sbdf, "resource"))
	if err != nil {
		return nil, fmt.Errorf("hostpci: %v resources: %w", sbdf, err)
	}
	defer f.Close()

	var res []Resource
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			continue
		}
		var vals [3]uint64
		for i, field := range fields {
			v, err := strconv.ParseUint(field, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("hostpci: %v resources: parse %q: %w", sbdf, field, err)
			}
			vals[i] = v
		}
		res = append(res, Resource{Start: vals[0], End: vals[1], Flags: vals[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("hostpci: %v resources: %w", sbdf, err)
	}
	return res, nil
}

func (s *Sysfs) ReadResource(sbdf pci.SBDF, index int, offset uint64, size uint8) (uint64, error) {
	fd, err := s.fd(s.path(sbdf, fmt.Sprintf("resource%d", index)))
	if err != nil {
		return ^uint64(0), err
	}
	var buf [8]byte
	if _, err := unix.Pread(fd, buf[:size], int64(offset)); err != nil {
		return ^uint64(0), fmt.Errorf("hostpci: %v resource%d read at 0x%x: %w", sbdf, index, offset, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (s *Sysfs) WriteResource(sbdf pci.SBDF, index int, offset uint64, size uint8, value uint64) error {
	fd, err := s.fd(s.path(sbdf, fmt.Sprintf("resource%d", index)))
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if _, err := unix.Pwrite(fd, buf[:size], int64(offset)); err != nil {
		return fmt.Errorf("hostpci: %v resource%d write at 0x%x: %w", sbdf, index, offset, err)
	}
	return nil
}

// Devices enumerates the functions under the sysfs root. Virtual functions
// carry a physfn link to their parent.
func (s *Sysfs) Devices() ([]Info, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("hostpci: enumerate %s: %w", s.root, err)
	}
	var infos []Info
	for _, entry := range entries {
		sbdf, err := pci.ParseSBDF(entry.Name())
		if err != nil {
			continue
		}
		info := Info{SBDF: sbdf, PhysFn: pci.InvalidSBDF}
		if link, err := os.Readlink(filepath.Join(s.root, entry.Name(), "physfn")); err == nil {
			if pf, err := pci.ParseSBDF(filepath.Base(link)); err == nil {
				info.IsVirtfn = true
				info.PhysFn = pf
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Close releases every cached file descriptor.
func (s *Sysfs) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for path, fd := range s.files {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("hostpci: close %s: %w", path, err)
		}
		delete(s.files, path)
	}
	return firstErr
}

var _ Backend = (*Sysfs)(nil)
