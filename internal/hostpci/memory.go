package hostpci

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/vpci/internal/pci"
)

// Memory is an in-memory host PCI hierarchy. It models writable bit masks and
// write-1-to-clear status bits so that the emulation layer can be exercised
// without hardware, and backs the "memory" backend of the CLI.
type Memory struct {
	mu    sync.Mutex
	funcs map[pci.SBDF]*MemoryFunction
}

// MemoryFunction is one function of a Memory backend.
type MemoryFunction struct {
	host *Memory
	info Info

	config [pci.ConfigSpaceSize]byte
	wmask  [pci.ConfigSpaceSize]byte
	w1c    [pci.ConfigSpaceSize]byte

	resources [NumResources]Resource
	windows   map[int][]byte

	lastCap    uint16
	nextCap    uint16
	lastExtCap uint16
	nextExtCap uint16
}

func NewMemory() *Memory {
	return &Memory{funcs: make(map[pci.SBDF]*MemoryFunction)}
}

// Add creates a type 0 function with the given IDs.
func (m *Memory) Add(sbdf pci.SBDF, vendor, device uint16) *MemoryFunction {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &MemoryFunction{
		host:       m,
		info:       Info{SBDF: sbdf, PhysFn: pci.InvalidSBDF},
		windows:    make(map[int][]byte),
		nextCap:    0x40,
		nextExtCap: 0x100,
	}
	f.put(pci.VendorID, 2, uint32(vendor))
	f.put(pci.DeviceID, 2, uint32(device))
	f.putMask(f.wmask[:], pci.Command, 2, 0x07ff)
	f.putMask(f.w1c[:], pci.Status, 2, pci.StatusRW1CMask)
	f.putMask(f.wmask[:], pci.InterruptLine, 1, 0xff)
	m.funcs[sbdf] = f
	return f
}

// AddVirtfn creates a virtual function of pf. Its vendor and device ID
// registers read as all-ones, as they do on real VFs.
func (m *Memory) AddVirtfn(sbdf, pf pci.SBDF) *MemoryFunction {
	f := m.Add(sbdf, 0xffff, 0xffff)
	m.mu.Lock()
	f.info.IsVirtfn = true
	f.info.PhysFn = pf
	m.mu.Unlock()
	return f
}

// Function returns the function at sbdf, or nil.
func (m *Memory) Function(sbdf pci.SBDF) *MemoryFunction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.funcs[sbdf]
}

func (m *Memory) ReadConfig(sbdf pci.SBDF, reg uint16, size uint8) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.funcs[sbdf]
	if f == nil || int(reg)+int(size) > pci.ConfigSpaceSize {
		return pci.MaskSize(int(size))
	}
	return f.get(reg, size)
}

func (m *Memory) WriteConfig(sbdf pci.SBDF, reg uint16, size uint8, value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.funcs[sbdf]
	if f == nil || int(reg)+int(size) > pci.ConfigSpaceSize {
		return
	}
	for i := 0; i < int(size); i++ {
		off := int(reg) + i
		b := byte(value >> (8 * i))
		cur := f.config[off]
		cur = (cur &^ f.wmask[off]) | (b & f.wmask[off])
		cur &^= b & f.w1c[off]
		f.config[off] = cur
	}
}

func (m *Memory) Resources(sbdf pci.SBDF) ([]Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.funcs[sbdf]
	if f == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, sbdf)
	}
	res := make([]Resource, len(f.resources))
	copy(res, f.resources[:])
	return res, nil
}

func (m *Memory) window(sbdf pci.SBDF, index int, offset uint64, size uint8) ([]byte, error) {
	f := m.funcs[sbdf]
	if f == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, sbdf)
	}
	w := f.windows[index]
	if w == nil || offset+uint64(size) > uint64(len(w)) {
		return nil, fmt.Errorf("%w: %v resource%d offset 0x%x", ErrNoResource, sbdf, index, offset)
	}
	return w[offset : offset+uint64(size)], nil
}

func (m *Memory) ReadResource(sbdf pci.SBDF, index int, offset uint64, size uint8) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.window(sbdf, index, offset, size)
	if err != nil {
		return ^uint64(0), err
	}
	var buf [8]byte
	copy(buf[:], w)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (m *Memory) WriteResource(sbdf pci.SBDF, index int, offset uint64, size uint8, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.window(sbdf, index, offset, size)
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	copy(w, buf[:size])
	return nil
}

func (m *Memory) Devices() ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]Info, 0, len(m.funcs))
	for _, f := range m.funcs {
		infos = append(infos, f.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].SBDF < infos[j].SBDF })
	return infos, nil
}

var _ Backend = (*Memory)(nil)

func (f *MemoryFunction) get(reg uint16, size uint8) uint32 {
	var v uint32
	for i := 0; i < int(size); i++ {
		v |= uint32(f.config[int(reg)+i]) << (8 * i)
	}
	return v
}

func (f *MemoryFunction) put(reg uint16, size uint8, value uint32) {
	f.putMask(f.config[:], reg, size, value)
}

func (f *MemoryFunction) putMask(dst []byte, reg uint16, size uint8, value uint32) {
	for i := 0; i < int(size); i++ {
		dst[int(reg)+i] = byte(value >> (8 * i))
	}
}

// SBDF returns the function address.
func (f *MemoryFunction) SBDF() pci.SBDF { return f.info.SBDF }

// Get reads raw config space, bypassing write masks.
func (f *MemoryFunction) Get(reg uint16, size uint8) uint32 {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	return f.get(reg, size)
}

// Set writes raw config space, bypassing write masks.
func (f *MemoryFunction) Set(reg uint16, size uint8, value uint32) {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	f.put(reg, size, value)
}

// SetWritable replaces the writable bit mask of a register.
func (f *MemoryFunction) SetWritable(reg uint16, size uint8, mask uint32) {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	f.putMask(f.wmask[:], reg, size, mask)
}

// SetHeaderType sets the header layout (pci.HeaderTypeNormal or Bridge).
func (f *MemoryFunction) SetHeaderType(t uint8) {
	f.Set(pci.HeaderType, 1, uint32(t))
}

// SetBAR programs BAR index with a memory window of size bytes at start.
// 64-bit BARs consume index and index+1.
func (f *MemoryFunction) SetBAR(index int, start, size uint64, mem64, prefetch bool) {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	reg := uint16(pci.BaseAddress0 + 4*index)
	flags := uint32(pci.BARMemType32)
	rflags := uint64(ResourceFlagMem)
	if mem64 {
		flags = pci.BARMemType64
		rflags |= ResourceFlagMem64
	}
	if prefetch {
		flags |= pci.BARMemPrefetch
		rflags |= ResourceFlagPrefet
	}
	f.put(reg, 4, uint32(start)|flags)
	f.putMask(f.wmask[:], reg, 4, uint32(^(size-1))&pci.BARMemMask)
	if mem64 {
		f.put(reg+4, 4, uint32(start>>32))
		f.putMask(f.wmask[:], reg+4, 4, uint32(^(size-1)>>32))
	}
	f.resources[index] = Resource{Start: start, End: start + size - 1, Flags: rflags}
	f.windows[index] = make([]byte, size)
}

// SetIOBAR programs BAR index as an I/O window.
func (f *MemoryFunction) SetIOBAR(index int, port uint32, size uint64) {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	reg := uint16(pci.BaseAddress0 + 4*index)
	f.put(reg, 4, port|pci.BARSpaceIO)
	f.putMask(f.wmask[:], reg, 4, uint32(^(size-1))&pci.BARIOMask)
	f.resources[index] = Resource{Start: uint64(port), End: uint64(port) + size - 1, Flags: ResourceFlagIO}
	f.windows[index] = make([]byte, size)
}

// Window returns the backing memory of a resource.
func (f *MemoryFunction) Window(index int) []byte {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	return f.windows[index]
}

// AddCapability appends a standard capability of length bytes and returns its
// offset. The body is writable.
func (f *MemoryFunction) AddCapability(id uint8, length int) uint16 {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	pos := f.nextCap
	f.nextCap = (pos + uint16(length) + 3) &^ 3
	f.config[pos] = id
	f.config[pos+1] = 0
	for i := 2; i < length; i++ {
		f.wmask[int(pos)+i] = 0xff
	}
	if f.lastCap == 0 {
		f.config[pci.CapabilityPtr] = byte(pos)
		f.config[pci.Status] |= pci.StatusCapList
	} else {
		f.config[f.lastCap+1] = byte(pos)
	}
	f.lastCap = pos
	return pos
}

// AddExtCapability appends a PCIe extended capability and returns its offset.
func (f *MemoryFunction) AddExtCapability(id uint16, length int) uint16 {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	pos := f.nextExtCap
	f.nextExtCap = (pos + uint16(length) + 3) &^ 3
	f.put(pos, 4, uint32(id)|1<<16)
	for i := 4; i < length; i++ {
		f.wmask[int(pos)+i] = 0xff
	}
	if f.lastExtCap != 0 {
		hdr := f.get(f.lastExtCap, 4)
		f.put(f.lastExtCap, 4, hdr&0x000f_ffff|uint32(pos)<<20)
	}
	f.lastExtCap = pos
	return pos
}

// AddMSI appends an MSI capability supporting 1<<log2Vectors vectors.
func (f *MemoryFunction) AddMSI(log2Vectors int, addr64, maskable bool) uint16 {
	length := 12
	control := uint32(log2Vectors<<1) & pci.MSIFlagsQMask
	if addr64 {
		length += 4
		control |= pci.MSIFlags64Bit
	}
	if maskable {
		length += 8
		control |= pci.MSIFlagsMaskBit
	}
	pos := f.AddCapability(pci.CapIDMSI, length)
	f.Set(pos+pci.MSIFlags, 2, control)
	f.SetWritable(pos+pci.MSIFlags, 2, pci.MSIFlagsEnable|pci.MSIFlagsQSize)
	return pos
}

// AddMSIX appends an MSI-X capability with the table and PBA in the given
// BARs.
func (f *MemoryFunction) AddMSIX(entries int, tableBIR int, tableOffset uint32, pbaBIR int, pbaOffset uint32) uint16 {
	pos := f.AddCapability(pci.CapIDMSIX, 12)
	f.Set(pos+pci.MSIXFlags, 2, uint32(entries-1)&pci.MSIXFlagsQSize)
	f.SetWritable(pos+pci.MSIXFlags, 2, pci.MSIXFlagsEnable|pci.MSIXFlagsMaskAll)
	f.Set(pos+pci.MSIXTable, 4, tableOffset|uint32(tableBIR))
	f.Set(pos+pci.MSIXPBA, 4, pbaOffset|uint32(pbaBIR))
	f.SetWritable(pos+pci.MSIXTable, 4, 0)
	f.SetWritable(pos+pci.MSIXPBA, 4, 0)
	return pos
}

// AddSRIOV appends an SR-IOV extended capability.
func (f *MemoryFunction) AddSRIOV(totalVFs, offset, stride, vfDeviceID uint16) uint16 {
	pos := f.AddExtCapability(pci.ExtCapIDSRIOV, 0x40)
	f.Set(pos+pci.SRIOVTotalVF, 2, uint32(totalVFs))
	f.Set(pos+pci.SRIOVVFOffset, 2, uint32(offset))
	f.Set(pos+pci.SRIOVVFStride, 2, uint32(stride))
	f.Set(pos+pci.SRIOVVFDID, 2, uint32(vfDeviceID))
	f.SetWritable(pos+pci.SRIOVVFOffset, 4, 0)
	f.SetWritable(pos+pci.SRIOVVFDID, 2, 0)
	return pos
}

// SetVFBAR programs VF BAR index of the SR-IOV capability at pos. perVF is
// the size of the window of one VF; the resource spans all of them.
func (f *MemoryFunction) SetVFBAR(pos uint16, index int, start, perVF uint64, mem64 bool) {
	total := uint64(f.Get(pos+pci.SRIOVTotalVF, 2))
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	reg := pos + pci.SRIOVBAR + uint16(4*index)
	flags := uint32(pci.BARMemType32)
	rflags := uint64(ResourceFlagMem)
	if mem64 {
		flags = pci.BARMemType64
		rflags |= ResourceFlagMem64
	}
	f.put(reg, 4, uint32(start)|flags)
	f.putMask(f.wmask[:], reg, 4, uint32(^(perVF-1))&pci.BARMemMask)
	if mem64 {
		f.put(reg+4, 4, uint32(start>>32))
	}
	f.resources[ResourceIOVBase+index] = Resource{
		Start: start,
		End:   start + perVF*total - 1,
		Flags: rflags,
	}
}

// SetROM programs the expansion ROM BAR of a type 0 header.
func (f *MemoryFunction) SetROM(start, size uint64) {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	f.put(pci.ROMAddress, 4, uint32(start)&pci.ROMAddressMask)
	f.putMask(f.wmask[:], pci.ROMAddress, 4, uint32(^(size-1))&pci.ROMAddressMask|pci.ROMEnable)
	f.resources[ResourceROM] = Resource{Start: start, End: start + size - 1, Flags: ResourceFlagMem}
	f.windows[ResourceROM] = make([]byte, size)
}
