package vpci

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vpci/internal/hostpci"
	"github.com/tinyrange/vpci/internal/pci"
)

// SRIOV is the emulated SR-IOV capability of a physical function.
type SRIOV struct {
	Pos uint16
	// VFBARs are the VF BAR registers of the capability. Each describes
	// the window of the first VF; VF n is at Addr + n*Size.
	VFBARs [pci.SRIOVNumBARs]BAR
}

func initPFBARs(dev *Device) error {
	pos := pci.FindExtCapability(dev, pci.ExtCapIDSRIOV)
	if pos == 0 {
		return nil
	}
	res, err := dev.bus.host.backend.Resources(dev.SBDF)
	if err != nil {
		return fmt.Errorf("%w: resources of %v: %v", ErrNoDevice, dev.SBDF, err)
	}
	total := uint64(dev.ConfRead(pos+pci.SRIOVTotalVF, 2))

	// VF BAR writes go to hardware whichever domain owns the PF; the
	// handlers only track the addresses VFs are initialized from.
	s := &SRIOV{Pos: pos}
	for i := range s.VFBARs {
		reg := pos + pci.SRIOVBAR + uint16(4*i)
		bar := &s.VFBARs[i]
		bar.index = i

		if i > 0 && s.VFBARs[i-1].Type == BARMem64Lo {
			bar.Type = BARMem64Hi
			bar.lo = &s.VFBARs[i-1]
			if err := dev.AddRegister(HWRead32, barWrite, reg, 4, bar); err != nil {
				return err
			}
			continue
		}

		val := dev.ConfRead(reg, 4)
		if val&pci.BARSpaceIO != 0 {
			slog.Warn("vpci: VF BAR is an I/O BAR, ignoring", "sbdf", dev.SBDF, "bar", i)
			bar.Type = BARIO
			continue
		}

		bar.Type = BARMem32
		addr := uint64(val & pci.BARMemMask)
		if val&pci.BARMemTypeMask == pci.BARMemType64 && i+1 < len(s.VFBARs) {
			bar.Type = BARMem64Lo
			addr |= uint64(dev.ConfRead(reg+4, 4)) << 32
		}

		var size uint64
		if idx := hostpci.ResourceIOVBase + i; idx < len(res) {
			size = res[idx].Size()
		}
		if total > 1 {
			size /= total
		}
		if size == 0 {
			bar.Type = BAREmpty
			continue
		}

		bar.Addr = addr
		bar.GuestAddr = addr
		bar.Size = size
		bar.Prefetchable = val&pci.BARMemPrefetch != 0
		if err := dev.AddRegister(HWRead32, barWrite, reg, 4, bar); err != nil {
			return err
		}
	}
	dev.SRIOV = s
	return nil
}

// physfn returns the emulated physical function of a VF.
func (d *Device) physfn() (*Device, error) {
	pf := d.bus.host.Device(d.Info.PhysFn)
	if pf == nil {
		return nil, fmt.Errorf("%w: physical function %v of %v", ErrNoDevice, d.Info.PhysFn, d.SBDF)
	}
	return pf, nil
}

func initVFBARs(dev *Device) error {
	pf, err := dev.physfn()
	if err != nil {
		return err
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.SRIOV == nil {
		return fmt.Errorf("%w: %v has no SR-IOV capability", ErrNoDevice, pf.SBDF)
	}

	pos := pf.SRIOV.Pos
	offset := int(pf.ConfRead(pos+pci.SRIOVVFOffset, 2))
	stride := int(pf.ConfRead(pos+pci.SRIOVVFStride, 2))
	delta := int(dev.SBDF) - (int(pf.SBDF) + offset)
	if delta < 0 || delta > 0 && (stride == 0 || delta%stride != 0) {
		return fmt.Errorf("%w: %v is not a VF of %v (offset %d stride %d)",
			ErrInvalid, dev.SBDF, pf.SBDF, offset, stride)
	}
	var idx uint64
	if delta > 0 {
		idx = uint64(delta / stride)
	}

	h := &dev.Header
	for i := range pf.SRIOV.VFBARs {
		vf := &pf.SRIOV.VFBARs[i]
		bar := &h.BARs[i]
		bar.index = i
		bar.Type = vf.Type
		bar.Prefetchable = vf.Prefetchable
		switch vf.Type {
		case BARMem64Hi:
			bar.lo = &h.BARs[i-1]
		case BARMem32, BARMem64Lo:
			bar.Size = vf.Size
			bar.Addr = vf.Addr + idx*vf.Size
			bar.GuestAddr = bar.Addr
		}
	}
	return nil
}

func initSRIOVBARs(dev *Device) error {
	if dev.Info.IsVirtfn {
		return initVFBARs(dev)
	}
	return initPFBARs(dev)
}

// initVFHandlers installs the header of a VF: synthesized IDs, command and
// BARs.
func initVFHandlers(dev *Device) error {
	if !dev.Info.IsVirtfn {
		return nil
	}
	pf, err := dev.physfn()
	if err != nil {
		return err
	}

	cmdWrite(dev, pci.Command, 0, nil)

	pf.mu.Lock()
	id := pf.ConfRead(pci.VendorID, 2) | pf.ConfRead(pf.SRIOV.Pos+pci.SRIOVVFDID, 2)<<16
	pf.mu.Unlock()
	if id == 0xffffffff {
		return fmt.Errorf("%w: %v has no vendor/device ID", ErrInvalid, dev.SBDF)
	}
	if err := dev.AddRegister(ReadVal, IgnoredWrite, pci.VendorID, 4, id); err != nil {
		return err
	}

	// VFs do not implement memory decode in the command register, the
	// hardware domain sees the emulated value as well.
	var rsvdp uint32
	if !dev.IsHardware() {
		rsvdp = guestCmdRsvdP
	}
	if err := dev.AddRegisterMask(guestCmdRead, cmdWrite, pci.Command, 2, nil, 0, 0, rsvdp, 0); err != nil {
		return err
	}

	h := &dev.Header
	for i := 0; i < pci.NumBARs; i++ {
		reg := uint16(pci.BaseAddress0 + 4*i)
		bar := &h.BARs[i]
		switch bar.Type {
		case BARMem32, BARMem64Lo, BARMem64Hi:
			err = dev.AddRegister(guestBARRead, guestBARWrite, reg, 4, bar)
		default:
			err = dev.AddRegister(ReadVal, IgnoredWrite, reg, 4, uint32(0))
		}
		if err != nil {
			return err
		}
	}

	if !dev.IsHardware() {
		if err := initCapabilityList(dev); err != nil {
			return err
		}
		return initGuestIdentity(dev)
	}
	return nil
}
