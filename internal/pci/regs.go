package pci

// Extended configuration space size.
const ConfigSpaceSize = 4096

// Standard header registers.
const (
	VendorID      = 0x00
	DeviceID      = 0x02
	Command       = 0x04
	Status        = 0x06
	ClassRevision = 0x08
	HeaderType    = 0x0e
	BaseAddress0  = 0x10
	SubsystemID   = 0x2c
	ROMAddress    = 0x30
	CapabilityPtr = 0x34
	InterruptLine = 0x3c
	InterruptPin  = 0x3d

	// ROMAddress for type 1 (bridge) headers.
	ROMAddress1 = 0x38
)

const (
	HeaderTypeMask   = 0x7f
	HeaderTypeNormal = 0x00
	HeaderTypeBridge = 0x01
)

// Command register bits.
const (
	CommandIO          = 0x0001
	CommandMemory      = 0x0002
	CommandMaster      = 0x0004
	CommandSpecial     = 0x0008
	CommandInvalidate  = 0x0010
	CommandVGAPalette  = 0x0020
	CommandParity      = 0x0040
	CommandWait        = 0x0080
	CommandSERR        = 0x0100
	CommandFastBack    = 0x0200
	CommandIntxDisable = 0x0400
	CommandRsvdPMask   = 0xf800
)

// Status register bits.
const (
	StatusImmReady       = 0x0001
	StatusInterrupt      = 0x0008
	StatusCapList        = 0x0010
	Status66MHz          = 0x0020
	StatusUDF            = 0x0040
	StatusFastBack       = 0x0080
	StatusParity         = 0x0100
	StatusDevselMask     = 0x0600
	StatusSigTargetAbort = 0x0800
	StatusRecTargetAbort = 0x1000
	StatusRecMasterAbort = 0x2000
	StatusSigSystemError = 0x4000
	StatusDetectedParity = 0x8000

	StatusROMask = StatusImmReady | StatusInterrupt | StatusCapList |
		Status66MHz | StatusFastBack | StatusDevselMask
	StatusRW1CMask = StatusParity | StatusSigTargetAbort | StatusRecTargetAbort |
		StatusRecMasterAbort | StatusSigSystemError | StatusDetectedParity
	StatusRsvdPMask = StatusUDF
	StatusRsvdZMask = 0x0006
)

// BAR encoding.
const (
	BARSpaceIO     = 0x01
	BARMemTypeMask = 0x06
	BARMemType32   = 0x00
	BARMemType64   = 0x04
	BARMemPrefetch = 0x08
	BARMemMask     = ^uint32(0xf)
	BARIOMask      = ^uint32(0x3)
	ROMEnable      = 0x1
	ROMAddressMask = ^uint32(0x7ff)
	NumBARs        = 6
	NumBridgeBARs  = 2
)

// Capability IDs.
const (
	CapIDMSI  = 0x05
	CapIDMSIX = 0x11

	ExtCapIDSRIOV = 0x10
)

// MSI capability layout.
const (
	MSIFlags        = 2
	MSIFlagsEnable  = 0x0001
	MSIFlagsQMask   = 0x000e
	MSIFlagsQSize   = 0x0070
	MSIFlags64Bit   = 0x0080
	MSIFlagsMaskBit = 0x0100
	MSIAddressLo    = 4
	MSIAddressHi    = 8
	MSIData32       = 8
	MSIData64       = 12
	MSIMask32       = 12
	MSIMask64       = 16
)

// MSI-X capability layout.
const (
	MSIXFlags           = 2
	MSIXFlagsQSize      = 0x07ff
	MSIXFlagsMaskAll    = 0x4000
	MSIXFlagsEnable     = 0x8000
	MSIXTable           = 4
	MSIXPBA             = 8
	MSIXBIRMask         = 0x7
	MSIXEntrySize       = 16
	MSIXEntryLowerAddr  = 0
	MSIXEntryUpperAddr  = 4
	MSIXEntryData       = 8
	MSIXEntryVectorCtrl = 12
	MSIXVectorMaskBit   = 0x1
	MSIXMaxEntries      = 2048
)

// SR-IOV extended capability layout.
const (
	SRIOVCtrl     = 0x08
	SRIOVTotalVF  = 0x0e
	SRIOVNumVF    = 0x10
	SRIOVVFOffset = 0x14
	SRIOVVFStride = 0x16
	SRIOVVFDID    = 0x1a
	SRIOVBAR      = 0x24
	SRIOVNumBARs  = 6
	SRIOVCtrlVFE  = 0x01
	SRIOVCtrlMSE  = 0x08
)

// MSI message format (x86).
const (
	MSIAddrBaseMask      = 0xfff00000
	MSIAddrBaseLo        = 0xfee00000
	MSIAddrDestModeMask  = 0x4
	MSIAddrRedirectMask  = 0x8
	MSIAddrDestIDMask    = 0x000ff000
	MSIAddrDestIDShift   = 12
	MSIDataVectorMask    = 0x00ff
	MSIDataDeliveryMask  = 0x0700
	MSIDataDeliveryShift = 8
	MSIDataTriggerMask   = 0x8000
)

// MaskSize returns the all-ones value covering size bytes.
func MaskSize(size int) uint32 {
	if size >= 4 {
		return 0xffff_ffff
	}
	return 0xffff_ffff >> (32 - 8*uint(size))
}
