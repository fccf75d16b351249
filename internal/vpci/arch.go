package vpci

// InvalidPirq marks MSI state that is not bound to a physical interrupt.
const InvalidPirq = -1

// Arch binds the emulated MSI and MSI-X state to physical interrupts. All
// methods run with the device lock held.
type Arch interface {
	// MSIEnable binds vectors consecutive vectors starting at the
	// programmed data value.
	MSIEnable(dev *Device, msi *MSI, vectors int) error
	MSIDisable(dev *Device, msi *MSI)
	MSIMask(dev *Device, msi *MSI, vector int, mask bool)

	// MSIXEnableEntry binds entry. tableBase is the host address of the
	// BAR holding the table.
	MSIXEnableEntry(dev *Device, entry *MSIXEntry, tableBase uint64) error
	// MSIXDisableEntry unbinds entry, returning ErrNotExist if it was never
	// bound.
	MSIXDisableEntry(dev *Device, entry *MSIXEntry) error
	MSIXMaskEntry(dev *Device, entry *MSIXEntry, mask bool)
}

type nopArch struct{}

func (nopArch) MSIEnable(*Device, *MSI, int) error { return nil }

func (nopArch) MSIDisable(*Device, *MSI) {}

func (nopArch) MSIMask(*Device, *MSI, int, bool) {}

func (nopArch) MSIXEnableEntry(*Device, *MSIXEntry, uint64) error { return nil }

func (nopArch) MSIXDisableEntry(*Device, *MSIXEntry) error { return ErrNotExist }

func (nopArch) MSIXMaskEntry(*Device, *MSIXEntry, bool) {}

var _ Arch = nopArch{}
