package vpci

import (
	"sync"
	"testing"

	"github.com/tinyrange/vpci/internal/pci"
)

func TestConfigAccessDuringDeassign(t *testing.T) {
	for i := 0; i < 50; i++ {
		env, dev := newMSIXEnv(t)
		b := env.hwdom
		sbdf := dev.SBDF

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for n := 0; n < 100; n++ {
					b.Read(sbdf, pci.VendorID, 4)
					b.Write(sbdf, nicCtrl, 2, pci.MSIXFlagsEnable)
					b.MSIXWrite(entryAddr(w, pci.MSIXEntryLowerAddr), 4, 0xfee00000)
					b.MSIXWrite(entryAddr(w, pci.MSIXEntryVectorCtrl), 4, uint64(n&1))
					b.MSIXRead(entryAddr(w, pci.MSIXEntryData), 4)
				}
			}(w)
		}
		if err := b.Deassign(sbdf); err != nil {
			t.Fatalf("Deassign: %v", err)
		}
		wg.Wait()

		if b.Device(sbdf) != nil {
			t.Fatalf("device still assigned")
		}
		if b.MSIXAccept(nicTable) {
			t.Fatalf("MSI-X table still trapped after deassign")
		}
		if len(env.arch.bound) != 0 {
			t.Fatalf("entries still bound: %v", env.arch.bound)
		}
		if n := len(mappings(b)); n != 0 {
			t.Fatalf("%d mappings left after deassign", n)
		}
	}
}
