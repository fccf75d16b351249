package dpci

import (
	"sync"
	"testing"
)

func TestFireDrainDuringDestroyBind(t *testing.T) {
	e := newGuestEnv(t)
	irqn, pirq := e.mapMSI(t, 0)
	bind := msiBind(pirq, testVector, 2)

	for i := 0; i < 200; i++ {
		if err := e.r.CreateBind(bind); err != nil {
			t.Fatalf("iteration %d: CreateBind: %v", i, err)
		}

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				e.ctl.Fire(irqn)
			}
		}()
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					e.sched.Drain(1)
				}
			}
		}()

		if err := e.r.DestroyBind(bind); err != nil {
			t.Fatalf("iteration %d: DestroyBind: %v", i, err)
		}
		close(stop)
		wg.Wait()
		for cpu := 0; cpu < e.sched.CPUs(); cpu++ {
			e.sched.Drain(cpu)
		}

		// A binding caught running by DestroyBind stays around unmapped.
		if b, ok := e.r.Binding(pirq); ok && (b.Flags != 0 || b.Scheduled || b.Running) {
			t.Fatalf("iteration %d: binding after DestroyBind = %+v", i, b)
		}
		if got := e.d.Refs(); got != 1 {
			t.Fatalf("iteration %d: refs = %d, want 1", i, got)
		}
	}
}
