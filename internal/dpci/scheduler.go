package dpci

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Scheduler holds the per-CPU queues of bindings waiting for delivery.
type Scheduler struct {
	mu     sync.Mutex
	queues [][]*Binding
	online []bool
	kick   []chan struct{}

	workers int
}

// NewScheduler creates queues for cpus physical CPUs, all online.
func NewScheduler(cpus int) *Scheduler {
	if cpus <= 0 {
		cpus = 1
	}
	s := &Scheduler{
		queues: make([][]*Binding, cpus),
		online: make([]bool, cpus),
		kick:   make([]chan struct{}, cpus),
	}
	for i := range s.online {
		s.online[i] = true
		s.kick[i] = make(chan struct{}, 1)
	}
	return s
}

// CPUs returns the number of queues.
func (s *Scheduler) CPUs() int { return len(s.queues) }

func (s *Scheduler) wake(cpu int) {
	select {
	case s.kick[cpu] <- struct{}{}:
	default:
	}
}

// firstOnline returns the lowest online CPU other than skip, or -1. Called
// with s.mu held.
func (s *Scheduler) firstOnline(skip int) int {
	for cpu, up := range s.online {
		if up && cpu != skip {
			return cpu
		}
	}
	return -1
}

func (s *Scheduler) enqueue(cpu int, b *Binding) {
	s.mu.Lock()
	if cpu < 0 || cpu >= len(s.queues) || !s.online[cpu] {
		cpu = s.firstOnline(-1)
	}
	s.queues[cpu] = append(s.queues[cpu], b)
	s.mu.Unlock()
	s.wake(cpu)
}

// raise queues b for delivery on cpu unless it is already scheduled. The
// first raise takes a domain reference that the softirq or softirqReset
// drops.
func (s *Scheduler) raise(cpu int, b *Binding) {
	if b.testAndSet(stateScheduled) {
		return
	}
	d := b.dom.Load()
	if d == nil {
		b.testAndClear(stateScheduled)
		return
	}
	d.Get()
	s.enqueue(cpu, b)
}

// Pending returns the number of bindings queued on cpu.
func (s *Scheduler) Pending(cpu int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[cpu])
}

// Drain runs the queued work of cpu and returns the number of deliveries.
// Bindings found running elsewhere go back on the queue.
func (s *Scheduler) Drain(cpu int) int {
	s.mu.Lock()
	list := s.queues[cpu]
	s.queues[cpu] = nil
	s.mu.Unlock()

	n := 0
	for _, b := range list {
		d := b.dom.Load()
		if b.testAndSet(stateRunning) {
			s.enqueue(cpu, b)
			continue
		}
		// Whoever clears stateScheduled drops the reference.
		if b.testAndClear(stateScheduled) {
			if d != nil {
				b.router.assist(d, b)
				n++
				if d.Put() {
					slog.Debug("dpci: released last domain reference", "dom", d)
				}
			}
		}
		b.testAndClear(stateRunning)
	}
	return n
}

// CPUDead takes cpu offline and moves its queue to the lowest online CPU.
func (s *Scheduler) CPUDead(cpu int) error {
	s.mu.Lock()
	if cpu < 0 || cpu >= len(s.queues) || !s.online[cpu] {
		s.mu.Unlock()
		return fmt.Errorf("%w: cpu %d not online", ErrInvalid, cpu)
	}
	target := s.firstOnline(cpu)
	if target < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: cpu %d is the last online cpu", ErrInvalid, cpu)
	}
	s.online[cpu] = false
	moved := len(s.queues[cpu])
	s.queues[target] = append(s.queues[target], s.queues[cpu]...)
	s.queues[cpu] = nil
	s.mu.Unlock()

	slog.Debug("dpci: cpu dead", "cpu", cpu, "target", target, "moved", moved)
	s.wake(cpu)
	if moved > 0 {
		s.wake(target)
	}
	return nil
}

func (s *Scheduler) isOnline(cpu int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[cpu]
}

// Run drains every online CPU's queue as work arrives until ctx is done.
// The worker of a CPU exits when the CPU goes offline.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for cpu := range s.queues {
		if !s.isOnline(cpu) {
			continue
		}
		s.mu.Lock()
		s.workers++
		s.mu.Unlock()
		cpu := cpu
		g.Go(func() error {
			defer func() {
				s.mu.Lock()
				s.workers--
				s.mu.Unlock()
			}()
			for {
				// Work queued before Run started.
				if s.Pending(cpu) > 0 {
					s.Drain(cpu)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-s.kick[cpu]:
				}
				if !s.isOnline(cpu) {
					return nil
				}
			}
		})
	}
	return g.Wait()
}

// yield lets outstanding work make progress. Without running workers the
// queues are drained inline.
func (s *Scheduler) yield() {
	s.mu.Lock()
	workers := s.workers
	s.mu.Unlock()
	if workers == 0 {
		for cpu := range s.queues {
			s.Drain(cpu)
		}
	}
	runtime.Gosched()
}
