package chipset

import "sync"

// LineSet manages shared interrupt lines. Each line counts its asserted
// sources and forwards only the 0->1 and 1->0 transitions to the sink.
type LineSet struct {
	mu sync.Mutex

	sink   InterruptSink
	counts map[uint32]int
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:   sink,
		counts: make(map[uint32]int),
	}
}

// Assert adds one source to line.
func (l *LineSet) Assert(line uint32) {
	l.mu.Lock()
	l.counts[line]++
	first := l.counts[line] == 1
	l.mu.Unlock()

	if first {
		l.sink.SetIRQ(line, true)
	}
}

// Deassert removes one source from line. Deasserting an idle line is a no-op.
func (l *LineSet) Deassert(line uint32) {
	l.mu.Lock()
	if l.counts[line] == 0 {
		l.mu.Unlock()
		return
	}
	l.counts[line]--
	last := l.counts[line] == 0
	if last {
		delete(l.counts, line)
	}
	l.mu.Unlock()

	if last {
		l.sink.SetIRQ(line, false)
	}
}

// Count returns the number of sources asserting line.
func (l *LineSet) Count(line uint32) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[line]
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint32, bool) {}
