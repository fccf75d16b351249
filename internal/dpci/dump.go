package dpci

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// Dump writes the domain's bindings.
func (r *Router) Dump(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "%v bindings\n", r.d)
	for _, b := range r.Bindings() {
		state := "-"
		switch {
		case b.Scheduled && b.Running:
			state = "sched|run"
		case b.Scheduled:
			state = "sched"
		case b.Running:
			state = "run"
		}
		fmt.Fprintf(tw, "  pirq\t%d\t%v\tstate=%s\tpending=%d", b.Pirq, b.Flags, state, b.Pending)
		if b.Flags&FlagGuestMSI != 0 {
			fmt.Fprintf(tw, "\tvec=%#x\tgflags=%#x\tvcpu=%d", b.GVec, b.GFlags, b.DestVCPU)
		}
		for _, l := range b.Links {
			fmt.Fprintf(tw, "\t%02x:%02x INT%c", l.Bus, l.Device, 'A'+l.Intx)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
