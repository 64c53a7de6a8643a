package pipeline

import (
	"fmt"
	"io"
	"strings"

	"github.com/AmbiML/trace-based-model/stats"
	"github.com/AmbiML/trace-based-model/trace"
	"github.com/AmbiML/trace-based-model/uarch"
)

const instBytes = 4

// FetchUnit pulls instructions from the trace into the fetch queue, one
// aligned batch per cycle, all or nothing. Addresses in a batch that the
// trace skipped over fill their queue slot with a nil hole, since a real
// front end would still fetch and then discard them.
type FetchUnit struct {
	name string

	src        *trace.Source
	prediction string
	fetchRate  int

	queue *BufferedQueue[*trace.Instruction]

	// nextAddr is the aligned address of the next batch. When the trace
	// diverges from it at a branch under no prediction, fetching stalls
	// until the branch resolves.
	nextAddr    uint64
	hasNextAddr bool
	stalled     bool
}

// NewFetchUnit builds the fetch unit over the trace source.
func NewFetchUnit(cfg *uarch.CoreConfig, src *trace.Source) *FetchUnit {
	return &FetchUnit{
		name:       "FE",
		src:        src,
		prediction: cfg.BranchPrediction,
		fetchRate:  cfg.FetchRate,
		queue:      NewBufferedQueue[*trace.Instruction](cfg.FetchQueueSize),
	}
}

// Name implements Unit.
func (f *FetchUnit) Name() string { return f.name }

// Queue is the fetch queue the dispatch unit consumes.
func (f *FetchUnit) Queue() *BufferedQueue[*trace.Instruction] { return f.queue }

// EOF reports whether the trace is exhausted.
func (f *FetchUnit) EOF() bool { return f.src.EOF() }

// Pending implements Unit.
func (f *FetchUnit) Pending() int { return f.queue.Len() }

// Reset implements Unit.
func (f *FetchUnit) Reset(c *stats.Counters) {
	c.Stalls[f.name] = 0
	c.Utilization(f.name, f.queue.Size())
}

// Tick implements Unit. It buffers the next batch of instructions if the
// queue has room and the batch address is known.
func (f *FetchUnit) Tick(c *stats.Counters) {
	if f.src.EOF() {
		return
	}

	if size := f.queue.Size(); size > 0 && f.queue.Len()+f.fetchRate > size {
		c.AddStall(f.name)
		return
	}

	if f.hasNextAddr {
		if f.src.NextAddr() != f.nextAddr && f.prediction == uarch.BranchPredictionNone {
			// The trace jumped: the target is unknown until the branch
			// resolves.
			f.hasNextAddr = false
			f.stalled = true
			return
		}
	} else if f.stalled {
		c.AddStall(f.name)
		return
	}

	batchBytes := uint64(instBytes * f.fetchRate)

	// The batch starts wherever the trace continues; the following batch
	// is aligned.
	fetchAddr := f.src.NextAddr()
	nextAddr := fetchAddr + batchBytes
	nextAddr -= nextAddr % batchBytes
	f.nextAddr = nextAddr
	f.hasNextAddr = true
	f.stalled = false

	for addr := fetchAddr; addr < nextAddr; addr += instBytes {
		if f.src.EOF() || addr != f.src.NextAddr() {
			// Fetched but never executed; holds a slot until the front
			// end discards it.
			f.queue.Buffer(nil)
			continue
		}

		inst := f.src.Dequeue()
		f.queue.Buffer(inst)

		if !inst.IsBranch && !f.src.EOF() &&
			inst.Addr+instBytes != f.src.NextAddr() {
			// The trace moved without a branch, e.g. into an exception
			// handler; follow it.
			f.nextAddr = f.src.NextAddr()
		}
	}

	// Count what a real front end would fetch, holes included.
	c.FetchedInstructions += uint64(f.fetchRate)
	c.Utilization(f.name, f.queue.Size()).Enter(f.fetchRate)
}

// Tock implements Unit.
func (f *FetchUnit) Tock(c *stats.Counters) {
	f.queue.Flush()
	c.Utilization(f.name, f.queue.Size()).Observe(f.queue.Len())
}

// BranchResolved tells the fetch unit the pending branch target is now
// known. Holes fetched past the branch are discarded.
func (f *FetchUnit) BranchResolved() {
	f.queue.DropFrontWhile(func(i *trace.Instruction) bool { return i == nil })
	f.stalled = false
}

// PrintState implements Unit.
func (f *FetchUnit) PrintState(w io.Writer) {
	if f.queue.Len() == 0 {
		fmt.Fprintf(w, "[%s] -\n", f.name)
		return
	}
	var parts []string
	for i := f.queue.Len() - 1; i >= 0; i-- {
		if inst := f.queue.At(i); inst != nil {
			parts = append(parts, inst.String())
		} else {
			parts = append(parts, "X")
		}
	}
	fmt.Fprintf(w, "[%s] %s\n", f.name, strings.Join(parts, ", "))
}

// StateHeader implements Unit.
func (f *FetchUnit) StateHeader() []string { return []string{f.name} }

// State implements Unit.
func (f *FetchUnit) State(vals [3]string) []string {
	return []string{f.queue.ThreeValued(
		func(i *trace.Instruction) bool { return i != nil }, vals)}
}
