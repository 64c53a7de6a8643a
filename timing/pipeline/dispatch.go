package pipeline

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/AmbiML/trace-based-model/stats"
	"github.com/AmbiML/trace-based-model/trace"
	"github.com/AmbiML/trace-based-model/uarch"
)

// DispatchUnit decodes instructions from the fetch queue into the issue
// queues, up to decode_rate per cycle, in trace order. NOPs retire here;
// holes are discarded; flushes wait for the whole machine to drain. Under
// no branch prediction, dispatch stops behind a branch until it resolves.
type DispatchUnit struct {
	name string

	decodeRate int
	prediction string

	fetch *FetchUnit
	exec  *ExecUnit

	queueNames []string
	queues     map[string]*BufferedQueue[*trace.Instruction]

	branchStalling bool

	err error
}

// NewDispatchUnit builds the dispatch unit and its issue queues.
func NewDispatchUnit(cfg *uarch.Config) *DispatchUnit {
	d := &DispatchUnit{
		name:       "DS",
		decodeRate: cfg.Core.DecodeRate,
		prediction: cfg.Core.BranchPrediction,
		queues:     make(map[string]*BufferedQueue[*trace.Instruction]),
	}
	for name := range cfg.IssueQueues {
		d.queueNames = append(d.queueNames, name)
	}
	sort.Strings(d.queueNames)
	for _, name := range d.queueNames {
		size := cfg.IssueQueues[name].Size
		if size < 0 {
			size = 0
		}
		d.queues[name] = NewBufferedQueue[*trace.Instruction](size)
	}
	return d
}

// Connect wires the dispatch unit to its neighbors.
func (d *DispatchUnit) Connect(fetch *FetchUnit, exec *ExecUnit) {
	d.fetch = fetch
	d.exec = exec
}

// Name implements Unit.
func (d *DispatchUnit) Name() string { return d.name }

// Queue returns the named issue queue.
func (d *DispatchUnit) Queue(name string) *BufferedQueue[*trace.Instruction] {
	return d.queues[name]
}

// QueueNames returns the issue queue names in dispatch order.
func (d *DispatchUnit) QueueNames() []string { return d.queueNames }

// Err returns the fatal error encountered during dispatch, if any.
func (d *DispatchUnit) Err() error { return d.err }

// Pending implements Unit.
func (d *DispatchUnit) Pending() int {
	n := 0
	for _, name := range d.queueNames {
		n += d.queues[name].Len()
	}
	return n
}

// Reset implements Unit.
func (d *DispatchUnit) Reset(c *stats.Counters) {
	c.Stalls[d.name] = 0
	for _, name := range d.queueNames {
		c.Utilization(name, d.queues[name].Size())
	}
}

// Tick implements Unit.
func (d *DispatchUnit) Tick(c *stats.Counters) {
	if d.branchStalling {
		return
	}

	limit := d.decodeRate
	if limit <= 0 {
		limit = d.fetch.Queue().Len()
	}

	for range limit {
		fetched, ok := d.fetch.Queue().Peek()
		if !ok {
			break
		}

		if fetched == nil {
			// A hole: fetched but never executed. It held front-end
			// resources; dispatch just discards it.
			d.fetch.Queue().Dequeue()
			continue
		}

		if fetched.IsFlush && (d.Pending() > 0 || d.exec.Pending() > 0) {
			// Flushes wait in the fetch queue for the machine to drain.
			c.AddStall(d.name)
			break
		}

		if fetched.IsNop {
			d.fetch.Queue().Dequeue()
			c.RetiredInstructions++
			continue
		}

		qid, err := d.exec.IssueQueueID(fetched)
		if err != nil {
			d.err = err
			return
		}

		if d.queues[qid].IsBufferFull() {
			c.AddStall(d.name)
			break
		}

		if !d.reorderSafe(fetched, qid) {
			c.AddStall(d.name)
			break
		}

		d.queues[qid].Buffer(fetched)
		d.fetch.Queue().Dequeue()
		c.Utilization(qid, d.queues[qid].Size()).Enter(1)

		if fetched.IsBranch {
			c.Branches++
			if d.prediction == uarch.BranchPredictionNone {
				d.branchStalling = true
				break
			}
		}
	}
}

// reorderSafe reports whether instr can be queued without conflicting with
// an instruction waiting in another issue queue. The queue instr goes to is
// in order, so it needs no check; instructions already in execution pipes
// are covered by the scoreboards.
func (d *DispatchUnit) reorderSafe(instr *trace.Instruction, qid string) bool {
	for _, name := range d.queueNames {
		if name == qid {
			continue
		}
		for _, queued := range d.queues[name].Chain() {
			if instr.ConflictsWith(queued) {
				return false
			}
		}
	}
	return true
}

// Tock implements Unit.
func (d *DispatchUnit) Tock(c *stats.Counters) {
	for _, name := range d.queueNames {
		q := d.queues[name]
		q.Flush()
		c.Utilization(name, q.Size()).Observe(q.Len())
	}
}

// BranchResolved tells the dispatch unit the pending branch has resolved.
func (d *DispatchUnit) BranchResolved() {
	d.branchStalling = false
}

// PrintState implements Unit.
func (d *DispatchUnit) PrintState(w io.Writer) {
	for _, name := range d.queueNames {
		q := d.queues[name]
		if q.Len() == 0 {
			fmt.Fprintf(w, "[qu-%s] -\n", name)
			continue
		}
		var parts []string
		for i := q.Len() - 1; i >= 0; i-- {
			parts = append(parts, q.At(i).String())
		}
		fmt.Fprintf(w, "[qu-%s] %s\n", name, strings.Join(parts, ", "))
	}
}

// StateHeader implements Unit.
func (d *DispatchUnit) StateHeader() []string { return d.queueNames }

// State implements Unit.
func (d *DispatchUnit) State(vals [3]string) []string {
	out := make([]string, 0, len(d.queueNames))
	for _, name := range d.queueNames {
		out = append(out, d.queues[name].ThreeValued(
			func(i *trace.Instruction) bool { return i != nil }, vals))
	}
	return out
}
