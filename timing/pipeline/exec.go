package pipeline

import (
	"fmt"
	"io"
	"sort"

	"github.com/AmbiML/trace-based-model/stats"
	"github.com/AmbiML/trace-based-model/trace"
	"github.com/AmbiML/trace-based-model/uarch"
)

// ExecUnit owns the execution pipes and the register scoreboards. Each
// cycle it steps the pipes, retires what they completed, and moves
// instructions from the issue queues into the first pipe of the mapped
// kind that will take them.
type ExecUnit struct {
	name string

	prediction string
	pipeMap    *uarch.PipeMap

	kinds []string
	pipes map[string][]ExecPipe

	sbNames []string
	sbs     map[string]*Scoreboard

	fetch    *FetchUnit
	dispatch *DispatchUnit

	// onRetire is called for every retired instruction, in retirement
	// order.
	onRetire func(*trace.Instruction)

	err error
}

// NewExecUnit builds the execution unit shell; pipes are added per
// functional unit kind.
func NewExecUnit(cfg *uarch.Config, pipeMap *uarch.PipeMap,
	sbs map[string]*Scoreboard) *ExecUnit {

	e := &ExecUnit{
		name:       "EX",
		prediction: cfg.Core.BranchPrediction,
		pipeMap:    pipeMap,
		pipes:      make(map[string][]ExecPipe),
		sbs:        sbs,
	}
	for name := range sbs {
		e.sbNames = append(e.sbNames, name)
	}
	sort.Strings(e.sbNames)
	return e
}

// Connect wires the exec unit to the units it signals on retirement.
func (e *ExecUnit) Connect(fetch *FetchUnit, dispatch *DispatchUnit) {
	e.fetch = fetch
	e.dispatch = dispatch
}

// OnRetire registers the retirement callback.
func (e *ExecUnit) OnRetire(fn func(*trace.Instruction)) {
	e.onRetire = fn
}

// AddPipes registers the pipe instances of one functional unit kind.
func (e *ExecUnit) AddPipes(kind string, pipes []ExecPipe) {
	e.kinds = append(e.kinds, kind)
	sort.Strings(e.kinds)
	e.pipes[kind] = pipes
}

// Name implements Unit.
func (e *ExecUnit) Name() string { return e.name }

// Err returns the fatal error encountered during execution, if any.
func (e *ExecUnit) Err() error { return e.err }

// IssueQueueID returns the issue queue feeding the functional unit the
// instruction is mapped to. An unmapped mnemonic is a fatal error: the
// model has no way to time it.
func (e *ExecUnit) IssueQueueID(instr *trace.Instruction) (string, error) {
	kind, ok := e.pipeMap.Unit(instr.Mnemonic)
	if !ok {
		return "", fmt.Errorf("instruction %d at %#x: mnemonic %q has no"+
			" pipe mapping", instr.Index, instr.Addr, instr.Mnemonic)
	}
	pipes := e.pipes[kind]
	if len(pipes) == 0 {
		return "", fmt.Errorf("instruction %d at %#x: mnemonic %q maps to"+
			" unknown functional unit %q", instr.Index, instr.Addr,
			instr.Mnemonic, kind)
	}
	return pipes[0].QueueID(), nil
}

// Pending implements Unit.
func (e *ExecUnit) Pending() int {
	n := 0
	for _, kind := range e.kinds {
		for _, p := range e.pipes[kind] {
			n += p.Pending()
		}
	}
	return n
}

// Reset implements Unit.
func (e *ExecUnit) Reset(c *stats.Counters) {
	for _, kind := range e.kinds {
		for _, p := range e.pipes[kind] {
			p.Reset(c)
		}
	}
}

// Tick implements Unit.
func (e *ExecUnit) Tick(c *stats.Counters) {
	for _, name := range e.sbNames {
		e.sbs[name].Tick(c)
	}

	for _, kind := range e.kinds {
		for _, p := range e.pipes[kind] {
			p.Tick(c)
			for _, instr := range p.Retired() {
				e.retire(instr, c)
			}
		}
	}

	e.dispatchFromQueues(c)
}

func (e *ExecUnit) retire(instr *trace.Instruction, c *stats.Counters) {
	c.RetiredInstructions++
	if e.onRetire != nil {
		e.onRetire(instr)
	}
	if instr.IsBranch && e.prediction == uarch.BranchPredictionNone {
		// The branch target is now known; fetch and dispatch resume.
		e.fetch.BranchResolved()
		e.dispatch.BranchResolved()
	}
}

// dispatchFromQueues drains each issue queue in order into the pipes of
// the mapped kind, stopping at the first instruction no pipe will take.
func (e *ExecUnit) dispatchFromQueues(c *stats.Counters) {
	for _, qname := range e.dispatch.QueueNames() {
		queue := e.dispatch.Queue(qname)
		for queue.Len() > 0 {
			instr, _ := queue.Peek()
			kind, ok := e.pipeMap.Unit(instr.Mnemonic)
			if !ok {
				e.err = fmt.Errorf("instruction %d at %#x: mnemonic %q has"+
					" no pipe mapping", instr.Index, instr.Addr, instr.Mnemonic)
				return
			}
			dispatched := false
			for _, p := range e.pipes[kind] {
				if p.TryDispatch(instr, c) {
					queue.Dequeue()
					dispatched = true
					break
				}
			}
			if !dispatched {
				break
			}
		}
	}
}

// Tock implements Unit.
func (e *ExecUnit) Tock(c *stats.Counters) {
	for _, kind := range e.kinds {
		for _, p := range e.pipes[kind] {
			p.Tock(c)
		}
	}
	for _, name := range e.sbNames {
		e.sbs[name].Tock(c)
	}
}

// PrintState implements Unit.
func (e *ExecUnit) PrintState(w io.Writer) {
	for _, kind := range e.kinds {
		for _, p := range e.pipes[kind] {
			p.PrintState(w)
		}
	}
}

// StateHeader implements Unit.
func (e *ExecUnit) StateHeader() []string {
	var out []string
	for _, kind := range e.kinds {
		for _, p := range e.pipes[kind] {
			out = append(out, p.StateHeader()...)
		}
	}
	return out
}

// State implements Unit.
func (e *ExecUnit) State(vals [3]string) []string {
	var out []string
	for _, kind := range e.kinds {
		for _, p := range e.pipes[kind] {
			out = append(out, p.State(vals)...)
		}
	}
	return out
}
