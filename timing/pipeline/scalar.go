package pipeline

import (
	"fmt"
	"io"
	"strings"

	"github.com/AmbiML/trace-based-model/stats"
	"github.com/AmbiML/trace-based-model/timing/memsys"
	"github.com/AmbiML/trace-based-model/trace"
	"github.com/AmbiML/trace-based-model/uarch"
)

// ExecPipe is one functional unit instance.
type ExecPipe interface {
	Name() string
	Kind() string
	QueueID() string

	Reset(c *stats.Counters)
	Tick(c *stats.Counters)
	Tock(c *stats.Counters)
	Pending() int

	// TryDispatch moves an instruction from its issue queue into the
	// pipe. It returns false, without side effects, when the pipe cannot
	// take it this cycle.
	TryDispatch(instr *trace.Instruction, c *stats.Counters) bool

	// Retired returns the instructions that completed in the last Tick.
	Retired() []*trace.Instruction

	PrintState(w io.Writer)
	StateHeader() []string
	State(vals [3]string) []string
}

// memOrigin tags one in-flight memory access stream. Slice is 0 for
// scalar pipes.
type memOrigin struct {
	Instr *trace.Instruction
	Slice int
}

type memAccess struct {
	origin memOrigin
	addr   uint64
}

type lsState int8

const (
	// lsIssued: the request went to memory; the instruction has not yet
	// reached the reply stage.
	lsIssued lsState = iota
	// lsWaiting: the instruction sits at the reply stage waiting for
	// memory.
	lsWaiting
	// lsDone: the reply arrived.
	lsDone
)

// ScalarPipe is an in-order execution pipe of fixed depth. Instructions
// wait in the execution issue queue until their operands can be read, flow
// through the stages one per cycle, and leave through the writeback queue
// if they write registers. Loads and stores are issued to memory at a
// configured stage and must complete a fixed number of stages later, or
// the whole pipe stalls in place.
type ScalarPipe struct {
	name    string
	kind    string
	queueID string
	depth   int

	eiq        *BufferedQueue[*trace.Instruction]
	canSkipEIQ bool

	pipelined bool
	stage     []*trace.Instruction

	wbq *BufferedQueue[*trace.Instruction]

	mem          *memsys.Level
	hasLoad      bool
	loadStage    int
	loadDelay    int
	hasStore     bool
	storeStage   int
	storeDelay   int
	loadsInWait  map[memAccess]lsState
	storesInWait map[memAccess]lsState

	sbs map[string]*Scoreboard

	retired []*trace.Instruction
}

// NewScalarPipe builds one instance of a scalar functional unit.
func NewScalarPipe(name, kind string, fu *uarch.FunctionalUnit,
	mem *memsys.Level, sbs map[string]*Scoreboard) *ScalarPipe {

	p := &ScalarPipe{
		name:         name,
		kind:         kind,
		queueID:      fu.IssueQueue,
		depth:        fu.Depth,
		eiq:          NewBufferedQueue[*trace.Instruction](fu.EIQSize),
		canSkipEIQ:   fu.CanSkipEIQ,
		pipelined:    fu.Pipelined,
		stage:        make([]*trace.Instruction, fu.Depth),
		wbq:          NewBufferedQueue[*trace.Instruction](fu.WritebackBuffSize),
		mem:          mem,
		loadsInWait:  make(map[memAccess]lsState),
		storesInWait: make(map[memAccess]lsState),
		sbs:          sbs,
	}
	if fu.LoadStage != nil {
		p.hasLoad = true
		p.loadStage = *fu.LoadStage
		p.loadDelay = *fu.FixedLoadLatency
	}
	if fu.StoreStage != nil {
		p.hasStore = true
		p.storeStage = *fu.StoreStage
		p.storeDelay = *fu.FixedStoreLatency
	}
	return p
}

// Name implements ExecPipe.
func (p *ScalarPipe) Name() string { return p.name }

// Kind implements ExecPipe.
func (p *ScalarPipe) Kind() string { return p.kind }

// QueueID implements ExecPipe.
func (p *ScalarPipe) QueueID() string { return p.queueID }

// Retired implements ExecPipe.
func (p *ScalarPipe) Retired() []*trace.Instruction { return p.retired }

func (p *ScalarPipe) regReadStall(instr *trace.Instruction) bool {
	for rf, regs := range instr.InputsByFile() {
		if !p.sbs[rf].CanRead(instr, regs) {
			return true
		}
	}
	return false
}

func (p *ScalarPipe) regWriteStall(instr *trace.Instruction) bool {
	for rf, regs := range instr.OutputsByFile() {
		if !p.sbs[rf].CanWrite(instr, regs) {
			return true
		}
	}
	return false
}

func (p *ScalarPipe) sbRead(instr *trace.Instruction) {
	for rf, regs := range instr.InputsByFile() {
		p.sbs[rf].Read(instr, regs)
	}
}

func (p *ScalarPipe) sbBufferWrite(instr *trace.Instruction) {
	for rf, regs := range instr.OutputsByFile() {
		p.sbs[rf].BufferWrite(instr, regs)
	}
}

func (p *ScalarPipe) sbWrite(instr *trace.Instruction) {
	for rf, regs := range instr.OutputsByFile() {
		p.sbs[rf].Write(instr, regs)
	}
}

func (p *ScalarPipe) doRegWriteback() {
	instr, ok := p.wbq.Peek()
	if !ok || p.regWriteStall(instr) {
		return
	}
	p.wbq.Dequeue()
	p.sbWrite(instr)
	p.retired = append(p.retired, instr)
}

func (p *ScalarPipe) stalled(c *stats.Counters) bool {
	if last := p.stage[p.depth-1]; last != nil &&
		len(last.Outputs) > 0 && p.wbq.IsBufferFull() {
		return true
	}

	for _, st := range p.loadsInWait {
		if st == lsWaiting {
			c.ScalarLoadStoreStall++
			return true
		}
	}
	for _, st := range p.storesInWait {
		if st == lsWaiting {
			c.ScalarLoadStoreStall++
			return true
		}
	}
	return false
}

func (p *ScalarPipe) doLoad() {
	if !p.hasLoad {
		return
	}

	if instr := p.stage[p.loadStage]; instr != nil {
		origin := memOrigin{Instr: instr}
		for _, addr := range instr.Loads {
			key := memAccess{origin, addr}
			if _, ok := p.loadsInWait[key]; !ok {
				p.mem.IssueLoad(origin, addr)
				p.loadsInWait[key] = lsIssued
			}
		}
	}

	if instr := p.stage[p.loadStage+p.loadDelay]; instr != nil {
		origin := memOrigin{Instr: instr}
		for _, addr := range instr.Loads {
			key := memAccess{origin, addr}
			if p.loadsInWait[key] == lsIssued {
				p.loadsInWait[key] = lsWaiting
			}
		}
		for _, addr := range p.mem.TakeLoadReplies(origin) {
			p.loadsInWait[memAccess{origin, addr}] = lsDone
		}
	}
}

func (p *ScalarPipe) doStore() {
	if !p.hasStore {
		return
	}

	if instr := p.stage[p.storeStage]; instr != nil {
		origin := memOrigin{Instr: instr}
		for _, addr := range instr.Stores {
			key := memAccess{origin, addr}
			if _, ok := p.storesInWait[key]; !ok {
				p.mem.IssueStore(origin, addr)
				p.storesInWait[key] = lsIssued
			}
		}
	}

	if instr := p.stage[p.storeStage+p.storeDelay]; instr != nil {
		origin := memOrigin{Instr: instr}
		for _, addr := range instr.Stores {
			key := memAccess{origin, addr}
			if p.storesInWait[key] == lsIssued {
				p.storesInWait[key] = lsWaiting
			}
		}
		for _, addr := range p.mem.TakeStoreReplies(origin) {
			p.storesInWait[memAccess{origin, addr}] = lsDone
		}
	}
}

// Reset implements ExecPipe.
func (p *ScalarPipe) Reset(c *stats.Counters) {
	c.Utilization(p.name+".eiq", p.eiq.Size())
	c.Utilization(p.name+".pipe", p.depth)
	c.Utilization(p.name+".wbq", p.wbq.Size())
}

// Tick implements ExecPipe. Stages are processed counter to instruction
// flow so the pipe moves in lockstep when nothing stalls.
func (p *ScalarPipe) Tick(c *stats.Counters) {
	p.retired = p.retired[:0]

	p.doRegWriteback()

	if !p.stalled(c) {
		// The accesses of the instruction leaving the reply stage have
		// all completed; drop their bookkeeping.
		if p.hasLoad {
			if instr := p.stage[p.loadStage+p.loadDelay]; instr != nil {
				origin := memOrigin{Instr: instr}
				for _, addr := range instr.Loads {
					delete(p.loadsInWait, memAccess{origin, addr})
				}
			}
		}
		if p.hasStore {
			if instr := p.stage[p.storeStage+p.storeDelay]; instr != nil {
				origin := memOrigin{Instr: instr}
				for _, addr := range instr.Stores {
					delete(p.storesInWait, memAccess{origin, addr})
				}
			}
		}

		// Shift the stages.
		if instr := p.stage[p.depth-1]; instr != nil {
			if len(instr.Outputs) > 0 {
				p.wbq.Buffer(instr)
				c.Utilization(p.name+".wbq", p.wbq.Size()).Enter(1)
				p.sbBufferWrite(instr)
			} else {
				p.retired = append(p.retired, instr)
			}
		}
		copy(p.stage[1:], p.stage[:p.depth-1])
		p.stage[0] = nil
	}

	p.doLoad()
	p.doStore()

	// Issue from the execution issue queue, oldest ready first.
	if p.isReady() {
		for range p.eiq.Len() {
			instr, _ := p.eiq.Dequeue()
			if p.tryIssue(instr, c) {
				break
			}
			p.eiq.Append(instr)
		}
	}
}

// Tock implements ExecPipe.
func (p *ScalarPipe) Tock(c *stats.Counters) {
	p.retired = p.retired[:0]

	c.Utilization(p.name+".pipe", p.depth).Observe(p.occupiedStages())

	p.eiq.Flush()
	c.Utilization(p.name+".eiq", p.eiq.Size()).Observe(p.eiq.Len())

	p.wbq.Flush()
	c.Utilization(p.name+".wbq", p.wbq.Size()).Observe(p.wbq.Len())
}

func (p *ScalarPipe) occupiedStages() int {
	n := 0
	for _, instr := range p.stage {
		if instr != nil {
			n++
		}
	}
	return n
}

// Pending implements ExecPipe.
func (p *ScalarPipe) Pending() int {
	return len(p.eiq.Chain()) + p.occupiedStages() + len(p.wbq.Chain())
}

// TryDispatch implements ExecPipe.
func (p *ScalarPipe) TryDispatch(instr *trace.Instruction, c *stats.Counters) bool {
	if p.eiq.IsBufferFull() {
		return false
	}

	inputs := instr.InputsByFile()
	outputs := instr.OutputsByFile()
	for rf := range p.sbs {
		reads, writes := inputs[rf], outputs[rf]
		if len(reads) > 0 || len(writes) > 0 {
			p.sbs[rf].InsertAccesses(instr, reads, writes)
		}
	}

	if !(p.canSkipEIQ && p.isReady() && p.tryIssue(instr, c)) {
		p.eiq.Buffer(instr)
		c.Utilization(p.name+".eiq", p.eiq.Size()).Enter(1)
	}

	if len(instr.Loads) > 0 || len(instr.Stores) > 0 {
		c.ScalarLoadStore++
	}
	return true
}

// isReady reports whether the pipe can accept a new instruction: the first
// stage is free, or for a non-pipelined unit the whole pipe is empty.
func (p *ScalarPipe) isReady() bool {
	if p.pipelined {
		return p.stage[0] == nil
	}
	return p.occupiedStages() == 0
}

func (p *ScalarPipe) tryIssue(instr *trace.Instruction, c *stats.Counters) bool {
	for _, sb := range p.sbs {
		if !sb.CanIssue(instr) {
			return false
		}
	}
	if p.regReadStall(instr) {
		return false
	}

	p.stage[0] = instr
	c.Utilization(p.name+".pipe", p.depth).Enter(1)

	for _, sb := range p.sbs {
		sb.Issue(instr)
	}
	p.sbRead(instr)
	return true
}

// PrintState implements ExecPipe.
func (p *ScalarPipe) PrintState(w io.Writer) {
	stages := make([]string, p.depth)
	for i, instr := range p.stage {
		if instr != nil {
			stages[i] = instr.String()
		} else {
			stages[i] = "-"
		}
	}
	fmt.Fprintf(w, "[%s] %s > %s > %s\n", p.name,
		joinReversed(p.eiq.Chain()), strings.Join(stages, ", "),
		joinReversed(p.wbq.Chain()))
}

func joinReversed(insts []*trace.Instruction) string {
	if len(insts) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(insts))
	for i := len(insts) - 1; i >= 0; i-- {
		parts = append(parts, insts[i].String())
	}
	return strings.Join(parts, ", ")
}

// StateHeader implements ExecPipe.
func (p *ScalarPipe) StateHeader() []string {
	return []string{"eiq", p.kind, "wbq"}
}

// State implements ExecPipe.
func (p *ScalarPipe) State(vals [3]string) []string {
	return []string{
		p.eiq.ThreeValued(notNil, vals),
		threeValuedStages(p.occupiedStages(), p.depth, vals),
		p.wbq.ThreeValued(notNil, vals),
	}
}

func notNil(i *trace.Instruction) bool { return i != nil }

func threeValuedStages(occupied, depth int, vals [3]string) string {
	switch occupied {
	case depth:
		return vals[2]
	case 0:
		return vals[0]
	default:
		return vals[1]
	}
}
