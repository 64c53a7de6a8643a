package pipeline

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/AmbiML/trace-based-model/stats"
	"github.com/AmbiML/trace-based-model/timing/memsys"
	"github.com/AmbiML/trace-based-model/trace"
	"github.com/AmbiML/trace-based-model/uarch"
)

// vslot is one occupied vector pipe stage: an instruction executing its
// s-th slice.
type vslot struct {
	instr *trace.Instruction
	s     int
}

// VectorPipe is an execution pipe for vector instructions, with flexible
// chaining and tailgating: each vector register is split into slices, an
// instruction enters the pipe one slice per cycle, and result slices are
// written back in order, so a dependent instruction can start reading
// slices its producer has already written. Scalar inputs are read with the
// first slice; scalar outputs are written with the last.
type VectorPipe struct {
	name    string
	kind    string
	queueID string
	depth   int

	eiq        *BufferedQueue[*trace.Instruction]
	canSkipEIQ bool

	slices    int
	pipelined bool
	stage     []*vslot

	// The instruction whose remaining slices still have to enter the
	// pipe.
	inflight     *trace.Instruction
	inflightNext int

	wbq *BufferedQueue[*vslot]

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

// NewVectorPipe builds one instance of a vector functional unit with the
// given per-register slice count.
func NewVectorPipe(name, kind string, fu *uarch.FunctionalUnit, slices int,
	mem *memsys.Level, sbs map[string]*Scoreboard) *VectorPipe {

	p := &VectorPipe{
		name:         name,
		kind:         kind,
		queueID:      fu.IssueQueue,
		depth:        fu.Depth,
		eiq:          NewBufferedQueue[*trace.Instruction](fu.EIQSize),
		canSkipEIQ:   fu.CanSkipEIQ,
		slices:       slices,
		pipelined:    fu.Pipelined,
		stage:        make([]*vslot, fu.Depth),
		wbq:          NewBufferedQueue[*vslot](fu.WritebackBuffSize),
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
func (p *VectorPipe) Name() string { return p.name }

// Kind implements ExecPipe.
func (p *VectorPipe) Kind() string { return p.kind }

// QueueID implements ExecPipe.
func (p *VectorPipe) QueueID() string { return p.queueID }

// Retired implements ExecPipe.
func (p *VectorPipe) Retired() []*trace.Instruction { return p.retired }

// eslices is the number of slices instr needs to execute.
func (p *VectorPipe) eslices(instr *trace.Instruction) int {
	return instr.Slices(p.slices)
}

// sliceAccess picks the memory access of one slice out of the per-element
// access list.
func sliceAccess(accesses []uint64, index, eslices int) uint64 {
	per := len(accesses) / eslices
	return accesses[index*per]
}

// vecRegSeq expands a vector register group into the per-slice register
// names it occupies, in execution order. A group wider than the
// instruction's own EMUL advances only every other cycle, so the sequence
// is interleaved with empty entries on the narrow side.
func (p *VectorPipe) vecRegSeq(reg string, input bool, emul, maxEMUL float64) []string {
	base, _ := strconv.Atoi(reg[1:])

	var seq []string
	if emul < 1 {
		n := int(math.Ceil(emul * float64(p.slices)))
		for s := range n {
			seq = append(seq, fmt.Sprintf("%s.%d", reg, s))
		}
	} else {
		for g := range int(emul) {
			for s := range p.slices {
				seq = append(seq, fmt.Sprintf("%c%d.%d", reg[0], base+g, s))
			}
		}
	}

	if emul == maxEMUL || (emul < 1 && float64(p.slices) < 1/emul) {
		return seq
	}

	interleaved := make([]string, 0, 2*len(seq))
	for _, r := range seq {
		if input {
			interleaved = append(interleaved, r, "")
		} else {
			interleaved = append(interleaved, "", r)
		}
	}
	return interleaved
}

func (p *VectorPipe) inputSeq(instr *trace.Instruction, reg string) []string {
	if trace.IsVectorRegister(reg) {
		emul := instr.EffectiveLMUL()
		if instr.WidensInput() && len(instr.Operands) > 1 && instr.Operands[1] == reg {
			emul *= 2
		}
		return p.vecRegSeq(reg, true, emul, instr.MaxEMUL())
	}
	return []string{reg}
}

func (p *VectorPipe) outputSeq(instr *trace.Instruction, reg string) []string {
	if trace.IsVectorRegister(reg) {
		emul := instr.EffectiveLMUL()
		if instr.WidensOutput() && len(instr.Operands) > 0 && instr.Operands[0] == reg {
			emul *= 2
		}
		return p.vecRegSeq(reg, false, emul, instr.MaxEMUL())
	}

	// A scalar result is written once, with the last slice.
	seq := make([]string, p.eslices(instr))
	seq[len(seq)-1] = reg
	return seq
}

// inputSeqByFile maps each register file to the registers read per slice:
// element s of the sequence is the set of registers slice s reads.
func (p *VectorPipe) inputSeqByFile(instr *trace.Instruction) map[string][][]string {
	res := make(map[string][][]string)
	for rf, regs := range instr.InputsByFile() {
		seq := make([][]string, p.eslices(instr))
		for _, reg := range regs {
			for i, r := range p.inputSeq(instr, reg) {
				if r != "" && i < len(seq) {
					seq[i] = append(seq[i], r)
				}
			}
		}
		res[rf] = seq
	}
	return res
}

// outputSeqByFile maps each register file to the registers written per
// slice.
func (p *VectorPipe) outputSeqByFile(instr *trace.Instruction) map[string][][]string {
	res := make(map[string][][]string)
	for rf, regs := range instr.OutputsByFile() {
		seq := make([][]string, p.eslices(instr))
		for _, reg := range regs {
			for i, r := range p.outputSeq(instr, reg) {
				if r != "" && i < len(seq) {
					seq[i] = append(seq[i], r)
				}
			}
		}
		res[rf] = seq
	}
	return res
}

func (p *VectorPipe) regReadStall(instr *trace.Instruction, s int) bool {
	for rf, seq := range p.inputSeqByFile(instr) {
		if len(seq) > s && !p.sbs[rf].CanRead(instr, seq[s]) {
			return true
		}
	}
	return false
}

func (p *VectorPipe) regWriteStall(instr *trace.Instruction, s int) bool {
	for rf, seq := range p.outputSeqByFile(instr) {
		if len(seq) > s && !p.sbs[rf].CanWrite(instr, seq[s]) {
			return true
		}
	}
	return false
}

func (p *VectorPipe) sbRead(instr *trace.Instruction, s int) {
	for rf, seq := range p.inputSeqByFile(instr) {
		if len(seq) > s && len(seq[s]) > 0 {
			p.sbs[rf].Read(instr, seq[s])
		}
	}
}

func (p *VectorPipe) sbBufferWrite(instr *trace.Instruction, s int) {
	for rf, seq := range p.outputSeqByFile(instr) {
		if len(seq) > s {
			p.sbs[rf].BufferWrite(instr, seq[s])
		}
	}
}

func (p *VectorPipe) sbWrite(instr *trace.Instruction, s int) {
	for rf, seq := range p.outputSeqByFile(instr) {
		if len(seq) > s {
			p.sbs[rf].Write(instr, seq[s])
		}
	}
}

// slotWrites reports whether slice s of instr writes any register.
func (p *VectorPipe) slotWrites(instr *trace.Instruction, s int) bool {
	for _, seq := range p.outputSeqByFile(instr) {
		if len(seq) > s && len(seq[s]) > 0 {
			return true
		}
	}
	return false
}

func (p *VectorPipe) doRegWriteback() {
	slot, ok := p.wbq.Peek()
	if !ok || p.regWriteStall(slot.instr, slot.s) {
		return
	}
	p.sbWrite(slot.instr, slot.s)
	p.wbq.Dequeue()
	if slot.s+1 == p.eslices(slot.instr) {
		p.retired = append(p.retired, slot.instr)
	}
}

func (p *VectorPipe) stalled(c *stats.Counters) bool {
	if last := p.stage[p.depth-1]; last != nil &&
		p.slotWrites(last.instr, last.s) && p.wbq.IsBufferFull() {
		return true
	}

	for _, st := range p.loadsInWait {
		if st == lsWaiting {
			c.VectorLoadStoreStall++
			return true
		}
	}
	for _, st := range p.storesInWait {
		if st == lsWaiting {
			c.VectorLoadStoreStall++
			return true
		}
	}
	return false
}

func (p *VectorPipe) doLoad() {
	if !p.hasLoad {
		return
	}

	if slot := p.stage[p.loadStage]; slot != nil && len(slot.instr.Loads) > 0 {
		origin := memOrigin{Instr: slot.instr, Slice: slot.s}
		addr := sliceAccess(slot.instr.Loads, slot.s, p.eslices(slot.instr))
		key := memAccess{origin, addr}
		if _, ok := p.loadsInWait[key]; !ok {
			p.mem.IssueLoad(origin, addr)
			p.loadsInWait[key] = lsIssued
		}
	}

	if slot := p.stage[p.loadStage+p.loadDelay]; slot != nil && len(slot.instr.Loads) > 0 {
		origin := memOrigin{Instr: slot.instr, Slice: slot.s}
		addr := sliceAccess(slot.instr.Loads, slot.s, p.eslices(slot.instr))
		key := memAccess{origin, addr}
		if p.loadsInWait[key] == lsIssued {
			p.loadsInWait[key] = lsWaiting
		}
		for _, replyAddr := range p.mem.TakeLoadReplies(origin) {
			p.loadsInWait[memAccess{origin, replyAddr}] = lsDone
		}
	}
}

func (p *VectorPipe) doStore() {
	if !p.hasStore {
		return
	}

	if slot := p.stage[p.storeStage]; slot != nil && len(slot.instr.Stores) > 0 {
		origin := memOrigin{Instr: slot.instr, Slice: slot.s}
		addr := sliceAccess(slot.instr.Stores, slot.s, p.eslices(slot.instr))
		key := memAccess{origin, addr}
		if _, ok := p.storesInWait[key]; !ok {
			p.mem.IssueStore(origin, addr)
			p.storesInWait[key] = lsIssued
		}
	}

	if slot := p.stage[p.storeStage+p.storeDelay]; slot != nil && len(slot.instr.Stores) > 0 {
		origin := memOrigin{Instr: slot.instr, Slice: slot.s}
		addr := sliceAccess(slot.instr.Stores, slot.s, p.eslices(slot.instr))
		key := memAccess{origin, addr}
		if p.storesInWait[key] == lsIssued {
			p.storesInWait[key] = lsWaiting
		}
		for _, replyAddr := range p.mem.TakeStoreReplies(origin) {
			p.storesInWait[memAccess{origin, replyAddr}] = lsDone
		}
	}
}

// Reset implements ExecPipe.
func (p *VectorPipe) Reset(c *stats.Counters) {
	c.Utilization(p.name+".eiq", p.eiq.Size())
	c.Utilization(p.name+".pipe", p.depth)
	c.Utilization(p.name+".wbq", p.wbq.Size())
}

// Tick implements ExecPipe.
func (p *VectorPipe) Tick(c *stats.Counters) {
	p.retired = p.retired[:0]

	p.doRegWriteback()

	if !p.stalled(c) {
		if p.hasLoad {
			if slot := p.stage[p.loadStage+p.loadDelay]; slot != nil && len(slot.instr.Loads) > 0 {
				origin := memOrigin{Instr: slot.instr, Slice: slot.s}
				addr := sliceAccess(slot.instr.Loads, slot.s, p.eslices(slot.instr))
				delete(p.loadsInWait, memAccess{origin, addr})
			}
		}
		if p.hasStore {
			if slot := p.stage[p.storeStage+p.storeDelay]; slot != nil && len(slot.instr.Stores) > 0 {
				origin := memOrigin{Instr: slot.instr, Slice: slot.s}
				addr := sliceAccess(slot.instr.Stores, slot.s, p.eslices(slot.instr))
				delete(p.storesInWait, memAccess{origin, addr})
			}
		}

		// Shift the stages.
		if slot := p.stage[p.depth-1]; slot != nil {
			if p.slotWrites(slot.instr, slot.s) {
				p.wbq.Buffer(slot)
				c.Utilization(p.name+".wbq", p.wbq.Size()).Enter(1)
				p.sbBufferWrite(slot.instr, slot.s)
			} else if slot.s+1 == p.eslices(slot.instr) {
				p.retired = append(p.retired, slot.instr)
			}
		}
		copy(p.stage[1:], p.stage[:p.depth-1])
		p.stage[0] = nil

		// Feed the next slice of the in-flight instruction.
		if p.inflight != nil && !p.regReadStall(p.inflight, p.inflightNext) {
			p.sbRead(p.inflight, p.inflightNext)
			p.stage[0] = &vslot{instr: p.inflight, s: p.inflightNext}
			c.Utilization(p.name+".pipe", p.depth).Enter(1)
			p.inflightNext++
			if p.inflightNext == p.eslices(p.inflight) {
				p.inflight = nil
			}
		}
	}

	p.doLoad()
	p.doStore()

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
func (p *VectorPipe) Tock(c *stats.Counters) {
	p.retired = p.retired[:0]

	c.Utilization(p.name+".pipe", p.depth).Observe(p.occupiedStages())

	p.eiq.Flush()
	c.Utilization(p.name+".eiq", p.eiq.Size()).Observe(p.eiq.Len())

	p.wbq.Flush()
	c.Utilization(p.name+".wbq", p.wbq.Size()).Observe(p.wbq.Len())
}

func (p *VectorPipe) occupiedStages() int {
	n := 0
	for _, slot := range p.stage {
		if slot != nil {
			n++
		}
	}
	return n
}

// Pending implements ExecPipe.
func (p *VectorPipe) Pending() int {
	return len(p.eiq.Chain()) + p.occupiedStages() + len(p.wbq.Chain())
}

// TryDispatch implements ExecPipe.
func (p *VectorPipe) TryDispatch(instr *trace.Instruction, c *stats.Counters) bool {
	if p.eiq.IsBufferFull() {
		return false
	}

	inputs := p.inputSeqByFile(instr)
	outputs := p.outputSeqByFile(instr)
	for rf := range p.sbs {
		reads := flatten(inputs[rf])
		writes := flatten(outputs[rf])
		if len(reads) > 0 || len(writes) > 0 {
			p.sbs[rf].InsertAccesses(instr, reads, writes)
		}
	}

	if !(p.canSkipEIQ && p.isReady() && p.tryIssue(instr, c)) {
		p.eiq.Buffer(instr)
		c.Utilization(p.name+".eiq", p.eiq.Size()).Enter(1)
	}

	if len(instr.Loads) > 0 || len(instr.Stores) > 0 {
		c.VectorLoadStore++
	}
	return true
}

func flatten(seq [][]string) []string {
	var out []string
	for _, regs := range seq {
		out = append(out, regs...)
	}
	return out
}

func (p *VectorPipe) isReady() bool {
	if p.pipelined {
		return p.inflight == nil && p.stage[0] == nil
	}
	return p.inflight == nil && p.occupiedStages() == 0
}

func (p *VectorPipe) tryIssue(instr *trace.Instruction, c *stats.Counters) bool {
	for _, sb := range p.sbs {
		if !sb.CanIssue(instr) {
			return false
		}
	}
	if p.regReadStall(instr, 0) {
		return false
	}

	p.stage[0] = &vslot{instr: instr, s: 0}
	c.Utilization(p.name+".pipe", p.depth).Enter(1)

	if p.eslices(instr) > 1 {
		p.inflight = instr
		p.inflightNext = 1
	}

	for _, sb := range p.sbs {
		sb.Issue(instr)
	}
	p.sbRead(instr, 0)
	return true
}

// PrintState implements ExecPipe.
func (p *VectorPipe) PrintState(w io.Writer) {
	stages := make([]string, p.depth)
	for i, slot := range p.stage {
		if slot != nil {
			stages[i] = fmt.Sprintf("%s (%d)", slot.instr, slot.s)
		} else {
			stages[i] = "-"
		}
	}
	fmt.Fprintf(w, "[%s] %s > %s > %s\n", p.name,
		joinReversed(p.eiq.Chain()), strings.Join(stages, ", "),
		joinSlotsReversed(p.wbq.Chain()))
}

func joinSlotsReversed(slots []*vslot) string {
	if len(slots) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(slots))
	for i := len(slots) - 1; i >= 0; i-- {
		parts = append(parts, fmt.Sprintf("%s (%d)", slots[i].instr, slots[i].s))
	}
	return strings.Join(parts, ", ")
}

// StateHeader implements ExecPipe.
func (p *VectorPipe) StateHeader() []string {
	return []string{"eiq", p.kind, "wbq"}
}

// State implements ExecPipe.
func (p *VectorPipe) State(vals [3]string) []string {
	return []string{
		p.eiq.ThreeValued(notNil, vals),
		threeValuedStages(p.occupiedStages(), p.depth, vals),
		p.wbq.ThreeValued(func(s *vslot) bool { return s != nil }, vals),
	}
}
