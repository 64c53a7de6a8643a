package pipeline

import (
	"strconv"
	"strings"

	"github.com/AmbiML/trace-based-model/stats"
	"github.com/AmbiML/trace-based-model/trace"
	"github.com/AmbiML/trace-based-model/uarch"
)

// Scoreboard tracks register hazards and port usage for one register file,
// stalling functional units until their operands are safe to touch.
//
// Dependencies are recorded up front, when an instruction is dispatched, so
// a younger instruction entering an execution pipe can never overtake an
// access it conflicts with. For a vector file every register is split into
// slices and tracked as "v2.3" style names; ports are then counted per
// slice, since each slice has its own physical ports.
type Scoreboard struct {
	name string

	// 0 means unrestricted.
	readPorts  int
	writePorts int

	dedicatedRead  map[string]bool
	dedicatedWrite map[string]bool

	// 0 for a scalar file; for a vector file, the number of slices per
	// register.
	slices int

	// rwDeps[instr][reg] is the in-flight instruction instr reads reg
	// from, or nil once the value is available.
	rwDeps map[*trace.Instruction]map[string]*trace.Instruction

	// wwDeps[instr][reg] is the in-flight instruction that writes reg
	// just before instr does.
	wwDeps map[*trace.Instruction]map[string]*trace.Instruction

	// wrDeps[instr][reg] is the set of instructions that must read reg
	// before instr overwrites it.
	wrDeps map[*trace.Instruction]map[string]map[*trace.Instruction]bool

	// writes[reg] is the latest in-flight instruction that will write reg.
	writes map[string]*trace.Instruction

	// reads[reg] is the set of in-flight instructions reading reg after
	// writes[reg].
	reads map[string]map[*trace.Instruction]bool

	// issued holds instructions already issued to a functional unit, so
	// dependents can issue behind them without deadlocking.
	issued map[*trace.Instruction]bool

	// writeBuff[instr] is the set of registers instr has computed but not
	// yet written back; dependents read those through the bypass.
	writeBuff map[*trace.Instruction]map[string]bool

	usedReadPorts  []int
	usedWritePorts []int

	cycle       uint64
	availableAt map[string]uint64
}

// NewScoreboard builds the scoreboard for one register file. slices is the
// per-register slice count of a vector file, 0 for a scalar file.
func NewScoreboard(name string, rf *uarch.RegisterFile, slices int) *Scoreboard {
	ports := 1
	if slices > 0 {
		ports = slices
	}
	sb := &Scoreboard{
		name:           name,
		readPorts:      rf.ReadPorts,
		writePorts:     rf.WritePorts,
		dedicatedRead:  make(map[string]bool),
		dedicatedWrite: make(map[string]bool),
		slices:         slices,
		rwDeps:         make(map[*trace.Instruction]map[string]*trace.Instruction),
		wwDeps:         make(map[*trace.Instruction]map[string]*trace.Instruction),
		wrDeps:         make(map[*trace.Instruction]map[string]map[*trace.Instruction]bool),
		writes:         make(map[string]*trace.Instruction),
		reads:          make(map[string]map[*trace.Instruction]bool),
		issued:         make(map[*trace.Instruction]bool),
		writeBuff:      make(map[*trace.Instruction]map[string]bool),
		usedReadPorts:  make([]int, ports),
		usedWritePorts: make([]int, ports),
		availableAt:    make(map[string]uint64),
	}
	for _, reg := range rf.DedicatedReadPorts {
		sb.dedicatedRead[reg] = true
	}
	for _, reg := range rf.DedicatedWritePorts {
		sb.dedicatedWrite[reg] = true
	}
	return sb
}

// Name returns the register file name.
func (sb *Scoreboard) Name() string { return sb.name }

// portSlice maps a register name to the port pool it draws from.
func (sb *Scoreboard) portSlice(reg string) int {
	if sb.slices == 0 {
		return 0
	}
	dot := strings.LastIndexByte(reg, '.')
	if dot < 0 {
		return 0
	}
	s, _ := strconv.Atoi(reg[dot+1:])
	return s
}

// baseReg strips the slice suffix of a vector register name.
func (sb *Scoreboard) baseReg(reg string) string {
	if sb.slices == 0 {
		return reg
	}
	if dot := strings.LastIndexByte(reg, '.'); dot >= 0 {
		return reg[:dot]
	}
	return reg
}

// InsertAccesses records the reads and writes an instruction will perform,
// ordering them after every conflicting access already recorded.
func (sb *Scoreboard) InsertAccesses(instr *trace.Instruction, regReads, regWrites []string) {
	for _, reg := range regReads {
		deps, ok := sb.rwDeps[instr]
		if !ok {
			deps = make(map[string]*trace.Instruction)
			sb.rwDeps[instr] = deps
		}
		deps[reg] = sb.writes[reg]
		readers, ok := sb.reads[reg]
		if !ok {
			readers = make(map[*trace.Instruction]bool)
			sb.reads[reg] = readers
		}
		readers[instr] = true
	}

	for _, reg := range regWrites {
		deps, ok := sb.wwDeps[instr]
		if !ok {
			deps = make(map[string]*trace.Instruction)
			sb.wwDeps[instr] = deps
		}
		deps[reg] = sb.writes[reg]

		wr, ok := sb.wrDeps[instr]
		if !ok {
			wr = make(map[string]map[*trace.Instruction]bool)
			sb.wrDeps[instr] = wr
		}
		readers, ok := wr[reg]
		if !ok {
			readers = make(map[*trace.Instruction]bool)
			wr[reg] = readers
		}
		for reader := range sb.reads[reg] {
			if reader != instr {
				readers[reader] = true
			}
		}

		sb.writes[reg] = instr
		delete(sb.reads, reg)
	}
}

// sharedReadRegs returns the registers that need a shared read port,
// grouped by port pool. Registers whose producer is still in flight come
// through the bypass and use no port.
func (sb *Scoreboard) sharedReadRegs(instr *trace.Instruction, regs []string) map[int]int {
	res := make(map[int]int)
	for _, reg := range regs {
		if !sb.dedicatedRead[sb.baseReg(reg)] && sb.rwDeps[instr][reg] == nil {
			res[sb.portSlice(reg)]++
		}
	}
	return res
}

func (sb *Scoreboard) sharedWriteRegs(regs []string) map[int]int {
	res := make(map[int]int)
	for _, reg := range regs {
		if !sb.dedicatedWrite[sb.baseReg(reg)] {
			res[sb.portSlice(reg)]++
		}
	}
	return res
}

// CanRead reports whether instr can read regs this cycle: enough read
// ports are left and every producer has either written back or buffered a
// bypassable value.
func (sb *Scoreboard) CanRead(instr *trace.Instruction, regs []string) bool {
	if sb.readPorts > 0 {
		for s, n := range sb.sharedReadRegs(instr, regs) {
			if sb.usedReadPorts[s]+n > sb.readPorts {
				return false
			}
		}
	}
	for _, reg := range regs {
		dep := sb.rwDeps[instr][reg]
		if dep != nil && !sb.writeBuff[dep][reg] {
			return false
		}
	}
	return true
}

// Read consumes read ports and discharges instr's read dependencies on
// regs.
func (sb *Scoreboard) Read(instr *trace.Instruction, regs []string) {
	for s, n := range sb.sharedReadRegs(instr, regs) {
		sb.usedReadPorts[s] += n
	}

	for _, reg := range regs {
		delete(sb.rwDeps[instr], reg)
		for _, wr := range sb.wrDeps {
			delete(wr[reg], instr)
		}
		delete(sb.reads[reg], instr)
	}

	if len(sb.rwDeps[instr]) == 0 {
		delete(sb.rwDeps, instr)
		if _, ok := sb.wwDeps[instr]; !ok {
			delete(sb.issued, instr)
		}
	}
}

// CanWrite reports whether instr can write regs this cycle: enough write
// ports are left, the previous writer has retired, and every older reader
// has read.
func (sb *Scoreboard) CanWrite(instr *trace.Instruction, regs []string) bool {
	if sb.writePorts > 0 {
		for s, n := range sb.sharedWriteRegs(regs) {
			if sb.usedWritePorts[s]+n > sb.writePorts {
				return false
			}
		}
	}
	for _, reg := range regs {
		if sb.wwDeps[instr][reg] != nil {
			return false
		}
		if len(sb.wrDeps[instr][reg]) > 0 {
			return false
		}
	}
	return true
}

// BufferWrite records that instr has computed regs, making them available
// to dependents through the bypass before writeback.
func (sb *Scoreboard) BufferWrite(instr *trace.Instruction, regs []string) {
	buff, ok := sb.writeBuff[instr]
	if !ok {
		buff = make(map[string]bool)
		sb.writeBuff[instr] = buff
	}
	for _, reg := range regs {
		buff[reg] = true
	}
}

// Write consumes write ports and discharges instr's write dependencies on
// regs, releasing the instructions that were ordered behind them.
func (sb *Scoreboard) Write(instr *trace.Instruction, regs []string) {
	for s, n := range sb.sharedWriteRegs(regs) {
		sb.usedWritePorts[s] += n
	}

	for _, reg := range regs {
		delete(sb.wwDeps[instr], reg)
		delete(sb.wrDeps[instr], reg)

		for _, deps := range sb.rwDeps {
			if deps[reg] == instr {
				deps[reg] = nil
			}
		}
		for _, deps := range sb.wwDeps {
			if deps[reg] == instr {
				deps[reg] = nil
			}
		}
		if sb.writes[reg] == instr {
			delete(sb.writes, reg)
		}

		sb.availableAt[reg] = sb.cycle
	}

	if len(sb.wwDeps[instr]) == 0 {
		delete(sb.wwDeps, instr)
		delete(sb.wrDeps, instr)
		if _, ok := sb.rwDeps[instr]; !ok {
			delete(sb.issued, instr)
		}
	}

	delete(sb.writeBuff, instr)
}

// CanIssue reports whether every access instr depends on belongs to an
// instruction that has already issued, so issuing instr cannot deadlock a
// pipe.
func (sb *Scoreboard) CanIssue(instr *trace.Instruction) bool {
	_, hasRW := sb.rwDeps[instr]
	_, hasWW := sb.wwDeps[instr]
	_, hasWR := sb.wrDeps[instr]
	if !hasRW && !hasWW && !hasWR {
		return true
	}

	for _, dep := range sb.rwDeps[instr] {
		if dep != nil && !sb.issued[dep] {
			return false
		}
	}
	for _, dep := range sb.wwDeps[instr] {
		if dep != nil && !sb.issued[dep] {
			return false
		}
	}
	for _, readers := range sb.wrDeps[instr] {
		for dep := range readers {
			if !sb.issued[dep] {
				return false
			}
		}
	}
	return true
}

// Issue marks instr as issued to a functional unit.
func (sb *Scoreboard) Issue(instr *trace.Instruction) {
	_, hasRW := sb.rwDeps[instr]
	_, hasWW := sb.wwDeps[instr]
	_, hasWR := sb.wrDeps[instr]
	if !hasRW && !hasWW && !hasWR {
		return
	}
	sb.issued[instr] = true
}

// AvailableAt returns the cycle reg was last written back, if it has been.
func (sb *Scoreboard) AvailableAt(reg string) (uint64, bool) {
	cycle, ok := sb.availableAt[reg]
	return cycle, ok
}

// Tick records the current cycle for availability bookkeeping.
func (sb *Scoreboard) Tick(c *stats.Counters) {
	sb.cycle = c.Cycles
}

// Tock releases the ports consumed this cycle.
func (sb *Scoreboard) Tock(c *stats.Counters) {
	for s := range sb.usedReadPorts {
		sb.usedReadPorts[s] = 0
		sb.usedWritePorts[s] = 0
	}
}
