package pipeline

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/AmbiML/trace-based-model/stats"
	"github.com/AmbiML/trace-based-model/timing/memsys"
	"github.com/AmbiML/trace-based-model/trace"
	"github.com/AmbiML/trace-based-model/uarch"
)

// If the retired instruction count does not change for this many cycles
// the model is wedged, which is a modeling bug, not a property of the
// simulated machine.
const deadlockThreshold = 100

// Trace printing modes.
const (
	TraceDetailed    = "detailed"
	TraceThreeValued = "three-valued"
)

// memsysUnit adapts the memory system to the Unit interface so the CPU can
// step it with the rest of the machine.
type memsysUnit struct {
	sys *memsys.MemorySystem
}

func (m *memsysUnit) Name() string               { return "MS" }
func (m *memsysUnit) Reset(c *stats.Counters)    { m.sys.Reset() }
func (m *memsysUnit) Tick(c *stats.Counters)     { m.sys.Tick() }
func (m *memsysUnit) Tock(c *stats.Counters)     { m.sys.Tock() }
func (m *memsysUnit) Pending() int               { return 0 }
func (m *memsysUnit) PrintState(w io.Writer)     {}
func (m *memsysUnit) StateHeader() []string      { return nil }
func (m *memsysUnit) State(v [3]string) []string { return nil }

// CPU is the whole machine: the unit list in step order and the counters.
type CPU struct {
	Counters *stats.Counters

	fetch    *FetchUnit
	dispatch *DispatchUnit
	exec     *ExecUnit
	mem      *memsys.MemorySystem

	// Stepped in this order every cycle; units that move instructions in
	// lockstep are ordered counter to instruction flow.
	units []Unit

	maxCycles uint64

	traceMode string
	traceFrom uint64
	traceOut  io.Writer

	debugOut io.Writer

	retirements []stats.Retirement
	keepRetires bool

	headerCycle uint64
	headerSeen  bool
}

// Option configures a CPU.
type Option func(*CPU)

// WithCycleLimit stops the simulation after n cycles.
func WithCycleLimit(n uint64) Option {
	return func(c *CPU) { c.maxCycles = n }
}

// WithStateTrace prints a per-cycle state dump to w, starting at cycle
// from. mode is TraceDetailed or TraceThreeValued.
func WithStateTrace(w io.Writer, mode string, from uint64) Option {
	return func(c *CPU) {
		c.traceOut = w
		c.traceMode = mode
		c.traceFrom = from
	}
}

// WithDebugOutput directs the state dump written on a wedged machine to w.
func WithDebugOutput(w io.Writer) Option {
	return func(c *CPU) { c.debugOut = w }
}

// WithRetirementLog records every retirement for per-instruction
// reporting.
func WithRetirementLog() Option {
	return func(c *CPU) { c.keepRetires = true }
}

// NewCPU assembles the machine described by cfg over the given trace.
func NewCPU(cfg *uarch.Config, pipeMap *uarch.PipeMap, src *trace.Source,
	opts ...Option) (*CPU, error) {

	if err := pipeMap.Validate(cfg); err != nil {
		return nil, err
	}

	sbs := make(map[string]*Scoreboard, len(cfg.RegisterFiles))
	rfNames := make([]string, 0, len(cfg.RegisterFiles))
	for name := range cfg.RegisterFiles {
		rfNames = append(rfNames, name)
	}
	sort.Strings(rfNames)
	for _, name := range rfNames {
		rf := cfg.RegisterFiles[name]
		slices := 0
		if rf.Type == uarch.TypeVector {
			slices = cfg.Core.VectorSlices
		}
		sbs[name] = NewScoreboard(name, rf, slices)
	}

	mem, err := memsys.New(&cfg.MemorySystem)
	if err != nil {
		return nil, err
	}

	cpu := &CPU{
		Counters: stats.NewCounters(),
		fetch:    NewFetchUnit(&cfg.Core, src),
		dispatch: NewDispatchUnit(cfg),
		mem:      mem,
		debugOut: io.Discard,
	}
	cpu.exec = NewExecUnit(cfg, pipeMap, sbs)
	cpu.dispatch.Connect(cpu.fetch, cpu.exec)
	cpu.exec.Connect(cpu.fetch, cpu.dispatch)
	cpu.exec.OnRetire(cpu.recordRetire)

	fuNames := make([]string, 0, len(cfg.FunctionalUnits))
	for name := range cfg.FunctionalUnits {
		fuNames = append(fuNames, name)
	}
	sort.Strings(fuNames)
	for _, kind := range fuNames {
		fu := cfg.FunctionalUnits[kind]

		var level *memsys.Level
		if fu.MemoryInterface != "" {
			lvl, ok := mem.Level(fu.MemoryInterface)
			if !ok {
				return nil, fmt.Errorf("functional unit %s: unknown memory"+
					" level %q", kind, fu.MemoryInterface)
			}
			level = lvl
		}

		pipes := make([]ExecPipe, fu.Instances())
		for i := range pipes {
			name := fmt.Sprintf("%s%d", kind, i)
			if fu.Type == uarch.TypeVector {
				pipes[i] = NewVectorPipe(name, kind, fu,
					cfg.Core.VectorSlices, level, sbs)
			} else {
				pipes[i] = NewScalarPipe(name, kind, fu, level, sbs)
			}
		}
		cpu.exec.AddPipes(kind, pipes)
	}

	cpu.units = []Unit{
		&memsysUnit{sys: mem},
		cpu.exec,
		cpu.dispatch,
		cpu.fetch,
	}

	for _, opt := range opts {
		opt(cpu)
	}
	return cpu, nil
}

func (c *CPU) recordRetire(instr *trace.Instruction) {
	if !c.keepRetires {
		return
	}
	c.retirements = append(c.retirements, stats.Retirement{
		Cycle: c.Counters.Cycles,
		Index: instr.Index,
		Addr:  instr.Addr,
		Text:  instr.String(),
	})
}

// Retirements returns the recorded retirements, oldest first.
func (c *CPU) Retirements() []stats.Retirement { return c.retirements }

// Pending returns the number of instructions still in flight.
func (c *CPU) Pending() int {
	n := 0
	for _, u := range c.units {
		n += u.Pending()
	}
	return n
}

// Simulate runs the machine until the trace is drained and every unit is
// empty, or until the cycle limit. It fails if the machine wedges or an
// instruction cannot be routed.
func (c *CPU) Simulate() error {
	for _, u := range c.units {
		u.Reset(c.Counters)
	}

	var prevRetired uint64
	wedgedFor := 0

	for !c.fetch.EOF() || c.Pending() > 0 {
		if c.maxCycles > 0 && c.Counters.Cycles >= c.maxCycles {
			break
		}

		c.Counters.Cycles++

		for _, u := range c.units {
			u.Tick(c.Counters)
		}
		for _, u := range c.units {
			u.Tock(c.Counters)
		}

		if err := c.dispatch.Err(); err != nil {
			return err
		}
		if err := c.exec.Err(); err != nil {
			return err
		}

		if c.traceOut != nil && c.Counters.Cycles >= c.traceFrom {
			c.printState()
		}

		if prevRetired == c.Counters.RetiredInstructions {
			wedgedFor++
			if wedgedFor > deadlockThreshold {
				c.PrintState(c.debugOut)
				return fmt.Errorf("cycle %d: retired instruction count has"+
					" not changed for %d cycles; the model is wedged",
					c.Counters.Cycles, deadlockThreshold)
			}
		} else {
			prevRetired = c.Counters.RetiredInstructions
			wedgedFor = 0
		}
	}

	return nil
}

// PrintState writes a detailed dump of every unit.
func (c *CPU) PrintState(w io.Writer) {
	fmt.Fprintln(w)
	for _, u := range c.units {
		u.PrintState(w)
	}
}

func (c *CPU) printState() {
	if c.traceMode == TraceDetailed {
		c.PrintState(c.traceOut)
		return
	}
	c.printStateThreeValued()
}

// printStateThreeValued prints one compact line per cycle, with a header
// repeated every 100 cycles.
func (c *CPU) printStateThreeValued() {
	vals := [3]string{"-", "P", "F"}

	values := []string{fmt.Sprintf("%d", c.Counters.Cycles)}
	for _, u := range c.units {
		values = append(values, u.State(vals)...)
	}

	if !c.headerSeen {
		c.headerSeen = true
		c.headerCycle = c.Counters.Cycles % 100
	}
	if c.headerCycle == c.Counters.Cycles%100 {
		headers := []string{"cycle"}
		for _, u := range c.units {
			headers = append(headers, u.StateHeader()...)
		}
		c.printTransposedHeader(headers, values)
	}

	fmt.Fprintln(c.traceOut, strings.Join(values, "|"))
}

// printTransposedHeader prints the column names vertically, so columns can
// be as narrow as their values.
func (c *CPU) printTransposedHeader(headers, values []string) {
	height := 0
	for _, h := range headers {
		if len(h) > height {
			height = len(h)
		}
	}

	lines := make([][]string, height)
	for row := range lines {
		lines[row] = make([]string, len(headers))
	}
	for col, header := range headers {
		width := len(values[col])
		for row := range height {
			ch := " "
			// Header text is bottom-aligned.
			if i := height - 1 - row; i < len(header) {
				ch = string(header[len(header)-1-i])
			}
			lines[row][col] = fmt.Sprintf("%-*s", width, ch)
		}
	}

	fmt.Fprintln(c.traceOut)
	for _, line := range lines {
		fmt.Fprintln(c.traceOut, strings.Join(line, "|"))
	}
	seps := make([]string, len(values))
	for i, val := range values {
		seps[i] = strings.Repeat("-", len(val))
	}
	fmt.Fprintln(c.traceOut, strings.Join(seps, "+"))
}

// WriteReport writes the statistics report plus warnings for anything left
// in flight.
func (c *CPU) WriteReport(w io.Writer) {
	c.Counters.WriteReport(w)
	for _, u := range c.units {
		if pending := u.Pending(); pending > 0 {
			fmt.Fprintf(w, "*** Warning: pending instructions in %s: %d\n",
				u.Name(), pending)
		}
	}
}
