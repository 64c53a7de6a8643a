// Package core is the front door of the timing model: it assembles a CPU
// from a microarchitecture description and runs a trace through it.
package core

import (
	"io"

	"github.com/AmbiML/trace-based-model/stats"
	"github.com/AmbiML/trace-based-model/timing/pipeline"
	"github.com/AmbiML/trace-based-model/trace"
	"github.com/AmbiML/trace-based-model/uarch"
)

// Report is the outcome of one simulation run.
type Report struct {
	// Counters holds the run's statistics.
	Counters *stats.Counters

	// Snapshot wraps the counters with the simulated trace window, for
	// saving and later merging.
	Snapshot *stats.Snapshot

	// Retirements lists every retired instruction with its cycle, when
	// retirement logging was requested.
	Retirements []stats.Retirement
}

type config struct {
	first int
	last  int

	cycleLimit uint64

	traceOut  io.Writer
	traceMode string
	traceFrom uint64

	debugOut io.Writer

	logRetirements bool
}

// Option configures a simulation run.
type Option func(*config)

// WithWindow restricts the run to trace records [first, last). last -1
// means up to the end of the trace.
func WithWindow(first, last int) Option {
	return func(c *config) {
		c.first = first
		c.last = last
	}
}

// WithCycleLimit stops the run after n cycles.
func WithCycleLimit(n uint64) Option {
	return func(c *config) { c.cycleLimit = n }
}

// WithStateTrace prints a per-cycle state dump to w starting at cycle
// from. mode is pipeline.TraceDetailed or pipeline.TraceThreeValued.
func WithStateTrace(w io.Writer, mode string, from uint64) Option {
	return func(c *config) {
		c.traceOut = w
		c.traceMode = mode
		c.traceFrom = from
	}
}

// WithDebugOutput directs diagnostic dumps to w.
func WithDebugOutput(w io.Writer) Option {
	return func(c *config) { c.debugOut = w }
}

// WithRetirementLog records per-instruction retirement cycles in the
// report.
func WithRetirementLog() Option {
	return func(c *config) { c.logRetirements = true }
}

// Run simulates the trace on the machine described by cfg and pipeMap.
func Run(src *trace.Source, cfg *uarch.Config, pipeMap *uarch.PipeMap,
	opts ...Option) (*Report, error) {

	rc := config{last: -1}
	for _, opt := range opts {
		opt(&rc)
	}

	if err := src.Window(rc.first, rc.last); err != nil {
		return nil, err
	}

	var cpuOpts []pipeline.Option
	if rc.cycleLimit > 0 {
		cpuOpts = append(cpuOpts, pipeline.WithCycleLimit(rc.cycleLimit))
	}
	if rc.traceOut != nil {
		cpuOpts = append(cpuOpts,
			pipeline.WithStateTrace(rc.traceOut, rc.traceMode, rc.traceFrom))
	}
	if rc.debugOut != nil {
		cpuOpts = append(cpuOpts, pipeline.WithDebugOutput(rc.debugOut))
	}
	if rc.logRetirements {
		cpuOpts = append(cpuOpts, pipeline.WithRetirementLog())
	}

	cpu, err := pipeline.NewCPU(cfg, pipeMap, src, cpuOpts...)
	if err != nil {
		return nil, err
	}

	if err := cpu.Simulate(); err != nil {
		return nil, err
	}

	return &Report{
		Counters: cpu.Counters,
		Snapshot: &stats.Snapshot{
			First:    src.First(),
			Last:     rc.last,
			Counters: cpu.Counters,
		},
		Retirements: cpu.Retirements(),
	}, nil
}
