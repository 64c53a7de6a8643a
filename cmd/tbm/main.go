// Package main provides the entry point for the trace-based timing model.
// It replays a functional instruction trace against a microarchitecture
// description and reports cycle counts and stall statistics.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/AmbiML/trace-based-model/stats"
	"github.com/AmbiML/trace-based-model/timing/core"
	"github.com/AmbiML/trace-based-model/timing/pipeline"
	"github.com/AmbiML/trace-based-model/trace"
	"github.com/AmbiML/trace-based-model/uarch"
)

// repeatable collects the values of a flag given more than once.
type repeatable []string

func (r *repeatable) String() string { return strings.Join(*r, ",") }

func (r *repeatable) Set(v string) error {
	*r = append(*r, v)
	return nil
}

var (
	uarchPath = flag.String("u", "",
		"Path to the microarchitecture description YAML file")
	reportPath = flag.String("r", "",
		"Write the report to this file instead of stdout")
	saveCounters = flag.String("save-counters", "",
		"Save raw counters as JSON for later merging with tbm-merge")
	printTrace = flag.String("print-trace", "",
		"Print per-cycle machine state: 'detailed' or 'three-valued'")
	printFromCycle = flag.Uint64("print-from-cycle", 0,
		"First cycle to print machine state from")
	cycles = flag.Uint64("cycles", 0,
		"Stop the simulation after this many cycles (0 = no limit)")
	instructions = flag.String("instructions", "",
		"Simulate only the trace window N:[M]")
	jsonTrace = flag.Bool("json-trace", false,
		"Read the trace as JSON records instead of the binary format")
	printRetirements = flag.Bool("print-retirements", false,
		"Print the retirement cycle of every instruction")
	verbose = flag.Bool("v", false, "Verbose output")

	overlays repeatable
	sets     repeatable
)

func main() {
	flag.Var(&overlays, "e", "Overlay YAML file merged over the uarch"+
		" description (repeatable)")
	flag.Var(&sets, "set", "Override a single configuration value as"+
		" PATH=VALUE (repeatable)")
	flag.Parse()

	if *uarchPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: tbm -u <uarch.yaml> [options] [trace]\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := uarch.Load(*uarchPath, overlays, sets)
	if err != nil {
		return err
	}

	pipeMap, err := uarch.LoadPipeMaps(filepath.Dir(*uarchPath), cfg.PipeMaps)
	if err != nil {
		return err
	}

	src, err := readTrace()
	if err != nil {
		return err
	}

	opts, err := runOptions()
	if err != nil {
		return err
	}

	report, err := core.Run(src, cfg, pipeMap, opts...)
	if err != nil {
		return err
	}

	return writeReports(report)
}

func readTrace() (*trace.Source, error) {
	var r io.Reader = os.Stdin
	name := "stdin"

	if flag.NArg() > 0 {
		f, err := os.Open(flag.Arg(0))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
		name = flag.Arg(0)
	}

	var (
		insts []*trace.Instruction
		err   error
	)
	if *jsonTrace {
		insts, err = trace.ReadJSON(r)
	} else {
		insts, err = trace.ReadBinary(r)
	}
	if err != nil {
		return nil, fmt.Errorf("reading trace %s: %w", name, err)
	}

	if *verbose {
		fmt.Printf("Loaded: %s (%d instructions)\n", name, len(insts))
	}
	return trace.NewSource(insts), nil
}

func runOptions() ([]core.Option, error) {
	var opts []core.Option

	if *instructions != "" {
		first, last, err := trace.ParseWindow(*instructions)
		if err != nil {
			return nil, err
		}
		opts = append(opts, core.WithWindow(first, last))
	}
	if *cycles > 0 {
		opts = append(opts, core.WithCycleLimit(*cycles))
	}
	switch *printTrace {
	case "":
	case pipeline.TraceDetailed, pipeline.TraceThreeValued:
		opts = append(opts, core.WithStateTrace(os.Stdout, *printTrace,
			*printFromCycle))
	default:
		return nil, fmt.Errorf("-print-trace: unknown mode %q", *printTrace)
	}
	if *printRetirements {
		opts = append(opts, core.WithRetirementLog())
	}
	opts = append(opts, core.WithDebugOutput(os.Stderr))

	return opts, nil
}

func writeReports(report *core.Report) error {
	out := os.Stdout
	if *reportPath != "" {
		f, err := os.Create(*reportPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	report.Counters.WriteReport(out)

	if *printRetirements {
		printRetirementLog(out, report.Retirements)
	}

	if *saveCounters != "" {
		if err := report.Snapshot.Save(*saveCounters); err != nil {
			return err
		}
	}
	return nil
}

func printRetirementLog(w io.Writer, rets []stats.Retirement) {
	fmt.Fprintf(w, "\nRetirements:\n")
	for _, r := range rets {
		fmt.Fprintf(w, "  %8d  %6d  %#8x  %s\n", r.Cycle, r.Index,
			r.Addr, r.Text)
	}
}
