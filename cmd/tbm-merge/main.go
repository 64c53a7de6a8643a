// Package main merges counter snapshots saved by windowed tbm runs into a
// single whole-trace report. Windows must line up end to start.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/AmbiML/trace-based-model/stats"
)

var reportPath = flag.String("r", "",
	"Write the report to this file instead of stdout")

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: tbm-merge [options] <counters.json>...\n")
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
	snaps := make([]*stats.Snapshot, 0, flag.NArg())
	for _, path := range flag.Args() {
		s, err := stats.LoadSnapshot(path)
		if err != nil {
			return err
		}
		snaps = append(snaps, s)
	}

	merged, err := stats.MergeSnapshots(snaps)
	if err != nil {
		return err
	}

	out := os.Stdout
	if *reportPath != "" {
		f, err := os.Create(*reportPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	merged.Counters.WriteReport(out)
	return nil
}
