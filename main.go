// Package main provides the entry point for TBM.
// TBM is a cycle-stepped timing model driven by instruction traces.
//
// For the full CLI, use: go run ./cmd/tbm
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("TBM - Trace-Based Timing Model")
	fmt.Println("")
	fmt.Println("Usage: tbm [options] <trace.json>")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -u         Path to the uarch description YAML file")
	fmt.Println("  -r         Write the statistics report to a file")
	fmt.Println("  -cycles    Stop after a fixed number of cycles")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/tbm' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/tbm' instead.")
	}
}
