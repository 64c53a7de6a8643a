package benchmarks

import (
	"github.com/AmbiML/trace-based-model/stats"
	"github.com/AmbiML/trace-based-model/timing/core"
	"github.com/AmbiML/trace-based-model/trace"
	"github.com/AmbiML/trace-based-model/uarch"
)

// referenceConfig builds the machine the microbenchmarks run on: a
// one-wide scalar front end, a pipelined alu, a load/store unit behind a
// small write-back data cache, and a sliced vector unit.
func referenceConfig() *uarch.Config {
	loadStage, storeStage, fixed := 1, 1, 2
	return &uarch.Config{
		Core: uarch.CoreConfig{
			BranchPrediction: uarch.BranchPredictionNone,
			FetchRate:        2,
			DecodeRate:       2,
			FetchQueueSize:   8,
			VectorSlices:     4,
		},
		RegisterFiles: map[string]*uarch.RegisterFile{
			trace.RegFileX: {Type: uarch.TypeScalar},
			trace.RegFileV: {Type: uarch.TypeVector},
		},
		IssueQueues: map[string]*uarch.IssueQueue{
			"scalar": {Size: 8},
			"mem":    {Size: 8},
			"vector": {Size: 8},
		},
		FunctionalUnits: map[string]*uarch.FunctionalUnit{
			"alu": {
				Type:       uarch.TypeScalar,
				IssueQueue: "scalar",
				Depth:      2,
				Pipelined:  true,
			},
			"lsu": {
				Type:              uarch.TypeScalar,
				IssueQueue:        "mem",
				Depth:             4,
				Pipelined:         true,
				LoadStage:         &loadStage,
				FixedLoadLatency:  &fixed,
				StoreStage:        &storeStage,
				FixedStoreLatency: &fixed,
				MemoryInterface:   "dcache",
			},
			"vfu": {
				Type:       uarch.TypeVector,
				IssueQueue: "vector",
				Depth:      2,
				Pipelined:  true,
			},
		},
		MemorySystem: uarch.MemorySystem{
			Latencies: map[string]int{
				uarch.ReqRead:       20,
				uarch.ReqWrite:      20,
				uarch.ReqFetchRead:  20,
				uarch.ReqFetchWrite: 20,
			},
			Levels: map[string]*uarch.CacheLevel{
				"dcache": {
					Type:        "data",
					LineSize:    512,
					Size:        4 * 1024,
					WritePolicy: uarch.WriteBack,
					Placement: uarch.Placement{
						Type:        uarch.PlacementSetAssoc,
						SetSize:     4,
						Replacement: uarch.ReplacementLRU,
					},
					Latencies: map[string]int{
						uarch.ReqRead:       2,
						uarch.ReqWrite:      2,
						uarch.ReqFetchRead:  2,
						uarch.ReqFetchWrite: 2,
					},
				},
			},
		},
	}
}

func referencePipeMap() *uarch.PipeMap {
	return uarch.NewPipeMap(map[string]string{
		"addi":    "alu",
		"add":     "alu",
		"bne":     "alu",
		"lw":      "lsu",
		"sw":      "lsu",
		"vadd.vv": "vfu",
	})
}

// run executes one benchmark on the reference machine and returns its
// counters.
func run(b Benchmark) (*stats.Counters, error) {
	return runOn(b, referenceConfig())
}

// runOn executes one benchmark on an alternate machine.
func runOn(b Benchmark, cfg *uarch.Config) (*stats.Counters, error) {
	report, err := core.Run(trace.NewSource(b.Trace), cfg, referencePipeMap())
	if err != nil {
		return nil, err
	}
	return report.Counters, nil
}
