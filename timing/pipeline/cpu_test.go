package pipeline_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/AmbiML/trace-based-model/timing/pipeline"
	"github.com/AmbiML/trace-based-model/trace"
	"github.com/AmbiML/trace-based-model/uarch"
)

// baseConfig is a one-wide machine with a single depth-2 pipelined alu, so
// expected cycle counts can be derived by hand.
func baseConfig() *uarch.Config {
	return &uarch.Config{
		Core: uarch.CoreConfig{
			BranchPrediction: uarch.BranchPredictionNone,
			FetchRate:        1,
			DecodeRate:       1,
			FetchQueueSize:   8,
		},
		RegisterFiles: map[string]*uarch.RegisterFile{
			trace.RegFileX: {Type: uarch.TypeScalar},
		},
		IssueQueues: map[string]*uarch.IssueQueue{
			"iq": {Size: 4},
		},
		FunctionalUnits: map[string]*uarch.FunctionalUnit{
			"alu": {
				Type:       uarch.TypeScalar,
				IssueQueue: "iq",
				Depth:      2,
				Pipelined:  true,
			},
		},
		MemorySystem: uarch.MemorySystem{
			Latencies: map[string]int{
				uarch.ReqRead:       1,
				uarch.ReqWrite:      1,
				uarch.ReqFetchRead:  1,
				uarch.ReqFetchWrite: 1,
			},
		},
	}
}

func basePipeMap() *uarch.PipeMap {
	return uarch.NewPipeMap(map[string]string{
		"addi":  "alu",
		"add":   "alu",
		"bne":   "alu",
		"csrrw": "alu",
	})
}

func simulate(cfg *uarch.Config, pm *uarch.PipeMap,
	insts []*trace.Instruction) (*pipeline.CPU, error) {

	cpu, err := pipeline.NewCPU(cfg, pm, trace.NewSource(insts))
	Expect(err).NotTo(HaveOccurred())
	return cpu, cpu.Simulate()
}

func addi(i int, out string, in ...string) *trace.Instruction {
	return &trace.Instruction{
		Index:    i,
		Addr:     0x1000 + uint64(4*i),
		Mnemonic: "addi",
		Inputs:   in,
		Outputs:  []string{out},
	}
}

var _ = Describe("CPU", func() {
	It("should time a single instruction through the whole pipeline", func() {
		// Fetch, dispatch, issue queue, issue, two alu stages, writeback.
		cpu, err := simulate(baseConfig(), basePipeMap(),
			[]*trace.Instruction{addi(0, "x1", "x1")})

		Expect(err).NotTo(HaveOccurred())
		Expect(cpu.Counters.RetiredInstructions).To(Equal(uint64(1)))
		Expect(cpu.Counters.Cycles).To(Equal(uint64(7)))
	})

	It("should skip writeback for an instruction without outputs", func() {
		insts := []*trace.Instruction{{
			Index: 0, Addr: 0x1000, Mnemonic: "bne",
			Inputs: []string{"x1", "x2"},
		}}

		cpu, err := simulate(baseConfig(), basePipeMap(), insts)

		Expect(err).NotTo(HaveOccurred())
		Expect(cpu.Counters.Cycles).To(Equal(uint64(6)))
	})

	It("should space a dependent chain by the bypass latency", func() {
		insts := []*trace.Instruction{
			addi(0, "x1", "x1"),
			addi(1, "x1", "x1"),
			addi(2, "x1", "x1"),
		}

		cpu, err := simulate(baseConfig(), basePipeMap(), insts)

		Expect(err).NotTo(HaveOccurred())
		Expect(cpu.Counters.Cycles).To(Equal(uint64(11)))
	})

	It("should overlap independent instructions in a pipelined unit", func() {
		insts := []*trace.Instruction{
			addi(0, "x1"),
			addi(1, "x2"),
			addi(2, "x3"),
		}

		cpu, err := simulate(baseConfig(), basePipeMap(), insts)

		Expect(err).NotTo(HaveOccurred())
		Expect(cpu.Counters.Cycles).To(Equal(uint64(9)))
	})

	It("should serialize a non-pipelined unit", func() {
		cfg := baseConfig()
		cfg.FunctionalUnits["alu"].Pipelined = false
		insts := []*trace.Instruction{
			addi(0, "x1"),
			addi(1, "x2"),
			addi(2, "x3"),
		}

		cpu, err := simulate(cfg, basePipeMap(), insts)

		Expect(err).NotTo(HaveOccurred())
		Expect(cpu.Counters.Cycles).To(Equal(uint64(11)))
	})

	It("should stop fetch and dispatch behind a branch until it retires", func() {
		insts := []*trace.Instruction{
			{
				Index: 0, Addr: 0x1000, Mnemonic: "bne", IsBranch: true,
				Inputs: []string{"x1", "x2"}, BranchTarget: 0x2000,
			},
			addi(1, "x1"),
		}
		insts[1].Addr = 0x2000

		cpu, err := simulate(baseConfig(), basePipeMap(), insts)

		Expect(err).NotTo(HaveOccurred())
		Expect(cpu.Counters.RetiredInstructions).To(Equal(uint64(2)))
		Expect(cpu.Counters.Branches).To(Equal(uint64(1)))
		// The branch retires at cycle 6; the target instruction restarts
		// the front end and takes its usual six cycles from there.
		Expect(cpu.Counters.Cycles).To(Equal(uint64(12)))
		Expect(cpu.Counters.Stalls["FE"]).To(Equal(uint64(3)))
	})

	It("should hold a flush at dispatch until the machine drains", func() {
		flush := &trace.Instruction{
			Index: 1, Addr: 0x1004, Mnemonic: "csrrw", IsFlush: true,
		}
		insts := []*trace.Instruction{addi(0, "x1"), flush, addi(2, "x2")}

		cpu, err := simulate(baseConfig(), basePipeMap(), insts)

		Expect(err).NotTo(HaveOccurred())
		Expect(cpu.Counters.RetiredInstructions).To(Equal(uint64(3)))
		// The flush waits from cycle 3 until the first addi retires at
		// cycle 7.
		Expect(cpu.Counters.Stalls["DS"]).To(Equal(uint64(4)))
	})

	It("should stall dispatch on a full issue queue", func() {
		cfg := baseConfig()
		cfg.IssueQueues["iq"].Size = 1
		cfg.FunctionalUnits["alu"].EIQSize = 1
		insts := []*trace.Instruction{
			addi(0, "x1", "x1"),
			addi(1, "x1", "x1"),
			addi(2, "x1", "x1"),
			addi(3, "x1", "x1"),
		}

		cpu, err := simulate(cfg, basePipeMap(), insts)

		Expect(err).NotTo(HaveOccurred())
		Expect(cpu.Counters.RetiredInstructions).To(Equal(uint64(4)))
		Expect(cpu.Counters.Stalls["DS"]).To(BeNumerically(">", 0))
	})

	It("should not reorder conflicting instructions across issue queues", func() {
		cfg := baseConfig()
		cfg.FunctionalUnits["alu"] = &uarch.FunctionalUnit{
			Type:       uarch.TypeScalar,
			IssueQueue: "iq",
			Depth:      4,
			Pipelined:  false,
			EIQSize:    1,
		}
		cfg.FunctionalUnits["mul"] = &uarch.FunctionalUnit{
			Type:       uarch.TypeScalar,
			IssueQueue: "mq",
			Depth:      2,
			Pipelined:  true,
		}
		cfg.IssueQueues["mq"] = &uarch.IssueQueue{Size: 4}
		pm := uarch.NewPipeMap(map[string]string{
			"addi": "alu",
			"mul":  "mul",
		})

		// The third addi is parked in the issue queue behind the busy
		// alu; the mul reads its output and must not slip past it into
		// the other queue.
		insts := []*trace.Instruction{
			addi(0, "x1"),
			addi(1, "x2"),
			addi(2, "x3"),
			{
				Index: 3, Addr: 0x100c, Mnemonic: "mul",
				Inputs: []string{"x3"}, Outputs: []string{"x4"},
			},
		}

		cpu, err := simulate(cfg, pm, insts)

		Expect(err).NotTo(HaveOccurred())
		Expect(cpu.Counters.RetiredInstructions).To(Equal(uint64(4)))
		Expect(cpu.Counters.Stalls["DS"]).To(Equal(uint64(3)))
	})

	It("should fail on a mnemonic with no pipe mapping", func() {
		insts := []*trace.Instruction{{
			Index: 0, Addr: 0x1000, Mnemonic: "mystery",
		}}

		_, err := simulate(baseConfig(), basePipeMap(), insts)

		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("mystery"))
	})

	It("should report a wedged machine instead of spinning forever", func() {
		cfg := baseConfig()
		cfg.RegisterFiles[trace.RegFileX].WritePorts = 1

		// Two results in a file with one write port can never drain.
		insts := []*trace.Instruction{{
			Index: 0, Addr: 0x1000, Mnemonic: "addi",
			Outputs: []string{"x1", "x2"},
		}}

		_, err := simulate(cfg, basePipeMap(), insts)

		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("wedged"))
	})

	Context("loads and stores", func() {
		memConfig := func(readLatency, writeLatency int) *uarch.Config {
			cfg := baseConfig()
			loadStage, storeStage, fixed := 1, 1, 2
			cfg.FunctionalUnits["lsu"] = &uarch.FunctionalUnit{
				Type:              uarch.TypeScalar,
				IssueQueue:        "iq",
				Depth:             4,
				Pipelined:         true,
				LoadStage:         &loadStage,
				FixedLoadLatency:  &fixed,
				StoreStage:        &storeStage,
				FixedStoreLatency: &fixed,
				MemoryInterface:   "main",
			}
			cfg.MemorySystem.Latencies[uarch.ReqRead] = readLatency
			cfg.MemorySystem.Latencies[uarch.ReqWrite] = writeLatency
			return cfg
		}

		memPipeMap := uarch.NewPipeMap(map[string]string{
			"lw": "lsu",
			"sw": "lsu",
		})

		load := &trace.Instruction{
			Index: 0, Addr: 0x1000, Mnemonic: "lw",
			Inputs: []string{"x2"}, Outputs: []string{"x1"},
			Loads: []uint64{0x8000},
		}
		store := &trace.Instruction{
			Index: 0, Addr: 0x1000, Mnemonic: "sw",
			Inputs: []string{"x1", "x2"},
			Stores: []uint64{0x8000},
		}

		It("should absorb a load that returns within the fixed latency", func() {
			cpu, err := simulate(memConfig(2, 2), memPipeMap,
				[]*trace.Instruction{load})

			Expect(err).NotTo(HaveOccurred())
			Expect(cpu.Counters.Cycles).To(Equal(uint64(9)))
			Expect(cpu.Counters.ScalarLoadStore).To(Equal(uint64(1)))
			Expect(cpu.Counters.ScalarLoadStoreStall).To(BeZero())
		})

		It("should stall the pipe for a slow load", func() {
			cpu, err := simulate(memConfig(5, 2), memPipeMap,
				[]*trace.Instruction{load})

			Expect(err).NotTo(HaveOccurred())
			Expect(cpu.Counters.Cycles).To(Equal(uint64(12)))
			Expect(cpu.Counters.ScalarLoadStoreStall).To(Equal(uint64(3)))
		})

		It("should absorb a store that completes within the fixed latency", func() {
			cpu, err := simulate(memConfig(2, 2), memPipeMap,
				[]*trace.Instruction{store})

			Expect(err).NotTo(HaveOccurred())
			Expect(cpu.Counters.Cycles).To(Equal(uint64(8)))
			Expect(cpu.Counters.ScalarLoadStoreStall).To(BeZero())
		})

		It("should stall the pipe for a slow store", func() {
			cpu, err := simulate(memConfig(2, 5), memPipeMap,
				[]*trace.Instruction{store})

			Expect(err).NotTo(HaveOccurred())
			Expect(cpu.Counters.Cycles).To(Equal(uint64(11)))
			Expect(cpu.Counters.ScalarLoadStoreStall).To(Equal(uint64(3)))
		})
	})

	Context("vector execution", func() {
		vectorConfig := func() *uarch.Config {
			cfg := baseConfig()
			cfg.Core.VectorSlices = 2
			cfg.RegisterFiles[trace.RegFileV] = &uarch.RegisterFile{Type: uarch.TypeVector}
			cfg.IssueQueues["vq"] = &uarch.IssueQueue{Size: 4}
			cfg.FunctionalUnits["vfu"] = &uarch.FunctionalUnit{
				Type:       uarch.TypeVector,
				IssueQueue: "vq",
				Depth:      2,
				Pipelined:  true,
			}
			return cfg
		}

		vectorPipeMap := uarch.NewPipeMap(map[string]string{
			"vadd.vv": "vfu",
			"addi":    "alu",
		})

		vadd := func(i int, out string, lmul float64, in ...string) *trace.Instruction {
			return &trace.Instruction{
				Index:    i,
				Addr:     0x1000 + uint64(4*i),
				Mnemonic: "vadd.vv",
				Operands: append([]string{out}, in...),
				Inputs:   in,
				Outputs:  []string{out},
				LMUL:     lmul,
				SEW:      32,
				VL:       16,
			}
		}

		It("should execute one slice per cycle", func() {
			cpu, err := simulate(vectorConfig(), vectorPipeMap,
				[]*trace.Instruction{vadd(0, "v1", 1, "v2", "v3")})

			Expect(err).NotTo(HaveOccurred())
			Expect(cpu.Counters.RetiredInstructions).To(Equal(uint64(1)))
			Expect(cpu.Counters.Cycles).To(Equal(uint64(8)))
		})

		It("should scale execution time with the register group size", func() {
			cpu, err := simulate(vectorConfig(), vectorPipeMap,
				[]*trace.Instruction{vadd(0, "v2", 2, "v4", "v6")})

			Expect(err).NotTo(HaveOccurred())
			// Twice the slices of the LMUL 1 case, two extra cycles.
			Expect(cpu.Counters.Cycles).To(Equal(uint64(10)))
		})

		It("should chain a dependent instruction slice by slice", func() {
			insts := []*trace.Instruction{
				vadd(0, "v1", 1, "v2", "v3"),
				vadd(1, "v4", 1, "v1", "v3"),
			}

			cpu, err := simulate(vectorConfig(), vectorPipeMap, insts)

			Expect(err).NotTo(HaveOccurred())
			// The consumer starts reading v1 slices as the producer
			// writes them, finishing two cycles behind it.
			Expect(cpu.Counters.Cycles).To(Equal(uint64(10)))
		})
	})
})
