package pipeline_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/AmbiML/trace-based-model/stats"
	"github.com/AmbiML/trace-based-model/timing/pipeline"
	"github.com/AmbiML/trace-based-model/trace"
	"github.com/AmbiML/trace-based-model/uarch"
)

var _ = Describe("FetchUnit", func() {
	var counters *stats.Counters

	at := func(addr uint64) *trace.Instruction {
		return &trace.Instruction{Addr: addr, Mnemonic: "addi"}
	}

	branch := func(addr, target uint64) *trace.Instruction {
		return &trace.Instruction{
			Addr: addr, Mnemonic: "bne", IsBranch: true, BranchTarget: target,
		}
	}

	build := func(rate, queueSize int, insts ...*trace.Instruction) *pipeline.FetchUnit {
		cfg := &uarch.CoreConfig{
			BranchPrediction: uarch.BranchPredictionNone,
			FetchRate:        rate,
			FetchQueueSize:   queueSize,
		}
		return pipeline.NewFetchUnit(cfg, trace.NewSource(insts))
	}

	step := func(f *pipeline.FetchUnit) {
		f.Tick(counters)
		f.Tock(counters)
	}

	mnemonics := func(f *pipeline.FetchUnit) []string {
		var out []string
		for i := range f.Queue().Len() {
			if inst := f.Queue().At(i); inst != nil {
				out = append(out, inst.Mnemonic)
			} else {
				out = append(out, "")
			}
		}
		return out
	}

	BeforeEach(func() {
		counters = stats.NewCounters()
		counters.Cycles = 1
	})

	It("should fetch one aligned batch per cycle", func() {
		f := build(2, 8, at(0x1000), at(0x1004), at(0x1008), at(0x100c))

		step(f)
		Expect(f.Queue().Len()).To(Equal(2))
		Expect(f.Queue().At(0).Addr).To(Equal(uint64(0x1000)))

		step(f)
		Expect(f.Queue().Len()).To(Equal(4))
		Expect(f.EOF()).To(BeTrue())
	})

	It("should shorten a batch starting misaligned", func() {
		f := build(4, 8, at(0x1008), at(0x100c), at(0x1010))

		step(f)
		Expect(f.Queue().Len()).To(Equal(2))
		Expect(f.Queue().At(0).Addr).To(Equal(uint64(0x1008)))
		Expect(f.Queue().At(1).Addr).To(Equal(uint64(0x100c)))
	})

	It("should pad skipped addresses with holes", func() {
		f := build(4, 8, at(0x1000), at(0x1008))

		step(f)
		Expect(f.Queue().Len()).To(Equal(4))
		Expect(f.Queue().At(0)).NotTo(BeNil())
		Expect(f.Queue().At(1)).To(BeNil())
		Expect(f.Queue().At(2)).NotTo(BeNil())
		Expect(f.Queue().At(3)).To(BeNil())
	})

	It("should count every slot of a batch as fetched", func() {
		f := build(4, 8, at(0x1000), at(0x1008))

		step(f)
		Expect(counters.FetchedInstructions).To(Equal(uint64(4)))
	})

	It("should stall when a full batch does not fit", func() {
		f := build(2, 3, at(0x1000), at(0x1004), at(0x1008), at(0x100c))

		step(f)
		step(f)
		Expect(f.Queue().Len()).To(Equal(2))
		Expect(counters.Stalls["FE"]).To(Equal(uint64(1)))

		f.Queue().Dequeue()
		f.Queue().Dequeue()
		step(f)
		Expect(f.Queue().Len()).To(Equal(2))
	})

	It("should stall at a taken branch until it resolves", func() {
		f := build(1, 8, branch(0x1000, 0x2000), at(0x2000), at(0x2004))

		step(f)
		Expect(f.Queue().Len()).To(Equal(1))

		step(f)
		step(f)
		Expect(f.Queue().Len()).To(Equal(1))
		Expect(counters.Stalls["FE"]).To(Equal(uint64(1)))

		f.BranchResolved()
		step(f)
		Expect(f.Queue().Len()).To(Equal(2))
		Expect(f.Queue().At(1).Addr).To(Equal(uint64(0x2000)))
	})

	It("should drop holes past the branch when it resolves", func() {
		f := build(4, 8, branch(0x1000, 0x2000), at(0x2000))

		step(f)
		Expect(f.Queue().Len()).To(Equal(4))
		Expect(mnemonics(f)).To(Equal([]string{"bne", "", "", ""}))

		f.Queue().Dequeue()
		step(f)
		f.BranchResolved()
		Expect(f.Queue().Len()).To(Equal(0))

		step(f)
		Expect(f.Queue().At(0).Addr).To(Equal(uint64(0x2000)))
	})

	It("should follow the trace into an exception handler", func() {
		f := build(1, 8, at(0x1000), at(0x8000), at(0x8004))

		step(f)
		step(f)
		Expect(f.Queue().Len()).To(Equal(2))
		Expect(f.Queue().At(1).Addr).To(Equal(uint64(0x8000)))
		Expect(counters.Stalls["FE"]).To(BeZero())
	})

	It("should do nothing past the end of the trace", func() {
		f := build(1, 8, at(0x1000))

		step(f)
		fetched := counters.FetchedInstructions
		step(f)
		Expect(f.EOF()).To(BeTrue())
		Expect(counters.FetchedInstructions).To(Equal(fetched))
	})
})
