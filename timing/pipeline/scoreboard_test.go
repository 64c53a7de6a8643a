package pipeline_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/AmbiML/trace-based-model/stats"
	"github.com/AmbiML/trace-based-model/timing/pipeline"
	"github.com/AmbiML/trace-based-model/trace"
	"github.com/AmbiML/trace-based-model/uarch"
)

var _ = Describe("Scoreboard", func() {
	var (
		sb       *pipeline.Scoreboard
		counters *stats.Counters
	)

	instr := func(mnemonic string) *trace.Instruction {
		return &trace.Instruction{Mnemonic: mnemonic}
	}

	newScalar := func(readPorts, writePorts int) *pipeline.Scoreboard {
		rf := &uarch.RegisterFile{ReadPorts: readPorts, WritePorts: writePorts}
		return pipeline.NewScoreboard("x", rf, 0)
	}

	BeforeEach(func() {
		counters = stats.NewCounters()
		sb = newScalar(0, 0)
	})

	Context("read-after-write", func() {
		It("should block a read until the producer writes", func() {
			producer := instr("addi")
			consumer := instr("add")
			sb.InsertAccesses(producer, nil, []string{"x1"})
			sb.InsertAccesses(consumer, []string{"x1"}, []string{"x2"})

			Expect(sb.CanRead(consumer, []string{"x1"})).To(BeFalse())

			sb.Write(producer, []string{"x1"})

			Expect(sb.CanRead(consumer, []string{"x1"})).To(BeTrue())
		})

		It("should bypass a buffered value before writeback", func() {
			producer := instr("addi")
			consumer := instr("add")
			sb.InsertAccesses(producer, nil, []string{"x1"})
			sb.InsertAccesses(consumer, []string{"x1"}, nil)

			sb.BufferWrite(producer, []string{"x1"})

			Expect(sb.CanRead(consumer, []string{"x1"})).To(BeTrue())
		})

		It("should not stall a read on an older value", func() {
			consumer := instr("add")
			sb.InsertAccesses(consumer, []string{"x1"}, nil)
			writer := instr("addi")
			sb.InsertAccesses(writer, nil, []string{"x1"})

			Expect(sb.CanRead(consumer, []string{"x1"})).To(BeTrue())
		})
	})

	Context("write-after-write", func() {
		It("should block a write until the previous writer retires", func() {
			first := instr("addi")
			second := instr("addi")
			sb.InsertAccesses(first, nil, []string{"x1"})
			sb.InsertAccesses(second, nil, []string{"x1"})

			Expect(sb.CanWrite(second, []string{"x1"})).To(BeFalse())
			Expect(sb.CanWrite(first, []string{"x1"})).To(BeTrue())

			sb.Write(first, []string{"x1"})

			Expect(sb.CanWrite(second, []string{"x1"})).To(BeTrue())
		})
	})

	Context("write-after-read", func() {
		It("should block a write until older readers have read", func() {
			reader := instr("add")
			writer := instr("addi")
			sb.InsertAccesses(reader, []string{"x1"}, nil)
			sb.InsertAccesses(writer, nil, []string{"x1"})

			Expect(sb.CanWrite(writer, []string{"x1"})).To(BeFalse())

			sb.Read(reader, []string{"x1"})

			Expect(sb.CanWrite(writer, []string{"x1"})).To(BeTrue())
		})
	})

	Context("ports", func() {
		It("should limit shared reads per cycle and reset in Tock", func() {
			sb = newScalar(2, 0)
			a, b := instr("add"), instr("add")
			sb.InsertAccesses(a, []string{"x1", "x2"}, nil)
			sb.InsertAccesses(b, []string{"x3"}, nil)

			Expect(sb.CanRead(a, []string{"x1", "x2"})).To(BeTrue())
			sb.Read(a, []string{"x1", "x2"})

			Expect(sb.CanRead(b, []string{"x3"})).To(BeFalse())

			sb.Tock(counters)

			Expect(sb.CanRead(b, []string{"x3"})).To(BeTrue())
		})

		It("should limit shared writes per cycle", func() {
			sb = newScalar(0, 1)
			a, b := instr("addi"), instr("addi")
			sb.InsertAccesses(a, nil, []string{"x1"})
			sb.InsertAccesses(b, nil, []string{"x2"})

			sb.Write(a, []string{"x1"})

			Expect(sb.CanWrite(b, []string{"x2"})).To(BeFalse())

			sb.Tock(counters)

			Expect(sb.CanWrite(b, []string{"x2"})).To(BeTrue())
		})

		It("should never pass an instruction needing more ports than exist", func() {
			sb = newScalar(0, 1)
			wide := instr("jal")
			sb.InsertAccesses(wide, nil, []string{"x1", "pc"})

			Expect(sb.CanWrite(wide, []string{"x1", "pc"})).To(BeFalse())
			sb.Tock(counters)
			Expect(sb.CanWrite(wide, []string{"x1", "pc"})).To(BeFalse())
		})

		It("should not charge dedicated ports against the shared pool", func() {
			rf := &uarch.RegisterFile{
				ReadPorts:          1,
				DedicatedReadPorts: []string{"pc"},
			}
			sb = pipeline.NewScoreboard("x", rf, 0)
			a := instr("jalr")
			sb.InsertAccesses(a, []string{"x1", "pc"}, nil)

			Expect(sb.CanRead(a, []string{"x1", "pc"})).To(BeTrue())
		})

		It("should not charge bypassed reads against the shared pool", func() {
			sb = newScalar(1, 0)
			producer := instr("addi")
			consumer := instr("add")
			sb.InsertAccesses(producer, nil, []string{"x1"})
			sb.InsertAccesses(consumer, []string{"x1", "x2"}, nil)
			sb.BufferWrite(producer, []string{"x1"})

			Expect(sb.CanRead(consumer, []string{"x1", "x2"})).To(BeTrue())
		})
	})

	Context("issue", func() {
		It("should allow issue once every producer has issued", func() {
			producer := instr("addi")
			consumer := instr("add")
			sb.InsertAccesses(producer, nil, []string{"x1"})
			sb.InsertAccesses(consumer, []string{"x1"}, nil)

			Expect(sb.CanIssue(producer)).To(BeTrue())
			Expect(sb.CanIssue(consumer)).To(BeFalse())

			sb.Issue(producer)

			Expect(sb.CanIssue(consumer)).To(BeTrue())
		})

		It("should hold a writer behind unissued readers", func() {
			reader := instr("add")
			writer := instr("addi")
			sb.InsertAccesses(reader, []string{"x1"}, nil)
			sb.InsertAccesses(writer, nil, []string{"x1"})

			Expect(sb.CanIssue(writer)).To(BeFalse())

			sb.Issue(reader)

			Expect(sb.CanIssue(writer)).To(BeTrue())
		})

		It("should always pass an instruction with no recorded accesses", func() {
			Expect(sb.CanIssue(instr("nop"))).To(BeTrue())
		})
	})

	Context("vector slices", func() {
		newVector := func(readPorts, writePorts, slices int) *pipeline.Scoreboard {
			rf := &uarch.RegisterFile{ReadPorts: readPorts, WritePorts: writePorts}
			return pipeline.NewScoreboard("v", rf, slices)
		}

		It("should count ports per slice", func() {
			sb = newVector(1, 1, 4)
			a, b := instr("vadd.vv"), instr("vadd.vv")
			sb.InsertAccesses(a, nil, []string{"v2.0"})
			sb.InsertAccesses(b, nil, []string{"v3.1"})

			sb.Write(a, []string{"v2.0"})

			Expect(sb.CanWrite(b, []string{"v3.1"})).To(BeTrue())
		})

		It("should make slices of different registers contend for one pool", func() {
			sb = newVector(1, 1, 4)
			a, b := instr("vadd.vv"), instr("vadd.vv")
			sb.InsertAccesses(a, nil, []string{"v2.0"})
			sb.InsertAccesses(b, nil, []string{"v3.0"})

			sb.Write(a, []string{"v2.0"})

			Expect(sb.CanWrite(b, []string{"v3.0"})).To(BeFalse())
		})

		It("should track hazards per slice name", func() {
			sb = newVector(0, 0, 4)
			producer := instr("vadd.vv")
			consumer := instr("vadd.vv")
			sb.InsertAccesses(producer, nil, []string{"v2.0", "v2.1"})
			sb.InsertAccesses(consumer, []string{"v2.0"}, nil)

			sb.Write(producer, []string{"v2.0"})

			Expect(sb.CanRead(consumer, []string{"v2.0"})).To(BeTrue())
		})
	})

	Context("availability", func() {
		It("should stamp registers with the writeback cycle", func() {
			a := instr("addi")
			sb.InsertAccesses(a, nil, []string{"x1"})

			_, ok := sb.AvailableAt("x1")
			Expect(ok).To(BeFalse())

			counters.Cycles = 42
			sb.Tick(counters)
			sb.Write(a, []string{"x1"})

			cycle, ok := sb.AvailableAt("x1")
			Expect(ok).To(BeTrue())
			Expect(cycle).To(Equal(uint64(42)))
		})

		It("should advance the stamp on a later writeback", func() {
			a, b := instr("addi"), instr("addi")
			sb.InsertAccesses(a, nil, []string{"x1"})
			sb.InsertAccesses(b, nil, []string{"x1"})

			counters.Cycles = 42
			sb.Tick(counters)
			sb.Write(a, []string{"x1"})

			counters.Cycles = 50
			sb.Tick(counters)
			sb.Write(b, []string{"x1"})

			cycle, ok := sb.AvailableAt("x1")
			Expect(ok).To(BeTrue())
			Expect(cycle).To(Equal(uint64(50)))
		})
	})
})
