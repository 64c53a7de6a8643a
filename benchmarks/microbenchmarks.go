// Package benchmarks provides synthetic traces for timing validation.
// Each microbenchmark targets one characteristic of the modeled machine,
// so a change that breaks its timing shows up as a broken relationship
// between two runs rather than a magic cycle count.
package benchmarks

import (
	"fmt"

	"github.com/AmbiML/trace-based-model/trace"
)

// Benchmark is one synthetic trace with a name for test output.
type Benchmark struct {
	Name        string
	Description string
	Trace       []*trace.Instruction
}

// Microbenchmarks returns the standard set.
func Microbenchmarks() []Benchmark {
	return []Benchmark{
		ArithmeticSequential(20),
		DependencyChain(20),
		LoadSequential(16),
		LoadStrided(16),
		StoreSequential(16),
		BranchHeavy(8),
		VectorAXPY(8, 1),
	}
}

const codeBase = 0x10000
const dataBase = 0x80000

// ArithmeticSequential is n independent addi instructions rotating through
// four destination registers. It measures pipelined ALU throughput.
func ArithmeticSequential(n int) Benchmark {
	insts := make([]*trace.Instruction, n)
	for i := range n {
		dst := fmt.Sprintf("x%d", 5+i%4)
		insts[i] = &trace.Instruction{
			Index:    i,
			Addr:     codeBase + uint64(4*i),
			Mnemonic: "addi",
			Operands: []string{dst, dst, "1"},
			Inputs:   []string{dst},
			Outputs:  []string{dst},
		}
	}
	return Benchmark{
		Name:        "arithmetic_sequential",
		Description: "independent addi stream, one result per cycle at best",
		Trace:       insts,
	}
}

// DependencyChain is n addi instructions each reading the previous result.
// It measures the bypass latency of the ALU.
func DependencyChain(n int) Benchmark {
	insts := make([]*trace.Instruction, n)
	for i := range n {
		insts[i] = &trace.Instruction{
			Index:    i,
			Addr:     codeBase + uint64(4*i),
			Mnemonic: "addi",
			Operands: []string{"x5", "x5", "1"},
			Inputs:   []string{"x5"},
			Outputs:  []string{"x5"},
		}
	}
	return Benchmark{
		Name:        "dependency_chain",
		Description: "serial addi chain, exposes result-to-use latency",
		Trace:       insts,
	}
}

// LoadSequential is n loads walking one cache line at a time, so all but
// the first access per line hit.
func LoadSequential(n int) Benchmark {
	return loadBench("load_sequential",
		"word-stride loads, mostly cache hits", n, 4)
}

// LoadStrided is n loads with a stride of one page, so every access misses
// a small cache.
func LoadStrided(n int) Benchmark {
	return loadBench("load_strided",
		"page-stride loads, every access misses", n, 4096)
}

func loadBench(name, desc string, n int, stride uint64) Benchmark {
	insts := make([]*trace.Instruction, n)
	for i := range n {
		insts[i] = &trace.Instruction{
			Index:    i,
			Addr:     codeBase + uint64(4*i),
			Mnemonic: "lw",
			Operands: []string{"x6", "0(x10)"},
			Inputs:   []string{"x10"},
			Outputs:  []string{"x6"},
			Loads:    []uint64{dataBase + uint64(i)*stride},
		}
	}
	return Benchmark{Name: name, Description: desc, Trace: insts}
}

// StoreSequential is n word-stride stores.
func StoreSequential(n int) Benchmark {
	insts := make([]*trace.Instruction, n)
	for i := range n {
		insts[i] = &trace.Instruction{
			Index:    i,
			Addr:     codeBase + uint64(4*i),
			Mnemonic: "sw",
			Operands: []string{"x6", "0(x10)"},
			Inputs:   []string{"x6", "x10"},
			Stores:   []uint64{dataBase + uint64(4*i)},
		}
	}
	return Benchmark{
		Name:        "store_sequential",
		Description: "word-stride stores through the data cache",
		Trace:       insts,
	}
}

// BranchHeavy alternates n taken branches with their targets. Without
// branch prediction each branch restarts the front end.
func BranchHeavy(n int) Benchmark {
	insts := make([]*trace.Instruction, 0, 2*n)
	addr := uint64(codeBase)
	for i := range n {
		target := addr + 0x40
		insts = append(insts, &trace.Instruction{
			Index:        2 * i,
			Addr:         addr,
			Mnemonic:     "bne",
			Operands:     []string{"x5", "x6", "target"},
			Inputs:       []string{"x5", "x6"},
			IsBranch:     true,
			BranchTarget: target,
		})
		insts = append(insts, &trace.Instruction{
			Index:    2*i + 1,
			Addr:     target,
			Mnemonic: "addi",
			Operands: []string{"x5", "x5", "1"},
			Inputs:   []string{"x5"},
			Outputs:  []string{"x5"},
		})
		addr = target + 4
	}
	return Benchmark{
		Name:        "branch_heavy",
		Description: "taken branch per useful instruction",
		Trace:       insts,
	}
}

// VectorAXPY is n vadd.vv instructions at the given LMUL, alternating
// independent register groups.
func VectorAXPY(n int, lmul float64) Benchmark {
	group := int(lmul)
	if group < 1 {
		group = 1
	}
	insts := make([]*trace.Instruction, n)
	for i := range n {
		// Two independent group-aligned destinations.
		dst := fmt.Sprintf("v%d", 8+(i%2)*2*group)
		insts[i] = &trace.Instruction{
			Index:    i,
			Addr:     codeBase + uint64(4*i),
			Mnemonic: "vadd.vv",
			Operands: []string{dst, "v16", "v24"},
			Inputs:   []string{"v16", "v24"},
			Outputs:  []string{dst},
			LMUL:     lmul,
			SEW:      32,
			VL:       int(16 * lmul),
		}
	}
	return Benchmark{
		Name:        "vector_axpy",
		Description: "independent vector adds, throughput bound",
		Trace:       insts,
	}
}
