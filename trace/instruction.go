// Package trace defines the instruction records replayed by the timing
// engine and the sources that deliver them.
//
// An instruction record is functional ground truth produced by an external
// trace generator. The timing engine never mutates a record; it only decides
// how many cycles the recorded behavior would have taken on a configured
// microarchitecture.
package trace

import (
	"math"
	"strings"
)

// Register file identifiers. Every architectural register name maps to
// exactly one of these; the microarchitecture configuration declares one
// register file (and scoreboard) per identifier it uses.
const (
	RegFileX    = "X"    // integer registers
	RegFileF    = "F"    // floating-point registers
	RegFileV    = "V"    // vector registers
	RegFileMisc = "MISC" // CSRs and other special registers
)

// Instruction is one record of a functional trace.
//
// LMUL is 0 when unset, otherwise one of 1/8, 1/4, 1/2, 1, 2, 4, 8.
// SEW is 0 when unset. VL is -1 when unset. BranchTarget is 0 when unset.
type Instruction struct {
	// Index is the position of the record in the whole trace. It is
	// assigned by the source and used for error reporting and for
	// windowed runs.
	Index int `json:"index"`

	Addr     uint64   `json:"addr"`
	Opcode   string   `json:"opcode"`
	Mnemonic string   `json:"mnemonic"`
	Operands []string `json:"operands"`

	// Inputs and Outputs are architectural register names, normalized
	// (ABI names resolved, x0 removed).
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`

	IsNop    bool `json:"is_nop"`
	IsBranch bool `json:"is_branch"`
	IsFlush  bool `json:"is_flush"`
	IsVctrl  bool `json:"is_vctrl"`

	BranchTarget uint64 `json:"branch_target"`

	// Loads and Stores are the byte addresses the instruction accessed,
	// one entry per element for vector memory operations.
	Loads  []uint64 `json:"loads"`
	Stores []uint64 `json:"stores"`

	LMUL float64 `json:"lmul"`
	SEW  int     `json:"sew"`
	VL   int     `json:"vl"`
}

// String renders the instruction for state dumps and error messages.
func (i *Instruction) String() string {
	if len(i.Operands) == 0 {
		return i.Mnemonic
	}
	return i.Mnemonic + " " + strings.Join(i.Operands, ", ")
}

// IsVectorRegister reports whether reg names a vector register (v0..v31).
func IsVectorRegister(reg string) bool {
	return len(reg) >= 2 && reg[0] == 'v' && reg[1] >= '0' && reg[1] <= '9'
}

// RegFileOf classifies a register name into its register file.
func RegFileOf(reg string) string {
	switch {
	case len(reg) >= 2 && reg[0] == 'x' && reg[1] >= '0' && reg[1] <= '9':
		return RegFileX
	case len(reg) >= 2 && reg[0] == 'f' && reg[1] >= '0' && reg[1] <= '9':
		return RegFileF
	case IsVectorRegister(reg):
		return RegFileV
	default:
		return RegFileMisc
	}
}

// InputsByFile groups the input registers by register file.
func (i *Instruction) InputsByFile() map[string][]string {
	return groupByFile(i.Inputs)
}

// OutputsByFile groups the output registers by register file.
func (i *Instruction) OutputsByFile() map[string][]string {
	return groupByFile(i.Outputs)
}

func groupByFile(regs []string) map[string][]string {
	res := make(map[string][]string)
	for _, r := range regs {
		rf := RegFileOf(r)
		res[rf] = append(res[rf], r)
	}
	return res
}

// EffectiveLMUL is the register-group multiplier, defaulting to 1 when the
// trace left it unset.
func (i *Instruction) EffectiveLMUL() float64 {
	if i.LMUL == 0 {
		return 1
	}
	return i.LMUL
}

// WidensOutput reports whether the instruction writes a widened (2*LMUL)
// vector register group.
func (i *Instruction) WidensOutput() bool {
	return strings.HasPrefix(i.Mnemonic, "vw") ||
		strings.HasPrefix(i.Mnemonic, "vfw")
}

// WidensInput reports whether the instruction reads a widened (2*LMUL)
// vector register group for its first source operand.
func (i *Instruction) WidensInput() bool {
	return strings.HasSuffix(i.Mnemonic, ".wv") ||
		strings.HasSuffix(i.Mnemonic, ".wx") ||
		strings.HasSuffix(i.Mnemonic, ".wf") ||
		strings.HasSuffix(i.Mnemonic, ".wi")
}

// MaxEMUL is the largest effective register-group multiplier over all of the
// instruction's vector operands. Widening operations touch a 2*LMUL group on
// one side, so they execute over twice the slices of their nominal LMUL.
func (i *Instruction) MaxEMUL() float64 {
	emul := i.EffectiveLMUL()
	if i.WidensOutput() || i.WidensInput() {
		return 2 * emul
	}
	return emul
}

// Slices is the number of pipeline slices the instruction occupies on a
// vector unit split into vectorSlices sub-units per register.
func (i *Instruction) Slices(vectorSlices int) int {
	return int(math.Ceil(i.MaxEMUL() * float64(vectorSlices)))
}

// ConflictsWith reports whether executing i out of order with other could
// violate a register dependency (RAW, WAR, or WAW). Used when the two
// instructions would sit in different issue queues, which impose no mutual
// order.
func (i *Instruction) ConflictsWith(other *Instruction) bool {
	for _, w := range i.Outputs {
		if containsReg(other.Inputs, w) || containsReg(other.Outputs, w) {
			return true
		}
	}
	for _, r := range i.Inputs {
		if containsReg(other.Outputs, r) {
			return true
		}
	}
	return false
}

func containsReg(regs []string, reg string) bool {
	for _, r := range regs {
		if r == reg {
			return true
		}
	}
	return false
}
