package trace

// Classification tables for RISC-V mnemonics. Trace producers normally tag
// records themselves; these tables let local producers (tests, converters)
// derive the same flags the engine expects.

// nops are instructions the engine retires without dispatching to an issue
// queue.
var nops = map[string]bool{
	"nop":        true,
	"c.nop":      true,
	"fence":      true,
	"fence.i":    true,
	"sfence.vma": true,
	"wfi":        true,
}

// branches are instructions that redirect fetch.
var branches = map[string]bool{
	"beq": true, "bne": true, "blt": true, "bge": true,
	"bltu": true, "bgeu": true, "jal": true, "jalr": true,
	"bnez": true, "beqz": true, "blez": true, "bgez": true,
	"bltz": true, "bgtz": true, "bleu": true, "bgtu": true,
	"j": true, "c.j": true, "jr": true, "ret": true,
	"sret": true, "mret": true, "ecall": true, "ebreak": true,
}

// flushes are instructions that dispatch only into an empty machine.
var flushes = map[string]bool{
	"csrr": true, "csrw": true, "csrs": true, "csrwi": true,
	"csrrw": true, "csrrs": true, "csrrc": true, "csrrwi": true,
	"csrrsi": true, "csrrci": true,
	"fence": true, "fence.i": true, "sfence.vma": true,
}

// vctrls are the vector configuration instructions.
var vctrls = map[string]bool{
	"vsetivli": true,
	"vsetvli":  true,
	"vsetvl":   true,
}

// IsNopMnemonic reports whether mnemonic retires without dispatching.
func IsNopMnemonic(mnemonic string) bool { return nops[mnemonic] }

// IsBranchMnemonic reports whether mnemonic is a branch.
func IsBranchMnemonic(mnemonic string) bool { return branches[mnemonic] }

// IsFlushMnemonic reports whether mnemonic requires an empty machine.
func IsFlushMnemonic(mnemonic string) bool { return flushes[mnemonic] }

// IsVctrlMnemonic reports whether mnemonic is a vector-control instruction.
func IsVctrlMnemonic(mnemonic string) bool { return vctrls[mnemonic] }

// Classify fills the mnemonic-derived flags of inst in place.
func Classify(inst *Instruction) {
	inst.IsNop = IsNopMnemonic(inst.Mnemonic)
	inst.IsBranch = IsBranchMnemonic(inst.Mnemonic)
	inst.IsFlush = IsFlushMnemonic(inst.Mnemonic)
	inst.IsVctrl = IsVctrlMnemonic(inst.Mnemonic)
}

// abiNames maps RISC-V ABI register names to architectural names. v0.t is
// the RVV mask register, kept here for uniform handling.
var abiNames = map[string]string{
	"zero": "x0", "ra": "x1", "sp": "x2", "gp": "x3",
	"tp": "x4", "t0": "x5", "t1": "x6", "t2": "x7",
	"s0": "x8", "s1": "x9", "a0": "x10", "a1": "x11",
	"a2": "x12", "a3": "x13", "a4": "x14", "a5": "x15",
	"a6": "x16", "a7": "x17", "s2": "x18", "s3": "x19",
	"s4": "x20", "s5": "x21", "s6": "x22", "s7": "x23",
	"s8": "x24", "s9": "x25", "s10": "x26", "s11": "x27",
	"t3": "x28", "t4": "x29", "t5": "x30", "t6": "x31",
	"v0.t": "v0",
}

// bogusRegisters are operand tokens that look like registers but are not
// (x0 is hardwired; the rest are vset immediates).
var bogusRegisters = map[string]bool{
	"x0": true,
	"e8": true, "e16": true, "e32": true, "e64": true, "e128": true,
	"m1": true, "m2": true, "m4": true, "m8": true, "m16": true,
	"ta": true, "tu": true, "ma": true, "mu": true,
}

// Normalize replaces ABI register names with architectural names, drops
// non-registers, and removes duplicates while preserving first-seen order.
func Normalize(regs []string) []string {
	seen := make(map[string]bool, len(regs))
	res := make([]string, 0, len(regs))
	for _, r := range regs {
		if arch, ok := abiNames[r]; ok {
			r = arch
		}
		if bogusRegisters[r] || seen[r] {
			continue
		}
		seen[r] = true
		res = append(res, r)
	}
	return res
}
