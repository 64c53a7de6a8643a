package trace

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Source is an ordered, finite, replayable view over a trace, optionally
// restricted to a contiguous index window. The engine consumes it strictly
// in order.
type Source struct {
	insts []*Instruction
	pos   int
	end   int
	first int
}

// NewSource returns a source over the whole of insts.
func NewSource(insts []*Instruction) *Source {
	return &Source{insts: insts, end: len(insts)}
}

// Window restricts the source to records with index in [first, last).
// last < 0 means to the end of the trace.
func (s *Source) Window(first, last int) error {
	if first < 0 || first > len(s.insts) {
		return fmt.Errorf("window start %d out of range (trace has %d instructions)",
			first, len(s.insts))
	}
	if last < 0 || last > len(s.insts) {
		last = len(s.insts)
	}
	if last < first {
		return fmt.Errorf("window %d:%d is reversed", first, last)
	}
	s.pos = first
	s.first = first
	s.end = last
	return nil
}

// First is the index of the first record in the window.
func (s *Source) First() int { return s.first }

// End is one past the index of the last record in the window.
func (s *Source) End() int { return s.end }

// EOF reports whether the source is exhausted.
func (s *Source) EOF() bool { return s.pos >= s.end }

// NextAddr is the address of the next record. Only valid when !EOF().
func (s *Source) NextAddr() uint64 {
	return s.insts[s.pos].Addr
}

// Peek returns the next record without consuming it, or nil at EOF.
func (s *Source) Peek() *Instruction {
	if s.EOF() {
		return nil
	}
	return s.insts[s.pos]
}

// Dequeue consumes and returns the next record, or nil at EOF.
func (s *Source) Dequeue() *Instruction {
	if s.EOF() {
		return nil
	}
	inst := s.insts[s.pos]
	s.pos++
	return inst
}

// ParseWindow parses an instruction window of the form "N:" or "N:M".
func ParseWindow(spec string) (first, last int, err error) {
	colon := strings.IndexByte(spec, ':')
	if colon < 0 {
		return 0, 0, fmt.Errorf("window %q: expected N:[M]", spec)
	}
	first, err = strconv.Atoi(spec[:colon])
	if err != nil {
		return 0, 0, fmt.Errorf("window %q: %w", spec, err)
	}
	rest := spec[colon+1:]
	if rest == "" {
		return first, -1, nil
	}
	last, err = strconv.Atoi(rest)
	if err != nil {
		return 0, 0, fmt.Errorf("window %q: %w", spec, err)
	}
	return first, last, nil
}

// ReadJSON reads a trace of JSON records, one object per line. Records are
// re-indexed in file order. A structurally invalid record is a fatal error
// reported with its position; records are never skipped or repaired.
func ReadJSON(r io.Reader) ([]*Instruction, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var insts []*Instruction
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		inst := &Instruction{VL: -1}
		if err := json.Unmarshal([]byte(text), inst); err != nil {
			return nil, fmt.Errorf("trace line %d (instruction %d): %w",
				line, len(insts), err)
		}
		inst.Index = len(insts)
		prepare(inst)
		insts = append(insts, inst)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading trace: %w", err)
	}
	return insts, nil
}

// ReadBinary reads a trace written by WriteBinary: a single gob-encoded
// table of records.
func ReadBinary(r io.Reader) ([]*Instruction, error) {
	var insts []*Instruction
	if err := gob.NewDecoder(r).Decode(&insts); err != nil {
		return nil, fmt.Errorf("decoding binary trace: %w", err)
	}
	for i, inst := range insts {
		if inst == nil {
			return nil, fmt.Errorf("binary trace instruction %d: empty record", i)
		}
		inst.Index = i
		prepare(inst)
	}
	return insts, nil
}

// prepare canonicalizes a decoded record: register lists get architectural
// names without duplicates, and the mnemonic class flags are derived.
func prepare(inst *Instruction) {
	inst.Inputs = Normalize(inst.Inputs)
	inst.Outputs = Normalize(inst.Outputs)
	Classify(inst)
}

// WriteBinary writes the trace as one gob-encoded table of records.
func WriteBinary(w io.Writer, insts []*Instruction) error {
	if err := gob.NewEncoder(w).Encode(insts); err != nil {
		return fmt.Errorf("encoding binary trace: %w", err)
	}
	return nil
}
