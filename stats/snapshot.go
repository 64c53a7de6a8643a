package stats

import (
	"encoding/json"
	"fmt"
	"os"
)

// Snapshot is the saved result of one simulation over a trace window.
// Windowed runs of the same trace can be merged back into whole-trace
// counters as long as their windows line up end to start.
type Snapshot struct {
	// First is the trace index of the first simulated instruction.
	First int `json:"first"`

	// Last is the trace index one past the final simulated instruction,
	// or -1 when the run reached the end of the trace.
	Last int `json:"last"`

	Counters *Counters `json:"counters"`
}

// Save writes the snapshot as JSON.
func (s *Snapshot) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("saving counters: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot written by Save.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading counters: %w", err)
	}
	s := &Snapshot{Counters: NewCounters()}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("loading counters from %s: %w", path, err)
	}
	return s, nil
}

// MergeSnapshots combines windowed snapshots of one trace. Snapshots are
// matched end to start; a gap or overlap between windows is an error.
func MergeSnapshots(snaps []*Snapshot) (*Snapshot, error) {
	if len(snaps) == 0 {
		return nil, fmt.Errorf("no snapshots to merge")
	}

	rest := make(map[int]*Snapshot, len(snaps))
	first := snaps[0]
	for _, s := range snaps[1:] {
		if s.First < first.First {
			first = s
		}
	}
	for _, s := range snaps {
		if s == first {
			continue
		}
		if _, dup := rest[s.First]; dup {
			return nil, fmt.Errorf("two snapshots start at instruction %d", s.First)
		}
		rest[s.First] = s
	}

	merged := &Snapshot{First: first.First, Last: first.Last, Counters: NewCounters()}
	if err := merged.Counters.Merge(first.Counters); err != nil {
		return nil, err
	}
	for len(rest) > 0 {
		next, ok := rest[merged.Last]
		if !ok {
			return nil, fmt.Errorf("no snapshot starts at instruction %d", merged.Last)
		}
		delete(rest, merged.Last)
		if err := merged.Counters.Merge(next.Counters); err != nil {
			return nil, err
		}
		merged.Last = next.Last
	}
	return merged, nil
}

// Retirement records one retired instruction for per-instruction reporting.
type Retirement struct {
	Cycle uint64 `json:"cycle"`
	Index int    `json:"index"`
	Addr  uint64 `json:"addr"`
	Text  string `json:"text"`
}
