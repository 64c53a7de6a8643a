package uarch

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// pipeUnknown marks mnemonics deliberately left unmapped; entries with this
// value are dropped so they still fail lookup.
const pipeUnknown = "UNKNOWN"

// PipeMap maps instruction mnemonics to functional unit names.
type PipeMap struct {
	units map[string]string
}

// NewPipeMap builds a pipe map from an in-memory mnemonic-to-unit table.
func NewPipeMap(entries map[string]string) *PipeMap {
	pm := &PipeMap{units: make(map[string]string, len(entries))}
	for mnemonic, unit := range entries {
		if unit != pipeUnknown {
			pm.units[mnemonic] = unit
		}
	}
	return pm
}

// LoadPipeMaps reads the pipe map files named by the configuration, resolved
// relative to dir, and merges them. A mnemonic appearing more than once
// across the files is an error so no mapping can be shadowed.
func LoadPipeMaps(dir string, paths []string) (*PipeMap, error) {
	pm := &PipeMap{units: make(map[string]string)}
	for _, path := range paths {
		full := path
		if !strings.HasPrefix(path, "/") && dir != "" {
			full = dir + "/" + path
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("reading pipe map %s: %w", full, err)
		}
		var entries map[string]string
		if err := yaml.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parsing pipe map %s: %w", full, err)
		}
		for mnemonic, unit := range entries {
			if mnemonic == "description" || strings.HasPrefix(mnemonic, "__comment__") {
				continue
			}
			if _, dup := pm.units[mnemonic]; dup {
				return nil, fmt.Errorf("pipe map %s: duplicate entry for %q",
					full, mnemonic)
			}
			if unit == pipeUnknown {
				continue
			}
			pm.units[mnemonic] = unit
		}
	}
	return pm, nil
}

// Unit returns the functional unit mapped to the mnemonic. The second value
// is false for unmapped mnemonics; dispatching such an instruction is a
// fatal simulation error, not a silent stall.
func (pm *PipeMap) Unit(mnemonic string) (string, bool) {
	unit, ok := pm.units[mnemonic]
	return unit, ok
}

// Mnemonics returns the mapped mnemonics in sorted order.
func (pm *PipeMap) Mnemonics() []string {
	out := make([]string, 0, len(pm.units))
	for m := range pm.units {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every mapped unit exists in the configuration.
func (pm *PipeMap) Validate(cfg *Config) error {
	for _, mnemonic := range pm.Mnemonics() {
		unit := pm.units[mnemonic]
		if _, ok := cfg.FunctionalUnits[unit]; !ok {
			return fmt.Errorf("pipe map: %q targets unknown functional"+
				" unit %q", mnemonic, unit)
		}
	}
	return nil
}
