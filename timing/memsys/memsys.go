package memsys

import (
	"fmt"
	"sort"

	"github.com/AmbiML/trace-based-model/uarch"
)

// MemorySystem owns the level tree and steps it each cycle. Levels are kept
// in a fixed order so runs are reproducible.
type MemorySystem struct {
	levels []*Level
	byName map[string]*Level
}

// New builds the hierarchy from its description. The returned system has
// main memory at the root, with the configured cache levels below it.
func New(ms *uarch.MemorySystem) (*MemorySystem, error) {
	sys := &MemorySystem{byName: make(map[string]*Level)}

	main := newMainMemory(ms)
	sys.add(main)

	if err := sys.loadLevels(ms.Levels, main); err != nil {
		return nil, err
	}
	return sys, nil
}

func (m *MemorySystem) loadLevels(levels map[string]*uarch.CacheLevel, parent *Level) error {
	names := make([]string, 0, len(levels))
	for name := range levels {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, dup := m.byName[name]; dup {
			return fmt.Errorf("memory system: duplicate level name %q", name)
		}
		lvl := newCacheLevel(name, levels[name], parent)
		m.add(lvl)
		if err := m.loadLevels(levels[name].Levels, lvl); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemorySystem) add(lvl *Level) {
	m.levels = append(m.levels, lvl)
	m.byName[lvl.name] = lvl
}

// Level returns the named level; functional units bind to front levels or
// to "main" through their memory_interface.
func (m *MemorySystem) Level(name string) (*Level, bool) {
	lvl, ok := m.byName[name]
	return lvl, ok
}

// Reset drops all queued requests and invalidates every cache line.
func (m *MemorySystem) Reset() {
	for _, lvl := range m.levels {
		lvl.reset()
	}
}

// Tick advances every level's in-flight access.
func (m *MemorySystem) Tick() {
	for _, lvl := range m.levels {
		lvl.tick()
	}
}

// Tock lets every level accept new requests and consume parent replies.
func (m *MemorySystem) Tock() {
	for _, lvl := range m.levels {
		lvl.tock()
	}
}

// Pending reports whether any level still holds unserved work.
func (m *MemorySystem) Pending() bool {
	for _, lvl := range m.levels {
		if lvl.Pending() {
			return true
		}
	}
	return false
}
