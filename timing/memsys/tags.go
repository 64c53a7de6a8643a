// Package memsys models the memory hierarchy: a tree of caches over main
// memory, each level serving one request at a time with configurable
// latencies. Tag and replacement state is kept in Akita cache directories;
// no data is stored, only timing is modeled.
package memsys

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/AmbiML/trace-based-model/uarch"
)

// tagStore tracks line presence, dirtiness, and replacement order for one
// cache level.
type tagStore struct {
	directory *akitacache.DirectoryImpl
	lineBytes uint64
}

func newTagStore(lvl *uarch.CacheLevel) *tagStore {
	lineBytes := lvl.LineSize / 8
	numBlocks := int(int64(lvl.Size) / int64(lineBytes))

	assoc := 1
	if lvl.Placement.Type == uarch.PlacementSetAssoc {
		assoc = lvl.Placement.SetSize
	}

	return &tagStore{
		directory: akitacache.NewDirectory(
			numBlocks/assoc,
			assoc,
			lineBytes,
			akitacache.NewLRUVictimFinder(),
		),
		lineBytes: uint64(lineBytes),
	}
}

func (t *tagStore) lineAddr(addr uint64) uint64 {
	return addr &^ (t.lineBytes - 1)
}

// tryAccess reports whether the line holding addr is present, updating
// replacement order and, on a hit, optionally marking it dirty.
func (t *tagStore) tryAccess(addr uint64, setDirty bool) bool {
	block := t.directory.Lookup(0, t.lineAddr(addr))
	if block == nil || !block.IsValid {
		return false
	}
	t.directory.Visit(block)
	if setDirty {
		block.IsDirty = true
	}
	return true
}

// evictFor frees a slot for the line holding addr. It returns the address
// of the displaced line and whether that line was dirty and so must be
// written back.
func (t *tagStore) evictFor(addr uint64) (uint64, bool) {
	victim := t.directory.FindVictim(t.lineAddr(addr))
	if victim == nil || !victim.IsValid {
		return 0, false
	}
	wbAddr := victim.Tag
	dirty := victim.IsDirty
	victim.IsValid = false
	victim.IsDirty = false
	return wbAddr, dirty
}

// insert installs the line holding addr, reusing the slot evictFor freed or
// displacing the replacement victim.
func (t *tagStore) insert(addr uint64, dirty bool) {
	lineAddr := t.lineAddr(addr)
	victim := t.directory.FindVictim(lineAddr)
	victim.Tag = lineAddr
	victim.IsValid = true
	victim.IsDirty = dirty
	t.directory.Visit(victim)
}

// take removes the line holding addr, reporting whether it was dirty. Used
// by exclusive caches that hand lines down to their children.
func (t *tagStore) take(addr uint64) bool {
	block := t.directory.Lookup(0, t.lineAddr(addr))
	if block == nil || !block.IsValid {
		return false
	}
	dirty := block.IsDirty
	block.IsValid = false
	block.IsDirty = false
	return dirty
}

func (t *tagStore) reset() {
	t.directory.Reset()
}
