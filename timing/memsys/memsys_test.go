package memsys_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/AmbiML/trace-based-model/timing/memsys"
	"github.com/AmbiML/trace-based-model/uarch"
)

func TestMemsys(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Memsys Suite")
}

func latencies(n int) map[string]int {
	return map[string]int{
		uarch.ReqRead:       n,
		uarch.ReqWrite:      n,
		uarch.ReqFetchRead:  n,
		uarch.ReqFetchWrite: n,
	}
}

// cacheLevel is a 64-byte-line cache of the given number of lines and ways.
func cacheLevel(lines, ways int, writePolicy string) *uarch.CacheLevel {
	placement := uarch.Placement{Type: uarch.PlacementDirectMap}
	if ways > 1 {
		placement = uarch.Placement{
			Type:        uarch.PlacementSetAssoc,
			SetSize:     ways,
			Replacement: uarch.ReplacementLRU,
		}
	}
	return &uarch.CacheLevel{
		Placement:   placement,
		LineSize:    512,
		Size:        uarch.ByteSize(64 * lines),
		WritePolicy: writePolicy,
		Latencies:   latencies(2),
	}
}

func build(levels map[string]*uarch.CacheLevel) *memsys.MemorySystem {
	sys, err := memsys.New(&uarch.MemorySystem{
		Latencies: latencies(5),
		Levels:    levels,
	})
	Expect(err).NotTo(HaveOccurred())
	return sys
}

// stepsToLoad issues a read and steps the system until the reply arrives,
// returning the number of cycles taken.
func stepsToLoad(sys *memsys.MemorySystem, lvl *memsys.Level,
	origin any, addr uint64) int {

	lvl.IssueLoad(origin, addr)
	for i := 1; i <= 1000; i++ {
		sys.Tick()
		if got := lvl.TakeLoadReplies(origin); len(got) > 0 {
			Expect(got).To(Equal([]uint64{addr}))
			return i
		}
		sys.Tock()
	}
	Fail("load never completed")
	return 0
}

func stepsToStore(sys *memsys.MemorySystem, lvl *memsys.Level,
	origin any, addr uint64) int {

	lvl.IssueStore(origin, addr)
	for i := 1; i <= 1000; i++ {
		sys.Tick()
		if got := lvl.TakeStoreReplies(origin); len(got) > 0 {
			return i
		}
		sys.Tock()
	}
	Fail("store never completed")
	return 0
}

var _ = Describe("Main memory", func() {
	It("should serve every access at its configured latency", func() {
		sys := build(nil)
		main, ok := sys.Level("main")
		Expect(ok).To(BeTrue())

		Expect(stepsToLoad(sys, main, "fu", 0x100)).To(Equal(6))
		Expect(stepsToStore(sys, main, "fu", 0x200)).To(Equal(6))
	})

	It("should serve queued requests one at a time", func() {
		sys := build(nil)
		main, _ := sys.Level("main")

		main.IssueLoad("a", 0x100)
		Expect(stepsToLoad(sys, main, "b", 0x200)).To(Equal(11))
		Expect(main.TakeLoadReplies("a")).To(Equal([]uint64{0x100}))
	})
})

var _ = Describe("Single cache", func() {
	var (
		sys *memsys.MemorySystem
		l1  *memsys.Level
	)

	BeforeEach(func() {
		sys = build(map[string]*uarch.CacheLevel{
			"l1": cacheLevel(1, 1, uarch.WriteBack),
		})
		var ok bool
		l1, ok = sys.Level("l1")
		Expect(ok).To(BeTrue())
	})

	It("should fetch a missing line through main memory", func() {
		Expect(stepsToLoad(sys, l1, "fu", 0x000)).To(Equal(9))
	})

	It("should serve a present line at the hit latency", func() {
		stepsToLoad(sys, l1, "fu", 0x000)
		Expect(stepsToLoad(sys, l1, "fu", 0x000)).To(Equal(3))
	})

	It("should hit anywhere within the cached line", func() {
		stepsToLoad(sys, l1, "fu", 0x000)
		Expect(stepsToLoad(sys, l1, "fu", 0x03c)).To(Equal(3))
	})

	It("should drain to idle", func() {
		stepsToLoad(sys, l1, "fu", 0x000)
		Expect(sys.Pending()).To(BeFalse())
	})

	It("should forget its contents on reset", func() {
		stepsToLoad(sys, l1, "fu", 0x000)
		sys.Reset()
		Expect(stepsToLoad(sys, l1, "fu", 0x000)).To(Equal(9))
	})
})

var _ = Describe("Write policies", func() {
	It("should complete a write-back store hit locally", func() {
		sys := build(map[string]*uarch.CacheLevel{
			"l1": cacheLevel(1, 1, uarch.WriteBack),
		})
		l1, _ := sys.Level("l1")

		stepsToLoad(sys, l1, "fu", 0x000)
		Expect(stepsToStore(sys, l1, "fu", 0x000)).To(Equal(3))
	})

	It("should push a write-through store hit up to main memory", func() {
		sys := build(map[string]*uarch.CacheLevel{
			"l1": cacheLevel(1, 1, uarch.WriteThrough),
		})
		l1, _ := sys.Level("l1")

		stepsToLoad(sys, l1, "fu", 0x000)
		Expect(stepsToStore(sys, l1, "fu", 0x000)).To(Equal(9))
	})

	It("should write a dirty victim back before fetching", func() {
		sys := build(map[string]*uarch.CacheLevel{
			"l1": cacheLevel(1, 1, uarch.WriteBack),
		})
		l1, _ := sys.Level("l1")

		// Clean eviction: the miss only fetches.
		stepsToLoad(sys, l1, "fu", 0x000)
		Expect(stepsToLoad(sys, l1, "fu", 0x040)).To(Equal(9))

		// Dirty the resident line, then displace it: the miss pays for
		// the writeback and the fetch.
		stepsToStore(sys, l1, "fu", 0x040)
		Expect(stepsToLoad(sys, l1, "fu", 0x000)).To(Equal(14))
	})
})

var _ = Describe("Replacement", func() {
	It("should evict the least recently used way", func() {
		sys := build(map[string]*uarch.CacheLevel{
			"l1": cacheLevel(2, 2, uarch.WriteBack),
		})
		l1, _ := sys.Level("l1")

		a, b, c := uint64(0x000), uint64(0x040), uint64(0x080)

		stepsToLoad(sys, l1, "fu", a)
		stepsToLoad(sys, l1, "fu", b)
		Expect(stepsToLoad(sys, l1, "fu", a)).To(Equal(3))

		// b is now least recently used; c displaces it.
		stepsToLoad(sys, l1, "fu", c)
		Expect(stepsToLoad(sys, l1, "fu", a)).To(Equal(3))
		Expect(stepsToLoad(sys, l1, "fu", b)).To(BeNumerically(">", 3))
	})
})

var _ = Describe("Two-level hierarchy", func() {
	It("should refill the front level from an inclusive second level", func() {
		l2 := cacheLevel(8, 2, uarch.WriteBack)
		l2.Inclusion = uarch.Inclusive
		l2.Levels = map[string]*uarch.CacheLevel{
			"l1": cacheLevel(1, 1, uarch.WriteBack),
		}
		sys := build(map[string]*uarch.CacheLevel{"l2": l2})
		l1, ok := sys.Level("l1")
		Expect(ok).To(BeTrue())

		a, b := uint64(0x000), uint64(0x040)

		fromMain := stepsToLoad(sys, l1, "fu", a)

		// Displace a from the one-line front level; the second level
		// still holds it, so the refill skips main memory.
		stepsToLoad(sys, l1, "fu", b)
		fromL2 := stepsToLoad(sys, l1, "fu", a)

		Expect(fromL2).To(BeNumerically("<", fromMain))
		Expect(fromL2).To(BeNumerically(">", 3))
	})

	It("should give the line away on an exclusive fetch hit", func() {
		l2 := cacheLevel(8, 2, uarch.WriteBack)
		l2.Inclusion = uarch.Exclusive
		l2.Levels = map[string]*uarch.CacheLevel{
			"l1": cacheLevel(1, 1, uarch.WriteBack),
		}
		sys := build(map[string]*uarch.CacheLevel{"l2": l2})
		l1, _ := sys.Level("l1")

		a, b := uint64(0x000), uint64(0x040)

		stepsToLoad(sys, l1, "fu", a)
		stepsToLoad(sys, l1, "fu", b)
		first := stepsToLoad(sys, l1, "fu", a)

		// The refill removed a from the second level, so fetching it
		// again after displacement goes all the way to main memory.
		stepsToLoad(sys, l1, "fu", b)
		second := stepsToLoad(sys, l1, "fu", a)

		Expect(second).To(BeNumerically(">", first))
	})
})
