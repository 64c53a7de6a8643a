// Package stats collects and reports simulation statistics: cycle and
// retirement counts, per-cause stall counts, and queue utilization samples.
// Counters from partial runs merge into whole-run totals.
package stats

import (
	"fmt"
	"io"
	"sort"
)

// Utilization accumulates per-cycle occupancy samples for one fixed-size
// resource.
type Utilization struct {
	// Size is the capacity of the resource.
	Size uint64 `json:"size"`

	// Entered counts items accepted into the resource.
	Entered uint64 `json:"entered"`

	// Samples is the number of cycles observed.
	Samples uint64 `json:"samples"`

	// Occupied is the sum of per-cycle occupancy.
	Occupied uint64 `json:"occupied"`
}

// Enter counts n items accepted into the resource.
func (u *Utilization) Enter(n int) {
	u.Entered += uint64(n)
}

// Observe records the occupancy for one cycle.
func (u *Utilization) Observe(occupied int) {
	u.Samples++
	u.Occupied += uint64(occupied)
}

// Mean returns the average occupancy per observed cycle.
func (u *Utilization) Mean() float64 {
	if u.Samples == 0 {
		return 0
	}
	return float64(u.Occupied) / float64(u.Samples)
}

// Percent returns the average occupancy as a fraction of capacity, in
// percent.
func (u *Utilization) Percent() float64 {
	if u.Samples == 0 || u.Size == 0 {
		return 0
	}
	return 100 * float64(u.Occupied) / (float64(u.Samples) * float64(u.Size))
}

func (u *Utilization) merge(o *Utilization) error {
	if u.Size != o.Size {
		return fmt.Errorf("utilization size mismatch: %d vs %d", u.Size, o.Size)
	}
	u.Entered += o.Entered
	u.Samples += o.Samples
	u.Occupied += o.Occupied
	return nil
}

// Counters holds the counting statistics of one simulation, or of several
// merged window runs.
type Counters struct {
	// Cycles is the number of simulated cycles.
	Cycles uint64 `json:"cycles"`

	// FetchedInstructions counts instructions accepted by the fetch unit.
	FetchedInstructions uint64 `json:"fetched_instructions"`

	// RetiredInstructions counts instructions that completed.
	RetiredInstructions uint64 `json:"retired_instructions"`

	// Branches counts retired branch instructions.
	Branches uint64 `json:"branches"`

	// Stalls counts stall cycles by cause.
	Stalls map[string]uint64 `json:"stalls"`

	// Utilizations samples queue occupancy by queue name.
	Utilizations map[string]*Utilization `json:"utilizations"`

	// ScalarLoadStore counts scalar load/store instructions dispatched;
	// ScalarLoadStoreStall counts cycles a scalar pipe stalled waiting on
	// memory. Likewise for the vector pipes.
	ScalarLoadStore      uint64 `json:"scalar_load_store"`
	ScalarLoadStoreStall uint64 `json:"scalar_load_store_stall"`
	VectorLoadStore      uint64 `json:"vector_load_store"`
	VectorLoadStoreStall uint64 `json:"vector_load_store_stall"`
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{
		Stalls:       make(map[string]uint64),
		Utilizations: make(map[string]*Utilization),
	}
}

// AddStall charges one stall cycle to the named cause.
func (c *Counters) AddStall(cause string) {
	c.Stalls[cause]++
}

// Utilization returns the sampler for the named resource, creating it with
// the given capacity on first use.
func (c *Counters) Utilization(name string, size int) *Utilization {
	u, ok := c.Utilizations[name]
	if !ok {
		u = &Utilization{Size: uint64(size)}
		c.Utilizations[name] = u
	}
	return u
}

// IPC returns retired instructions per cycle.
func (c *Counters) IPC() float64 {
	if c.Cycles == 0 {
		return 0
	}
	return float64(c.RetiredInstructions) / float64(c.Cycles)
}

// Merge adds the other counters into c. Counts add exactly; utilization
// percentages remain exact because samples and occupancy both add. The two
// sides must describe the same machine, so mismatched utilization sizes are
// an error.
func (c *Counters) Merge(o *Counters) error {
	c.Cycles += o.Cycles
	c.FetchedInstructions += o.FetchedInstructions
	c.RetiredInstructions += o.RetiredInstructions
	c.Branches += o.Branches
	for cause, n := range o.Stalls {
		c.Stalls[cause] += n
	}
	for name, u := range o.Utilizations {
		cur, ok := c.Utilizations[name]
		if !ok {
			c.Utilizations[name] = &Utilization{
				Size:     u.Size,
				Entered:  u.Entered,
				Samples:  u.Samples,
				Occupied: u.Occupied,
			}
			continue
		}
		if err := cur.merge(u); err != nil {
			return fmt.Errorf("merging %q: %w", name, err)
		}
	}
	c.ScalarLoadStore += o.ScalarLoadStore
	c.ScalarLoadStoreStall += o.ScalarLoadStoreStall
	c.VectorLoadStore += o.VectorLoadStore
	c.VectorLoadStoreStall += o.VectorLoadStoreStall
	return nil
}

// WriteReport writes the human-readable statistics report.
func (c *Counters) WriteReport(w io.Writer) {
	fmt.Fprintf(w, "cycles:               %d\n", c.Cycles)
	if c.Cycles == 0 {
		return
	}
	fmt.Fprintf(w, "fetched instructions: %d\n", c.FetchedInstructions)
	fmt.Fprintf(w, "retired instructions: %d\n", c.RetiredInstructions)
	fmt.Fprintf(w, "IPC:                  %.3f\n", c.IPC())
	fmt.Fprintf(w, "branches:             %d\n", c.Branches)

	if len(c.Stalls) > 0 {
		fmt.Fprintf(w, "stalls:\n")
		causes := make([]string, 0, len(c.Stalls))
		for cause := range c.Stalls {
			causes = append(causes, cause)
		}
		sort.Strings(causes)
		for _, cause := range causes {
			n := c.Stalls[cause]
			fmt.Fprintf(w, "  %-28s %10d (%.1f%%)\n",
				cause+":", n, 100*float64(n)/float64(c.Cycles))
		}
	}

	if len(c.Utilizations) > 0 {
		fmt.Fprintf(w, "utilization:\n")
		names := make([]string, 0, len(c.Utilizations))
		for name := range c.Utilizations {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			u := c.Utilizations[name]
			fmt.Fprintf(w, "  %-28s %10.2f per cycle, %.1f%% occupied\n",
				name+":", float64(u.Entered)/float64(c.Cycles), u.Percent())
		}
	}

	if c.ScalarLoadStore > 0 {
		fmt.Fprintf(w, "scalar load/store stall rate: %.2f stalls per instruction\n",
			float64(c.ScalarLoadStoreStall)/float64(c.ScalarLoadStore))
	}
	if c.VectorLoadStore > 0 {
		fmt.Fprintf(w, "vector load/store stall rate: %.2f stalls per instruction\n",
			float64(c.VectorLoadStoreStall)/float64(c.VectorLoadStore))
	}
}
