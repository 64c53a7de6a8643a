// Package pipeline models the core: fetch, dispatch, issue queues,
// functional unit pipes, register scoreboards, and the cycle loop that
// steps them. Each cycle has two phases: Tick computes the next state of
// every unit, Tock publishes it. Units that move instructions in lockstep
// are stepped counter to instruction flow so a value computed in one tick
// is never consumed in the same tick.
package pipeline

import (
	"io"

	"github.com/AmbiML/trace-based-model/stats"
)

// Unit is one steppable component of the core.
type Unit interface {
	Name() string

	// Reset prepares the unit and registers its counters.
	Reset(c *stats.Counters)

	// Tick computes the unit's next state.
	Tick(c *stats.Counters)

	// Tock publishes the state computed by Tick.
	Tock(c *stats.Counters)

	// Pending returns the number of instructions the unit still holds.
	Pending() int

	// PrintState writes a detailed dump of the unit's queues and stages.
	PrintState(w io.Writer)

	// StateHeader returns the column names for compact state tracing.
	StateHeader() []string

	// State returns one compact value per header column. vals holds the
	// empty, partial, and full markers.
	State(vals [3]string) []string
}
