// ABOUTME: Collection stages and work packets
// ABOUTME: Stages open strictly in order once the previous one has drained

// Package scheduler runs a collection on a fixed pool of workers. Work is
// grouped into stage buckets; a stage opens only once every worker is idle
// and no packet of an earlier stage is left.
package scheduler

import "fmt"

// Stage is a phase of a collection cycle
type Stage int

const (
	// Unconstrained work may run while the world is still being stopped.
	Unconstrained Stage = iota
	Prepare
	Closure
	SoftRefClosure
	WeakRefClosure
	FinalRefClosure
	PhantomRefClosure
	Release
	// Final resumes mutators.
	Final
	NumStages
)

var stageNames = [NumStages]string{
	"unconstrained", "prepare", "closure", "soft-refs", "weak-refs",
	"final-refs", "phantom-refs", "release", "final",
}

func (s Stage) String() string {
	if s >= 0 && s < NumStages {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Tracing reports whether objects may be traced, and so moved, in s
func (s Stage) Tracing() bool { return s >= Closure && s <= PhantomRefClosure }

// Work is a unit of collection work
type Work interface {
	Do(w *Worker)
}

// WorkFunc adapts a function to Work
type WorkFunc func(w *Worker)

func (f WorkFunc) Do(w *Worker) { f(w) }
