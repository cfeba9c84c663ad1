// ABOUTME: Work packets every plan's collection is assembled from
// ABOUTME: Stop the world, prepare, scan roots, process references, release and resume

package plan

import (
	"log/slog"

	"github.com/prateek/memkit/fault"
	"github.com/prateek/memkit/policy"
	"github.com/prateek/memkit/refproc"
	"github.com/prateek/memkit/scheduler"
	"github.com/prateek/memkit/vm"
)

// StopMutators brings every mutator to a safepoint and schedules the cycle
type StopMutators struct{ c *Common }

func (p *StopMutators) Do(w *scheduler.Worker) {
	c := p.c
	var stopped []*Mutator
	c.Binding.StopAllMutators(func(tls vm.TLS) {
		if m := c.mutator(tls); m != nil {
			stopped = append(stopped, m)
		}
	})
	c.controller.MarkStopped()
	c.beginCycle(stopped)
	c.Refs.BeginCycle()
	c.plan.ScheduleCollection(w.Scheduler())
}

// PrepareGlobal runs the plan's prepare, then the per-mutator and
// per-worker preparation
type PrepareGlobal struct{ c *Common }

func (p *PrepareGlobal) Do(w *scheduler.Worker) {
	p.c.plan.Prepare(w)
	for _, m := range p.c.Stopped() {
		w.AddWork(scheduler.Prepare, &PrepareMutator{c: p.c, m: m})
	}
	w.Scheduler().ScheduleDesignated(scheduler.Prepare, (&PrepareCollector{c: p.c}).Do)
}

// PrepareMutator prepares one stopped mutator
type PrepareMutator struct {
	c *Common
	m *Mutator
}

func (p *PrepareMutator) Do(*scheduler.Worker) { p.c.plan.PrepareMutator(p.m) }

// PrepareCollector sets up one worker's copy context for the cycle
type PrepareCollector struct{ c *Common }

func (p *PrepareCollector) Do(w *scheduler.Worker) {
	ctx := contextOf(w)
	ctx.copy = p.c.NewCopyContext()
}

// ScanMutatorRoots reports the roots of one mutator
type ScanMutatorRoots struct {
	c *Common
	m *Mutator
}

func (p *ScanMutatorRoots) Do(w *scheduler.Worker) {
	p.c.Binding.ScanMutatorRoots(p.m.TLS, func(slots []vm.Slot) { addRoots(w, slots) })
}

// ScanGlobalRoots reports the roots not held by any mutator
type ScanGlobalRoots struct{ c *Common }

func (p *ScanGlobalRoots) Do(w *scheduler.Worker) {
	p.c.Binding.ScanGlobalRoots(func(slots []vm.Slot) { addRoots(w, slots) })
}

func addRoots(w *scheduler.Worker, slots []vm.Slot) {
	for len(slots) > 0 {
		n := min(len(slots), batchSize)
		batch := append([]vm.Slot(nil), slots[:n]...)
		w.AddWork(scheduler.Closure, &ProcessEdges{Slots: batch})
		slots = slots[n:]
	}
}

// ProcessReferences processes one strength of references
type ProcessReferences struct {
	c    *Common
	kind refproc.Kind
}

func (p *ProcessReferences) Do(w *scheduler.Worker) {
	ctx := contextOf(w)
	emergency := p.c.trace.Emergency
	switch p.kind {
	case refproc.Soft:
		p.c.Refs.ScanSoft(ctx, emergency)
	case refproc.Weak:
		p.c.Refs.ScanWeak(ctx, emergency)
	case refproc.Phantom:
		p.c.Refs.ScanPhantom(ctx)
	}
	ctx.flush()
}

// ProcessFinalizers resurrects unreachable finalizable objects
type ProcessFinalizers struct{ c *Common }

func (p *ProcessFinalizers) Do(w *scheduler.Worker) {
	ctx := contextOf(w)
	p.c.Refs.ScanFinalizable(ctx)
	ctx.flush()
}

// ReleaseGlobal runs the plan's release, then the per-mutator and
// per-worker release
type ReleaseGlobal struct{ c *Common }

func (p *ReleaseGlobal) Do(w *scheduler.Worker) {
	p.c.plan.Release(w)
	for _, m := range p.c.Stopped() {
		w.AddWork(scheduler.Release, &ReleaseMutator{c: p.c, m: m})
	}
	w.Scheduler().ScheduleDesignated(scheduler.Release, (&ReleaseCollector{c: p.c}).Do)
}

// ReleaseMutator releases one stopped mutator
type ReleaseMutator struct {
	c *Common
	m *Mutator
}

func (p *ReleaseMutator) Do(*scheduler.Worker) { p.c.plan.ReleaseMutator(p.m) }

// ReleaseCollector drops one worker's copy context
type ReleaseCollector struct{ c *Common }

func (p *ReleaseCollector) Do(w *scheduler.Worker) {
	ctx := contextOf(w)
	if ctx.copy != nil {
		for sem := policy.CopySemantics(0); sem < policy.NumCopySemantics; sem++ {
			if n := ctx.copy.Copied(sem); n > 0 {
				p.c.Stats.Count("copied-bytes:"+sem.String(), int64(n))
			}
		}
		ctx.copy.Reset()
		ctx.copy = nil
	}
}

// VerifyAccounting checks the page counters and the dispatch table while
// nothing allocates, then ends the cycle
type VerifyAccounting struct{ c *Common }

func (p *VerifyAccounting) Do(w *scheduler.Worker) {
	p.c.verifyAccounting()
	if err := p.c.Env.Table.Verify(p.c.VM); err != nil {
		fault.Fatal("dispatch table is inconsistent", slog.String("error", err.Error()))
	}
	w.AddWork(scheduler.Final, &EndOfGC{c: p.c})
}

// verifyAccounting checks the page counters. It also runs as an observer
// after Prepare and Release drain.
func (c *Common) verifyAccounting() {
	c.Stats.Count("accounting-checks", 1)
	if err := c.Env.Accounting.Verify(); err != nil {
		fault.Fatal("page accounting is inconsistent", slog.String("error", err.Error()))
	}
}

// EndOfGC hands reference and finalizer results to the runtime and
// resumes the mutators
type EndOfGC struct{ c *Common }

func (p *EndOfGC) Do(*scheduler.Worker) {
	c := p.c
	st := c.Refs.EndCycle(c.Binding)
	c.cycle.Cleared = st.Cleared
	c.cycle.Finalizable = st.Finalizable
	c.plan.EndOfGC()
	c.endCycle()
	c.Binding.ResumeMutators()
}
