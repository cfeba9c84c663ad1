// ABOUTME: Generational copying plan with a copying nursery and a semispace mature generation
// ABOUTME: An object-remembering barrier over log bits records mature objects written since the last cycle

// Package gencopy registers the "gencopy" plan. New objects are bump
// allocated in the nursery. A nursery collection promotes its survivors
// into the mature to-space, tracing from the roots and the remembered
// set. A full collection also flips and evacuates the mature halves.
package gencopy

import (
	"sync"
	"sync/atomic"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/metadata"
	"github.com/prateek/memkit/plan"
	"github.com/prateek/memkit/policy"
	"github.com/prateek/memkit/scheduler"
	"github.com/prateek/memkit/space"
)

// Name is the option value selecting this plan
const Name = "gencopy"

func init() { plan.Register(Name, New) }

const remsetBatch = 256

// GenCopy is the generational plan
type GenCopy struct {
	*plan.Common
	nursery *policy.CopySpace
	mature  [2]*policy.CopySpace
	log     *metadata.Table

	nextFull atomic.Bool

	mu     sync.Mutex
	remset []address.Address
}

// New builds the plan over c
func New(c *plan.Common) (plan.Plan, error) {
	p := &GenCopy{Common: c, log: c.Env.Meta.Add(metadata.LogBit)}
	p.nursery = policy.NewCopySpace("nursery", plan.FirstPlanSpace, c.Env, c.Binding, true)
	p.nursery.Survivors = policy.PromoteToMature
	p.mature[0] = policy.NewCopySpace("mature0", plan.FirstPlanSpace+1, c.Env, c.Binding, false)
	p.mature[1] = policy.NewCopySpace("mature1", plan.FirstPlanSpace+2, c.Env, c.Binding, true)
	for _, m := range p.mature {
		m.LogBits = p.log
	}
	return p, nil
}

func (p *GenCopy) Name() string { return Name }

// Nursery returns the space new objects are allocated in
func (p *GenCopy) Nursery() *policy.CopySpace { return p.nursery }

// MatureToSpace returns the mature half survivors are copied into
func (p *GenCopy) MatureToSpace() *policy.CopySpace {
	if p.mature[0].IsFromSpace() {
		return p.mature[1]
	}
	return p.mature[0]
}

func (p *GenCopy) matureFromSpace() *policy.CopySpace {
	if p.mature[0].IsFromSpace() {
		return p.mature[0]
	}
	return p.mature[1]
}

func (p *GenCopy) Spaces() []space.Space {
	return append(p.Common.Spaces(), p.nursery, p.mature[0], p.mature[1])
}

func (p *GenCopy) AllocatorMapping() alloc.Mapping {
	m := alloc.Mapping{}
	m[alloc.Default] = p.nursery
	m[alloc.Immortal] = p.Immortal
	m[alloc.NonMoving] = p.Immortal
	m[alloc.Los] = p.LOS
	return m
}

// Barrier remembers mature, large and immortal objects on their first
// write after a cycle
func (p *GenCopy) Barrier(*plan.Mutator) plan.Barrier {
	return plan.NewObjectBarrier(p.log, p.remember)
}

func (p *GenCopy) remember(objs []address.Address) {
	p.mu.Lock()
	p.remset = append(p.remset, objs...)
	p.mu.Unlock()
}

// Remembered returns the number of objects in the remembered set
func (p *GenCopy) Remembered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remset)
}

// PostAlloc logs objects allocated outside the nursery, so a write that
// makes them point into the nursery is remembered
func (p *GenCopy) PostAlloc(_ *plan.Mutator, obj address.Address, _ uintptr, sem alloc.Semantics) {
	if sem != alloc.Default {
		p.log.StoreAtomic(obj, 1)
	}
}

// CollectionRequired also triggers once the nursery is full
func (p *GenCopy) CollectionRequired(spaceFull bool, s space.Space) bool {
	return p.Common.CollectionRequired(spaceFull, s) || p.nurseryFull()
}

func (p *GenCopy) nurseryFull() bool {
	return p.nursery.ReservedPages() >= address.BytesToPages(uintptr(p.Options.NurserySize))
}

// CollectionReserve is room to promote the whole nursery and to evacuate
// the mature generation
func (p *GenCopy) CollectionReserve() int {
	return p.nursery.CommittedPages() + p.MatureToSpace().CommittedPages()
}

// matureFull reports whether the mature generation crossed the full heap threshold
func (p *GenCopy) matureFull() bool {
	used := p.MatureToSpace().ReservedPages() + p.LOS.ReservedPages()
	return float64(used) > p.Options.FullHeapThreshold*float64(p.TotalPages())
}

// ScheduleCollection picks a nursery or a full collection and adds the
// remembered set to the closure
func (p *GenCopy) ScheduleCollection(s *scheduler.Scheduler) {
	t := p.CurrentTrace()
	full := t.Emergency || t.User || p.nextFull.Swap(false) || p.matureFull()
	p.SetFullTrace(full)
	p.Common.ScheduleCollection(s)
	s.Schedule(scheduler.Closure, &ProcessRemembered{p: p})
}

// Prepare flips the mature halves for a full collection
func (p *GenCopy) Prepare(w *scheduler.Worker) {
	p.Common.Prepare(w)
	if p.CurrentTrace().Full {
		for _, m := range p.mature {
			m.SetFromSpace(!m.IsFromSpace())
		}
	}
}

// Release resets the nursery, and the evacuated mature half after a full
// collection
func (p *GenCopy) Release(w *scheduler.Worker) {
	p.Common.Release(w)
	p.nursery.Release(true)
	if p.CurrentTrace().Full {
		p.matureFromSpace().Release(true)
	}
}

func (p *GenCopy) CopyDestinations() (d [policy.NumCopySemantics]space.Space) {
	to := p.MatureToSpace()
	d[policy.DefaultCopy] = to
	d[policy.PromoteToMature] = to
	return d
}

// EndOfGC makes the next collection full when a nursery collection left
// the heap too full
func (p *GenCopy) EndOfGC() {
	if !p.CurrentTrace().Full && (p.matureFull() || p.HeapFull()) {
		p.nextFull.Store(true)
	}
}

// ProcessRemembered re-logs the remembered objects. A nursery collection
// also scans them, as they may be the only references to nursery objects.
type ProcessRemembered struct{ p *GenCopy }

func (r *ProcessRemembered) Do(w *scheduler.Worker) {
	p := r.p
	p.mu.Lock()
	objs := p.remset
	p.remset = nil
	p.mu.Unlock()
	for _, obj := range objs {
		p.log.StoreAtomic(obj, 1)
	}
	if p.CurrentTrace().Full {
		return
	}
	for len(objs) > 0 {
		n := min(len(objs), remsetBatch)
		w.AddWork(scheduler.Closure, &plan.ScanObjects{Objects: objs[:n:n]})
		objs = objs[n:]
	}
}
