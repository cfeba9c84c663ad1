// ABOUTME: Engine: the entry point a hosting runtime builds and talks to
// ABOUTME: Wraps one plan with its scheduler, reference processor, statistics and analysis

// Package memkit is a pluggable parallel garbage collection engine. A
// runtime implements vm.Binding, builds an Engine from options.Options and
// binds one Mutator per thread. Collection algorithms are plans selected by
// name; every plan shipped with memkit is linked in by this package.
package memkit

import (
	"errors"
	"sync"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/analysis"
	"github.com/prateek/memkit/analysis/snapshot"
	"github.com/prateek/memkit/heap"
	"github.com/prateek/memkit/options"
	"github.com/prateek/memkit/plan"
	_ "github.com/prateek/memkit/plan/gencopy"
	_ "github.com/prateek/memkit/plan/marksweep"
	_ "github.com/prateek/memkit/plan/nogc"
	_ "github.com/prateek/memkit/plan/regional"
	_ "github.com/prateek/memkit/plan/semispace"
	"github.com/prateek/memkit/refproc"
	"github.com/prateek/memkit/stats"
	"github.com/prateek/memkit/vm"
)

// Version is the semantic version of memkit
const Version = "0.1.0-dev"

var (
	// ErrOutOfMemory is returned by Mutator.Alloc when the heap cannot grow
	// within its budget even after an emergency collection
	ErrOutOfMemory = plan.ErrOutOfMemory
	// ErrAnalysisDisabled is returned by Snapshot unless the analysis option is set
	ErrAnalysisDisabled = errors.New("analysis is disabled")
	// ErrNoSnapshot is returned by Snapshot when no collection ran
	ErrNoSnapshot = errors.New("no collection ran to capture a snapshot")
)

// Mutator is a runtime thread bound to an engine
type Mutator = plan.Mutator

// Engine is one isolated heap
type Engine struct {
	plan     plan.Plan
	c        *plan.Common
	analysis *analysis.Manager

	closeOnce sync.Once
	report    stats.Report
}

// New validates opts and starts an engine running opts.Plan over binding
func New(opts options.Options, binding vm.Binding) (*Engine, error) {
	return NewWithProvider(opts, binding, nil)
}

// NewWithProvider is New with the heap backed by provider
func NewWithProvider(opts options.Options, binding vm.Binding, provider heap.Provider) (*Engine, error) {
	p, err := plan.New(plan.Config{Options: opts, Binding: binding, Provider: provider})
	if err != nil {
		return nil, err
	}
	e := &Engine{plan: p, c: p.Base()}
	if opts.Analysis {
		e.analysis = analysis.New(e.c)
	}
	return e, nil
}

// Plans returns the names of the available plans
func Plans() []string { return plan.Names() }

// Plan returns the running plan
func (e *Engine) Plan() plan.Plan { return e.plan }

// Options returns the options the engine was built with
func (e *Engine) Options() options.Options { return e.c.Options }

// Close stops the workers and returns the final report. Mutators must be
// unbound first. Later calls return the same report.
func (e *Engine) Close() stats.Report {
	e.closeOnce.Do(func() {
		e.c.Shutdown()
		e.report = e.c.Stats.Report()
	})
	return e.report
}

// Report returns the statistics so far
func (e *Engine) Report() stats.Report { return e.c.Stats.Report() }

func (e *Engine) BindMutator(tls vm.TLS) *Mutator { return e.c.BindMutator(tls) }

func (e *Engine) UnbindMutator(m *Mutator) { e.c.UnbindMutator(m) }

// Alloc allocates size bytes for m
func (e *Engine) Alloc(m *Mutator, size, align uintptr, sem alloc.Semantics) (address.Address, error) {
	return m.Alloc(size, align, sem)
}

// RequestGC runs a collection from a thread that is not a mutator and
// returns once it finished
func (e *Engine) RequestGC(cause string) { e.c.RequestGC(cause) }

// HandleUserCollectionRequest runs a collection the program asked for on
// mutator m, unless ignore_system_gc is set
func (e *Engine) HandleUserCollectionRequest(m *Mutator) { e.c.HandleUserCollectionRequest(m) }

// WriteRef stores target into slot of src through the plan's write barrier
func (e *Engine) WriteRef(m *Mutator, src address.Address, slot vm.Slot, target address.Address) {
	m.WriteRef(src, slot, target)
}

// ReadRef loads slot
func (e *Engine) ReadRef(m *Mutator, slot vm.Slot) address.Address { return m.ReadRef(slot) }

// AddWeakCandidate registers the reference object ref. Its referent is
// cleared once only weakly reachable.
func (e *Engine) AddWeakCandidate(ref address.Address) { e.c.Refs.Add(refproc.Weak, ref) }

// AddSoftCandidate registers a soft reference, cleared only by emergency
// collections
func (e *Engine) AddSoftCandidate(ref address.Address) { e.c.Refs.Add(refproc.Soft, ref) }

// AddPhantomCandidate registers a phantom reference
func (e *Engine) AddPhantomCandidate(ref address.Address) { e.c.Refs.Add(refproc.Phantom, ref) }

// AddFinalizer registers obj to be finalized once unreachable
func (e *Engine) AddFinalizer(obj address.Address) { e.c.Refs.AddFinalizer(obj) }

// GetFinalizedObject pops an object ready for its finalizer. The object
// stays alive until the collection after it was handed out.
func (e *Engine) GetFinalizedObject() (address.Address, bool) { return e.c.Refs.GetFinalized() }

// UsedBytes is the memory reserved by every space
func (e *Engine) UsedBytes() uint64 {
	return uint64(e.plan.PagesUsed()) << address.LogBytesInPage
}

// TotalBytes is the heap budget
func (e *Engine) TotalBytes() uint64 {
	return uint64(e.plan.TotalPages()) << address.LogBytesInPage
}

// FreeBytes is the part of the budget not used
func (e *Engine) FreeBytes() uint64 {
	used, total := e.UsedBytes(), e.TotalBytes()
	if used > total {
		return 0
	}
	return total - used
}

// HeapBounds returns the range every heap address falls in
func (e *Engine) HeapBounds() (start, end address.Address) {
	return address.HeapStart, address.HeapEnd
}

// IsMappedAddress reports whether a is backed by memory
func (e *Engine) IsMappedAddress(a address.Address) bool { return e.c.Memory.IsMapped(a) }

// IsInHeap reports whether obj is an object allocated by this engine
func (e *Engine) IsInHeap(obj address.Address) bool {
	s := e.c.Dispatch.Space(obj)
	return s != nil && s.Base().IsValidObject(obj)
}

// WillNeverMove reports whether obj stays at its address for its lifetime
func (e *Engine) WillNeverMove(obj address.Address) bool { return !e.c.Dispatch.IsMovable(obj) }

// Collections returns the number of completed collections
func (e *Engine) Collections() uint64 { return e.c.Collections() }

// HarnessBegin collects on m and opens the statistics window of a
// benchmark iteration
func (e *Engine) HarnessBegin(m *Mutator) {
	e.c.HandleUserCollectionRequest(m)
	e.c.Stats.HarnessBegin()
}

// HarnessEnd closes the statistics window
func (e *Engine) HarnessEnd() { e.c.Stats.HarnessEnd() }

// Snapshot collects and returns the graph of objects strongly reachable at
// the end of its closure. Like RequestGC it must not be called from a
// mutator thread.
func (e *Engine) Snapshot() (*snapshot.MemGraph, error) {
	if e.analysis == nil {
		return nil, ErrAnalysisDisabled
	}
	e.analysis.RequestSnapshot()
	e.c.RequestGC("snapshot")
	if g := e.analysis.TakeSnapshot(); g != nil {
		return g, nil
	}
	return nil, ErrNoSnapshot
}
