// ABOUTME: State and default behaviour shared by every plan
// ABOUTME: Owns the heap services, the immortal and large object spaces and the collection trigger

package plan

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/fault"
	"github.com/prateek/memkit/heap"
	"github.com/prateek/memkit/metadata"
	"github.com/prateek/memkit/options"
	"github.com/prateek/memkit/policy"
	"github.com/prateek/memkit/refproc"
	"github.com/prateek/memkit/scheduler"
	"github.com/prateek/memkit/space"
	"github.com/prateek/memkit/stats"
	"github.com/prateek/memkit/vm"
)

// Space ids of the common spaces. Plans number theirs from FirstPlanSpace.
const (
	ImmortalSpaceID = 0
	LOSSpaceID      = 1
	FirstPlanSpace  = 2
)

// Common is embedded by every plan
type Common struct {
	Options  options.Options
	Binding  vm.Binding
	Logger   *slog.Logger
	Memory   *heap.Memory
	VM       heap.VMMap
	Env      *space.Env
	Dispatch *policy.Dispatcher
	Sched    *scheduler.Scheduler
	Refs     *refproc.Processor
	Stats    *stats.Stats
	Immortal *policy.ImmortalSpace
	LOS      *policy.LargeObjectSpace
	// NoCollection is set by plans that never collect. Allocation failures
	// are then immediately out of memory.
	NoCollection bool

	plan       Plan
	controller *scheduler.Controller
	allocHooks []AllocHook

	mu       sync.Mutex
	mutators map[vm.TLS]*Mutator
	stopped  []*Mutator
	cause    string

	emergency   atomic.Bool
	user        atomic.Bool
	stressMark  atomic.Int64
	collections atomic.Uint64

	// written by the StopMutators and EndOfGC packets only
	trace Trace
	cycle stats.Cycle
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newCommon(cfg Config) *Common {
	opts := cfg.Options
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelWarn}))
	} else {
		fault.SetLogger(logger)
	}
	mem := heap.NewMemory(cfg.Provider, opts.MmapRetries, logger)
	if u, ok := cfg.Binding.(vm.MemoryUser); ok {
		u.UseMemory(mem)
	}
	vmm := heap.NewVMMap(opts.Layout, mem, uint64(opts.AvailableBytes))
	meta := metadata.NewContext(vmm)
	if opts.SanityChecks {
		meta.EnableSanity()
	}
	c := &Common{
		Options:  opts,
		Binding:  cfg.Binding,
		Logger:   logger,
		Memory:   mem,
		VM:       vmm,
		Sched:    scheduler.New(opts.Threads, logger),
		Refs:     refproc.New(cfg.Binding, opts.NoReferenceTypes, opts.NoFinalizer),
		mutators: make(map[vm.TLS]*Mutator),
	}
	c.Env = &space.Env{
		VM:         vmm,
		Accounting: &heap.Accounting{},
		Meta:       meta,
		Table:      space.NewTable(vmm),
		Poller:     c,
	}
	c.Dispatch = policy.NewDispatcher(c.Env.Table)
	c.Immortal = policy.NewImmortalSpace("immortal", ImmortalSpaceID, c.Env)
	c.LOS = policy.NewLargeObjectSpace("los", LOSSpaceID, c.Env)
	c.controller = scheduler.NewController(c.collect, logger)
	return c
}

// bind finishes the build once the plan's spaces exist
func (c *Common) bind(p Plan) {
	c.plan = p
	c.Stats = stats.New(p.Name())
	for _, s := range p.Spaces() {
		c.Dispatch.Add(s)
	}
	c.Env.Meta.Freeze()
	c.Env.Meta.SetPhaseGuard(func() bool { return !c.Sched.InTracing() })
	c.Env.Table.SetShrinkGuard(func() bool {
		return c.Sched.InGC() && c.Sched.Stage() == scheduler.Release
	})
	for _, w := range c.Sched.Workers() {
		w.Context = &WorkerContext{c: c, w: w}
	}
	if c.Options.SanityChecks {
		c.Sched.Observe(scheduler.Prepare, c.verifyAccounting)
		c.Sched.Observe(scheduler.Release, c.verifyAccounting)
	}
	c.Sched.Start()
	c.controller.Start()
	c.Logger.Debug("plan ready", slog.String("plan", p.Name()),
		slog.Int("spaces", len(p.Spaces())), slog.Int("threads", c.Options.Threads),
		slog.String("heap", c.Options.HeapSize.String()))
}

// Plan returns the plan embedding c
func (c *Common) Plan() Plan { return c.plan }

// Shutdown stops the controller and the workers
func (c *Common) Shutdown() {
	c.controller.Stop()
	c.Sched.Shutdown()
}

func (c *Common) Base() *Common { return c }

// Spaces returns the common spaces
func (c *Common) Spaces() []space.Space {
	return []space.Space{c.Immortal, c.LOS}
}

// TotalPages is the heap budget in pages
func (c *Common) TotalPages() int {
	return int(uint64(c.Options.HeapSize) >> address.LogBytesInPage)
}

// PagesUsed counts reserved pages over every space
func (c *Common) PagesUsed() int { return c.Env.Accounting.Reserved() }

func (c *Common) CollectionReserve() int { return 0 }

// CollectionRequired triggers when the heap budget is exceeded, a space is
// full or the stress interval elapsed
func (c *Common) CollectionRequired(spaceFull bool, _ space.Space) bool {
	return spaceFull || c.StressRequired() || c.HeapFull()
}

// HeapFull reports whether used pages and the copy reserve exceed the budget
func (c *Common) HeapFull() bool {
	return c.plan.PagesUsed()+c.plan.CollectionReserve() > c.plan.TotalPages()
}

// StressRequired reports whether stress_factor bytes were committed since
// the last collection
func (c *Common) StressRequired() bool {
	if c.Options.StressFactor == 0 {
		return false
	}
	grown := int64(c.Env.Accounting.Committed()) - c.stressMark.Load()
	return uint64(grown)<<address.LogBytesInPage >= uint64(c.Options.StressFactor) && grown > 0
}

// Poll is called by spaces before pages are handed to a mutator. It
// returns true when the pages must not be handed out.
func (c *Common) Poll(spaceFull bool, s space.Space) bool {
	if c.NoCollection {
		// Nothing will free pages, so a request beyond the budget is refused.
		return c.plan.CollectionRequired(spaceFull, s)
	}
	if !c.plan.CollectionRequired(spaceFull, s) {
		return false
	}
	cause := "plan-trigger"
	switch {
	case spaceFull:
		cause = "space-full:" + s.Base().Name()
	case c.HeapFull():
		cause = "heap-full"
	case c.StressRequired():
		cause = "stress"
	}
	c.request(cause)
	return true
}

func (c *Common) CopyDestinations() (d [policy.NumCopySemantics]space.Space) { return d }

// Prepare flips the common spaces for a full trace
func (c *Common) Prepare(*scheduler.Worker) {
	c.Immortal.Prepare(c.trace.Full)
	c.LOS.Prepare(c.trace.Full)
}

// Release sweeps the large object space after a full trace
func (c *Common) Release(*scheduler.Worker) {
	c.Immortal.Release(c.trace.Full)
	c.LOS.Release(c.trace.Full)
}

// PrepareMutator hands the mutator's remembered objects to the plan
func (c *Common) PrepareMutator(m *Mutator) { m.barrier.Flush() }

// ReleaseMutator rebinds the mutator's allocators to the spaces of the
// next mutator phase
func (c *Common) ReleaseMutator(m *Mutator) { m.rebind() }

func (c *Common) Barrier(*Mutator) Barrier { return NoBarrier{} }

func (c *Common) PostAlloc(*Mutator, address.Address, uintptr, alloc.Semantics) {}

// AllocHook observes every successful mutator allocation
type AllocHook func(obj address.Address, size uintptr, sem alloc.Semantics)

// AddAllocHook registers h. It must be called before any mutator is bound.
func (c *Common) AddAllocHook(h AllocHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.mutators) > 0 {
		fault.Fatalf("allocation hook added with %d mutators bound", len(c.mutators))
	}
	c.allocHooks = append(c.allocHooks, h)
}

func (c *Common) CurrentTrace() Trace { return c.trace }

func (c *Common) EndOfGC() {}

// ScheduleCollection queues the packets every cycle runs: preparation,
// root scanning, reference processing and release
func (c *Common) ScheduleCollection(s *scheduler.Scheduler) {
	s.Schedule(scheduler.Prepare, &PrepareGlobal{c: c})
	for _, m := range c.Stopped() {
		s.Schedule(scheduler.Closure, &ScanMutatorRoots{c: c, m: m})
	}
	s.Schedule(scheduler.Closure, &ScanGlobalRoots{c: c})
	s.Schedule(scheduler.SoftRefClosure, &ProcessReferences{c: c, kind: refproc.Soft})
	s.Schedule(scheduler.WeakRefClosure, &ProcessReferences{c: c, kind: refproc.Weak})
	s.Schedule(scheduler.FinalRefClosure, &ProcessFinalizers{c: c})
	s.Schedule(scheduler.PhantomRefClosure, &ProcessReferences{c: c, kind: refproc.Phantom})
	s.Schedule(scheduler.Release, &ReleaseGlobal{c: c})
	if c.Options.SanityChecks {
		s.Schedule(scheduler.Final, &VerifyAccounting{c: c})
	} else {
		s.Schedule(scheduler.Final, &EndOfGC{c: c})
	}
}

// NewCopyContext builds a worker's copy allocation context for this cycle,
// or nil for plans that never copy
func (c *Common) NewCopyContext() *alloc.CopyContext {
	dest := c.plan.CopyDestinations()
	for _, s := range dest {
		if s != nil {
			return alloc.NewCopyContext(dest)
		}
	}
	return nil
}

// BindMutator registers the runtime thread tls as a mutator
func (c *Common) BindMutator(tls vm.TLS) *Mutator {
	m := &Mutator{TLS: tls, c: c}
	m.allocs = alloc.NewSet(c.plan.AllocatorMapping(), true)
	m.barrier = c.plan.Barrier(m)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.mutators[tls]; ok {
		fault.Fatalf("thread %d bound twice", tls)
	}
	c.mutators[tls] = m
	return m
}

// UnbindMutator retires m, flushing its barrier and allocators
func (c *Common) UnbindMutator(m *Mutator) {
	m.barrier.Flush()
	m.allocs.Reset()
	c.mu.Lock()
	delete(c.mutators, m.TLS)
	c.mu.Unlock()
}

// Mutators returns the number of bound mutators
func (c *Common) Mutators() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mutators)
}

// Stopped returns the mutators stopped for the running cycle
func (c *Common) Stopped() []*Mutator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// request asks the controller for a cycle and returns its number
func (c *Common) request(cause string) uint64 {
	c.mu.Lock()
	if c.cause == "" {
		c.cause = cause
	}
	c.mu.Unlock()
	return c.controller.Request()
}

// RequestGC collects from a thread that is not a mutator and waits for
// the cycle to finish
func (c *Common) RequestGC(cause string) {
	if c.NoCollection {
		return
	}
	c.controller.Wait(c.request(cause))
}

// HandleUserCollectionRequest is a collection asked for by the runtime on a
// mutator thread
func (c *Common) HandleUserCollectionRequest(m *Mutator) {
	if c.NoCollection || c.Options.IgnoreSystemGC {
		return
	}
	c.user.Store(true)
	c.waitForCollection(m, "user")
}

// waitForCollection requests a cycle and parks m until it completed
func (c *Common) waitForCollection(m *Mutator, cause string) {
	n := c.request(cause)
	c.Binding.BlockForGC(m.TLS, func() { c.controller.Wait(n) })
}

// Collections returns the number of completed cycles
func (c *Common) Collections() uint64 { return c.collections.Load() }

// collect runs cycle n on the controller goroutine
func (c *Common) collect(n uint64) (scheduler.CycleStats, error) {
	c.cycle = stats.Cycle{Number: n}
	cs, err := c.Sched.RunCycle(&StopMutators{c: c})
	if err != nil {
		return cs, err
	}
	c.cycle.Stages = cs.Stages
	c.cycle.Duration = cs.Total
	c.Stats.Record(c.cycle)
	c.collections.Store(n)
	c.Logger.Debug("collection",
		slog.Uint64("cycle", n),
		slog.String("cause", c.cycle.Cause),
		slog.Bool("full", c.cycle.Full),
		slog.Bool("emergency", c.cycle.Emergency),
		slog.Int("pages_before", c.cycle.PagesBefore),
		slog.Int("pages_after", c.cycle.PagesAfter),
		slog.Duration("closure", cs.Stages[scheduler.Closure].Duration),
		slog.Duration("release", cs.Stages[scheduler.Release].Duration),
		slog.Duration("total", cs.Total))
	return cs, nil
}

// beginCycle snapshots the trigger state once the world is stopped
func (c *Common) beginCycle(stopped []*Mutator) {
	c.mu.Lock()
	c.stopped = stopped
	cause := c.cause
	c.cause = ""
	c.mu.Unlock()
	if cause == "" {
		cause = "external"
	}
	c.trace = Trace{
		Full:      true,
		Emergency: c.emergency.Load(),
		User:      c.user.Swap(false),
		Cause:     cause,
	}
	c.cycle.Cause = cause
	c.cycle.Emergency = c.trace.Emergency
	c.cycle.PagesBefore = c.plan.PagesUsed()
}

// SetFullTrace lets a plan decide the extent of the running cycle. It is
// only called from ScheduleCollection.
func (c *Common) SetFullTrace(full bool) { c.trace.Full = full }

// SetDefrag records that the running cycle evacuates
func (c *Common) SetDefrag(on bool) { c.trace.Defrag = on }

// endCycle publishes the results and clears the trigger state
func (c *Common) endCycle() {
	c.cycle.Full = c.trace.Full
	c.cycle.Defrag = c.trace.Defrag
	c.cycle.PagesAfter = c.plan.PagesUsed()
	c.stressMark.Store(int64(c.Env.Accounting.Committed()))
	c.emergency.Store(false)
	c.mu.Lock()
	c.stopped = nil
	c.mu.Unlock()
}

// RequireEmergency makes the next cycle an emergency collection
func (c *Common) RequireEmergency() { c.emergency.Store(true) }

// IsEmergency reports whether the running or next cycle is an emergency
func (c *Common) IsEmergency() bool { return c.emergency.Load() }

// mutator returns the mutator bound to tls
func (c *Common) mutator(tls vm.TLS) *Mutator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutators[tls]
}
