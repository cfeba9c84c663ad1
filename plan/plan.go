// ABOUTME: The Plan interface and the registry of collection algorithms
// ABOUTME: Plans register a constructor by name in init and are built over a shared Common

// Package plan is the framework collection algorithms are written in. A
// plan owns a fixed set of spaces, says which allocation semantics each
// space serves and schedules the packets of a collection cycle. The generic
// packets and the mutator front-end live here too.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/heap"
	"github.com/prateek/memkit/options"
	"github.com/prateek/memkit/policy"
	"github.com/prateek/memkit/scheduler"
	"github.com/prateek/memkit/space"
	"github.com/prateek/memkit/vm"
)

var (
	// ErrUnknownPlan is returned when no plan is registered under a name
	ErrUnknownPlan = errors.New("unknown plan")
	// ErrOutOfMemory is returned when an allocation cannot be satisfied even
	// after an emergency collection
	ErrOutOfMemory = errors.New("out of memory")
)

// Trace describes the collection being run
type Trace struct {
	// Full collections trace the whole heap.
	Full bool
	// Emergency collections follow failed allocations and clear soft references.
	Emergency bool
	// User collections were asked for by the runtime.
	User bool
	// Defrag is set when the cycle evacuates fragmented blocks.
	Defrag bool
	Cause  string
}

// Plan is one collection algorithm. Most methods have a default on Common,
// which every plan embeds.
type Plan interface {
	Name() string
	Base() *Common
	// Spaces lists every space of the plan, the common ones included.
	Spaces() []space.Space
	// AllocatorMapping assigns a space to every allocation semantics. It is
	// asked again after each cycle, so it may follow a flip.
	AllocatorMapping() alloc.Mapping
	// ScheduleCollection queues the packets of a cycle once the world is stopped.
	ScheduleCollection(s *scheduler.Scheduler)
	// Prepare and Release run the plan's global work of their stage.
	Prepare(w *scheduler.Worker)
	Release(w *scheduler.Worker)
	// CollectionRequired is polled whenever a mutator acquires pages.
	CollectionRequired(spaceFull bool, s space.Space) bool
	PagesUsed() int
	// CollectionReserve is the pages a collection may need to copy into.
	CollectionReserve() int
	TotalPages() int
	// CopyDestinations says where each copy semantics allocates during
	// this cycle. Non-copying plans leave every entry nil.
	CopyDestinations() [policy.NumCopySemantics]space.Space
	PrepareMutator(m *Mutator)
	ReleaseMutator(m *Mutator)
	// Barrier creates the write barrier of a new mutator.
	Barrier(m *Mutator) Barrier
	// PostAlloc lets the plan initialize state of a new object.
	PostAlloc(m *Mutator, obj address.Address, size uintptr, sem alloc.Semantics)
	CurrentTrace() Trace
	// EndOfGC runs after every packet of a cycle, mutators still stopped.
	EndOfGC()
}

// Config is what a plan is built from
type Config struct {
	Options options.Options
	Binding vm.Binding
	// Provider backs the heap. Nil uses anonymous memory mappings.
	Provider heap.Provider
}

// Constructor builds a plan over c. It creates its own spaces with ids
// from FirstPlanSpace upwards.
type Constructor func(c *Common) (Plan, error)

// planRegistry holds registered plans
type planRegistry struct {
	mu    sync.RWMutex
	plans map[string]Constructor
}

var registry = &planRegistry{plans: make(map[string]Constructor)}

// Register adds a plan to the registry
func Register(name string, ctor Constructor) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.plans[name] = ctor
}

// Names returns the registered plan names in order
func Names() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.plans))
	for name := range registry.plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the plan named by cfg.Options.Plan and starts its workers
func New(cfg Config) (Plan, error) {
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	registry.mu.RLock()
	ctor, ok := registry.plans[cfg.Options.Plan]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownPlan, cfg.Options.Plan, strings.Join(Names(), ", "))
	}
	c := newCommon(cfg)
	p, err := ctor(c)
	if err != nil {
		c.Sched.Shutdown()
		return nil, fmt.Errorf("plan %s: %w", cfg.Options.Plan, err)
	}
	c.bind(p)
	return p, nil
}
