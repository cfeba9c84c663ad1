// ABOUTME: Observational hooks counting objects by size class and capturing heap snapshots
// ABOUTME: Allocation is sampled by a hook; live objects are walked at the end of closure

// Package analysis watches a running plan without influencing it. A
// Manager counts allocations per size class, walks the strongly reachable
// heap at the end of every closure and, on request, keeps that walk as a
// snapshot graph.
package analysis

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/analysis/snapshot"
	"github.com/prateek/memkit/plan"
	"github.com/prateek/memkit/policy"
	"github.com/prateek/memkit/scheduler"
	"github.com/prateek/memkit/stats"
	"github.com/prateek/memkit/vm"
)

// NumClasses is the number of size classes; the last one holds every
// object larger than the biggest mark-sweep cell
var NumClasses = len(policy.SizeClasses) + 1

// ClassOf returns the size class of an object of size bytes
func ClassOf(size uintptr) int {
	if sc := policy.SizeClassFor(size); sc >= 0 {
		return sc
	}
	return NumClasses - 1
}

// maxSize is the upper bound of class sc; 0 for the open-ended class
func maxSize(sc int) uint64 {
	if sc < len(policy.SizeClasses) {
		return uint64(policy.SizeClasses[sc])
	}
	return 0
}

type counter struct {
	objects atomic.Int64
	bytes   atomic.Int64
}

// Manager holds the counters of one plan
type Manager struct {
	c      *plan.Common
	logger *slog.Logger

	allocs []counter

	mu       sync.Mutex
	live     []stats.SizeClassReport
	sampled  uint64
	want     bool
	snapshot *snapshot.MemGraph
}

// New attaches a manager to c. It must be called before mutators are bound.
func New(c *plan.Common) *Manager {
	m := &Manager{
		c:      c,
		logger: c.Logger.With(slog.String("component", "analysis")),
		allocs: make([]counter, NumClasses),
		live:   make([]stats.SizeClassReport, NumClasses),
	}
	c.AddAllocHook(m.allocated)
	c.Sched.Observe(scheduler.Closure, m.endOfClosure)
	c.Stats.ReportSizeClasses(m.Classes)
	return m
}

func (m *Manager) allocated(_ address.Address, size uintptr, _ alloc.Semantics) {
	a := &m.allocs[ClassOf(size)]
	a.objects.Add(1)
	a.bytes.Add(int64(size))
}

// RequestSnapshot makes the next closure keep its walk as a snapshot
func (m *Manager) RequestSnapshot() {
	m.mu.Lock()
	m.want = true
	m.mu.Unlock()
}

// TakeSnapshot returns the last requested snapshot and forgets it
func (m *Manager) TakeSnapshot() *snapshot.MemGraph {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.snapshot
	m.snapshot = nil
	return g
}

// Sampled returns the number of closures walked
func (m *Manager) Sampled() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sampled
}

// roots loads every root slot of the stopped world
func (m *Manager) roots() []address.Address {
	var out []address.Address
	report := func(slots []vm.Slot) {
		for _, s := range slots {
			out = append(out, s.Load())
		}
	}
	for _, mu := range m.c.Stopped() {
		m.c.Binding.ScanMutatorRoots(mu.TLS, report)
	}
	m.c.Binding.ScanGlobalRoots(report)
	return out
}

func (m *Manager) spaceOf(a address.Address) string {
	if s := m.c.Dispatch.Space(a); s != nil {
		return s.Base().Name()
	}
	return ""
}

// endOfClosure runs with every worker idle and the world stopped
func (m *Manager) endOfClosure() {
	g := snapshot.Capture(m.c.Binding, m.roots(), m.spaceOf)
	live := make([]stats.SizeClassReport, NumClasses)
	g.ForEachObject(func(o *snapshot.Object) {
		l := &live[ClassOf(uintptr(o.Size))]
		l.LiveObjects++
		l.LiveBytes += int64(o.Size)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = live
	m.sampled++
	if m.want {
		m.want = false
		m.snapshot = g
		m.logger.Debug("snapshot captured", slog.Int("objects", g.NumObjects()),
			slog.Int("roots", len(g.GetRoots().IDs)))
	}
}

// Classes returns the counters of every class that saw an object
func (m *Manager) Classes() []stats.SizeClassReport {
	m.mu.Lock()
	live := m.live
	m.mu.Unlock()
	var out []stats.SizeClassReport
	for sc := 0; sc < NumClasses; sc++ {
		r := stats.SizeClassReport{
			MaxSize:      maxSize(sc),
			AllocObjects: m.allocs[sc].objects.Load(),
			AllocBytes:   m.allocs[sc].bytes.Load(),
			LiveObjects:  live[sc].LiveObjects,
			LiveBytes:    live[sc].LiveBytes,
		}
		if r.AllocObjects > 0 || r.LiveObjects > 0 {
			out = append(out, r)
		}
	}
	return out
}

// Spaces returns the live bytes per space found by a snapshot
func Spaces(g snapshot.Graph) map[string]uint64 {
	out := make(map[string]uint64)
	g.ForEachObject(func(o *snapshot.Object) { out[o.Space] += o.Size })
	return out
}

// SpaceNames returns the keys of Spaces in order
func SpaceNames(bySpace map[string]uint64) []string {
	names := make([]string, 0, len(bySpace))
	for k := range bySpace {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
