// ABOUTME: Layout of all side metadata tables for one heap
// ABOUTME: Places tables in separate regions or in per-chunk blocks next to the data

package metadata

import (
	"sync"
	"sync/atomic"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/fault"
	"github.com/prateek/memkit/heap"
	"github.com/prateek/memkit/options"
)

// Placement says where table storage lives
type Placement uint8

const (
	// Separate keeps every table in its own region covering the heap
	Separate Placement = iota
	// ChunkLocal keeps all tables of a chunk in the metadata block mapped
	// right after the chunk's data
	ChunkLocal
)

// PlacementFor returns the placement used with a heap layout
func PlacementFor(layout options.Layout) Placement {
	if layout == options.LayoutFragmented {
		return ChunkLocal
	}
	return Separate
}

const maxTables = 64

// Context owns the tables of one heap. Tables are added while the plan is
// built; Freeze fixes the layout before the first chunk is mapped.
type Context struct {
	placement Placement
	mem       *heap.Memory
	vm        heap.VMMap

	mu         sync.Mutex
	tables     []*Table
	registered [address.MaxSpaces]atomic.Uint64 // bitset of table ids per space
	frozen     atomic.Bool

	sanity *sanity
	guard  atomic.Pointer[func() bool]
}

// NewContext creates a context for the heap behind vm and subscribes it to
// chunk mapping changes.
func NewContext(vm heap.VMMap) *Context {
	c := &Context{
		placement: PlacementFor(vm.Layout()),
		mem:       vm.Memory(),
		vm:        vm,
	}
	vm.AddListener(c)
	return c
}

// Placement returns where the context stores tables
func (c *Context) Placement() Placement { return c.placement }

// Add declares a table. Adding the same spec twice returns the same table.
func (c *Context) Add(spec Spec) *Table {
	if err := spec.validate(); err != nil {
		fault.Fatalf("%v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tables {
		if t.Spec == spec {
			return t
		}
		if t.Name == spec.Name {
			fault.Fatalf("metadata spec %s declared twice with different shapes: %s and %s", spec.Name, t.Spec, spec)
		}
	}
	if c.frozen.Load() {
		fault.Fatalf("metadata spec %s added after the layout was frozen", spec)
	}
	if len(c.tables) == maxTables {
		fault.Fatalf("too many metadata specs")
	}
	t := &Table{Spec: spec, ctx: c, id: len(c.tables)}
	if c.placement == Separate {
		t.segments = make([]atomic.Pointer[[]byte], address.MaxChunks)
	}
	c.tables = append(c.tables, t)
	return t
}

// Register makes a local table valid for a space
func (c *Context) Register(t *Table, space int) {
	r := &c.registered[space]
	for {
		old := r.Load()
		if r.CompareAndSwap(old, old|1<<t.id) {
			return
		}
	}
}

// IsRegistered reports whether t is valid for space
func (c *Context) IsRegistered(t *Table, space int) bool {
	return t.Scope == Global || c.registered[space].Load()&(1<<t.id) != 0
}

// Tables returns the declared tables
func (c *Context) Tables() []*Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Table(nil), c.tables...)
}

// Freeze lays out the chunk-local block. No table can be added afterwards.
func (c *Context) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen.Swap(true) {
		return
	}
	if c.placement != ChunkLocal {
		return
	}
	off := 0
	for _, t := range c.tables {
		t.offset = off
		off += t.BytesPerChunk()
	}
	c.mem.SetMetaBytes(off)
}

// ChunkBytes returns the metadata bytes kept per chunk
func (c *Context) ChunkBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tables {
		n += t.BytesPerChunk()
	}
	return n
}

// SetPhaseGuard installs the predicate that says whether phase-exclusive
// fields may be written right now
func (c *Context) SetPhaseGuard(exclusive func() bool) {
	c.guard.Store(&exclusive)
}

// EnableSanity turns on access checking and shadow verification. It must
// be called before any table is used.
func (c *Context) EnableSanity() {
	c.sanity = newSanity(c)
}

func (c *Context) exclusive() bool {
	if g := c.guard.Load(); g != nil {
		return (*g)()
	}
	return true
}

// ChunksMapped provides storage for new chunks
func (c *Context) ChunksMapped(space int, start address.Address, n int) {
	if !c.frozen.Load() {
		fault.Fatalf("chunk %s mapped before the metadata layout was frozen", start)
	}
	if c.placement == Separate {
		for _, t := range c.tables {
			for i := 0; i < n; i++ {
				seg := make([]byte, t.BytesPerChunk())
				t.segments[start.ChunkIndex()+i].Store(&seg)
			}
		}
	}
}

// ChunksUnmapped drops the storage of released chunks
func (c *Context) ChunksUnmapped(space int, start address.Address, n int) {
	if c.placement == Separate {
		for _, t := range c.tables {
			for i := 0; i < n; i++ {
				t.segments[start.ChunkIndex()+i].Store(nil)
			}
		}
	}
	if c.sanity != nil {
		c.sanity.forget(start, start.Add(uintptr(n)*address.BytesInChunk))
	}
}
