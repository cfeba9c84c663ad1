// ABOUTME: Chunk-granularity dispatch table resolving heap addresses to spaces
// ABOUTME: Entries change under the address map lock as chunks are mapped and freed

package space

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/fault"
	"github.com/prateek/memkit/heap"
)

// Table maps every heap chunk to the (kind, id) of the space owning it.
// Lookups are a single atomic load.
type Table struct {
	entries []atomic.Uint32

	mu     sync.Mutex
	kinds  [address.MaxSpaces]Kind
	shrink func() bool
}

// NewTable creates an empty table and subscribes it to vm
func NewTable(vm heap.VMMap) *Table {
	t := &Table{entries: make([]atomic.Uint32, address.MaxChunks)}
	vm.AddListener(t)
	return t
}

func pack(kind Kind, id int) uint32 { return uint32(kind)<<8 | uint32(id) }

// Register declares the kind of the space with the given id
func (t *Table) Register(id int, kind Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.kinds[id] != KindNone {
		fault.Fatalf("space id %d registered twice", id)
	}
	t.kinds[id] = kind
}

// SetShrinkGuard installs the predicate that must hold whenever chunks are
// removed from the table
func (t *Table) SetShrinkGuard(fn func() bool) {
	t.mu.Lock()
	t.shrink = fn
	t.mu.Unlock()
}

// Lookup returns the kind and id of the space owning a. Unmapped addresses
// return KindNone.
func (t *Table) Lookup(a address.Address) (Kind, int) {
	if !a.InHeap() {
		return KindNone, -1
	}
	e := t.entries[a.ChunkIndex()].Load()
	if e == 0 {
		return KindNone, -1
	}
	return Kind(e >> 8), int(e & 0xff)
}

// SpaceID returns the id of the space owning a, or -1
func (t *Table) SpaceID(a address.Address) int {
	_, id := t.Lookup(a)
	return id
}

func (t *Table) ChunksMapped(space int, start address.Address, n int) {
	t.mu.Lock()
	kind := t.kinds[space]
	t.mu.Unlock()
	if kind == KindNone {
		fault.Fatalf("chunks mapped for unregistered space %d", space)
	}
	e := pack(kind, space)
	for i := start.ChunkIndex(); i < start.ChunkIndex()+n; i++ {
		if !t.entries[i].CompareAndSwap(0, e) {
			fault.Fatalf("dispatch entry for chunk %s already set", address.ChunkAt(i))
		}
	}
}

func (t *Table) ChunksUnmapped(space int, start address.Address, n int) {
	t.mu.Lock()
	guard := t.shrink
	t.mu.Unlock()
	if guard != nil && !guard() {
		fault.Fatalf("space %d released chunks at %s outside an exclusive phase", space, start)
	}
	e := pack(t.kinds[space], space)
	for i := start.ChunkIndex(); i < start.ChunkIndex()+n; i++ {
		if !t.entries[i].CompareAndSwap(e, 0) {
			fault.Fatalf("dispatch entry for chunk %s does not name space %d", address.ChunkAt(i), space)
		}
	}
}

// Rebuild recomputes every entry from the chunk ownership of vm
func (t *Table) Rebuild(vm heap.VMMap) {
	fresh := t.compute(vm)
	for i := range t.entries {
		t.entries[i].Store(fresh[i])
	}
}

// Verify compares the table with one rebuilt from vm
func (t *Table) Verify(vm heap.VMMap) error {
	fresh := t.compute(vm)
	for i := range t.entries {
		if got := t.entries[i].Load(); got != fresh[i] {
			return fmt.Errorf("dispatch entry for chunk %s is %#x, ownership says %#x", address.ChunkAt(i), got, fresh[i])
		}
	}
	return nil
}

func (t *Table) compute(vm heap.VMMap) []uint32 {
	t.mu.Lock()
	kinds := t.kinds
	t.mu.Unlock()
	fresh := make([]uint32, len(t.entries))
	for id, kind := range kinds {
		if kind == KindNone {
			continue
		}
		for _, c := range vm.Chunks(id) {
			fresh[c] = pack(kind, id)
		}
	}
	return fresh
}
