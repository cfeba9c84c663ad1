// ABOUTME: Chunk ownership shared by the direct and fragmented address maps
// ABOUTME: Maps memory for claimed chunks and notifies listeners under the map lock

package heap

import (
	"sync"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/fault"
	"github.com/prateek/memkit/options"
)

// Listener observes chunks changing hands. Calls happen with the map lock
// held, so a listener sees every change in order and must not call back
// into the map.
type Listener interface {
	ChunksMapped(space int, start address.Address, chunks int)
	ChunksUnmapped(space int, start address.Address, chunks int)
}

// VMMap assigns heap chunks to spaces.
type VMMap interface {
	Layout() options.Layout
	Memory() *Memory
	AddListener(l Listener)
	// AllocateChunks claims and maps n contiguous chunks for space. It
	// returns address.Zero when no such run is available to the space.
	AllocateChunks(space, n int) address.Address
	// FreeChunks returns a run previously claimed by space.
	FreeChunks(space int, start address.Address, n int)
	// Owner returns the space owning the chunk containing a, or -1.
	Owner(a address.Address) int
	// Chunks returns the chunks currently owned by space.
	Chunks(space int) ChunkSet
	// AvailableChunks returns how many more chunks space could claim.
	AvailableChunks(space int) int
}

// chunkMap is the ownership table both maps are built on.
type chunkMap struct {
	mu        sync.Mutex
	mem       *Memory
	owner     []int16 // space+1, zero when free
	owned     [address.MaxSpaces]int
	listeners []Listener
}

func (c *chunkMap) init(mem *Memory) {
	c.mem = mem
	c.owner = make([]int16, address.MaxChunks)
}

func (c *chunkMap) Memory() *Memory { return c.mem }

func (c *chunkMap) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *chunkMap) Owner(a address.Address) int {
	if !a.InHeap() {
		return -1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.owner[a.ChunkIndex()]) - 1
}

func (c *chunkMap) Chunks(space int) ChunkSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	var set ChunkSet
	for i, o := range c.owner {
		if int(o) == space+1 {
			set = append(set, i)
		}
	}
	return set
}

// claim must be called with mu held
func (c *chunkMap) claim(space, first, n int) address.Address {
	fault.Assert(space >= 0 && space < address.MaxSpaces, "space id %d out of range", space)
	for i := first; i < first+n; i++ {
		if c.owner[i] != 0 {
			fault.Fatalf("chunk %s claimed by space %d is owned by space %d", address.ChunkAt(i), space, c.owner[i]-1)
		}
		c.owner[i] = int16(space + 1)
		c.mem.MapChunk(i)
	}
	c.owned[space] += n
	start := address.ChunkAt(first)
	for _, l := range c.listeners {
		l.ChunksMapped(space, start, n)
	}
	return start
}

// release must be called with mu held
func (c *chunkMap) release(space int, start address.Address, n int) int {
	if !start.InHeap() || !start.IsAligned(address.BytesInChunk) {
		fault.Fatalf("freeing chunk run at bad address %s", start)
	}
	first := start.ChunkIndex()
	for i := first; i < first+n; i++ {
		if int(c.owner[i]) != space+1 {
			fault.Fatalf("space %d frees chunk %s owned by space %d", space, address.ChunkAt(i), c.owner[i]-1)
		}
	}
	for _, l := range c.listeners {
		l.ChunksUnmapped(space, start, n)
	}
	for i := first; i < first+n; i++ {
		c.owner[i] = 0
		c.mem.UnmapChunk(i)
	}
	c.owned[space] -= n
	return first
}

// OwnershipTable returns a copy of the chunk to space table. Free chunks
// are reported as -1.
func (c *chunkMap) OwnershipTable() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := make([]int, len(c.owner))
	for i, o := range c.owner {
		t[i] = int(o) - 1
	}
	return t
}

// findRun returns the first run of n free chunks in [lo, hi), or -1
func (c *chunkMap) findRun(lo, hi, n int) int {
	run := 0
	for i := lo; i < hi; i++ {
		if c.owner[i] != 0 {
			run = 0
			continue
		}
		run++
		if run == n {
			return i - n + 1
		}
	}
	return -1
}

// NewVMMap builds the map selected by layout. The fragmented map's pool holds
// available bytes of chunks.
func NewVMMap(layout options.Layout, mem *Memory, available uint64) VMMap {
	if layout == options.LayoutFragmented {
		return NewFragmentedMap(mem, int(available/address.BytesInChunk))
	}
	return NewDirectMap(mem)
}
