// ABOUTME: Page resources: the per-space sources of fresh pages
// ABOUTME: Monotone resources bump through chunks, free-list resources recycle page runs

package heap

import (
	"math/bits"
	"sort"
	"sync"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/fault"
)

// PageResource hands out page runs to one space. The caller reserves pages
// on the resource's counter before calling Allocate; Allocate commits them.
type PageResource interface {
	Counter() *PageCounter
	// Allocate returns the start of pages zeroed pages, or address.Zero.
	Allocate(pages int) address.Address
	// AvailablePages bounds the pages the resource could still hand out.
	AvailablePages() int
}

// MonotonePageResource bumps a cursor through chunks claimed from the map.
// Pages are only returned all at once by Reset.
type MonotonePageResource struct {
	mu      sync.Mutex
	vm      VMMap
	space   int
	counter *PageCounter
	cursor  address.Address
	limit   address.Address
	runs    []monoRun
}

// monoRun is a claimed chunk run and the end of its allocated part once
// the cursor has moved on
type monoRun struct {
	Run
	top address.Address
}

// NewMonotonePageResource creates a monotone resource for space
func NewMonotonePageResource(vm VMMap, space int, counter *PageCounter) *MonotonePageResource {
	return &MonotonePageResource{vm: vm, space: space, counter: counter}
}

func (p *MonotonePageResource) Counter() *PageCounter { return p.counter }

func (p *MonotonePageResource) Allocate(pages int) address.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	size := address.PagesToBytes(pages)
	if p.cursor.IsZero() || p.cursor.Add(size) > p.limit {
		n := address.ChunksForPages(pages)
		start := p.vm.AllocateChunks(p.space, n)
		if start.IsZero() {
			return address.Zero
		}
		if start != p.limit || p.cursor.IsZero() {
			if k := len(p.runs); k > 0 {
				p.runs[k-1].top = p.cursor
			}
			p.cursor = start
		}
		p.runs = append(p.runs, monoRun{Run: Run{First: start.ChunkIndex(), Len: n}})
		p.limit = start.Add(uintptr(n) * address.BytesInChunk)
	}
	rtn := p.cursor
	p.cursor = p.cursor.Add(size)
	p.counter.Commit(pages)
	return rtn
}

func (p *MonotonePageResource) AvailablePages() int {
	p.mu.Lock()
	tail := 0
	if !p.cursor.IsZero() {
		tail = int(p.limit.Diff(p.cursor) >> address.LogBytesInPage)
	}
	p.mu.Unlock()
	return tail + p.vm.AvailableChunks(p.space)*address.PagesInChunk
}

// Contains reports whether a lies in a chunk this resource claimed
func (p *MonotonePageResource) Contains(a address.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !a.InHeap() {
		return false
	}
	c := a.ChunkIndex()
	for _, r := range p.runs {
		if c >= r.First && c < r.End() {
			return true
		}
	}
	return false
}

// Extent returns the allocated range of every chunk run, in allocation order
func (p *MonotonePageResource) Extent(fn func(start, end address.Address)) {
	p.mu.Lock()
	runs := append([]monoRun(nil), p.runs...)
	cursor := p.cursor
	p.mu.Unlock()
	for i, r := range runs {
		start, end := address.ChunkAt(r.First), r.top
		if i == len(runs)-1 {
			end = cursor
		} else if end.IsZero() {
			// Continued contiguously by the next run
			end = address.ChunkAt(r.End())
		}
		fn(start, end)
	}
}

// Reset returns every chunk to the map and releases the committed pages
func (p *MonotonePageResource) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.runs {
		p.vm.FreeChunks(p.space, address.ChunkAt(r.First), r.Len)
	}
	p.runs = p.runs[:0]
	p.cursor, p.limit = address.Zero, address.Zero
	p.counter.Release(p.counter.Committed())
}

const pageWords = address.PagesInChunk / 64

// chunkPages tracks which pages of a chunk are in use
type chunkPages struct {
	used [pageWords]uint64
	free int
}

func (c *chunkPages) isSet(i int) bool { return c.used[i/64]&(1<<(i%64)) != 0 }

func (c *chunkPages) set(first, n int, v bool) {
	for i := first; i < first+n; i++ {
		if v {
			c.used[i/64] |= 1 << (i % 64)
		} else {
			c.used[i/64] &^= 1 << (i % 64)
		}
	}
	if v {
		c.free -= n
	} else {
		c.free += n
	}
}

// find returns the first free run of n pages starting at a multiple of
// align, or -1
func (c *chunkPages) find(n, align int) int {
	for i := 0; i+n <= address.PagesInChunk; {
		j := i
		for j < i+n && !c.isSet(j) {
			j++
		}
		if j == i+n {
			return i
		}
		// Skip past the used page, keeping alignment
		i = (j + align) / align * align
	}
	return -1
}

// FreeListPageResource hands out page runs inside its chunks and takes them
// back individually. Requests larger than a chunk get dedicated chunk runs.
type FreeListPageResource struct {
	mu      sync.Mutex
	vm      VMMap
	space   int
	counter *PageCounter
	align   int
	chunks  map[int]*chunkPages
	order   []int // chunk indices in chunks, sorted
	large   map[address.Address]int
}

// NewFreeListPageResource creates a free-list resource whose page runs start
// at multiples of alignPages within a chunk.
func NewFreeListPageResource(vm VMMap, space int, counter *PageCounter, alignPages int) *FreeListPageResource {
	if alignPages < 1 || bits.OnesCount(uint(alignPages)) != 1 || alignPages > address.PagesInChunk {
		fault.Fatalf("bad page alignment %d", alignPages)
	}
	return &FreeListPageResource{
		vm:      vm,
		space:   space,
		counter: counter,
		align:   alignPages,
		chunks:  make(map[int]*chunkPages),
		large:   make(map[address.Address]int),
	}
}

func (p *FreeListPageResource) Counter() *PageCounter { return p.counter }

func (p *FreeListPageResource) Allocate(pages int) address.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pages > address.PagesInChunk {
		n := address.ChunksForPages(pages)
		start := p.vm.AllocateChunks(p.space, n)
		if start.IsZero() {
			return address.Zero
		}
		p.large[start] = n
		p.counter.Commit(pages)
		return start
	}

	for _, idx := range p.order {
		c := p.chunks[idx]
		if c.free < pages {
			continue
		}
		if i := c.find(pages, p.align); i >= 0 {
			return p.take(idx, c, i, pages)
		}
	}

	start := p.vm.AllocateChunks(p.space, 1)
	if start.IsZero() {
		return address.Zero
	}
	idx := start.ChunkIndex()
	c := &chunkPages{free: address.PagesInChunk}
	p.chunks[idx] = c
	i := sort.SearchInts(p.order, idx)
	p.order = append(p.order, 0)
	copy(p.order[i+1:], p.order[i:])
	p.order[i] = idx
	return p.take(idx, c, 0, pages)
}

func (p *FreeListPageResource) take(idx int, c *chunkPages, first, pages int) address.Address {
	c.set(first, pages, true)
	p.counter.Commit(pages)
	start := address.ChunkAt(idx).Add(address.PagesToBytes(first))
	// Recycled pages may hold stale objects
	p.vm.Memory().Zero(start, address.PagesToBytes(pages))
	return start
}

// ReleasePages returns a run previously handed out. A chunk whose pages are
// all free goes back to the map.
func (p *FreeListPageResource) ReleasePages(start address.Address, pages int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.large[start]; ok {
		delete(p.large, start)
		p.vm.FreeChunks(p.space, start, n)
		p.counter.Release(pages)
		return
	}
	idx := start.ChunkIndex()
	c, ok := p.chunks[idx]
	if !ok {
		fault.Fatalf("releasing pages at %s outside the resource", start)
	}
	first := int(start.Diff(start.Chunk()) >> address.LogBytesInPage)
	for i := first; i < first+pages; i++ {
		if !c.isSet(i) {
			fault.Fatalf("releasing free page %d of chunk %s", i, start.Chunk())
		}
	}
	c.set(first, pages, false)
	p.counter.Release(pages)
	if c.free == address.PagesInChunk {
		delete(p.chunks, idx)
		i := sort.SearchInts(p.order, idx)
		p.order = append(p.order[:i], p.order[i+1:]...)
		p.vm.FreeChunks(p.space, start.Chunk(), 1)
	}
}

func (p *FreeListPageResource) AvailablePages() int {
	p.mu.Lock()
	free := 0
	for _, c := range p.chunks {
		free += c.free
	}
	p.mu.Unlock()
	return free + p.vm.AvailableChunks(p.space)*address.PagesInChunk
}

// Chunks returns the number of chunks the resource owns
func (p *FreeListPageResource) Chunks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.chunks)
	for _, k := range p.large {
		n += k
	}
	return n
}
