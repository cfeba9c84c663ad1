// ABOUTME: Bump pointer, free-list cell, large object and line allocators
// ABOUTME: Each keeps a thread-local buffer and refills it from its space

package alloc

import (
	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/policy"
	"github.com/prateek/memkit/space"
)

// BumpPages is how much a bump allocator takes from its space at a time
const BumpPages = 8

// BumpAllocator bumps a cursor through page runs of a monotone space
type BumpAllocator struct {
	space   space.Space
	mutator bool
	cursor  address.Address
	limit   address.Address
}

func NewBump(s space.Space, mutator bool) *BumpAllocator {
	return &BumpAllocator{space: s, mutator: mutator}
}

func (a *BumpAllocator) Space() space.Space { return a.space }

func (a *BumpAllocator) Alloc(size, align uintptr) address.Address {
	align = objectAlign(align)
	size = address.AlignSize(size, address.MinObjectSize)
	start := a.cursor.AlignUp(align)
	if a.cursor.IsZero() || start.Add(size) > a.limit {
		pages := BumpPages
		if need := address.BytesToPages(size + align); need > pages {
			pages = need
		}
		buf := a.space.Base().Acquire(pages, a.mutator)
		if buf.IsZero() {
			return address.Zero
		}
		a.cursor, a.limit = buf, buf.Add(address.PagesToBytes(pages))
		start = a.cursor.AlignUp(align)
	}
	a.cursor = start.Add(size)
	return start
}

func (a *BumpAllocator) Reset() {
	a.cursor, a.limit = address.Zero, address.Zero
}

// FreeListAllocator takes free cells out of mark-sweep blocks, one block
// per size class at a time.
type FreeListAllocator struct {
	space   *policy.MarkSweepSpace
	mutator bool
	blocks  []address.Address
	next    []int
}

func NewFreeList(s *policy.MarkSweepSpace, mutator bool) *FreeListAllocator {
	return &FreeListAllocator{
		space:   s,
		mutator: mutator,
		blocks:  make([]address.Address, len(policy.SizeClasses)),
		next:    make([]int, len(policy.SizeClasses)),
	}
}

func (a *FreeListAllocator) Space() space.Space { return a.space }

// class picks the smallest class fitting size whose cells keep align
func class(size, align uintptr) int {
	sc := policy.SizeClassFor(size)
	if sc < 0 {
		return -1
	}
	for ; sc < len(policy.SizeClasses); sc++ {
		if policy.SizeClasses[sc]%align == 0 {
			return sc
		}
	}
	return -1
}

func (a *FreeListAllocator) Alloc(size, align uintptr) address.Address {
	sc := class(size, objectAlign(align))
	if sc < 0 {
		return address.Zero
	}
	cell := policy.SizeClasses[sc]
	cells := int(policy.BytesInMSBlock / cell)
	mem := a.space.Memory()
	for {
		if b := a.blocks[sc]; !b.IsZero() {
			for i := a.next[sc]; i < cells; i++ {
				c := b.Add(uintptr(i) * cell)
				if !a.space.IsValidObject(c) {
					a.next[sc] = i + 1
					mem.Zero(c, cell)
					return c
				}
			}
		}
		b := a.space.AcquireBlock(sc, a.mutator)
		if b.IsZero() {
			return address.Zero
		}
		a.blocks[sc], a.next[sc] = b, 0
	}
}

func (a *FreeListAllocator) Reset() {
	for i := range a.blocks {
		a.blocks[i], a.next[i] = address.Zero, 0
	}
}

// LargeObjectAllocator gives every object its own pages
type LargeObjectAllocator struct {
	space   *policy.LargeObjectSpace
	mutator bool
}

func NewLargeObject(s *policy.LargeObjectSpace, mutator bool) *LargeObjectAllocator {
	return &LargeObjectAllocator{space: s, mutator: mutator}
}

func (a *LargeObjectAllocator) Space() space.Space { return a.space }

// Alloc returns page aligned memory, which satisfies any align up to a page
func (a *LargeObjectAllocator) Alloc(size, _ uintptr) address.Address {
	return a.space.AllocPages(address.BytesToPages(size), a.mutator)
}

func (a *LargeObjectAllocator) Reset() {}

// RegionAllocator bumps through the free lines of region blocks
type RegionAllocator struct {
	space   *policy.RegionSpace
	mutator bool
	block   address.Address
	line    int
	cursor  address.Address
	limit   address.Address
}

func NewRegion(s *policy.RegionSpace, mutator bool) *RegionAllocator {
	return &RegionAllocator{space: s, mutator: mutator}
}

func (a *RegionAllocator) Space() space.Space { return a.space }

func (a *RegionAllocator) Alloc(size, align uintptr) address.Address {
	align = objectAlign(align)
	size = address.AlignSize(size, address.MinObjectSize)
	for {
		if !a.cursor.IsZero() {
			start := a.cursor.AlignUp(align)
			if start.Add(size) <= a.limit {
				a.cursor = start.Add(size)
				return start
			}
		}
		if !a.nextHole() {
			return address.Zero
		}
	}
}

// nextHole moves the buffer to the next hole, taking a new block when the
// current one has none left
func (a *RegionAllocator) nextHole() bool {
	for {
		if !a.block.IsZero() {
			start, end := a.space.NextHole(a.block, a.line)
			if start >= 0 {
				a.cursor = a.block.Add(uintptr(start) * policy.BytesInLine)
				a.limit = a.block.Add(uintptr(end) * policy.BytesInLine)
				a.line = end
				a.space.Memory().Zero(a.cursor, a.limit.Diff(a.cursor))
				return true
			}
		}
		b, _ := a.space.AcquireBlock(a.mutator)
		if b.IsZero() {
			a.Reset()
			return false
		}
		a.block, a.line = b, 0
	}
}

func (a *RegionAllocator) Reset() {
	a.block, a.line = address.Zero, 0
	a.cursor, a.limit = address.Zero, address.Zero
}
