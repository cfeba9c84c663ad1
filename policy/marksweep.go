// ABOUTME: Non-moving mark-sweep space of size-segregated blocks
// ABOUTME: Blocks are swept in parallel packets after the trace, empty ones go back to the page resource

package policy

import (
	"sort"
	"sync"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/fault"
	"github.com/prateek/memkit/heap"
	"github.com/prateek/memkit/metadata"
	"github.com/prateek/memkit/space"
)

const (
	LogBytesInMSBlock = 16
	BytesInMSBlock    = 1 << LogBytesInMSBlock
	PagesInMSBlock    = BytesInMSBlock / address.BytesInPage
)

// SizeClasses are the cell sizes of mark-sweep blocks
var SizeClasses = []uintptr{16, 32, 48, 64, 96, 128, 192, 256, 384, 512, 768, 1024, 1536, 2048, 3072, 4096, 6144, 8192}

// MaxCellSize is the largest object a mark-sweep block holds
var MaxCellSize = SizeClasses[len(SizeClasses)-1]

// SizeClassFor returns the smallest class that fits size, or -1
func SizeClassFor(size uintptr) int {
	i := sort.Search(len(SizeClasses), func(i int) bool { return SizeClasses[i] >= size })
	if i == len(SizeClasses) {
		return -1
	}
	return i
}

// blockClass stores size class + 1 per block, 0 for pages that are no block
var blockClass = metadata.Spec{Name: "ms-block-class", Scope: metadata.Local, LogBits: 3, LogGranule: LogBytesInMSBlock, Access: metadata.PhaseExclusive}

// MarkSweepSpace keeps objects in fixed-size cells. A cell is free unless
// its valid object bit is set.
type MarkSweepSpace struct {
	*space.Common
	pr    *heap.FreeListPageResource
	mark  *metadata.Table
	class *metadata.Table

	mu        sync.Mutex
	blocks    map[address.Address]int
	available [][]address.Address
}

// NewMarkSweepSpace creates a mark-sweep space
func NewMarkSweepSpace(name string, id int, env *space.Env) *MarkSweepSpace {
	s := &MarkSweepSpace{
		Common:    space.NewCommon(name, id, space.KindMarkSweep, env),
		blocks:    make(map[address.Address]int),
		available: make([][]address.Address, len(SizeClasses)),
	}
	s.pr = heap.NewFreeListPageResource(env.VM, id, s.NewCounter(), PagesInMSBlock)
	s.mark = env.Meta.Add(metadata.MarkBit)
	s.class = env.Meta.Add(blockClass)
	s.RegisterMetadata(s.mark, s.class)
	s.Bind(s, s.pr)
	return s
}

func (s *MarkSweepSpace) Base() *space.Common { return s.Common }
func (s *MarkSweepSpace) IsMovable() bool     { return false }

func (s *MarkSweepSpace) IsLive(obj address.Address) bool { return s.mark.Load(obj) != 0 }

func (s *MarkSweepSpace) InitializeObjectMetadata(obj address.Address, _ uintptr) {
	s.SetValidObject(obj)
}

// AcquireBlock hands an allocator a block of class sc holding at least one
// free cell. The allocator owns it until the next collection.
func (s *MarkSweepSpace) AcquireBlock(sc int, mutator bool) address.Address {
	s.mu.Lock()
	if n := len(s.available[sc]); n > 0 {
		b := s.available[sc][n-1]
		s.available[sc] = s.available[sc][:n-1]
		s.mu.Unlock()
		return b
	}
	s.mu.Unlock()

	b := s.Acquire(PagesInMSBlock, mutator)
	if b.IsZero() {
		return b
	}
	s.class.StoreAtomic(b, uint64(sc+1))
	s.mu.Lock()
	s.blocks[b] = sc
	s.mu.Unlock()
	return b
}

// BlockClass returns the size class of the block holding a, or -1
func (s *MarkSweepSpace) BlockClass(a address.Address) int {
	return int(s.class.Load(a.AlignDown(BytesInMSBlock))) - 1
}

func (s *MarkSweepSpace) TraceObject(q ObjectQueue, obj address.Address) address.Address {
	if s.mark.CompareExchange(obj, 0, 1) {
		q.Enqueue(obj)
	}
	return obj
}

func (s *MarkSweepSpace) Prepare(bool) {}

// Release forgets the available lists. SweepBlock rebuilds them.
func (s *MarkSweepSpace) Release(bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.available {
		s.available[i] = s.available[i][:0]
	}
}

// Blocks returns every block of the space in address order
func (s *MarkSweepSpace) Blocks() []address.Address {
	s.mu.Lock()
	out := make([]address.Address, 0, len(s.blocks))
	for b := range s.blocks {
		out = append(out, b)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SweepBlock frees the unmarked cells of b and clears its marks. It returns
// the number of live cells. Empty blocks go back to the page resource.
func (s *MarkSweepSpace) SweepBlock(b address.Address) int {
	sc := s.BlockClass(b)
	if sc < 0 {
		fault.Fatalf("%s: sweeping %s, which is not a block", s.Name(), b)
	}
	cell := SizeClasses[sc]
	cells := int(BytesInMSBlock / cell)
	live := 0
	for i := 0; i < cells; i++ {
		c := b.Add(uintptr(i) * cell)
		if s.VO.Load(c) == 0 {
			continue
		}
		if s.mark.Load(c) != 0 {
			live++
		} else {
			s.ClearValidObject(c)
		}
	}
	s.mark.BZero(b, BytesInMSBlock)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case live == 0:
		delete(s.blocks, b)
		s.class.StoreAtomic(b, 0)
		s.pr.ReleasePages(b, PagesInMSBlock)
	case live < cells:
		s.available[sc] = append(s.available[sc], b)
	}
	return live
}

// Contains reports whether a lies inside one of the space's blocks
func (s *MarkSweepSpace) Contains(a address.Address) bool {
	s.mu.Lock()
	_, ok := s.blocks[a.AlignDown(BytesInMSBlock)]
	s.mu.Unlock()
	return ok
}
