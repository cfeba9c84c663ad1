// ABOUTME: Large object space giving each object its own page run
// ABOUTME: Unmarked objects are swept after a full trace and their pages returned

package policy

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/heap"
	"github.com/prateek/memkit/metadata"
	"github.com/prateek/memkit/space"
)

// LargeObjectSpace holds objects too big for the other spaces. Objects never
// move.
type LargeObjectSpace struct {
	*space.Common
	pr        *heap.FreeListPageResource
	mark      *metadata.Table
	markState atomic.Uint64

	mu      sync.Mutex
	objects map[address.Address]int
}

// NewLargeObjectSpace creates a large object space
func NewLargeObjectSpace(name string, id int, env *space.Env) *LargeObjectSpace {
	s := &LargeObjectSpace{
		Common:  space.NewCommon(name, id, space.KindLargeObject, env),
		objects: make(map[address.Address]int),
	}
	s.pr = heap.NewFreeListPageResource(env.VM, id, s.NewCounter(), 1)
	s.mark = env.Meta.Add(metadata.MarkBit)
	s.RegisterMetadata(s.mark)
	s.markState.Store(1)
	s.Bind(s, s.pr)
	return s
}

func (s *LargeObjectSpace) Base() *space.Common { return s.Common }
func (s *LargeObjectSpace) IsMovable() bool     { return false }

// AllocPages returns a page run for one object
func (s *LargeObjectSpace) AllocPages(pages int, mutator bool) address.Address {
	a := s.Acquire(pages, mutator)
	if !a.IsZero() {
		s.mu.Lock()
		s.objects[a] = pages
		s.mu.Unlock()
	}
	return a
}

func (s *LargeObjectSpace) InitializeObjectMetadata(obj address.Address, _ uintptr) {
	s.mark.StoreAtomic(obj, s.markState.Load())
	s.SetValidObject(obj)
}

func (s *LargeObjectSpace) IsLive(obj address.Address) bool {
	return s.mark.Load(obj) == s.markState.Load()
}

// Prepare flips the mark state before a full trace
func (s *LargeObjectSpace) Prepare(full bool) {
	if full {
		s.markState.Store(1 - s.markState.Load())
	}
}

// Release sweeps objects the full trace did not reach
func (s *LargeObjectSpace) Release(full bool) {
	if !full {
		return
	}
	state := s.markState.Load()
	s.mu.Lock()
	defer s.mu.Unlock()
	for obj, pages := range s.objects {
		if s.mark.Load(obj) == state {
			continue
		}
		s.ClearValidObject(obj)
		s.mark.StoreAtomic(obj, 0)
		delete(s.objects, obj)
		s.pr.ReleasePages(obj, pages)
	}
}

func (s *LargeObjectSpace) TraceObject(q ObjectQueue, obj address.Address) address.Address {
	if testAndMark(s.mark, obj, s.markState.Load()) {
		q.Enqueue(obj)
	}
	return obj
}

// Contains reports whether a lies inside a live large object
func (s *LargeObjectSpace) Contains(a address.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for obj, pages := range s.objects {
		if a >= obj && a < obj.Add(address.PagesToBytes(pages)) {
			return true
		}
	}
	return false
}

// Objects returns the starts of all allocated objects in address order
func (s *LargeObjectSpace) Objects() []address.Address {
	s.mu.Lock()
	out := make([]address.Address, 0, len(s.objects))
	for obj := range s.objects {
		out = append(out, obj)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
