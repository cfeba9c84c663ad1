// ABOUTME: Thread-local allocators in front of the spaces
// ABOUTME: Picks the allocator kind from the concrete space and groups them per mutator

// Package alloc holds the allocation front-end. Allocators are owned by one
// thread and never lock on their fast path; they fall back to their space
// for fresh memory.
package alloc

import (
	"fmt"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/fault"
	"github.com/prateek/memkit/policy"
	"github.com/prateek/memkit/space"
)

// Semantics says what an allocation needs from the space serving it
type Semantics uint8

const (
	Default Semantics = iota
	Immortal
	Los
	NonMoving
	NumSemantics
)

var semanticsNames = [NumSemantics]string{"default", "immortal", "los", "nonmoving"}

func (s Semantics) String() string {
	if s < NumSemantics {
		return semanticsNames[s]
	}
	return fmt.Sprintf("semantics(%d)", uint8(s))
}

// MaxNonLOSSize is the largest object served outside the large object space
const MaxNonLOSSize = 8 << 10

// Allocator hands out memory from one space
type Allocator interface {
	// Alloc returns size bytes aligned to align, or address.Zero when the
	// space could not provide memory.
	Alloc(size, align uintptr) address.Address
	Space() space.Space
	// Reset drops any memory the allocator holds onto.
	Reset()
}

// New returns the allocator kind matching s
func New(s space.Space, mutator bool) Allocator {
	switch s := s.(type) {
	case *policy.CopySpace, *policy.ImmortalSpace:
		return NewBump(s, mutator)
	case *policy.MarkSweepSpace:
		return NewFreeList(s, mutator)
	case *policy.LargeObjectSpace:
		return NewLargeObject(s, mutator)
	case *policy.RegionSpace:
		return NewRegion(s, mutator)
	}
	fault.Fatalf("no allocator for space %s", s.Base().Name())
	return nil
}

// Mapping assigns a space to every allocation semantics
type Mapping [NumSemantics]space.Space

// Set is a mutator's allocators, one per distinct space of its mapping,
// computed once when the mutator binds.
type Set struct {
	bySemantics [NumSemantics]Allocator
	all         []Allocator
}

// NewSet builds the allocators for m
func NewSet(m Mapping, mutator bool) *Set {
	set := &Set{}
	made := make(map[space.Space]Allocator)
	for sem, s := range m {
		if s == nil {
			continue
		}
		a, ok := made[s]
		if !ok {
			a = New(s, mutator)
			made[s] = a
			set.all = append(set.all, a)
		}
		set.bySemantics[sem] = a
	}
	return set
}

// Allocator returns the allocator serving sem, or nil
func (s *Set) Allocator(sem Semantics) Allocator { return s.bySemantics[sem] }

// Alloc allocates with the allocator of sem
func (s *Set) Alloc(size, align uintptr, sem Semantics) address.Address {
	a := s.bySemantics[sem]
	if a == nil {
		fault.Fatalf("no allocator for %v", sem)
	}
	return a.Alloc(size, align)
}

// PostAlloc records a new object with the space that served it
func (s *Set) PostAlloc(obj address.Address, size uintptr, sem Semantics) {
	s.bySemantics[sem].Space().InitializeObjectMetadata(obj, size)
}

// Reset resets every allocator of the set
func (s *Set) Reset() {
	for _, a := range s.all {
		a.Reset()
	}
}

func objectAlign(align uintptr) uintptr {
	if align < address.MinObjectSize {
		return address.MinObjectSize
	}
	return align
}

// CopyContext is a collector thread's copy allocation state
type CopyContext struct {
	allocs  [policy.NumCopySemantics]Allocator
	targets [policy.NumCopySemantics]policy.CopyTarget
	copied  [policy.NumCopySemantics]uintptr
}

// NewCopyContext creates copy allocators for the given destinations. nil
// entries are semantics the plan never copies with.
func NewCopyContext(dest [policy.NumCopySemantics]space.Space) *CopyContext {
	c := &CopyContext{}
	made := make(map[space.Space]Allocator)
	for sem, s := range dest {
		if s == nil {
			continue
		}
		t, ok := s.(policy.CopyTarget)
		if !ok {
			fault.Fatalf("space %s cannot receive copies", s.Base().Name())
		}
		a, ok := made[s]
		if !ok {
			a = New(s, false)
			made[s] = a
		}
		c.allocs[sem] = a
		c.targets[sem] = t
	}
	return c
}

func (c *CopyContext) AllocCopy(sem policy.CopySemantics, size uintptr) address.Address {
	a := c.allocs[sem]
	if a == nil {
		fault.Fatalf("no copy destination for %v", sem)
	}
	return a.Alloc(size, address.MinObjectSize)
}

func (c *CopyContext) PostCopy(sem policy.CopySemantics, obj address.Address, size uintptr) {
	c.targets[sem].PostCopy(obj, size)
	c.copied[sem] += size
}

// Copied returns the bytes copied with sem since the last Reset
func (c *CopyContext) Copied(sem policy.CopySemantics) uintptr { return c.copied[sem] }

// Reset drops the context's allocation buffers
func (c *CopyContext) Reset() {
	for i, a := range c.allocs {
		if a != nil {
			a.Reset()
		}
		c.copied[i] = 0
	}
}
