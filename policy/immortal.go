// ABOUTME: Immortal space whose objects are never reclaimed
// ABOUTME: Marks with a flipping mark state so each full trace visits an object once

package policy

import (
	"sync/atomic"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/heap"
	"github.com/prateek/memkit/metadata"
	"github.com/prateek/memkit/space"
)

// ImmortalSpace never frees. Its objects are still traced so everything they
// reach stays alive.
type ImmortalSpace struct {
	*space.Common
	pr        *heap.MonotonePageResource
	mark      *metadata.Table
	markState atomic.Uint64
}

// NewImmortalSpace creates an immortal space
func NewImmortalSpace(name string, id int, env *space.Env) *ImmortalSpace {
	s := &ImmortalSpace{Common: space.NewCommon(name, id, space.KindImmortal, env)}
	s.pr = heap.NewMonotonePageResource(env.VM, id, s.NewCounter())
	s.mark = env.Meta.Add(metadata.MarkBit)
	s.RegisterMetadata(s.mark)
	s.markState.Store(1)
	s.Bind(s, s.pr)
	return s
}

func (s *ImmortalSpace) Base() *space.Common            { return s.Common }
func (s *ImmortalSpace) IsMovable() bool                { return false }
func (s *ImmortalSpace) IsLive(address.Address) bool    { return true }
func (s *ImmortalSpace) Release(bool)                   {}
func (s *ImmortalSpace) Contains(a address.Address) bool { return s.pr.Contains(a) }

// Objects are born marked for the current trace
func (s *ImmortalSpace) InitializeObjectMetadata(obj address.Address, _ uintptr) {
	s.mark.StoreAtomic(obj, s.markState.Load())
	s.SetValidObject(obj)
}

// Prepare flips the mark state before a full trace
func (s *ImmortalSpace) Prepare(full bool) {
	if full {
		s.markState.Store(1 - s.markState.Load())
	}
}

func (s *ImmortalSpace) TraceObject(q ObjectQueue, obj address.Address) address.Address {
	if testAndMark(s.mark, obj, s.markState.Load()) {
		q.Enqueue(obj)
	}
	return obj
}
