// ABOUTME: Copying space over a monotone page resource
// ABOUTME: Live objects of a from-space are evacuated and the whole space is reset at release

package policy

import (
	"sync/atomic"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/fault"
	"github.com/prateek/memkit/heap"
	"github.com/prateek/memkit/metadata"
	"github.com/prateek/memkit/space"
	"github.com/prateek/memkit/vm"
)

// CopySpace allocates by bumping and collects by evacuation. While it is a
// from-space every object it holds either gets forwarded or dies.
type CopySpace struct {
	*space.Common
	pr        *heap.MonotonePageResource
	fwd       forwarding
	om        vm.ObjectModel
	fromSpace atomic.Bool
	// Survivors says where evacuated objects go
	Survivors CopySemantics
	// LogBits, when set, marks every copy as not yet remembered
	LogBits *metadata.Table
}

// NewCopySpace creates a copying space
func NewCopySpace(name string, id int, env *space.Env, om vm.ObjectModel, fromSpace bool) *CopySpace {
	s := &CopySpace{Common: space.NewCommon(name, id, space.KindCopy, env), om: om}
	s.pr = heap.NewMonotonePageResource(env.VM, id, s.NewCounter())
	s.fwd = forwarding{bits: env.Meta.Add(metadata.ForwardingBits), mem: env.VM.Memory()}
	s.RegisterMetadata(s.fwd.bits)
	s.fromSpace.Store(fromSpace)
	s.Bind(s, s.pr)
	return s
}

func (s *CopySpace) Base() *space.Common { return s.Common }
func (s *CopySpace) IsMovable() bool     { return true }

// IsFromSpace reports whether the space is being evacuated
func (s *CopySpace) IsFromSpace() bool { return s.fromSpace.Load() }

// SetFromSpace flips the space's role for the next collection
func (s *CopySpace) SetFromSpace(from bool) { s.fromSpace.Store(from) }

// IsLive reports whether obj survives: to-space objects always do, from-space
// objects only once forwarded.
func (s *CopySpace) IsLive(obj address.Address) bool {
	if !s.IsFromSpace() {
		return true
	}
	return s.fwd.isForwarded(obj)
}

func (s *CopySpace) InitializeObjectMetadata(obj address.Address, _ uintptr) {
	s.SetValidObject(obj)
}

// PostCopy records a copy allocated in this space
func (s *CopySpace) PostCopy(obj address.Address, _ uintptr) {
	s.SetValidObject(obj)
	if s.LogBits != nil {
		s.LogBits.StoreAtomic(obj, 1)
	}
}

func (s *CopySpace) Prepare(bool) {}

// Release returns every page of a from-space. Metadata of the released
// chunks goes with them, forwarding state included.
func (s *CopySpace) Release(bool) {
	if s.IsFromSpace() {
		s.pr.Reset()
	}
}

// Contains reports whether a lies in pages handed out by this space
func (s *CopySpace) Contains(a address.Address) bool { return s.pr.Contains(a) }

// TraceObject returns obj's surviving location, copying it on first visit
func (s *CopySpace) TraceObject(q ObjectQueue, obj address.Address, c Copier) address.Address {
	if !s.IsFromSpace() {
		return obj
	}
	to, ok := s.fwd.copyObject(q, obj, s.Survivors, c, s.om)
	if !ok {
		fault.Fatalf("%s: no room to evacuate %s", s.Name(), obj)
	}
	return to
}

// GetForwarded returns obj's new location once traced, or Zero if it died
func (s *CopySpace) GetForwarded(obj address.Address) address.Address {
	if !s.IsFromSpace() {
		return obj
	}
	return s.fwd.get(obj)
}

// Objects calls fn for every valid object in the space until fn returns false
func (s *CopySpace) Objects(fn func(address.Address) bool) {
	stop := false
	s.pr.Extent(func(start, end address.Address) {
		if stop {
			return
		}
		s.VO.FindSetBits(start, end, func(a address.Address) bool {
			if !fn(a) {
				stop = true
			}
			return !stop
		})
	})
}
