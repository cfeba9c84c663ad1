// ABOUTME: Mutator front-end: allocation with collection on failure and reference writes
// ABOUTME: Each runtime thread owns one Mutator and its allocators

package plan

import (
	"fmt"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/fault"
	"github.com/prateek/memkit/vm"
)

// Mutator is a runtime thread bound to the collector. It is used by its
// thread only, except while the world is stopped.
type Mutator struct {
	TLS vm.TLS

	c       *Common
	allocs  *alloc.Set
	barrier Barrier
}

// Alloc returns a new object of size bytes. A failed allocation triggers a
// collection and is retried; the second retry runs an emergency collection.
func (m *Mutator) Alloc(size, align uintptr, sem alloc.Semantics) (address.Address, error) {
	if sem == alloc.Default && size > alloc.MaxNonLOSSize {
		sem = alloc.Los
	}
	for failures := 0; ; failures++ {
		obj := m.allocs.Alloc(size, align, sem)
		if !obj.IsZero() {
			m.postAlloc(obj, size, sem)
			return obj, nil
		}
		if m.c.NoCollection || failures == 2 {
			return address.Zero, fmt.Errorf("%w: %d bytes of %v in plan %s",
				ErrOutOfMemory, size, sem, m.c.plan.Name())
		}
		if failures == 1 {
			m.c.RequireEmergency()
		}
		m.c.waitForCollection(m, "allocation-failure")
	}
}

func (m *Mutator) postAlloc(obj address.Address, size uintptr, sem alloc.Semantics) {
	m.allocs.PostAlloc(obj, size, sem)
	m.c.plan.PostAlloc(m, obj, size, sem)
	m.c.Stats.Allocated(size)
	for _, h := range m.c.allocHooks {
		h(obj, size, sem)
	}
	if m.c.Options.SanityChecks {
		want := m.allocs.Allocator(sem).Space()
		fault.Assert(m.c.Dispatch.Space(obj) == want, "%s allocated for %v is outside %s", obj, sem, want.Base().Name())
	}
}

// WriteRef stores target into slot of src through the plan's barrier
func (m *Mutator) WriteRef(src address.Address, slot vm.Slot, target address.Address) {
	m.barrier.ObjectReferenceWrite(src, slot, target)
}

// ReadRef loads slot. No plan needs a read barrier.
func (m *Mutator) ReadRef(slot vm.Slot) address.Address { return slot.Load() }

// Allocators returns the allocators of m
func (m *Mutator) Allocators() *alloc.Set { return m.allocs }

// rebind resets the allocators and rebuilds them over the plan's current
// mapping
func (m *Mutator) rebind() {
	m.allocs.Reset()
	m.allocs = alloc.NewSet(m.c.plan.AllocatorMapping(), true)
}
