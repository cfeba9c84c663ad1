// ABOUTME: Boundary contract between the collector and the hosting runtime
// ABOUTME: The runtime supplies object layout, roots, safepoints and reference glue

// Package vm declares what a hosting runtime must provide. The collector
// never interprets object layouts itself: it asks the runtime for sizes and
// reference slots and copies objects as opaque bytes.
package vm

import (
	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/heap"
)

// TLS identifies a runtime thread
type TLS uint64

// Slot is a location holding a reference, inside a heap object or a root
type Slot interface {
	Load() address.Address
	Store(address.Address)
}

// ObjectModel describes objects
type ObjectModel interface {
	// Size returns the number of bytes obj occupies, header included.
	Size(obj address.Address) uintptr
	// ScanObject calls visit for every reference slot of obj.
	ScanObject(obj address.Address, visit func(Slot))
}

// Scanning enumerates roots while the world is stopped
type Scanning interface {
	ScanMutatorRoots(tls TLS, report func([]Slot))
	ScanGlobalRoots(report func([]Slot))
}

// Collection controls mutator threads
type Collection interface {
	// StopAllMutators returns once every mutator is at a safepoint,
	// calling visit for each stopped mutator.
	StopAllMutators(visit func(TLS))
	ResumeMutators()
	// BlockForGC parks the calling mutator outside its safepoint while
	// wait runs, then lets it continue.
	BlockForGC(tls TLS, wait func())
	// ScheduleFinalization tells the runtime objects are ready for finalization.
	ScheduleFinalization()
}

// ReferenceGlue accesses runtime reference objects
type ReferenceGlue interface {
	Referent(ref address.Address) address.Address
	SetReferent(ref, referent address.Address)
	// EnqueueReferences hands cleared references back to the runtime.
	EnqueueReferences(refs []address.Address)
}

// MemoryUser is implemented by bindings that read objects through the
// engine's heap memory. UseMemory is called before any other callback.
type MemoryUser interface {
	UseMemory(mem *heap.Memory)
}

// Binding is everything a runtime implements
type Binding interface {
	ObjectModel
	Scanning
	Collection
	ReferenceGlue
}
