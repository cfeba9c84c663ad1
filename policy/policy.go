// ABOUTME: Shared tracing contracts and the object forwarding protocol
// ABOUTME: Forwarding state lives in side metadata, the pointer in the old copy's first word

// Package policy implements the closed set of space policies: copying,
// immortal, large object, mark-sweep and region (block and line) spaces.
// Their trace operations are reached through Dispatcher, never through an
// interface call.
package policy

import (
	"runtime"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/heap"
	"github.com/prateek/memkit/metadata"
	"github.com/prateek/memkit/vm"
)

// ObjectQueue receives objects whose fields still need scanning
type ObjectQueue interface {
	Enqueue(obj address.Address)
}

// CopySemantics names the destination of a copied object
type CopySemantics uint8

const (
	// DefaultCopy moves an object within its generation
	DefaultCopy CopySemantics = iota
	// PromoteToMature moves a nursery object to the mature generation
	PromoteToMature
	// Defrag evacuates an object out of a fragmented region block
	Defrag
	NumCopySemantics
)

func (c CopySemantics) String() string {
	switch c {
	case DefaultCopy:
		return "default"
	case PromoteToMature:
		return "promote"
	case Defrag:
		return "defrag"
	}
	return "unknown"
}

// Copier is a worker's copy allocation context
type Copier interface {
	// AllocCopy returns space for a copy of size bytes, or address.Zero
	// when the destination is exhausted.
	AllocCopy(sem CopySemantics, size uintptr) address.Address
	// PostCopy records the new copy in its destination space.
	PostCopy(sem CopySemantics, obj address.Address, size uintptr)
}

// CopyTarget is a space copies can be allocated into
type CopyTarget interface {
	PostCopy(obj address.Address, size uintptr)
}

// Forwarding states kept in metadata.ForwardingBits
const (
	notForwarded   = 0
	beingForwarded = 2
	forwarded      = 3
)

type forwarding struct {
	bits *metadata.Table
	mem  *heap.Memory
}

// attempt claims obj for copying and returns the state it found
func (f forwarding) attempt(obj address.Address) uint64 {
	for {
		if cur := f.bits.Load(obj); cur != notForwarded {
			return cur
		}
		if f.bits.CompareExchange(obj, notForwarded, beingForwarded) {
			return notForwarded
		}
	}
}

// wait spins until another worker finished forwarding obj and returns the
// new location. Zero means the other worker left obj in place.
func (f forwarding) wait(obj address.Address) address.Address {
	for {
		switch f.bits.Load(obj) {
		case forwarded:
			return f.mem.LoadAddress(obj)
		case notForwarded:
			return address.Zero
		}
		runtime.Gosched()
	}
}

// install publishes to as obj's new location
func (f forwarding) install(obj, to address.Address) {
	f.mem.StoreAddress(obj, to)
	f.bits.StoreAtomic(obj, forwarded)
}

// revert gives up a claimed forwarding, leaving the object in place
func (f forwarding) revert(obj address.Address) {
	f.bits.StoreAtomic(obj, notForwarded)
}

func (f forwarding) isForwarded(obj address.Address) bool {
	return f.bits.Load(obj) == forwarded
}

// get returns obj's new location if it was forwarded, else Zero
func (f forwarding) get(obj address.Address) address.Address {
	if f.bits.Load(obj) == forwarded {
		return f.mem.LoadAddress(obj)
	}
	return address.Zero
}

// copyObject forwards obj to a fresh copy. The second result is false when
// the destination had no room; obj is then left unforwarded.
func (f forwarding) copyObject(q ObjectQueue, obj address.Address, sem CopySemantics, c Copier, om vm.ObjectModel) (address.Address, bool) {
	if f.attempt(obj) != notForwarded {
		if to := f.wait(obj); !to.IsZero() {
			return to, true
		}
		return obj, false
	}
	size := om.Size(obj)
	to := c.AllocCopy(sem, size)
	if to.IsZero() {
		f.revert(obj)
		return obj, false
	}
	f.mem.Copy(to, obj, size)
	c.PostCopy(sem, to, size)
	f.install(obj, to)
	q.Enqueue(to)
	return to, true
}

// testAndMark sets obj's mark to state, reporting whether this call did it
func testAndMark(mark *metadata.Table, obj address.Address, state uint64) bool {
	for {
		old := mark.Load(obj)
		if old == state {
			return false
		}
		if mark.CompareExchange(obj, old, state) {
			return true
		}
	}
}
