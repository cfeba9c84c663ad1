// ABOUTME: Write barriers run on every reference store a mutator makes
// ABOUTME: The object barrier remembers an object the first time it is written after being logged

package plan

import (
	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/metadata"
	"github.com/prateek/memkit/vm"
)

// Barrier intercepts reference writes
type Barrier interface {
	ObjectReferenceWrite(src address.Address, slot vm.Slot, target address.Address)
	// Flush hands buffered state to the plan.
	Flush()
}

// NoBarrier stores without recording anything
type NoBarrier struct{}

func (NoBarrier) ObjectReferenceWrite(_ address.Address, slot vm.Slot, target address.Address) {
	slot.Store(target)
}

func (NoBarrier) Flush() {}

// ObjectBarrier records each logged source object once. An object's log bit
// is 1 while it is not remembered; the first write clears it and buffers
// the object for the sink.
type ObjectBarrier struct {
	log  *metadata.Table
	sink func([]address.Address)
	buf  []address.Address
}

// NewObjectBarrier returns a barrier logging through the log bit table
func NewObjectBarrier(log *metadata.Table, sink func([]address.Address)) *ObjectBarrier {
	return &ObjectBarrier{log: log, sink: sink}
}

func (b *ObjectBarrier) ObjectReferenceWrite(src address.Address, slot vm.Slot, target address.Address) {
	if b.log.LoadAtomic(src) == 1 && b.log.CompareExchange(src, 1, 0) {
		b.buf = append(b.buf, src)
		if len(b.buf) >= batchSize {
			b.Flush()
		}
	}
	slot.Store(target)
}

func (b *ObjectBarrier) Flush() {
	if len(b.buf) == 0 {
		return
	}
	b.sink(b.buf)
	b.buf = nil
}
