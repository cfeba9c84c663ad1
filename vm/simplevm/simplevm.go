// ABOUTME: Small managed runtime that binds to the collector through the vm contract
// ABOUTME: Objects are a header word followed by reference slots and payload; threads stop at safepoints

// Package simplevm is a reference runtime for driving the collector in
// tests and workloads. An object starts with a header word packing its
// size, its reference count and a reference-object flag. Reference
// objects keep their referent in the word after the header, which is not
// scanned. The remaining reference slots follow, then the payload.
//
// Threads run holding a read lock on the world; stopping the world takes
// the write lock, so a thread only stops at Safepoint or while blocked for
// a collection.
package simplevm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/heap"
	"github.com/prateek/memkit/vm"
)

const (
	refShift   = 32
	refMask    = 1<<16 - 1
	isRefBit   = 1 << 48
	headerSize = address.BytesInWord
	// MaxRefs is the largest number of reference slots of one object
	MaxRefs = refMask
)

// ErrTooManyRefs is returned for objects with more than MaxRefs slots
var ErrTooManyRefs = errors.New("too many reference slots")

// Allocator is the allocation entry point of a bound mutator
type Allocator interface {
	Alloc(size, align uintptr, sem alloc.Semantics) (address.Address, error)
}

// VM is the runtime. Its zero value is not usable; call New.
type VM struct {
	mem   *heap.Memory
	world sync.RWMutex

	mu       sync.Mutex
	threads  map[vm.TLS]*Thread
	nextTLS  vm.TLS
	globals  []address.Address
	enqueued []address.Address

	finalizations atomic.Int64
	stops         atomic.Int64
}

// New returns a runtime without threads
func New() *VM {
	return &VM{threads: make(map[vm.TLS]*Thread)}
}

// UseMemory attaches the collector's heap memory
func (v *VM) UseMemory(mem *heap.Memory) { v.mem = mem }

// Memory returns the heap memory the runtime reads objects through
func (v *VM) Memory() *heap.Memory { return v.mem }

// Thread is a runtime thread. Its methods must be called from the
// goroutine that created it.
type Thread struct {
	TLS   vm.TLS
	vm    *VM
	roots []address.Address
}

// NewThread starts a running thread, waiting for a stopped world to resume
func (v *VM) NewThread() *Thread {
	v.world.RLock()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextTLS++
	t := &Thread{TLS: v.nextTLS, vm: v}
	v.threads[t.TLS] = t
	return t
}

// Exit retires t. Unbind its mutator first.
func (t *Thread) Exit() {
	t.vm.mu.Lock()
	delete(t.vm.threads, t.TLS)
	t.vm.mu.Unlock()
	t.vm.world.RUnlock()
}

// Safepoint lets a pending collection stop the thread
func (t *Thread) Safepoint() {
	t.vm.world.RUnlock()
	t.vm.world.RLock()
}

// Blocked runs fn with the thread outside the world, as a call into
// native code would
func (t *Thread) Blocked(fn func()) {
	t.vm.world.RUnlock()
	defer t.vm.world.RLock()
	fn()
}

// Push adds obj to the thread's roots and returns its index
func (t *Thread) Push(obj address.Address) int {
	t.roots = append(t.roots, obj)
	return len(t.roots) - 1
}

// Root returns root i
func (t *Thread) Root(i int) address.Address { return t.roots[i] }

// SetRoot replaces root i
func (t *Thread) SetRoot(i int, obj address.Address) { t.roots[i] = obj }

// Roots returns the number of roots
func (t *Thread) Roots() int { return len(t.roots) }

// Truncate drops every root from index n on
func (t *Thread) Truncate(n int) { t.roots = t.roots[:n] }

// ObjectSize returns the bytes of an object with refs slots and payload
// bytes of data. Reference objects need one more word for the referent.
func ObjectSize(refs int, payload uintptr, reference bool) uintptr {
	size := headerSize + uintptr(refs)*address.BytesInWord + payload
	if reference {
		size += address.BytesInWord
	}
	return address.AlignSize(size, address.MinObjectSize)
}

// New allocates an object with refs null slots and payload bytes of data
func (t *Thread) New(a Allocator, sem alloc.Semantics, refs int, payload uintptr) (address.Address, error) {
	return t.alloc(a, sem, refs, payload, false)
}

// NewReference allocates a reference object pointing at referent. The
// referent slot is not traced; register the object as a reference
// candidate with the collector.
func (t *Thread) NewReference(a Allocator, referent address.Address) (address.Address, error) {
	// the referent is rooted while the allocation may collect
	r := t.Push(referent)
	defer t.Truncate(r)
	obj, err := t.alloc(a, alloc.Default, 0, 0, true)
	if err != nil {
		return obj, err
	}
	t.vm.SetReferent(obj, t.roots[r])
	return obj, nil
}

func (t *Thread) alloc(a Allocator, sem alloc.Semantics, refs int, payload uintptr, reference bool) (address.Address, error) {
	if refs > MaxRefs {
		return address.Zero, fmt.Errorf("%w: %d", ErrTooManyRefs, refs)
	}
	size := ObjectSize(refs, payload, reference)
	obj, err := a.Alloc(size, address.MinObjectSize, sem)
	if err != nil {
		return address.Zero, err
	}
	mem := t.vm.mem
	mem.Zero(obj, size)
	header := uint64(refs)<<refShift | uint64(size)
	if reference {
		header |= isRefBit
	}
	mem.StoreWord(obj, header)
	return obj, nil
}

func (v *VM) header(obj address.Address) uint64 { return v.mem.LoadWord(obj) }

// Refs returns the number of reference slots of obj
func (v *VM) Refs(obj address.Address) int { return int(v.header(obj) >> refShift & refMask) }

// IsReference reports whether obj is a reference object
func (v *VM) IsReference(obj address.Address) bool { return v.header(obj)&isRefBit != 0 }

func (v *VM) firstSlot(obj address.Address) address.Address {
	if v.IsReference(obj) {
		return obj.Add(2 * address.BytesInWord)
	}
	return obj.Add(address.BytesInWord)
}

// Field returns reference slot i of obj
func (v *VM) Field(obj address.Address, i int) vm.Slot {
	if i < 0 || i >= v.Refs(obj) {
		panic(fmt.Sprintf("simplevm: slot %d of %s with %d slots", i, obj, v.Refs(obj)))
	}
	return HeapSlot{mem: v.mem, At: v.firstSlot(obj).Add(uintptr(i) * address.BytesInWord)}
}

// Load reads reference slot i of obj
func (v *VM) Load(obj address.Address, i int) address.Address { return v.Field(obj, i).Load() }

func (v *VM) payload(obj address.Address) address.Address {
	return v.firstSlot(obj).Add(uintptr(v.Refs(obj)) * address.BytesInWord)
}

// PayloadWord reads word i of obj's payload
func (v *VM) PayloadWord(obj address.Address, i int) uint64 {
	return v.mem.LoadWord(v.payload(obj).Add(uintptr(i) * address.BytesInWord))
}

// SetPayloadWord writes word i of obj's payload
func (v *VM) SetPayloadWord(obj address.Address, i int, val uint64) {
	v.mem.StoreWord(v.payload(obj).Add(uintptr(i)*address.BytesInWord), val)
}

// AddGlobal adds a global root and returns its index
func (v *VM) AddGlobal(obj address.Address) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.globals = append(v.globals, obj)
	return len(v.globals) - 1
}

// Global returns global root i
func (v *VM) Global(i int) address.Address {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.globals[i]
}

// SetGlobal replaces global root i
func (v *VM) SetGlobal(i int, obj address.Address) {
	v.mu.Lock()
	v.globals[i] = obj
	v.mu.Unlock()
}

// Enqueued returns and forgets the references the collector cleared
func (v *VM) Enqueued() []address.Address {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.enqueued
	v.enqueued = nil
	return out
}

// Finalizations counts the collector's finalization notifications
func (v *VM) Finalizations() int64 { return v.finalizations.Load() }

// Stops counts how often the world was stopped
func (v *VM) Stops() int64 { return v.stops.Load() }

// HeapSlot is a reference slot inside a heap object
type HeapSlot struct {
	mem *heap.Memory
	At  address.Address
}

func (s HeapSlot) Load() address.Address    { return s.mem.LoadAddress(s.At) }
func (s HeapSlot) Store(a address.Address) { s.mem.StoreAddress(s.At, a) }

// rootSlot is a reference held outside the heap
type rootSlot struct{ p *address.Address }

func (s rootSlot) Load() address.Address    { return *s.p }
func (s rootSlot) Store(a address.Address) { *s.p = a }

// vm.ObjectModel

func (v *VM) Size(obj address.Address) uintptr { return uintptr(uint32(v.header(obj))) }

func (v *VM) ScanObject(obj address.Address, visit func(vm.Slot)) {
	first := v.firstSlot(obj)
	for i, n := 0, v.Refs(obj); i < n; i++ {
		visit(HeapSlot{mem: v.mem, At: first.Add(uintptr(i) * address.BytesInWord)})
	}
}

// vm.Scanning

func (v *VM) ScanMutatorRoots(tls vm.TLS, report func([]vm.Slot)) {
	v.mu.Lock()
	t := v.threads[tls]
	v.mu.Unlock()
	if t == nil {
		return
	}
	slots := make([]vm.Slot, 0, len(t.roots))
	for i := range t.roots {
		if !t.roots[i].IsZero() {
			slots = append(slots, rootSlot{&t.roots[i]})
		}
	}
	if len(slots) > 0 {
		report(slots)
	}
}

func (v *VM) ScanGlobalRoots(report func([]vm.Slot)) {
	v.mu.Lock()
	slots := make([]vm.Slot, 0, len(v.globals))
	for i := range v.globals {
		if !v.globals[i].IsZero() {
			slots = append(slots, rootSlot{&v.globals[i]})
		}
	}
	v.mu.Unlock()
	if len(slots) > 0 {
		report(slots)
	}
}

// vm.Collection

func (v *VM) StopAllMutators(visit func(vm.TLS)) {
	v.world.Lock()
	v.stops.Add(1)
	v.mu.Lock()
	tls := make([]vm.TLS, 0, len(v.threads))
	for id := range v.threads {
		tls = append(tls, id)
	}
	v.mu.Unlock()
	for _, id := range tls {
		visit(id)
	}
}

func (v *VM) ResumeMutators() { v.world.Unlock() }

func (v *VM) BlockForGC(tls vm.TLS, wait func()) {
	v.world.RUnlock()
	defer v.world.RLock()
	wait()
}

func (v *VM) ScheduleFinalization() { v.finalizations.Add(1) }

// vm.ReferenceGlue

func (v *VM) Referent(ref address.Address) address.Address {
	return v.mem.LoadAddress(ref.Add(address.BytesInWord))
}

func (v *VM) SetReferent(ref, referent address.Address) {
	v.mem.StoreAddress(ref.Add(address.BytesInWord), referent)
}

func (v *VM) EnqueueReferences(refs []address.Address) {
	v.mu.Lock()
	v.enqueued = append(v.enqueued, refs...)
	v.mu.Unlock()
}

var (
	_ vm.Binding    = (*VM)(nil)
	_ vm.MemoryUser = (*VM)(nil)
)
