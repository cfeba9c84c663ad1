// ABOUTME: Address-indexed side metadata table with plain and atomic operations
// ABOUTME: Sub-word values are updated through CAS on their containing 32-bit word

package metadata

import (
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/fault"
)

// Table is the storage of one declared Spec. Values are indexed by the heap
// address of the granule they describe.
type Table struct {
	Spec
	ctx      *Context
	id       int
	offset   int                       // within the chunk-local block
	segments []atomic.Pointer[[]byte] // per chunk, Separate placement only
}

// segment returns the storage describing a's chunk
func (t *Table) segment(a address.Address) []byte {
	if !a.InHeap() {
		fault.Fatalf("metadata %s accessed for %s outside the heap", t.Name, a)
	}
	idx := a.ChunkIndex()
	if t.ctx.placement == ChunkLocal {
		block := t.ctx.mem.MetaBlock(idx)
		if block == nil {
			return nil
		}
		return block[t.offset : t.offset+t.BytesPerChunk()]
	}
	if p := t.segments[idx].Load(); p != nil {
		return *p
	}
	return nil
}

// IsMapped reports whether a has metadata storage
func (t *Table) IsMapped(a address.Address) bool {
	return a.InHeap() && t.segment(a) != nil
}

func (t *Table) width() uint { return 1 << t.LogBits }

func (t *Table) mask() uint64 {
	if t.LogBits == 6 {
		return ^uint64(0)
	}
	return 1<<t.width() - 1
}

// bitOffset returns the position of a's value within its chunk segment
func (t *Table) bitOffset(a address.Address) uint64 {
	return uint64(a-a.Chunk()) >> t.LogGranule << t.LogBits
}

// word returns the 32-bit container of a sub-word value and its shift
func (t *Table) word(a address.Address) (*uint32, uint) {
	seg := t.segment(a)
	if seg == nil {
		fault.Fatalf("metadata %s is not mapped for %s", t.Name, a)
	}
	off := t.bitOffset(a)
	return (*uint32)(unsafe.Pointer(&seg[off>>5<<2])), uint(off & 31)
}

// word64 returns the storage of a 64-bit value
func (t *Table) word64(a address.Address) *uint64 {
	seg := t.segment(a)
	if seg == nil {
		fault.Fatalf("metadata %s is not mapped for %s", t.Name, a)
	}
	return (*uint64)(unsafe.Pointer(&seg[t.bitOffset(a)>>3]))
}

func (t *Table) load(a address.Address) uint64 {
	if t.LogBits == 6 {
		return atomic.LoadUint64(t.word64(a))
	}
	w, shift := t.word(a)
	return uint64(atomic.LoadUint32(w)>>shift) & t.mask()
}

// update applies fn to the value at a atomically and returns the old and
// resulting values. fn returning false leaves the value unchanged.
func (t *Table) update(a address.Address, fn func(old uint64) (uint64, bool)) (uint64, uint64) {
	if t.LogBits == 6 {
		w := t.word64(a)
		for {
			old := atomic.LoadUint64(w)
			v, ok := fn(old)
			if !ok {
				return old, old
			}
			if atomic.CompareAndSwapUint64(w, old, v) {
				return old, v
			}
		}
	}
	w, shift := t.word(a)
	m := uint32(t.mask()) << shift
	for {
		cur := atomic.LoadUint32(w)
		old := uint64((cur & m) >> shift)
		v, ok := fn(old)
		if !ok {
			return old, old
		}
		v &= t.mask()
		if atomic.CompareAndSwapUint32(w, cur, cur&^m|uint32(v)<<shift) {
			return old, v
		}
	}
}

// store writes the value at a without making the read-modify-write of
// neighbouring values atomic
func (t *Table) store(a address.Address, v uint64) {
	if t.LogBits == 6 {
		*t.word64(a) = v
		return
	}
	w, shift := t.word(a)
	m := uint32(t.mask()) << shift
	*w = *w&^m | uint32(v&t.mask())<<shift
}

// Load reads the value at a
func (t *Table) Load(a address.Address) uint64 {
	if s := t.ctx.sanity; s != nil {
		return s.load(t, a)
	}
	return t.load(a)
}

// LoadAtomic reads the value at a with acquire semantics
func (t *Table) LoadAtomic(a address.Address) uint64 {
	return t.Load(a)
}

// Store writes v at a. It must only be used where no other goroutine can
// touch the neighbouring values, which excludes Atomic fields.
func (t *Table) Store(a address.Address, v uint64) {
	if s := t.ctx.sanity; s != nil {
		s.mutate(t, a, false, func() (uint64, uint64) {
			old := t.load(a)
			t.store(a, v)
			return old, v & t.mask()
		})
		return
	}
	t.store(a, v)
}

// StoreAtomic writes v at a atomically
func (t *Table) StoreAtomic(a address.Address, v uint64) {
	t.apply(a, func(uint64) (uint64, bool) { return v, true })
}

// CompareExchange replaces the value at a with new when it equals old
func (t *Table) CompareExchange(a address.Address, old, v uint64) bool {
	var swapped bool
	t.apply(a, func(cur uint64) (uint64, bool) {
		swapped = cur == old
		return v, swapped
	})
	return swapped
}

// FetchAdd adds delta modulo the value width and returns the old value
func (t *Table) FetchAdd(a address.Address, delta uint64) uint64 {
	return t.apply(a, func(old uint64) (uint64, bool) { return (old + delta) & t.mask(), true })
}

// FetchSub subtracts delta modulo the value width and returns the old value
func (t *Table) FetchSub(a address.Address, delta uint64) uint64 {
	return t.apply(a, func(old uint64) (uint64, bool) { return (old - delta) & t.mask(), true })
}

// FetchOr ors v into the value at a and returns the old value
func (t *Table) FetchOr(a address.Address, v uint64) uint64 {
	return t.apply(a, func(old uint64) (uint64, bool) { return old | v, old|v != old })
}

// FetchAnd ands v into the value at a and returns the old value
func (t *Table) FetchAnd(a address.Address, v uint64) uint64 {
	return t.apply(a, func(old uint64) (uint64, bool) { return old & v, old&v != old })
}

func (t *Table) apply(a address.Address, fn func(uint64) (uint64, bool)) uint64 {
	if s := t.ctx.sanity; s != nil {
		return s.mutate(t, a, true, func() (uint64, uint64) { return t.update(a, fn) })
	}
	old, _ := t.update(a, fn)
	return old
}

// BZero clears the values describing [start, start+size)
func (t *Table) BZero(start address.Address, size uintptr) {
	s := t.ctx.sanity
	end := start.Add(size)
	for a := start; a < end; {
		next := a.Chunk().Add(address.BytesInChunk)
		if next > end {
			next = end
		}
		if s != nil {
			s.bzero(t, a, next)
		} else {
			t.bzero(a, next.Diff(a))
		}
		a = next
	}
}

// bzero clears a range inside a single chunk
func (t *Table) bzero(start address.Address, size uintptr) {
	seg := t.segment(start)
	if seg == nil {
		fault.Fatalf("metadata %s is not mapped for %s", t.Name, start)
	}
	lo := t.bitOffset(start)
	hi := lo + uint64(size)>>t.LogGranule<<t.LogBits
	for lo < hi {
		w := (*uint32)(unsafe.Pointer(&seg[lo>>5<<2]))
		shift := lo & 31
		n := 32 - shift
		if n > hi-lo {
			n = hi - lo
		}
		if shift == 0 && n == 32 {
			atomic.StoreUint32(w, 0)
		} else {
			m := uint32((uint64(1)<<n - 1) << shift)
			for {
				cur := atomic.LoadUint32(w)
				if atomic.CompareAndSwapUint32(w, cur, cur&^m) {
					break
				}
			}
		}
		lo += n
	}
}

// FindSetBits calls fn for the start address of every granule in
// [start, end) with a non-zero value, in address order, until fn returns
// false. Unmapped chunks are skipped.
func (t *Table) FindSetBits(start, end address.Address, fn func(address.Address) bool) {
	for a := start; a < end; {
		next := a.Chunk().Add(address.BytesInChunk)
		if next > end {
			next = end
		}
		if seg := t.segment(a); seg != nil {
			if !t.findInChunk(seg, a, next, fn) {
				return
			}
		}
		a = next
	}
}

func (t *Table) findInChunk(seg []byte, start, end address.Address, fn func(address.Address) bool) bool {
	base := start.Chunk()
	lo, hi := t.bitOffset(start), t.bitOffset(end)
	if end == base.Add(address.BytesInChunk) {
		hi = uint64(address.BytesInChunk) >> t.LogGranule << t.LogBits
	}
	if t.LogBits == 6 {
		for off := lo; off < hi; off += 64 {
			if atomic.LoadUint64((*uint64)(unsafe.Pointer(&seg[off>>3]))) != 0 {
				if !fn(base.Add(uintptr(off>>6) << t.LogGranule)) {
					return false
				}
			}
		}
		return true
	}
	for lo < hi {
		wordStart := lo &^ 31
		v := atomic.LoadUint32((*uint32)(unsafe.Pointer(&seg[wordStart>>3])))
		// Drop values below lo and at or above hi
		v &^= uint32(uint64(1)<<(lo-wordStart) - 1)
		if top := wordStart + 32; top > hi {
			v &= uint32(uint64(1)<<(hi-wordStart) - 1)
		}
		for v != 0 {
			bit := uint64(bits.TrailingZeros32(v))
			// Round down to the value containing the bit
			idx := (wordStart + bit) >> t.LogBits
			if !fn(base.Add(uintptr(idx) << t.LogGranule)) {
				return false
			}
			v &^= uint32(t.mask()) << ((idx << t.LogBits) - wordStart)
		}
		lo = wordStart + 32
	}
	return true
}
