// ABOUTME: Tests for reference clearing, soft retention and delayed finalization
// ABOUTME: A map-backed fake trace stands in for the collector

package refproc

import (
	"testing"

	"github.com/prateek/memkit/address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// world is a fake heap where live maps objects to their post-trace address
type world struct {
	live      map[address.Address]address.Address
	referents map[address.Address]address.Address
	enqueued  []address.Address
	retained  []address.Address
	// shift moves every retained object by this much
	shift uintptr
}

func newWorld() *world {
	return &world{
		live:      make(map[address.Address]address.Address),
		referents: make(map[address.Address]address.Address),
	}
}

func (w *world) GetForwarded(obj address.Address) address.Address {
	return w.live[obj]
}

func (w *world) Retain(obj address.Address) address.Address {
	if to, ok := w.live[obj]; ok {
		return to
	}
	to := obj.Add(w.shift)
	w.live[obj] = to
	w.live[to] = to
	w.retained = append(w.retained, obj)
	return to
}

func (w *world) Referent(ref address.Address) address.Address { return w.referents[ref] }

func (w *world) SetReferent(ref, referent address.Address) { w.referents[ref] = referent }

func (w *world) EnqueueReferences(refs []address.Address) {
	w.enqueued = append(w.enqueued, refs...)
}

// next starts a cycle whose strong closure reached objs without moving them
func (w *world) next(objs ...address.Address) {
	w.live = make(map[address.Address]address.Address)
	w.retained = nil
	for _, o := range objs {
		w.live[o] = o
	}
}

func cycle(p *Processor, w *world, emergency bool) Stats {
	p.BeginCycle()
	p.ScanSoft(w, emergency)
	p.ScanWeak(w, emergency)
	p.ScanFinalizable(w)
	p.ScanPhantom(w)
	return p.EndCycle(nil)
}

const (
	ref1 address.Address = 0x1000
	ref2 address.Address = 0x2000
	obj1 address.Address = 0x9000
	obj2 address.Address = 0xa000
)

func TestWeakReferenceCleared(t *testing.T) {
	w := newWorld()
	p := New(w, false, false)
	w.referents[ref1] = obj1
	w.referents[ref2] = obj2
	p.Add(Weak, ref1)
	p.Add(Weak, ref2)

	w.next(ref1, ref2, obj2)
	stats := cycle(p, w, false)

	assert.Equal(t, address.Zero, w.referents[ref1])
	assert.Equal(t, obj2, w.referents[ref2])
	assert.Equal(t, []address.Address{ref1}, w.enqueued)
	assert.Equal(t, 1, stats.Cleared[Weak])
	refs, _, _ := p.Counts()
	assert.Equal(t, 1, refs[Weak], "the cleared reference is dropped")
}

func TestDeadReferenceObjectDropped(t *testing.T) {
	w := newWorld()
	p := New(w, false, false)
	w.referents[ref1] = obj1
	p.Add(Phantom, ref1)

	w.next(obj1)
	cycle(p, w, false)

	assert.Empty(t, w.enqueued)
	refs, _, _ := p.Counts()
	assert.Zero(t, refs[Phantom])
}

func TestReferentsFollowMovedObjects(t *testing.T) {
	w := newWorld()
	p := New(w, false, false)
	w.referents[ref1] = obj1
	p.Add(Weak, ref1)

	movedRef, movedObj := ref1.Add(0x100), obj1.Add(0x100)
	w.next()
	w.live[ref1] = movedRef
	w.live[obj1] = movedObj
	w.referents[movedRef] = obj1
	cycle(p, w, false)

	assert.Equal(t, movedObj, w.referents[movedRef])
	assert.Empty(t, w.enqueued)
}

func TestSoftReferencesClearOnlyInEmergencies(t *testing.T) {
	w := newWorld()
	p := New(w, false, false)
	w.referents[ref1] = obj1
	p.Add(Soft, ref1)

	w.next(ref1)
	stats := cycle(p, w, false)
	assert.Equal(t, obj1, w.referents[ref1])
	assert.Equal(t, 1, stats.Retained[Soft])
	assert.Equal(t, []address.Address{obj1}, w.retained)

	// Next cycle nothing keeps obj1 alive but the soft reference
	w.next(ref1)
	stats = cycle(p, w, true)
	assert.Equal(t, address.Zero, w.referents[ref1])
	assert.Equal(t, 1, stats.Cleared[Soft])
	assert.Equal(t, []address.Address{ref1}, w.enqueued)
}

func TestStrongModeRetainsEverything(t *testing.T) {
	w := newWorld()
	p := New(w, true, false)
	w.referents[ref1] = obj1
	w.referents[ref2] = obj2
	p.Add(Weak, ref1)
	p.Add(Phantom, ref2)

	w.next(ref1, ref2)
	cycle(p, w, true)

	assert.Empty(t, w.enqueued)
	assert.ElementsMatch(t, []address.Address{obj1, obj2}, w.retained)
}

func TestFinalizationWaitsOneCycle(t *testing.T) {
	w := newWorld()
	p := New(w, false, false)
	p.AddFinalizer(obj1)

	// Reachable: nothing happens
	w.next(obj1)
	cycle(p, w, false)
	_, ok := p.GetFinalized()
	require.False(t, ok)

	// First unreachable cycle: kept alive but not ready
	w.next()
	w.shift = 0x40
	cycle(p, w, false)
	require.Contains(t, w.retained, obj1)
	_, ok = p.GetFinalized()
	require.False(t, ok, "object found unreachable once must not be finalized yet")

	// Second unreachable cycle at its moved address
	at := obj1.Add(0x40)
	w.next()
	stats := cycle(p, w, false)
	assert.Equal(t, 1, stats.Finalizable)
	assert.Contains(t, w.retained, at)

	got, ok := p.GetFinalized()
	require.True(t, ok)
	assert.Equal(t, at.Add(0x40), got)
	_, ok = p.GetFinalized()
	assert.False(t, ok)
}

func TestResurrectedFinalizableStartsOver(t *testing.T) {
	w := newWorld()
	p := New(w, false, false)
	p.AddFinalizer(obj1)

	w.next()
	cycle(p, w, false)
	// Reached strongly again, which clears the unreachable mark
	w.next(obj1)
	cycle(p, w, false)
	w.next()
	cycle(p, w, false)
	_, ok := p.GetFinalized()
	assert.False(t, ok)
	_, pending, _ := p.Counts()
	assert.Equal(t, 1, pending)
}

func TestReadyObjectsStayAlive(t *testing.T) {
	w := newWorld()
	p := New(w, false, false)
	p.AddFinalizer(obj1)
	w.next()
	cycle(p, w, false)
	w.next()
	cycle(p, w, false)

	// Not yet taken by the runtime: a further cycle must keep it alive
	w.next()
	cycle(p, w, false)
	assert.Equal(t, []address.Address{obj1}, w.retained)
	_, _, ready := p.Counts()
	assert.Equal(t, 1, ready)
}

func TestFinalizersDisabled(t *testing.T) {
	w := newWorld()
	p := New(w, false, true)
	p.AddFinalizer(obj1)
	_, pending, _ := p.Counts()
	assert.Zero(t, pending)
}

func TestKindNames(t *testing.T) {
	assert.Equal(t, "soft", Soft.String())
	assert.Equal(t, "phantom", Phantom.String())
	assert.Equal(t, "kind(7)", Kind(7).String())
}
