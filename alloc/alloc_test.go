// ABOUTME: Tests for the allocators and allocator sets
// ABOUTME: Runs each allocator against a real space over a direct or fragmented map

package alloc

import (
	"testing"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/heap"
	"github.com/prateek/memkit/metadata"
	"github.com/prateek/memkit/policy"
	"github.com/prateek/memkit/space"
	"github.com/prateek/memkit/vm"
)

type noPoll struct{}

func (noPoll) Poll(bool, space.Space) bool { return false }

type sizeModel struct{ mem *heap.Memory }

func (m sizeModel) Size(obj address.Address) uintptr { return uintptr(uint32(m.mem.LoadWord(obj))) }
func (m sizeModel) ScanObject(address.Address, func(vm.Slot)) {}

func newEnv(m heap.VMMap) *space.Env {
	return &space.Env{
		VM:         m,
		Accounting: &heap.Accounting{},
		Meta:       metadata.NewContext(m),
		Table:      space.NewTable(m),
		Poller:     noPoll{},
	}
}

func TestSetSharesAllocators(t *testing.T) {
	m := heap.NewDirectMap(heap.NewMemory(nil, 0, nil))
	env := newEnv(m)
	cs := policy.NewCopySpace("copy", 0, env, sizeModel{m.Memory()}, false)
	imm := policy.NewImmortalSpace("immortal", 1, env)
	los := policy.NewLargeObjectSpace("los", 2, env)
	env.Meta.Freeze()

	set := NewSet(Mapping{Default: cs, Immortal: imm, NonMoving: imm, Los: los}, true)
	if set.Allocator(Immortal) != set.Allocator(NonMoving) {
		t.Error("semantics served by one space share its allocator")
	}
	if len(set.all) != 3 {
		t.Errorf("%d allocators, want 3", len(set.all))
	}
	tests := []struct {
		sem  Semantics
		size uintptr
		want space.Space
	}{
		{Default, 24, cs},
		{Immortal, 100, imm},
		{NonMoving, 16, imm},
		{Los, 3 * address.BytesInPage, los},
	}
	for _, tt := range tests {
		t.Run(tt.sem.String(), func(t *testing.T) {
			obj := set.Alloc(tt.size, 8, tt.sem)
			if obj.IsZero() {
				t.Fatal("allocation failed")
			}
			set.PostAlloc(obj, tt.size, tt.sem)
			if env.Table.SpaceID(obj) != tt.want.Base().ID() {
				t.Errorf("%s landed in space %d", obj, env.Table.SpaceID(obj))
			}
			if !tt.want.Base().IsValidObject(obj) {
				t.Error("no valid object bit after PostAlloc")
			}
		})
	}
	set.Reset()
}

func TestBumpAllocation(t *testing.T) {
	m := heap.NewDirectMap(heap.NewMemory(nil, 0, nil))
	env := newEnv(m)
	imm := policy.NewImmortalSpace("immortal", 0, env)
	env.Meta.Freeze()

	a := NewBump(imm, true)
	first := a.Alloc(8, 8)
	second := a.Alloc(40, 8)
	if second != first.Add(16) {
		t.Errorf("second object at %s, want %s", second, first.Add(16))
	}
	aligned := a.Alloc(16, 256)
	if !aligned.IsAligned(256) || aligned <= second {
		t.Errorf("aligned object at %s", aligned)
	}
	big := a.Alloc(20*address.BytesInPage, 8)
	if big.IsZero() || imm.CommittedPages() < BumpPages+20 {
		t.Errorf("large bump request got %s with %d pages committed", big, imm.CommittedPages())
	}
	a.Reset()
	if next := a.Alloc(16, 8); next.IsZero() || next == first {
		t.Error("a reset allocator starts a fresh buffer")
	}
}

func TestFreeListReusesSweptCells(t *testing.T) {
	m := heap.NewDirectMap(heap.NewMemory(nil, 0, nil))
	env := newEnv(m)
	ms := policy.NewMarkSweepSpace("ms", 0, env)
	env.Meta.Freeze()
	mem := m.Memory()

	a := NewFreeList(ms, true)
	objs := make([]address.Address, 3)
	for i := range objs {
		objs[i] = a.Alloc(60, 8)
		ms.InitializeObjectMetadata(objs[i], 64)
		mem.StoreWord(objs[i], 0xdead)
	}
	if objs[1] != objs[0].Add(64) || objs[2] != objs[1].Add(64) {
		t.Fatalf("cells %v are not consecutive", objs)
	}
	if odd := a.Alloc(100, 64); odd.IsZero() || !odd.IsAligned(64) || ms.BlockClass(odd) == ms.BlockClass(objs[0]) {
		t.Errorf("aligned request at %s in class %d", odd, ms.BlockClass(odd))
	}

	// Keep the outer two cells, sweep the middle one
	q := queueFunc(func(address.Address) {})
	ms.TraceObject(q, objs[0])
	ms.TraceObject(q, objs[2])
	a.Reset()
	ms.Release(true)
	for _, b := range ms.Blocks() {
		ms.SweepBlock(b)
	}

	b := NewFreeList(ms, true)
	got := b.Alloc(64, 8)
	if got != objs[1] {
		t.Fatalf("allocation at %s, want the swept cell %s", got, objs[1])
	}
	if mem.LoadWord(got) != 0 {
		t.Error("reused cell is not zeroed")
	}
	if next := b.Alloc(64, 8); next != objs[2].Add(64) {
		t.Errorf("next allocation at %s skips live cells badly", next)
	}
	if a.Alloc(policy.MaxCellSize+1, 8) != address.Zero {
		t.Error("oversized cell request must fail")
	}
}

type queueFunc func(address.Address)

func (f queueFunc) Enqueue(obj address.Address) { f(obj) }

func TestRegionAllocatorFillsHoles(t *testing.T) {
	m := heap.NewDirectMap(heap.NewMemory(nil, 0, nil))
	env := newEnv(m)
	mem := m.Memory()
	rs := policy.NewRegionSpace("region", 0, env, sizeModel{mem})
	env.Meta.Freeze()

	a := NewRegion(rs, true)
	var objs []address.Address
	for i := 0; i < 8; i++ {
		obj := a.Alloc(240, 8)
		mem.StoreWord(obj, 240)
		rs.InitializeObjectMetadata(obj, 240)
		objs = append(objs, obj)
	}
	block := objs[0].AlignDown(policy.BytesInBlock)

	// Keep objects 0 and 4; the lines between become holes
	rs.Prepare(true)
	for _, c := range rs.Chunks() {
		rs.PrepareChunk(c)
	}
	q := queueFunc(func(address.Address) {})
	rs.TraceObject(q, objs[0], nil)
	rs.TraceObject(q, objs[4], nil)
	a.Reset()
	rs.Release(true)
	for _, c := range rs.Chunks() {
		rs.SweepChunk(c)
	}

	b := NewRegion(rs, true)
	got := b.Alloc(16, 8)
	if got.AlignDown(policy.BytesInBlock) != block {
		t.Fatalf("allocation at %s did not reuse the swept block", got)
	}
	if got <= objs[0] || got >= objs[4] {
		t.Errorf("allocation at %s is outside the first hole", got)
	}
	if mem.LoadWord(got) != 0 {
		t.Error("hole memory is not zeroed")
	}
	for i := 0; i < 64; i++ {
		obj := b.Alloc(200, 8)
		for _, live := range []address.Address{objs[0], objs[4]} {
			if obj <= live && obj.Add(200) > live {
				t.Fatalf("allocation %s overlaps live object %s", obj, live)
			}
		}
	}
}

func TestCopyContextTracksCopies(t *testing.T) {
	m := heap.NewDirectMap(heap.NewMemory(nil, 0, nil))
	env := newEnv(m)
	to := policy.NewCopySpace("to", 0, env, sizeModel{m.Memory()}, false)
	env.Meta.Freeze()

	var dest [policy.NumCopySemantics]space.Space
	dest[policy.DefaultCopy] = to
	c := NewCopyContext(dest)
	obj := c.AllocCopy(policy.DefaultCopy, 48)
	c.PostCopy(policy.DefaultCopy, obj, 48)
	if !to.IsValidObject(obj) || c.Copied(policy.DefaultCopy) != 48 {
		t.Error("copy not recorded")
	}
	if to.ReservedPages() == 0 {
		t.Error("copy allocation must take pages from the destination")
	}
	c.Reset()
	if c.Copied(policy.DefaultCopy) != 0 {
		t.Error("Reset clears the copy counters")
	}
}

func TestAllocationFailsWhenPoolIsDry(t *testing.T) {
	m := heap.NewFragmentedMap(heap.NewMemory(nil, 0, nil), 1)
	env := newEnv(m)
	los := policy.NewLargeObjectSpace("los", 0, env)
	env.Meta.Freeze()

	a := NewLargeObject(los, false)
	n := 0
	for !a.Alloc(64*address.BytesInPage, 8).IsZero() {
		n++
	}
	if n != address.PagesInChunk/64 {
		t.Errorf("%d objects fit in the pool, want %d", n, address.PagesInChunk/64)
	}
}
