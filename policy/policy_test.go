// ABOUTME: Tests for the space policies and the dispatcher
// ABOUTME: Drives trace, release and sweep by hand over a small synthetic object model

package policy

import (
	"sync"
	"testing"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/fault"
	"github.com/prateek/memkit/heap"
	"github.com/prateek/memkit/metadata"
	"github.com/prateek/memkit/space"
	"github.com/prateek/memkit/vm"
)

// Objects start with a header word holding refs<<32 | size, followed by
// one word per reference.
type model struct{ mem *heap.Memory }

type slot struct {
	mem *heap.Memory
	at  address.Address
}

func (s slot) Load() address.Address    { return s.mem.LoadAddress(s.at) }
func (s slot) Store(a address.Address) { s.mem.StoreAddress(s.at, a) }

func (m model) Size(obj address.Address) uintptr {
	return uintptr(uint32(m.mem.LoadWord(obj)))
}

func (m model) ScanObject(obj address.Address, visit func(vm.Slot)) {
	n := int(m.mem.LoadWord(obj) >> 32)
	for i := 0; i < n; i++ {
		visit(slot{m.mem, obj.Add(uintptr(8 * (i + 1)))})
	}
}

func writeObject(mem *heap.Memory, at address.Address, size uintptr, refs ...address.Address) {
	mem.StoreWord(at, uint64(len(refs))<<32|uint64(size))
	for i, r := range refs {
		mem.StoreAddress(at.Add(uintptr(8*(i+1))), r)
	}
}

type neverPoll struct{}

func (neverPoll) Poll(bool, space.Space) bool { return false }

type queue struct {
	mu   sync.Mutex
	objs []address.Address
}

func (q *queue) Enqueue(obj address.Address) {
	q.mu.Lock()
	q.objs = append(q.objs, obj)
	q.mu.Unlock()
}

// copier bumps through regions handed out by acquire
type copier struct {
	mu      sync.Mutex
	acquire func() (address.Address, uintptr)
	target  CopyTarget
	cursor  address.Address
	limit   address.Address
	copies  int
}

func (c *copier) AllocCopy(_ CopySemantics, size uintptr) address.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	size = address.AlignSize(size, address.MinObjectSize)
	if c.cursor.IsZero() || c.cursor.Add(size) > c.limit {
		if c.acquire == nil {
			return address.Zero
		}
		start, n := c.acquire()
		if start.IsZero() {
			return address.Zero
		}
		c.cursor, c.limit = start, start.Add(n)
	}
	a := c.cursor
	c.cursor = c.cursor.Add(size)
	c.copies++
	return a
}

func (c *copier) PostCopy(_ CopySemantics, obj address.Address, size uintptr) {
	c.target.PostCopy(obj, size)
}

type fixture struct {
	env *space.Env
	mem *heap.Memory
	om  model
	d   *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := heap.NewDirectMap(heap.NewMemory(nil, 0, nil))
	env := &space.Env{
		VM:         m,
		Accounting: &heap.Accounting{},
		Meta:       metadata.NewContext(m),
		Table:      space.NewTable(m),
		Poller:     neverPoll{},
	}
	return &fixture{env: env, mem: m.Memory(), om: model{m.Memory()}, d: NewDispatcher(env.Table)}
}

func (f *fixture) add(spaces ...space.Space) {
	for _, s := range spaces {
		f.d.Add(s)
	}
	f.env.Meta.Freeze()
}

func expectFatal(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if fault.Recover(recover()) == nil {
			t.Errorf("%s should be fatal", what)
		}
	}()
	fn()
}

func TestCopySpaceEvacuates(t *testing.T) {
	f := newFixture(t)
	from := NewCopySpace("from", 0, f.env, f.om, true)
	to := NewCopySpace("to", 1, f.env, f.om, false)
	f.add(from, to)

	page := from.Acquire(1, false)
	a, b := page, page.Add(64)
	writeObject(f.mem, b, 32)
	writeObject(f.mem, a, 48, b, address.Zero)
	from.InitializeObjectMetadata(a, 48)
	from.InitializeObjectMetadata(b, 32)

	c := &copier{target: to, acquire: func() (address.Address, uintptr) {
		return to.Acquire(1, false), address.BytesInPage
	}}
	q := &queue{}
	na := f.d.TraceObject(q, a, c)
	if na == a || !to.InSpace(na) {
		t.Fatalf("%s not evacuated to the to-space, got %s", a, na)
	}
	if again := f.d.TraceObject(q, a, c); again != na {
		t.Errorf("second trace returned %s, want %s", again, na)
	}
	if len(q.objs) != 1 || q.objs[0] != na {
		t.Errorf("queue %v, want only the copy", q.objs)
	}
	if f.om.Size(na) != 48 || f.mem.LoadAddress(na.Add(8)) != b {
		t.Error("copy does not carry the object's contents")
	}
	if !f.d.IsLive(a) || f.d.IsLive(b) {
		t.Error("only the traced object is live")
	}
	if f.d.GetForwarded(a) != na || !f.d.GetForwarded(b).IsZero() {
		t.Error("forwarding lookup disagrees with the trace")
	}
	if !to.IsValidObject(na) {
		t.Error("copy lacks its valid object bit")
	}
	if f.d.TraceObject(q, na, c) != na {
		t.Error("to-space objects stay put")
	}

	from.Release(true)
	if from.CommittedPages() != 0 || f.env.Table.SpaceID(a) != -1 {
		t.Error("released from-space still holds pages")
	}
	if err := f.env.Accounting.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentForwardingAgrees(t *testing.T) {
	f := newFixture(t)
	from := NewCopySpace("from", 0, f.env, f.om, true)
	to := NewCopySpace("to", 1, f.env, f.om, false)
	f.add(from, to)

	const n = 256
	base := from.Acquire(n*64/address.BytesInPage, false)
	objs := make([]address.Address, n)
	for i := range objs {
		objs[i] = base.Add(uintptr(i * 64))
		writeObject(f.mem, objs[i], 64)
		from.InitializeObjectMetadata(objs[i], 64)
	}
	c := &copier{target: to, acquire: func() (address.Address, uintptr) {
		return to.Acquire(4, false), 4 * address.BytesInPage
	}}
	q := &queue{}

	const workers = 8
	seen := make([][]address.Address, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for _, obj := range objs {
				seen[w] = append(seen[w], f.d.TraceObject(q, obj, c))
			}
		}(w)
	}
	wg.Wait()

	for w := 1; w < workers; w++ {
		for i := range objs {
			if seen[w][i] != seen[0][i] {
				t.Fatalf("worker %d saw %s at %s, worker 0 saw %s", w, objs[i], seen[w][i], seen[0][i])
			}
		}
	}
	if len(q.objs) != n || c.copies != n {
		t.Errorf("%d enqueued and %d copies, want %d of each", len(q.objs), c.copies, n)
	}
}

func TestImmortalMarkState(t *testing.T) {
	f := newFixture(t)
	s := NewImmortalSpace("immortal", 2, f.env)
	f.add(s)
	obj := s.Acquire(1, false)
	writeObject(f.mem, obj, 16)
	s.InitializeObjectMetadata(obj, 16)

	q := &queue{}
	f.d.TraceObject(q, obj, nil)
	if len(q.objs) != 0 {
		t.Error("a new object is already marked for the running trace")
	}
	s.Prepare(false)
	f.d.TraceObject(q, obj, nil)
	if len(q.objs) != 0 {
		t.Error("a partial trace keeps the mark state")
	}
	s.Prepare(true)
	f.d.TraceObject(q, obj, nil)
	f.d.TraceObject(q, obj, nil)
	if len(q.objs) != 1 {
		t.Errorf("full trace enqueued %d times, want 1", len(q.objs))
	}
	if !f.d.IsLive(obj) || f.d.IsMovable(obj) {
		t.Error("immortal objects are live and fixed")
	}
}

func TestLargeObjectSweep(t *testing.T) {
	f := newFixture(t)
	s := NewLargeObjectSpace("los", 3, f.env)
	f.add(s)

	keep := s.AllocPages(3, false)
	drop := s.AllocPages(5, false)
	for _, obj := range []address.Address{keep, drop} {
		writeObject(f.mem, obj, 3*address.BytesInPage)
		s.InitializeObjectMetadata(obj, 3*address.BytesInPage)
	}
	if s.CommittedPages() != 8 {
		t.Fatalf("committed %d pages, want 8", s.CommittedPages())
	}

	s.Prepare(true)
	q := &queue{}
	f.d.TraceObject(q, keep, nil)
	if f.d.IsLive(drop) || !f.d.IsLive(keep) {
		t.Fatal("liveness follows the trace")
	}
	s.Release(true)
	if got := s.Objects(); len(got) != 1 || got[0] != keep {
		t.Fatalf("objects after sweep %v, want [%s]", got, keep)
	}
	if s.CommittedPages() != 3 {
		t.Errorf("committed %d pages after sweep, want 3", s.CommittedPages())
	}
	if !s.Contains(keep.Add(address.BytesInPage)) || s.Contains(drop) {
		t.Error("Contains does not follow the live objects")
	}

	// A nursery release sweeps nothing
	s.Prepare(false)
	s.Release(false)
	if len(s.Objects()) != 1 {
		t.Error("partial release swept")
	}
	if err := f.env.Accounting.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkSweepBlocks(t *testing.T) {
	f := newFixture(t)
	s := NewMarkSweepSpace("ms", 4, f.env)
	f.add(s)

	sc := SizeClassFor(50)
	if SizeClasses[sc] != 64 {
		t.Fatalf("50 bytes fall in class %d (%d bytes)", sc, SizeClasses[sc])
	}
	if SizeClassFor(MaxCellSize+1) != -1 {
		t.Error("oversized request has a class")
	}

	full := s.AcquireBlock(sc, false)
	empty := s.AcquireBlock(sc, false)
	if s.BlockClass(full.Add(100)) != sc {
		t.Fatal("block class not recorded")
	}
	var live []address.Address
	for i := 0; i < 10; i++ {
		c := full.Add(uintptr(i) * 64)
		writeObject(f.mem, c, 64)
		s.InitializeObjectMetadata(c, 64)
		if i%2 == 0 {
			live = append(live, c)
		}
	}
	dead := empty.Add(128)
	writeObject(f.mem, dead, 64)
	s.InitializeObjectMetadata(dead, 64)

	q := &queue{}
	for _, obj := range live {
		f.d.TraceObject(q, obj, nil)
		f.d.TraceObject(q, obj, nil)
	}
	if len(q.objs) != len(live) {
		t.Fatalf("enqueued %d, want %d", len(q.objs), len(live))
	}

	s.Release(true)
	for _, b := range s.Blocks() {
		n := s.SweepBlock(b)
		switch b {
		case full:
			if n != len(live) {
				t.Errorf("block kept %d cells, want %d", n, len(live))
			}
		case empty:
			if n != 0 {
				t.Errorf("empty block kept %d cells", n)
			}
		}
	}
	if s.IsValidObject(full.Add(64)) || !s.IsValidObject(full) {
		t.Error("sweep must free exactly the unmarked cells")
	}
	if s.IsLive(full) {
		t.Error("marks are cleared by the sweep")
	}
	if s.Contains(empty) || len(s.Blocks()) != 1 {
		t.Error("empty block should return to the page resource")
	}
	if got := s.AcquireBlock(sc, false); got != full {
		t.Errorf("block with free cells should be reused, got %s", got)
	}
	if err := f.env.Accounting.Verify(); err != nil {
		t.Fatal(err)
	}
}

// regionCycle runs one collection of s by hand, tracing roots
func regionCycle(f *fixture, s *RegionSpace, c Copier, defrag bool, roots ...address.Address) []address.Address {
	s.Prepare(true)
	if defrag && s.WantsDefrag(false, 0.3) {
		s.SelectDefragSources(64)
	}
	for _, ch := range s.Chunks() {
		s.PrepareChunk(ch)
	}
	q := &queue{}
	out := make([]address.Address, len(roots))
	for i, r := range roots {
		out[i] = f.d.TraceObject(q, r, c)
	}
	s.Release(true)
	for _, ch := range s.Chunks() {
		s.SweepChunk(ch)
	}
	return out
}

func placeRegionObjects(f *fixture, s *RegionSpace, b address.Address, lines ...int) []address.Address {
	var objs []address.Address
	for _, l := range lines {
		obj := b.Add(uintptr(l) * BytesInLine)
		writeObject(f.mem, obj, 64)
		s.InitializeObjectMetadata(obj, 64)
		objs = append(objs, obj)
	}
	return objs
}

func TestRegionHolesAndReuse(t *testing.T) {
	f := newFixture(t)
	s := NewRegionSpace("region", 5, f.env, f.om)
	f.add(s)

	b, reused := s.AcquireBlock(false)
	if reused {
		t.Fatal("first block cannot be reused")
	}
	if start, end := s.NextHole(b, 0); start != 0 || end != LinesInBlock {
		t.Fatalf("fresh block hole [%d, %d)", start, end)
	}
	objs := placeRegionObjects(f, s, b, 0, 10, 20)
	regionCycle(f, s, nil, false, objs[0], objs[2])

	if s.IsValidObject(objs[1]) {
		t.Error("dead object keeps its valid object bit")
	}
	if start, end := s.NextHole(b, 0); start != 1 || end != 20 {
		t.Errorf("first hole [%d, %d), want [1, 20)", start, end)
	}
	st := s.Stats()
	if st.Blocks != 1 || st.LiveLines != 2 || st.Holes != 2 {
		t.Errorf("stats %+v", st)
	}
	if got, reused := s.AcquireBlock(false); got != b || !reused {
		t.Error("swept block with holes should be handed out for reuse")
	}
}

func TestRegionDefragmentation(t *testing.T) {
	f := newFixture(t)
	s := NewRegionSpace("region", 5, f.env, f.om)
	f.add(s)

	b, _ := s.AcquireBlock(false)
	objs := placeRegionObjects(f, s, b, 0, 10, 20, 30)
	regionCycle(f, s, nil, false, objs...)
	if !s.WantsDefrag(false, 0.3) {
		t.Fatalf("fragmentation %.2f should call for defragmentation", s.Stats().Fragmentation())
	}

	c := &copier{target: s, acquire: func() (address.Address, uintptr) {
		blk, _ := s.AcquireBlock(false)
		return blk, BytesInBlock
	}}
	moved := regionCycle(f, s, c, true, objs[0], objs[1])
	for i, m := range moved {
		if m.AlignDown(BytesInBlock) == b {
			t.Errorf("object %d was not evacuated", i)
		}
		if f.om.Size(m) != 64 || !s.IsValidObject(m) {
			t.Errorf("copy %d is not a valid object", i)
		}
	}
	if s.Contains(b) {
		t.Error("evacuated source block should be released")
	}
	if st := s.Stats(); st.Released != 1 || st.Sources != 1 {
		t.Errorf("stats %+v, want one source released", st)
	}
	if s.Defragmenting() {
		t.Error("defrag mode ends with the cycle")
	}
	if err := f.env.Accounting.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestRegionPinsWhenCopyFails(t *testing.T) {
	f := newFixture(t)
	s := NewRegionSpace("region", 5, f.env, f.om)
	f.add(s)

	b, _ := s.AcquireBlock(false)
	objs := placeRegionObjects(f, s, b, 0, 40, 80)
	regionCycle(f, s, nil, false, objs...)

	got := regionCycle(f, s, &copier{target: s}, true, objs[0])
	if got[0] != objs[0] {
		t.Fatalf("object moved to %s without copy room", got[0])
	}
	if !s.Contains(b) || !s.IsValidObject(objs[0]) || s.IsValidObject(objs[1]) {
		t.Error("pinned object must survive in place and the rest die")
	}
}

func TestRegionEpochWrap(t *testing.T) {
	f := newFixture(t)
	s := NewRegionSpace("region", 5, f.env, f.om)
	f.add(s)

	b, _ := s.AcquireBlock(false)
	objs := placeRegionObjects(f, s, b, 3)
	for i := 0; i < 2*maxEpoch+3; i++ {
		regionCycle(f, s, nil, false, objs[0])
		if start, end := s.NextHole(b, 0); start != 0 || end != 3 {
			t.Fatalf("cycle %d: hole [%d, %d), want [0, 3)", i, start, end)
		}
		if start, _ := s.NextHole(b, 3); start != 4 {
			t.Fatalf("cycle %d: line 3 should stay live", i)
		}
	}
}

func TestDispatcherRejectsStrayAddresses(t *testing.T) {
	f := newFixture(t)
	s := NewImmortalSpace("immortal", 0, f.env)
	f.add(s)

	if !f.d.TraceObject(&queue{}, address.Zero, nil).IsZero() {
		t.Error("null traces to null")
	}
	if f.d.IsLive(address.Zero) {
		t.Error("null is not live")
	}
	expectFatal(t, "tracing an unmapped address", func() {
		f.d.TraceObject(&queue{}, address.HeapStart.Add(address.SpaceExtent*3), nil)
	})
	expectFatal(t, "registering a space id twice", func() {
		f.d.Add(s)
	})
	if len(f.d.Spaces()) != 1 || f.d.Space(s.Acquire(1, false)) != s {
		t.Error("dispatcher should resolve its one space")
	}
}
