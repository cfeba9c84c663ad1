// ABOUTME: Region space of blocks and lines with opportunistic defragmentation
// ABOUTME: Marks objects and lines in place and evacuates objects out of selected fragmented blocks

package policy

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/heap"
	"github.com/prateek/memkit/metadata"
	"github.com/prateek/memkit/space"
	"github.com/prateek/memkit/vm"
)

const (
	LogBytesInBlock = 15
	BytesInBlock    = 1 << LogBytesInBlock
	PagesInBlock    = BytesInBlock / address.BytesInPage
	LogBytesInLine  = 8
	BytesInLine     = 1 << LogBytesInLine
	LinesInBlock    = BytesInBlock / BytesInLine
	BlocksInChunk   = address.BytesInChunk / BytesInBlock

	// DefragLiveThreshold is the share of live lines below which a block
	// may be chosen as an evacuation source.
	DefragLiveThreshold = 0.65
	maxEpoch            = 255
)

var (
	// lineMark holds the epoch of the last trace that found the line live
	lineMark = metadata.Spec{Name: "region-line", Scope: metadata.Local, LogBits: 3, LogGranule: LogBytesInLine, Access: metadata.Atomic}
	// defragFlag marks evacuation source blocks
	defragFlag = metadata.Spec{Name: "region-defrag", Scope: metadata.Local, LogBits: 0, LogGranule: LogBytesInBlock, Access: metadata.PhaseExclusive}
)

// RegionStats describes the heap as the last sweep left it
type RegionStats struct {
	Blocks    int
	LiveLines int
	// FreeLines counts the unmarked lines of blocks kept for reuse
	FreeLines int
	Holes     int
	Released  int
	Sources   int
}

// Fragmentation is the share of lines in kept blocks that are holes
func (r RegionStats) Fragmentation() float64 {
	total := r.LiveLines + r.FreeLines
	if total == 0 {
		return 0
	}
	return float64(r.FreeLines) / float64(total)
}

type blockInfo struct {
	live  int
	holes int
	// fresh blocks were acquired after the last sweep
	fresh bool
}

// RegionSpace allocates into free lines of blocks. A cycle marks every
// surviving object and the lines it covers. Blocks selected as sources are
// evacuated where the copy allocator has room; objects it cannot place
// stay where they are.
type RegionSpace struct {
	*space.Common
	pr     *heap.FreeListPageResource
	om     vm.ObjectModel
	fwd    forwarding
	mark   *metadata.Table
	lines  *metadata.Table
	defrag *metadata.Table

	epoch      atomic.Uint64
	liveEpoch  atomic.Uint64
	resetLines atomic.Bool
	inDefrag   atomic.Bool

	mu       sync.Mutex
	blocks   map[address.Address]blockInfo
	reusable []address.Address
	sweeping RegionStats
	last     RegionStats
}

// NewRegionSpace creates a region space
func NewRegionSpace(name string, id int, env *space.Env, om vm.ObjectModel) *RegionSpace {
	s := &RegionSpace{
		Common: space.NewCommon(name, id, space.KindRegion, env),
		om:     om,
		blocks: make(map[address.Address]blockInfo),
	}
	s.pr = heap.NewFreeListPageResource(env.VM, id, s.NewCounter(), PagesInBlock)
	s.fwd = forwarding{bits: env.Meta.Add(metadata.ForwardingBits), mem: env.VM.Memory()}
	s.mark = env.Meta.Add(metadata.MarkBit)
	s.lines = env.Meta.Add(lineMark)
	s.defrag = env.Meta.Add(defragFlag)
	s.RegisterMetadata(s.fwd.bits, s.mark, s.lines, s.defrag)
	s.epoch.Store(1)
	s.liveEpoch.Store(1)
	s.Bind(s, s.pr)
	return s
}

func (s *RegionSpace) Base() *space.Common { return s.Common }
func (s *RegionSpace) IsMovable() bool     { return true }

func (s *RegionSpace) InitializeObjectMetadata(obj address.Address, _ uintptr) {
	s.SetValidObject(obj)
}

// PostCopy records an evacuated copy as live in this cycle
func (s *RegionSpace) PostCopy(obj address.Address, size uintptr) {
	s.SetValidObject(obj)
	s.mark.StoreAtomic(obj, 1)
	s.markLines(obj, size)
}

// AcquireBlock returns a block for an allocator. Blocks with holes left by
// the last sweep come first. reused reports such a block.
func (s *RegionSpace) AcquireBlock(mutator bool) (b address.Address, reused bool) {
	s.mu.Lock()
	if n := len(s.reusable); n > 0 {
		b = s.reusable[n-1]
		s.reusable = s.reusable[:n-1]
		s.mu.Unlock()
		return b, true
	}
	s.mu.Unlock()
	b = s.Acquire(PagesInBlock, mutator)
	if b.IsZero() {
		return b, false
	}
	s.mu.Lock()
	s.blocks[b] = blockInfo{fresh: true}
	s.mu.Unlock()
	return b, false
}

func (s *RegionSpace) lineFree(line address.Address) bool {
	m := s.lines.Load(line)
	return m != s.liveEpoch.Load() && m != s.epoch.Load()
}

// NextHole returns the first run of free lines of block b at or after line
// from, as line indices [start, end). start is -1 when there is none.
func (s *RegionSpace) NextHole(b address.Address, from int) (start, end int) {
	start = -1
	for i := from; i < LinesInBlock; i++ {
		free := s.lineFree(b.Add(uintptr(i) * BytesInLine))
		if free && start < 0 {
			start = i
		} else if !free && start >= 0 {
			return start, i
		}
	}
	if start < 0 {
		return -1, -1
	}
	return start, LinesInBlock
}

func (s *RegionSpace) markLines(obj address.Address, size uintptr) {
	e := s.epoch.Load()
	end := obj.Add(size)
	for l := obj.AlignDown(BytesInLine); l < end; l = l.Add(BytesInLine) {
		s.lines.StoreAtomic(l, e)
	}
}

func (s *RegionSpace) isSource(obj address.Address) bool {
	return s.inDefrag.Load() && s.defrag.Load(obj.AlignDown(BytesInBlock)) != 0
}

func (s *RegionSpace) markInPlace(q ObjectQueue, obj address.Address) bool {
	if !testAndMark(s.mark, obj, 1) {
		return false
	}
	s.markLines(obj, s.om.Size(obj))
	q.Enqueue(obj)
	return true
}

// TraceObject marks obj, evacuating it first when its block is a source
func (s *RegionSpace) TraceObject(q ObjectQueue, obj address.Address, c Copier) address.Address {
	if !s.isSource(obj) {
		s.markInPlace(q, obj)
		return obj
	}
	if s.fwd.attempt(obj) != notForwarded {
		for {
			if to := s.fwd.wait(obj); !to.IsZero() {
				return to
			}
			// Left in place: the loser of the race only returns once the mark is visible
			if s.mark.Load(obj) != 0 {
				return obj
			}
			runtime.Gosched()
		}
	}
	if s.mark.Load(obj) != 0 {
		s.fwd.revert(obj)
		return obj
	}
	size := s.om.Size(obj)
	to := c.AllocCopy(Defrag, size)
	if to.IsZero() {
		s.markInPlace(q, obj)
		s.fwd.revert(obj)
		return obj
	}
	s.fwd.mem.Copy(to, obj, size)
	c.PostCopy(Defrag, to, size)
	s.fwd.install(obj, to)
	q.Enqueue(to)
	return to
}

func (s *RegionSpace) IsLive(obj address.Address) bool {
	return s.mark.Load(obj) != 0 || s.fwd.isForwarded(obj)
}

// GetForwarded returns obj's location after the trace, or Zero if it died
func (s *RegionSpace) GetForwarded(obj address.Address) address.Address {
	if to := s.fwd.get(obj); !to.IsZero() {
		return to
	}
	if s.mark.Load(obj) != 0 {
		return obj
	}
	return address.Zero
}

// Stats returns what the most recent sweep measured
func (s *RegionSpace) Stats() RegionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent()
}

func (s *RegionSpace) recent() RegionStats {
	if s.sweeping.Blocks > 0 || s.sweeping.Released > 0 {
		return s.sweeping
	}
	return s.last
}

// Prepare starts a new marking epoch
func (s *RegionSpace) Prepare(bool) {
	s.mu.Lock()
	s.last = s.recent()
	s.sweeping = RegionStats{}
	next := s.epoch.Load()%maxEpoch + 1
	if next == 1 {
		// Stale marks of the old epochs are cleared per chunk; until the
		// next sweep no block has trustworthy holes.
		s.resetLines.Store(true)
		s.reusable = s.reusable[:0]
	} else {
		s.resetLines.Store(false)
	}
	s.mu.Unlock()
	s.epoch.Store(next)
}

// WantsDefrag decides whether this cycle evacuates. Emergency collections
// always do; otherwise the fragmentation measured by the last sweep must
// exceed threshold.
func (s *RegionSpace) WantsDefrag(emergency bool, threshold float64) bool {
	s.mu.Lock()
	last := s.recent()
	s.mu.Unlock()
	return last.Blocks > 0 && (emergency || last.Fragmentation() > threshold)
}

// SelectDefragSources flags evacuation sources. Candidates are blocks whose
// live share is under DefragLiveThreshold, most holes first; selection stops
// once their live lines exceed budgetPages worth of copy room. It returns
// the number of sources chosen.
func (s *RegionSpace) SelectDefragSources(budgetPages int) int {
	budget := budgetPages * address.BytesInPage / BytesInLine
	s.mu.Lock()
	defer s.mu.Unlock()
	type cand struct {
		b address.Address
		blockInfo
	}
	var cands []cand
	for b, info := range s.blocks {
		if !info.fresh && float64(info.live) < DefragLiveThreshold*LinesInBlock {
			cands = append(cands, cand{b, info})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].holes != cands[j].holes {
			return cands[i].holes > cands[j].holes
		}
		if cands[i].live != cands[j].live {
			return cands[i].live < cands[j].live
		}
		return cands[i].b < cands[j].b
	})
	sources := make(map[address.Address]bool)
	for _, c := range cands {
		if c.live > budget {
			break
		}
		budget -= c.live
		s.defrag.Store(c.b, 1)
		sources[c.b] = true
	}
	kept := s.reusable[:0]
	for _, b := range s.reusable {
		if !sources[b] {
			kept = append(kept, b)
		}
	}
	s.reusable = kept
	s.inDefrag.Store(len(sources) > 0)
	s.sweeping.Sources = len(sources)
	return len(sources)
}

// Defragmenting reports whether sources were selected this cycle
func (s *RegionSpace) Defragmenting() bool { return s.inDefrag.Load() }

// Chunks returns the chunks holding blocks of this space, in address order
func (s *RegionSpace) Chunks() []address.Address {
	s.mu.Lock()
	seen := make(map[address.Address]bool)
	for b := range s.blocks {
		seen[b.Chunk()] = true
	}
	s.mu.Unlock()
	out := make([]address.Address, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PrepareChunk clears the object marks of chunk c, and its line marks when
// the epoch wrapped.
func (s *RegionSpace) PrepareChunk(c address.Address) {
	for _, b := range s.blocksIn(c) {
		s.mark.BZero(b, BytesInBlock)
		if s.resetLines.Load() {
			s.lines.BZero(b, BytesInBlock)
		}
	}
}

func (s *RegionSpace) blocksIn(c address.Address) []address.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []address.Address
	for i := 0; i < BlocksInChunk; i++ {
		b := c.Add(uintptr(i) * BytesInBlock)
		if _, ok := s.blocks[b]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Release ends the epoch. Blocks are swept by SweepChunk.
func (s *RegionSpace) Release(bool) {
	s.mu.Lock()
	s.reusable = s.reusable[:0]
	s.mu.Unlock()
	s.liveEpoch.Store(s.epoch.Load())
	s.inDefrag.Store(false)
}

// SweepChunk reclaims the blocks of chunk c: dead objects lose their valid
// object bit, empty blocks return to the page resource and blocks with free
// lines become reusable.
func (s *RegionSpace) SweepChunk(c address.Address) {
	e := s.epoch.Load()
	var st RegionStats
	var keep []address.Address
	infos := make(map[address.Address]blockInfo)
	var free []address.Address
	for _, b := range s.blocksIn(c) {
		end := b.Add(BytesInBlock)
		var dead []address.Address
		s.VO.FindSetBits(b, end, func(obj address.Address) bool {
			if s.mark.Load(obj) == 0 {
				dead = append(dead, obj)
			}
			return true
		})
		for _, obj := range dead {
			s.ClearValidObject(obj)
		}
		if s.defrag.Load(b) != 0 {
			s.defrag.Store(b, 0)
			s.fwd.bits.BZero(b, BytesInBlock)
		}

		var info blockInfo
		inHole := false
		for i := 0; i < LinesInBlock; i++ {
			if s.lines.Load(b.Add(uintptr(i)*BytesInLine)) == e {
				info.live++
				inHole = false
			} else if !inHole {
				info.holes++
				inHole = true
			}
		}
		switch {
		case info.live == 0:
			free = append(free, b)
			continue
		case info.live < LinesInBlock:
			keep = append(keep, b)
			st.FreeLines += LinesInBlock - info.live
			st.Holes += info.holes
		}
		st.Blocks++
		st.LiveLines += info.live
		infos[b] = info
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for b, info := range infos {
		s.blocks[b] = info
	}
	for _, b := range free {
		delete(s.blocks, b)
		s.pr.ReleasePages(b, PagesInBlock)
	}
	s.reusable = append(s.reusable, keep...)
	s.sweeping.Blocks += st.Blocks
	s.sweeping.LiveLines += st.LiveLines
	s.sweeping.FreeLines += st.FreeLines
	s.sweeping.Holes += st.Holes
	s.sweeping.Released += len(free)
}

// LiveBytesEstimate bounds the bytes held by the space's live lines
func (s *RegionSpace) LiveBytesEstimate() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, info := range s.blocks {
		n += info.live
	}
	return uintptr(n) * BytesInLine
}

// Contains reports whether a lies inside one of the space's blocks
func (s *RegionSpace) Contains(a address.Address) bool {
	s.mu.Lock()
	_, ok := s.blocks[a.AlignDown(BytesInBlock)]
	s.mu.Unlock()
	return ok
}
