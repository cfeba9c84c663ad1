// ABOUTME: Fragmented address map handing chunks to spaces from a shared pool
// ABOUTME: Keeps a coalescing free list of chunk runs and a chunk ownership table

package heap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/options"
)

// ErrBadRestore is returned when restored chunk sets do not describe a valid pool
var ErrBadRestore = errors.New("invalid chunk ownership")

// Run is a range of consecutive chunk indices
type Run struct {
	First int
	Len   int
}

// End returns the index one past the run
func (r Run) End() int { return r.First + r.Len }

// FragmentedMap shares a pool of chunks starting at address.HeapStart
// between all spaces.
type FragmentedMap struct {
	chunkMap
	pool int
	free []Run // sorted by First, never adjacent
}

// NewFragmentedMap creates a map whose pool holds the given number of chunks
func NewFragmentedMap(mem *Memory, chunks int) *FragmentedMap {
	if chunks > address.MaxChunks {
		chunks = address.MaxChunks
	}
	m := &FragmentedMap{pool: chunks}
	m.init(mem)
	if chunks > 0 {
		m.free = []Run{{First: 0, Len: chunks}}
	}
	return m
}

func (m *FragmentedMap) Layout() options.Layout { return options.LayoutFragmented }

// PoolChunks returns the size of the shared pool
func (m *FragmentedMap) PoolChunks() int { return m.pool }

func (m *FragmentedMap) AllocateChunks(space, n int) address.Address {
	if n <= 0 {
		return address.Zero
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.free {
		if r.Len < n {
			continue
		}
		if r.Len == n {
			m.free = append(m.free[:i], m.free[i+1:]...)
		} else {
			m.free[i] = Run{First: r.First + n, Len: r.Len - n}
		}
		return m.claim(space, r.First, n)
	}
	return address.Zero
}

func (m *FragmentedMap) FreeChunks(space int, start address.Address, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := m.release(space, start, n)
	m.insertFree(Run{First: first, Len: n})
}

// insertFree adds r to the free list, merging it with adjacent runs
func (m *FragmentedMap) insertFree(r Run) {
	i := sort.Search(len(m.free), func(i int) bool { return m.free[i].First > r.First })
	// Merge with the predecessor
	if i > 0 && m.free[i-1].End() == r.First {
		i--
		r = Run{First: m.free[i].First, Len: m.free[i].Len + r.Len}
		m.free = append(m.free[:i], m.free[i+1:]...)
	}
	// Merge with the successor
	if i < len(m.free) && r.End() == m.free[i].First {
		r.Len += m.free[i].Len
		m.free = append(m.free[:i], m.free[i+1:]...)
	}
	m.free = append(m.free, Run{})
	copy(m.free[i+1:], m.free[i:])
	m.free[i] = r
}

func (m *FragmentedMap) AvailableChunks(int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.free {
		n += r.Len
	}
	return n
}

// FreeRuns returns a copy of the free list
func (m *FragmentedMap) FreeRuns() []Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Run(nil), m.free...)
}

// Restore rebuilds ownership from per-space chunk sets on a map that owns
// nothing yet. Chunks are mapped for their owners and listeners notified.
func (m *FragmentedMap) Restore(sets map[int]ChunkSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.owned {
		if n != 0 {
			return fmt.Errorf("%w: map already owns chunks", ErrBadRestore)
		}
	}

	// Validate before touching anything
	seen := make(map[int]int)
	spaces := make([]int, 0, len(sets))
	for space, set := range sets {
		if space < 0 || space >= address.MaxSpaces {
			return fmt.Errorf("%w: space id %d", ErrBadRestore, space)
		}
		for _, c := range set {
			if c < 0 || c >= m.pool {
				return fmt.Errorf("%w: chunk %d outside pool of %d", ErrBadRestore, c, m.pool)
			}
			if prev, dup := seen[c]; dup {
				return fmt.Errorf("%w: chunk %d owned by spaces %d and %d", ErrBadRestore, c, prev, space)
			}
			seen[c] = space
		}
		spaces = append(spaces, space)
	}
	sort.Ints(spaces)

	for _, space := range spaces {
		for _, r := range sets[space].Runs() {
			m.claim(space, r.First, r.Len)
		}
	}

	// Everything not owned is free
	m.free = m.free[:0]
	for i := 0; i < m.pool; {
		if m.owner[i] != 0 {
			i++
			continue
		}
		j := i
		for j < m.pool && m.owner[j] == 0 {
			j++
		}
		m.free = append(m.free, Run{First: i, Len: j - i})
		i = j
	}
	return nil
}
