// ABOUTME: Direct address map giving every space a fixed extent of the heap
// ABOUTME: A space's chunks always lie inside its own extent

package heap

import (
	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/options"
)

// ChunksInExtent is the number of chunks in one space extent
const ChunksInExtent = address.SpaceExtent / address.BytesInChunk

// DirectMap reserves address.SpaceExtent bytes of address range per space
// id. Chunks are mapped lazily inside the extent.
type DirectMap struct {
	chunkMap
}

// NewDirectMap creates a direct map over mem
func NewDirectMap(mem *Memory) *DirectMap {
	m := &DirectMap{}
	m.init(mem)
	return m
}

func (m *DirectMap) Layout() options.Layout { return options.LayoutDirect }

// Extent returns the address range reserved for space
func (m *DirectMap) Extent(space int) (start, end address.Address) {
	start = address.HeapStart + address.Address(space)*address.SpaceExtent
	return start, start + address.SpaceExtent
}

func (m *DirectMap) AllocateChunks(space, n int) address.Address {
	if n <= 0 || n > ChunksInExtent {
		return address.Zero
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lo := space * ChunksInExtent
	first := m.findRun(lo, lo+ChunksInExtent, n)
	if first < 0 {
		return address.Zero
	}
	return m.claim(space, first, n)
}

func (m *DirectMap) FreeChunks(space int, start address.Address, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(space, start, n)
}

func (m *DirectMap) AvailableChunks(space int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ChunksInExtent - m.owned[space]
}
