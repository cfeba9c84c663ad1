// ABOUTME: Address type and arithmetic for the simulated managed heap
// ABOUTME: Defines page, chunk and granule constants shared by every layer

// Package address defines the address type used for every location in the
// managed heap together with the size constants of the heap layout.
package address

import (
	"fmt"
	"strconv"
)

// Address is a location in the managed heap's virtual address range.
// The zero Address is the null reference.
type Address uint64

// Zero is the null address
const Zero Address = 0

const (
	LogBytesInWord  = 3
	BytesInWord     = 1 << LogBytesInWord
	LogBytesInPage  = 12
	BytesInPage     = 1 << LogBytesInPage
	LogBytesInChunk = 22
	BytesInChunk    = 1 << LogBytesInChunk
	PagesInChunk    = BytesInChunk / BytesInPage

	// LogMinObjectSize is the granule size every object start is aligned to
	// and the granularity of per-object side metadata.
	LogMinObjectSize = 4
	MinObjectSize    = 1 << LogMinObjectSize

	// MinAlignment is the smallest alignment an allocation request may ask for.
	MinAlignment = BytesInWord
)

const (
	// HeapStart is the lowest address any space may occupy.
	HeapStart Address = 0x1000_0000_0000
	// MaxSpaces bounds the number of spaces a plan may create.
	MaxSpaces = 16
	// LogSpaceExtent is the size of the fixed region each space receives
	// under the direct map.
	LogSpaceExtent = 32
	SpaceExtent    = 1 << LogSpaceExtent
	// HeapEnd is one past the last address of the heap range.
	HeapEnd Address = HeapStart + MaxSpaces*SpaceExtent
	// MaxChunks is the number of chunks in the heap range.
	MaxChunks = int((HeapEnd - HeapStart) >> LogBytesInChunk)
)

// IsZero reports whether a is the null address
func (a Address) IsZero() bool { return a == 0 }

// Add returns a+n
func (a Address) Add(n uintptr) Address { return a + Address(n) }

// Sub returns a-n
func (a Address) Sub(n uintptr) Address { return a - Address(n) }

// Diff returns the distance in bytes from b to a
func (a Address) Diff(b Address) uintptr { return uintptr(a - b) }

// AlignUp rounds a up to a multiple of align, which must be a power of two
func (a Address) AlignUp(align uintptr) Address {
	mask := Address(align - 1)
	return (a + mask) &^ mask
}

// AlignDown rounds a down to a multiple of align
func (a Address) AlignDown(align uintptr) Address {
	return a &^ Address(align-1)
}

// IsAligned reports whether a is a multiple of align
func (a Address) IsAligned(align uintptr) bool {
	return a&Address(align-1) == 0
}

// InHeap reports whether a lies inside the heap address range
func (a Address) InHeap() bool {
	return a >= HeapStart && a < HeapEnd
}

// Chunk returns the start of the chunk containing a
func (a Address) Chunk() Address { return a.AlignDown(BytesInChunk) }

// ChunkIndex returns the index of a's chunk relative to HeapStart
func (a Address) ChunkIndex() int {
	return int((a - HeapStart) >> LogBytesInChunk)
}

// ChunkAt returns the start address of the chunk with the given index
func ChunkAt(index int) Address {
	return HeapStart + Address(index)<<LogBytesInChunk
}

// Page returns the start of the page containing a
func (a Address) Page() Address { return a.AlignDown(BytesInPage) }

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Parse reads an address in the form String writes
func Parse(s string) (Address, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return Zero, fmt.Errorf("bad address %q: %w", s, err)
	}
	return Address(v), nil
}

// BytesToPages rounds bytes up to whole pages
func BytesToPages(bytes uintptr) int {
	return int((bytes + BytesInPage - 1) >> LogBytesInPage)
}

// PagesToBytes converts a page count to bytes
func PagesToBytes(pages int) uintptr {
	return uintptr(pages) << LogBytesInPage
}

// ChunksForPages returns the chunks needed to hold pages contiguous pages
func ChunksForPages(pages int) int {
	return (pages + PagesInChunk - 1) / PagesInChunk
}

// AlignSize rounds size up to a multiple of align
func AlignSize(size, align uintptr) uintptr {
	return (size + align - 1) &^ (align - 1)
}
