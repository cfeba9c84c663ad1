// ABOUTME: Backing memory for heap chunks obtained from the OS memory provider
// ABOUTME: Provides word, byte-range and metadata-block access by heap address

// Package heap owns the managed heap's address layout: the memory that backs
// chunks, the maps that hand chunks to spaces, page accounting and the page
// resources spaces allocate from.
package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/fault"
)

// ErrMapFailed is returned by a Provider that could not obtain memory
var ErrMapFailed = errors.New("memory provider failed")

// Provider hands out zeroed, page aligned memory
type Provider interface {
	Map(size int) ([]byte, error)
	Unmap(b []byte) error
}

// chunkMem is the backing store of one mapped chunk: its data followed by
// the chunk-local metadata block.
type chunkMem struct {
	buf  []byte
	data []byte
	meta []byte
}

// Memory resolves heap addresses to the bytes backing them.
type Memory struct {
	provider  Provider
	retries   int
	logger    *slog.Logger
	metaBytes atomic.Int64
	mapped    atomic.Int64
	chunks    []atomic.Pointer[chunkMem]
}

// NewMemory creates an empty memory backed by p. A failed mapping is retried
// up to retries times before it becomes fatal.
func NewMemory(p Provider, retries int, logger *slog.Logger) *Memory {
	if p == nil {
		p = OSProvider{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discard{}, nil))
	}
	return &Memory{
		provider: p,
		retries:  retries,
		logger:   logger,
		chunks:   make([]atomic.Pointer[chunkMem], address.MaxChunks),
	}
}

// SetMetaBytes sets the size of the metadata block mapped next to every
// chunk. It must be called before the first chunk is mapped.
func (m *Memory) SetMetaBytes(n int) {
	fault.Assert(m.mapped.Load() == 0, "metadata block size changed with %d chunks mapped", m.mapped.Load())
	m.metaBytes.Store(int64(n))
}

// MetaBytes returns the size of the per chunk metadata block
func (m *Memory) MetaBytes() int { return int(m.metaBytes.Load()) }

// MappedChunks returns the number of chunks currently backed by memory
func (m *Memory) MappedChunks() int { return int(m.mapped.Load()) }

// MapChunk backs the chunk with the given index. Provider failures are
// retried with a doubling pause; exhausting the retries is fatal.
func (m *Memory) MapChunk(index int) {
	fault.Assert(index >= 0 && index < len(m.chunks), "chunk index %d outside the heap", index)
	if m.chunks[index].Load() != nil {
		fault.Fatalf("chunk %s mapped twice", address.ChunkAt(index))
	}
	meta := int(m.metaBytes.Load())
	size := address.BytesInChunk + meta

	var buf []byte
	var err error
	pause := time.Millisecond
	for attempt := 0; ; attempt++ {
		buf, err = m.provider.Map(size)
		if err == nil {
			break
		}
		if attempt >= m.retries {
			fault.Fatal(fmt.Sprintf("mapping chunk %s: %v", address.ChunkAt(index), err),
				slog.Int("attempts", attempt+1), slog.Int("bytes", size))
		}
		m.logger.Warn("chunk mapping failed, retrying",
			"chunk", address.ChunkAt(index).String(), "attempt", attempt+1, "err", err)
		time.Sleep(pause)
		pause *= 2
	}

	c := &chunkMem{buf: buf, data: buf[:address.BytesInChunk:address.BytesInChunk]}
	if meta > 0 {
		c.meta = buf[address.BytesInChunk:size:size]
	}
	m.chunks[index].Store(c)
	m.mapped.Add(1)
}

// UnmapChunk returns the chunk's memory to the provider
func (m *Memory) UnmapChunk(index int) {
	c := m.chunks[index].Swap(nil)
	if c == nil {
		fault.Fatalf("unmapping chunk %s which is not mapped", address.ChunkAt(index))
	}
	m.mapped.Add(-1)
	if err := m.provider.Unmap(c.buf); err != nil {
		m.logger.Warn("chunk unmap failed", "chunk", address.ChunkAt(index).String(), "err", err)
	}
}

// IsMapped reports whether a is backed by memory
func (m *Memory) IsMapped(a address.Address) bool {
	if !a.InHeap() {
		return false
	}
	return m.chunks[a.ChunkIndex()].Load() != nil
}

// MetaBlock returns the metadata block of a chunk, or nil when it is not mapped
func (m *Memory) MetaBlock(index int) []byte {
	if c := m.chunks[index].Load(); c != nil {
		return c.meta
	}
	return nil
}

func (m *Memory) chunk(a address.Address) *chunkMem {
	if !a.InHeap() {
		fault.Fatalf("access to %s outside the heap", a)
	}
	c := m.chunks[a.ChunkIndex()].Load()
	if c == nil {
		fault.Fatalf("access to unmapped address %s", a)
	}
	return c
}

func (m *Memory) word(a address.Address) *uint64 {
	if !a.IsAligned(address.BytesInWord) {
		fault.Fatalf("unaligned word access at %s", a)
	}
	c := m.chunk(a)
	return (*uint64)(unsafe.Pointer(&c.data[a-a.Chunk()]))
}

// LoadWord reads the word at a
func (m *Memory) LoadWord(a address.Address) uint64 {
	return atomic.LoadUint64(m.word(a))
}

// StoreWord writes the word at a
func (m *Memory) StoreWord(a address.Address, v uint64) {
	atomic.StoreUint64(m.word(a), v)
}

// CompareAndSwapWord atomically replaces the word at a when it holds old
func (m *Memory) CompareAndSwapWord(a address.Address, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(m.word(a), old, new)
}

// LoadAddress reads the word at a as an address
func (m *Memory) LoadAddress(a address.Address) address.Address {
	return address.Address(m.LoadWord(a))
}

// StoreAddress writes v to the word at a
func (m *Memory) StoreAddress(a address.Address, v address.Address) {
	m.StoreWord(a, uint64(v))
}

// each calls fn for every chunk-contained piece of [a, a+n)
func (m *Memory) each(a address.Address, n uintptr, fn func(b []byte)) {
	for n > 0 {
		c := m.chunk(a)
		off := a - a.Chunk()
		k := uintptr(address.BytesInChunk - off)
		if k > n {
			k = n
		}
		fn(c.data[off : uintptr(off)+k])
		a = a.Add(k)
		n -= k
	}
}

// Zero clears n bytes starting at a
func (m *Memory) Zero(a address.Address, n uintptr) {
	m.each(a, n, func(b []byte) { clear(b) })
}

// Copy copies n bytes from src to dst. The ranges must not overlap.
func (m *Memory) Copy(dst, src address.Address, n uintptr) {
	m.each(src, n, func(b []byte) {
		m.Write(dst, b)
		dst = dst.Add(uintptr(len(b)))
	})
}

// Write copies p into the heap starting at a
func (m *Memory) Write(a address.Address, p []byte) {
	m.each(a, uintptr(len(p)), func(b []byte) {
		p = p[copy(b, p):]
	})
}

// Read copies len(p) heap bytes starting at a into p
func (m *Memory) Read(a address.Address, p []byte) {
	m.each(a, uintptr(len(p)), func(b []byte) {
		p = p[copy(p, b):]
	})
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
