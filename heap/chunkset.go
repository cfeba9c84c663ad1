// ABOUTME: Chunk sets and their compact run-length binary encoding
// ABOUTME: Encoded sets carry a CRC-16 trailer so corrupted input is rejected

package heap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/sigurn/crc16"

	"github.com/prateek/memkit/address"
)

var (
	// ErrChecksum is returned when an encoded chunk set fails its checksum
	ErrChecksum = errors.New("chunk set checksum mismatch")
	// ErrMalformed is returned for encodings that do not describe a chunk set
	ErrMalformed = errors.New("malformed chunk set")
)

const chunkSetVersion = 1

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// ChunkSet is a sorted set of chunk indices
type ChunkSet []int

// Runs groups the set into maximal runs of consecutive chunks
func (s ChunkSet) Runs() []Run {
	var runs []Run
	for _, c := range s {
		if n := len(runs); n > 0 && runs[n-1].End() == c {
			runs[n-1].Len++
			continue
		}
		runs = append(runs, Run{First: c, Len: 1})
	}
	return runs
}

// Normalize sorts the set and drops duplicates
func (s ChunkSet) Normalize() ChunkSet {
	sort.Ints(s)
	out := s[:0]
	for i, c := range s {
		if i == 0 || c != s[i-1] {
			out = append(out, c)
		}
	}
	return out
}

// EncodeChunkSet appends the encoding of space's chunk set to buf.
//
// Layout: version, space id, run count, then for every run the gap since
// the end of the previous run and its length, all as uvarints, followed by
// a big endian CRC-16 of the preceding bytes.
func EncodeChunkSet(buf []byte, space int, set ChunkSet) []byte {
	start := len(buf)
	runs := set.Runs()
	buf = append(buf, chunkSetVersion)
	buf = binary.AppendUvarint(buf, uint64(space))
	buf = binary.AppendUvarint(buf, uint64(len(runs)))
	prev := 0
	for _, r := range runs {
		buf = binary.AppendUvarint(buf, uint64(r.First-prev))
		buf = binary.AppendUvarint(buf, uint64(r.Len))
		prev = r.End()
	}
	return binary.BigEndian.AppendUint16(buf, crc16.Checksum(buf[start:], crcTable))
}

// DecodeChunkSet decodes one encoded chunk set
func DecodeChunkSet(data []byte) (space int, set ChunkSet, err error) {
	if len(data) < 3 {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	body, trailer := data[:len(data)-2], data[len(data)-2:]
	if crc16.Checksum(body, crcTable) != binary.BigEndian.Uint16(trailer) {
		return 0, nil, ErrChecksum
	}
	if body[0] != chunkSetVersion {
		return 0, nil, fmt.Errorf("%w: version %d", ErrMalformed, body[0])
	}

	r := bytes.NewReader(body[1:])
	read := func(what string) (uint64, error) {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("%w: reading %s: %v", ErrMalformed, what, err)
		}
		return v, nil
	}

	id, err := read("space")
	if err != nil {
		return 0, nil, err
	}
	if id >= address.MaxSpaces {
		return 0, nil, fmt.Errorf("%w: space id %d", ErrMalformed, id)
	}
	nruns, err := read("run count")
	if err != nil {
		return 0, nil, err
	}
	// Every run takes at least two bytes
	if nruns > uint64(r.Len())/2 {
		return 0, nil, fmt.Errorf("%w: %d runs in %d bytes", ErrMalformed, nruns, r.Len())
	}

	end := uint64(0)
	for i := uint64(0); i < nruns; i++ {
		gap, err := read("gap")
		if err != nil {
			return 0, nil, err
		}
		n, err := read("run length")
		if err != nil {
			return 0, nil, err
		}
		if gap > uint64(address.MaxChunks) || n > uint64(address.MaxChunks) {
			return 0, nil, fmt.Errorf("%w: run %d out of range", ErrMalformed, i)
		}
		first := end + gap
		if n == 0 || (i > 0 && gap == 0) || first+n > uint64(address.MaxChunks) {
			return 0, nil, fmt.Errorf("%w: run %d at %d+%d", ErrMalformed, i, first, n)
		}
		for c := first; c < first+n; c++ {
			set = append(set, int(c))
		}
		end = first + n
	}
	if r.Len() != 0 {
		return 0, nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Len())
	}
	return int(id), set, nil
}
