// ABOUTME: Fuzz tests for the chunk set decoder
// ABOUTME: Decoding arbitrary bytes must never panic and must round trip

//go:build go1.18
// +build go1.18

package heap

import (
	"reflect"
	"testing"
)

func FuzzDecodeChunkSet(f *testing.F) {
	f.Add(EncodeChunkSet(nil, 0, nil))
	f.Add(EncodeChunkSet(nil, 4, ChunkSet{1, 2, 3, 77}))
	f.Add([]byte{1, 0, 1, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		space, set, err := DecodeChunkSet(data)
		if err != nil {
			return
		}
		// Anything accepted must be a normalized set that encodes back
		if !reflect.DeepEqual(set, append(ChunkSet(nil), set...).Normalize()) {
			t.Fatalf("decoded set %v is not normalized", set)
		}
		again := EncodeChunkSet(nil, space, set)
		space2, set2, err := DecodeChunkSet(again)
		if err != nil || space2 != space || !reflect.DeepEqual(set, set2) {
			t.Fatalf("re-encoding changed the set: %v %v %v", err, set, set2)
		}
	})
}
