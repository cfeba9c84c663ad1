// ABOUTME: Tests for the paths-to-roots search
// ABOUTME: Validates shortest-first order, cycle handling and the path limit

package snapshot

import (
	"reflect"
	"testing"
)

func TestPathsToRoots(t *testing.T) {
	// 1 (root) -> 2 -> 3
	//             2 -> 4
	g := build([]ObjID{1}, map[ObjID][]ObjID{1: {2}, 2: {3, 4}}, 4)
	tests := []struct {
		name string
		from ObjID
		want []Path
	}{
		{"root itself", 1, []Path{{IDs: []ObjID{1}}}},
		{"one hop", 2, []Path{{IDs: []ObjID{2, 1}}}},
		{"two hops", 3, []Path{{IDs: []ObjID{3, 2, 1}}}},
		{"sibling", 4, []Path{{IDs: []ObjID{4, 2, 1}}}},
		{"unknown object", 9, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PathsToRoots(g, tt.from, 5); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("PathsToRoots(%d) = %v, want %v", tt.from, got, tt.want)
			}
		})
	}
}

func TestPathsWithCycles(t *testing.T) {
	g := build([]ObjID{1}, map[ObjID][]ObjID{1: {2}, 2: {3}, 3: {2}}, 3)
	want := []Path{{IDs: []ObjID{3, 2, 1}}}
	if got := PathsToRoots(g, 3, 5); !reflect.DeepEqual(got, want) {
		t.Errorf("PathsToRoots() = %v, want %v", got, want)
	}
}

func TestUnreachableObjectHasNoPath(t *testing.T) {
	g := build([]ObjID{1}, map[ObjID][]ObjID{2: {3}}, 3)
	if got := PathsToRoots(g, 3, 5); len(got) != 0 {
		t.Errorf("PathsToRoots() = %v, want none", got)
	}
}

func TestPathsShortestFirstAndLimited(t *testing.T) {
	// 4 is reachable from root 1 directly and from root 2 via 3
	g := build([]ObjID{1, 2}, map[ObjID][]ObjID{1: {4}, 2: {3}, 3: {4}}, 4)
	want := []Path{{IDs: []ObjID{4, 1}}, {IDs: []ObjID{4, 3, 2}}}
	if got := PathsToRoots(g, 4, 5); !reflect.DeepEqual(got, want) {
		t.Errorf("PathsToRoots() = %v, want %v", got, want)
	}
	if got := PathsToRoots(g, 4, 1); !reflect.DeepEqual(got, want[:1]) {
		t.Errorf("PathsToRoots(max 1) = %v", got)
	}
	if got := PathsToRoots(g, 4, 0); got != nil {
		t.Errorf("PathsToRoots(max 0) = %v", got)
	}
}
