// ABOUTME: Tests for immediate dominators and the dominator tree
// ABOUTME: Table cases plus a seeded comparison against removal-based reachability

package snapshot

import (
	"math/rand"
	"reflect"
	"sort"
	"testing"
)

func build(roots []ObjID, edges map[ObjID][]ObjID, n int) *MemGraph {
	g := NewMemGraph()
	for id := ObjID(1); id <= ObjID(n); id++ {
		g.AddObject(&Object{ID: id, Size: uint64(id) * 8, Ptrs: edges[id]})
	}
	g.SetRoots(Roots{IDs: roots})
	return g
}

func TestDominators(t *testing.T) {
	tests := []struct {
		name     string
		graph    Graph
		expected map[ObjID]ObjID
	}{
		{
			name:     "linear chain",
			graph:    build([]ObjID{2}, map[ObjID][]ObjID{2: {3}, 3: {4}}, 4),
			expected: map[ObjID]ObjID{2: 0, 3: 2, 4: 3},
		},
		{
			name:     "diamond",
			graph:    build([]ObjID{1}, map[ObjID][]ObjID{1: {2, 3}, 2: {4}, 3: {4}}, 4),
			expected: map[ObjID]ObjID{1: 0, 2: 1, 3: 1, 4: 1},
		},
		{
			name:     "two roots sharing a child",
			graph:    build([]ObjID{1, 2}, map[ObjID][]ObjID{1: {3}, 2: {3}}, 3),
			expected: map[ObjID]ObjID{1: 0, 2: 0, 3: 0},
		},
		{
			name:     "cycle back to the root",
			graph:    build([]ObjID{1}, map[ObjID][]ObjID{1: {2}, 2: {3}, 3: {1, 4}}, 4),
			expected: map[ObjID]ObjID{1: 0, 2: 1, 3: 2, 4: 3},
		},
		{
			name: "root reachable through another root",
			graph: build([]ObjID{1, 2}, map[ObjID][]ObjID{1: {2}, 2: {3}}, 3),
			expected: map[ObjID]ObjID{1: 0, 2: 0, 3: 2},
		},
		{
			name:     "unreachable objects are left out",
			graph:    build([]ObjID{1}, map[ObjID][]ObjID{1: {2}, 3: {2}}, 3),
			expected: map[ObjID]ObjID{1: 0, 2: 1},
		},
		{
			name:     "dangling pointer is ignored",
			graph:    build([]ObjID{1}, map[ObjID][]ObjID{1: {2, 99}}, 2),
			expected: map[ObjID]ObjID{1: 0, 2: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Dominators(tt.graph)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Dominators() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDominatorTree(t *testing.T) {
	idom := map[ObjID]ObjID{1: 0, 2: 1, 3: 1, 4: 2}
	tree := DominatorTree(idom)
	for _, children := range tree {
		sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	}
	want := map[ObjID][]ObjID{0: {1}, 1: {2, 3}, 2: {4}, 3: {}, 4: {}}
	if !reflect.DeepEqual(tree, want) {
		t.Errorf("DominatorTree() = %v, want %v", tree, want)
	}

	depth := DominatorDepth(tree)
	if depth[4] != 3 || depth[1] != 1 || depth[0] != 0 {
		t.Errorf("DominatorDepth() = %v", depth)
	}
	if got := DominatorPath(idom, 4); !reflect.DeepEqual(got, []ObjID{4, 2, 1, 0}) {
		t.Errorf("DominatorPath(4) = %v", got)
	}
	if !IsDominated(idom, 4, 1) || IsDominated(idom, 4, 3) || !IsDominated(idom, 3, 3) {
		t.Error("IsDominated disagrees with the tree")
	}
}

// reachableWithout lists what the roots reach when skip is removed
func reachableWithout(g Graph, skip ObjID) map[ObjID]bool {
	seen := make(map[ObjID]bool)
	var stack []ObjID
	for _, r := range g.GetRoots().IDs {
		if r != skip && !seen[r] {
			seen[r] = true
			stack = append(stack, r)
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		o := g.GetObject(n)
		if o == nil {
			continue
		}
		for _, p := range o.Ptrs {
			if p != skip && !seen[p] && g.GetObject(p) != nil {
				seen[p] = true
				stack = append(stack, p)
			}
		}
	}
	return seen
}

func randomGraph(r *rand.Rand, n int) *MemGraph {
	edges := make(map[ObjID][]ObjID)
	for id := ObjID(1); id <= ObjID(n); id++ {
		for k := r.Intn(4); k > 0; k-- {
			edges[id] = append(edges[id], ObjID(1+r.Intn(n)))
		}
	}
	var roots []ObjID
	for k := 1 + r.Intn(3); k > 0; k-- {
		roots = append(roots, ObjID(1+r.Intn(n)))
	}
	return build(roots, edges, n)
}

func TestDominatorsMatchRemovalReachability(t *testing.T) {
	for seed := int64(1); seed <= 40; seed++ {
		r := rand.New(rand.NewSource(seed))
		n := 5 + r.Intn(25)
		g := randomGraph(r, n)
		idom := Dominators(g)
		live := reachableWithout(g, SuperRoot)
		if len(idom) != len(live) {
			t.Fatalf("seed %d: %d dominator entries for %d reachable objects", seed, len(idom), len(live))
		}
		for d := ObjID(1); d <= ObjID(n); d++ {
			without := reachableWithout(g, d)
			for obj := range live {
				want := obj == d || !without[obj]
				if got := IsDominated(idom, obj, d); got != want {
					t.Fatalf("seed %d: IsDominated(%d, %d) = %v, want %v", seed, obj, d, got, want)
				}
			}
		}
	}
}

func TestDominatorsDeepChain(t *testing.T) {
	const n = 200000
	edges := make(map[ObjID][]ObjID, n)
	for id := ObjID(1); id < n; id++ {
		edges[id] = []ObjID{id + 1}
	}
	idom := Dominators(build([]ObjID{1}, edges, n))
	if len(idom) != n || idom[n] != n-1 {
		t.Fatalf("chain of %d: %d entries, idom[last] = %d", n, len(idom), idom[n])
	}
}
