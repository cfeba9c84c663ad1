// ABOUTME: Retained sizes from the dominator tree
// ABOUTME: An object retains itself and everything it dominates

package snapshot

// RetainedSize returns, for each reachable object, the bytes that would
// become unreachable if it were removed
func RetainedSize(g Graph) map[ObjID]uint64 {
	return retained(g, DominatorTree(Dominators(g)))
}

// RetainedSizeSubsets is RetainedSize restricted to targets. Unknown and
// unreachable targets are left out.
func RetainedSizeSubsets(g Graph, targets []ObjID) map[ObjID]uint64 {
	out := make(map[ObjID]uint64)
	if len(targets) == 0 {
		return out
	}
	all := RetainedSize(g)
	for _, id := range targets {
		if size, ok := all[id]; ok {
			out[id] = size
		}
	}
	return out
}

// retained sums sizes bottom-up with an explicit post-order walk
func retained(g Graph, tree map[ObjID][]ObjID) map[ObjID]uint64 {
	size := func(id ObjID) uint64 {
		if o := g.GetObject(id); o != nil {
			return o.Size
		}
		return 0
	}
	out := make(map[ObjID]uint64, len(tree))
	type frame struct {
		id       ObjID
		expanded bool
	}
	stack := []frame{{id: SuperRoot}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !f.expanded {
			stack = append(stack, frame{id: f.id, expanded: true})
			for _, child := range tree[f.id] {
				stack = append(stack, frame{id: child})
			}
			continue
		}
		total := size(f.id)
		for _, child := range tree[f.id] {
			total += out[child]
		}
		out[f.id] = total
	}
	delete(out, SuperRoot)
	return out
}

// Top returns up to n objects with the largest retained size, largest
// first and ties broken by ID
func Top(sizes map[ObjID]uint64, n int) []ObjID {
	ids := make([]ObjID, 0, len(sizes))
	for id := range sizes {
		ids = append(ids, id)
	}
	sortBy(ids, func(a, b ObjID) bool {
		if sizes[a] != sizes[b] {
			return sizes[a] > sizes[b]
		}
		return a < b
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}
