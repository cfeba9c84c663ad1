// ABOUTME: Immediate dominators of every reachable object
// ABOUTME: Iterative data-flow algorithm over reverse postorder with two-finger intersection

package snapshot

// Dominators returns the immediate dominator of each object reachable from
// the roots. Roots not reachable through another object are dominated by
// SuperRoot, which has no entry itself.
func Dominators(g Graph) map[ObjID]ObjID {
	succ := func(id ObjID) []ObjID {
		if id == SuperRoot {
			return g.GetRoots().IDs
		}
		if o := g.GetObject(id); o != nil {
			return o.Ptrs
		}
		return nil
	}

	// Postorder numbering with an explicit stack; deep object chains would
	// overflow recursion.
	type frame struct {
		id   ObjID
		next int
	}
	post := make(map[ObjID]int)
	visited := map[ObjID]bool{SuperRoot: true}
	var order []ObjID
	stack := []frame{{id: SuperRoot}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		s := succ(top.id)
		if top.next < len(s) {
			w := s[top.next]
			top.next++
			if !visited[w] && (w == SuperRoot || g.GetObject(w) != nil) {
				visited[w] = true
				stack = append(stack, frame{id: w})
			}
			continue
		}
		post[top.id] = len(order)
		order = append(order, top.id)
		stack = stack[:len(stack)-1]
	}

	preds := BuildReverseEdges(g)
	const undefined = -1
	idom := make([]int, len(order))
	for i := range idom {
		idom[i] = undefined
	}
	start := post[SuperRoot]
	idom[start] = start

	intersect := func(a, b int) int {
		for a != b {
			for a < b {
				a = idom[a]
			}
			for b < a {
				b = idom[b]
			}
		}
		return a
	}

	for changed := true; changed; {
		changed = false
		for i := len(order) - 2; i >= 0; i-- {
			n := post[order[i]]
			cur := undefined
			for _, p := range preds[order[i]] {
				pn, ok := post[p]
				if !ok || idom[pn] == undefined {
					continue
				}
				if cur == undefined {
					cur = pn
				} else {
					cur = intersect(pn, cur)
				}
			}
			if cur != undefined && idom[n] != cur {
				idom[n] = cur
				changed = true
			}
		}
	}

	out := make(map[ObjID]ObjID, len(order)-1)
	for i, id := range order {
		if id != SuperRoot {
			out[id] = order[idom[i]]
		}
	}
	return out
}

// DominatorTree inverts idom into a map from each node to the nodes it
// immediately dominates. SuperRoot is always present.
func DominatorTree(idom map[ObjID]ObjID) map[ObjID][]ObjID {
	tree := map[ObjID][]ObjID{SuperRoot: {}}
	for node := range idom {
		if _, ok := tree[node]; !ok {
			tree[node] = []ObjID{}
		}
	}
	for node, dom := range idom {
		tree[dom] = append(tree[dom], node)
	}
	return tree
}
