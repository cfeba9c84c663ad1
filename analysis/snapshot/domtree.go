// ABOUTME: Queries over a dominator tree
// ABOUTME: Depths, dominator chains and dominance tests

package snapshot

// DominatorDepth returns the depth of every node of tree; SuperRoot is 0
func DominatorDepth(tree map[ObjID][]ObjID) map[ObjID]int {
	depth := map[ObjID]int{SuperRoot: 0}
	queue := []ObjID{SuperRoot}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, child := range tree[n] {
			depth[child] = depth[n] + 1
			queue = append(queue, child)
		}
	}
	return depth
}

// DominatorPath returns node followed by its chain of dominators, ending
// with SuperRoot
func DominatorPath(idom map[ObjID]ObjID, node ObjID) []ObjID {
	path := []ObjID{node}
	for node != SuperRoot {
		dom, ok := idom[node]
		if !ok {
			dom = SuperRoot
		}
		path = append(path, dom)
		node = dom
	}
	return path
}

// IsDominated reports whether every path from the roots to node passes
// through dominator. A node dominates itself.
func IsDominated(idom map[ObjID]ObjID, node, dominator ObjID) bool {
	for {
		if node == dominator {
			return true
		}
		if node == SuperRoot {
			return false
		}
		dom, ok := idom[node]
		if !ok {
			return false
		}
		node = dom
	}
}
