// ABOUTME: Breadth-first search for paths from an object back to the roots
// ABOUTME: Shortest paths first, with cycles along a path skipped

package snapshot

import "sort"

// Path is a chain of objects from a target to a root
type Path struct {
	IDs []ObjID
}

// PathsToRoots returns up to maxPaths shortest paths from ID from to a root
func PathsToRoots(g Graph, from ObjID, maxPaths int) []Path {
	if maxPaths <= 0 || g.GetObject(from) == nil {
		return nil
	}
	reverse := BuildReverseEdges(g)
	isRoot := make(map[ObjID]bool)
	for _, id := range g.GetRoots().IDs {
		isRoot[id] = true
	}
	if isRoot[from] {
		return []Path{{IDs: []ObjID{from}}}
	}

	type node struct {
		id   ObjID
		path []ObjID
	}
	var out []Path
	queue := []node{{id: from, path: []ObjID{from}}}
	for len(queue) > 0 && len(out) < maxPaths {
		n := queue[0]
		queue = queue[1:]
		refs := append([]ObjID(nil), reverse[n.id]...)
		sortBy(refs, func(a, b ObjID) bool { return a < b })
		for _, ref := range refs {
			if ref == SuperRoot || contains(n.path, ref) {
				continue
			}
			path := make([]ObjID, len(n.path)+1)
			copy(path, n.path)
			path[len(n.path)] = ref
			if isRoot[ref] {
				out = append(out, Path{IDs: path})
				if len(out) == maxPaths {
					break
				}
				continue
			}
			queue = append(queue, node{id: ref, path: path})
		}
	}
	return out
}

func contains(ids []ObjID, id ObjID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func sortBy(ids []ObjID, less func(a, b ObjID) bool) {
	sort.Slice(ids, func(i, j int) bool { return less(ids[i], ids[j]) })
}
