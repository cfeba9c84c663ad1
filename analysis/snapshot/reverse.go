// ABOUTME: Builds reverse edges for graph traversal
// ABOUTME: Maps objects to their referrers for paths-to-roots and dominators

package snapshot

// ReverseEdges maps each object to the objects that point to it. Roots
// are referred to by SuperRoot.
type ReverseEdges map[ObjID][]ObjID

func BuildReverseEdges(g Graph) ReverseEdges {
	reverse := make(ReverseEdges)
	for _, id := range g.GetRoots().IDs {
		reverse[id] = append(reverse[id], SuperRoot)
	}
	g.ForEachObject(func(obj *Object) {
		for _, target := range obj.Ptrs {
			reverse[target] = append(reverse[target], obj.ID)
		}
	})
	return reverse
}
