// ABOUTME: Captures the object graph reachable from a set of roots
// ABOUTME: Read-only walk through the runtime's object model while the world is stopped

package snapshot

import (
	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/vm"
)

// Capture walks the heap from roots breadth first and numbers objects in
// discovery order. spaceOf names the space of an object and may be nil.
func Capture(om vm.ObjectModel, roots []address.Address, spaceOf func(address.Address) string) *MemGraph {
	g := NewMemGraph()
	ids := make(map[address.Address]ObjID)
	var queue []*Object
	intern := func(a address.Address) ObjID {
		if id, ok := ids[a]; ok {
			return id
		}
		id := ObjID(len(ids) + 1)
		ids[a] = id
		o := &Object{ID: id, Addr: a, Size: uint64(om.Size(a))}
		if spaceOf != nil {
			o.Space = spaceOf(a)
		}
		queue = append(queue, o)
		return id
	}

	var rs Roots
	seen := make(map[ObjID]bool)
	for _, r := range roots {
		if r.IsZero() {
			continue
		}
		if id := intern(r); !seen[id] {
			seen[id] = true
			rs.IDs = append(rs.IDs, id)
		}
	}
	for len(queue) > 0 {
		o := queue[0]
		queue = queue[1:]
		om.ScanObject(o.Addr, func(s vm.Slot) {
			if t := s.Load(); !t.IsZero() {
				o.Ptrs = append(o.Ptrs, intern(t))
			}
		})
		g.AddObject(o)
	}
	g.SetRoots(rs)
	return g
}
