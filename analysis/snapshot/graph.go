// ABOUTME: Graph interface and the in-memory graph a snapshot is captured into
// ABOUTME: Keeps objects in ID order so traversals are deterministic

package snapshot

import (
	"sort"
	"sync"

	"github.com/prateek/memkit/address"
)

// Graph is a heap object graph
type Graph interface {
	AddObject(obj *Object)
	GetObject(id ObjID) *Object
	NumObjects() int
	// ForEachObject visits objects in ascending ID order.
	ForEachObject(fn func(*Object))
	SetRoots(roots Roots)
	GetRoots() Roots
}

// MemGraph is an in-memory Graph
type MemGraph struct {
	mu      sync.RWMutex
	objects map[ObjID]*Object
	byAddr  map[address.Address]ObjID
	order   []ObjID
	sorted  bool
	roots   Roots
}

func NewMemGraph() *MemGraph {
	return &MemGraph{
		objects: make(map[ObjID]*Object),
		byAddr:  make(map[address.Address]ObjID),
		sorted:  true,
	}
}

// AddObject adds obj, replacing an object with the same ID
func (g *MemGraph) AddObject(obj *Object) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.objects[obj.ID]; !ok {
		if n := len(g.order); n > 0 && g.order[n-1] > obj.ID {
			g.sorted = false
		}
		g.order = append(g.order, obj.ID)
	}
	g.objects[obj.ID] = obj
	if !obj.Addr.IsZero() {
		g.byAddr[obj.Addr] = obj.ID
	}
}

func (g *MemGraph) GetObject(id ObjID) *Object {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.objects[id]
}

// Lookup returns the ID of the object at a
func (g *MemGraph) Lookup(a address.Address) (ObjID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byAddr[a]
	return id, ok
}

func (g *MemGraph) NumObjects() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.objects)
}

func (g *MemGraph) ForEachObject(fn func(*Object)) {
	g.mu.Lock()
	if !g.sorted {
		sort.Slice(g.order, func(i, j int) bool { return g.order[i] < g.order[j] })
		g.sorted = true
	}
	objs := make([]*Object, len(g.order))
	for i, id := range g.order {
		objs[i] = g.objects[id]
	}
	g.mu.Unlock()
	for _, obj := range objs {
		fn(obj)
	}
}

func (g *MemGraph) SetRoots(roots Roots) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roots = roots
}

func (g *MemGraph) GetRoots() Roots {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.roots
}

// TotalSize sums the sizes of every object
func TotalSize(g Graph) uint64 {
	var n uint64
	g.ForEachObject(func(o *Object) { n += o.Size })
	return n
}
