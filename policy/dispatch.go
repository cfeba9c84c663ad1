// ABOUTME: Static dispatch from an address to the policy of its space
// ABOUTME: Resolves through the chunk table and switches over the closed set of kinds

package policy

import (
	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/fault"
	"github.com/prateek/memkit/space"
)

// Dispatcher routes per-object operations to the concrete policy of the
// owning space. Spaces are registered once while a plan is built.
type Dispatcher struct {
	table    *space.Table
	spaces   [address.MaxSpaces]space.Space
	copies   [address.MaxSpaces]*CopySpace
	immortal [address.MaxSpaces]*ImmortalSpace
	large    [address.MaxSpaces]*LargeObjectSpace
	ms       [address.MaxSpaces]*MarkSweepSpace
	regions  [address.MaxSpaces]*RegionSpace
}

// NewDispatcher creates a dispatcher over table
func NewDispatcher(table *space.Table) *Dispatcher {
	return &Dispatcher{table: table}
}

// Add registers s under its id
func (d *Dispatcher) Add(s space.Space) {
	id := s.Base().ID()
	if d.spaces[id] != nil {
		fault.Fatalf("space id %d is taken by %s", id, d.spaces[id].Base().Name())
	}
	d.spaces[id] = s
	switch s := s.(type) {
	case *CopySpace:
		d.copies[id] = s
	case *ImmortalSpace:
		d.immortal[id] = s
	case *LargeObjectSpace:
		d.large[id] = s
	case *MarkSweepSpace:
		d.ms[id] = s
	case *RegionSpace:
		d.regions[id] = s
	default:
		fault.Fatalf("space %s has no policy", s.Base().Name())
	}
}

// Spaces returns the registered spaces in id order
func (d *Dispatcher) Spaces() []space.Space {
	var out []space.Space
	for _, s := range d.spaces {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Space returns the space owning a, or nil
func (d *Dispatcher) Space(a address.Address) space.Space {
	if id := d.table.SpaceID(a); id >= 0 {
		return d.spaces[id]
	}
	return nil
}

func (d *Dispatcher) lookup(obj address.Address) (space.Kind, int) {
	kind, id := d.table.Lookup(obj)
	if id < 0 {
		fault.Fatalf("%s is not in any space", obj)
	}
	return kind, id
}

// TraceObject traces obj and returns the reference to store back
func (d *Dispatcher) TraceObject(q ObjectQueue, obj address.Address, c Copier) address.Address {
	if obj.IsZero() {
		return obj
	}
	kind, id := d.lookup(obj)
	switch kind {
	case space.KindCopy:
		return d.copies[id].TraceObject(q, obj, c)
	case space.KindImmortal:
		return d.immortal[id].TraceObject(q, obj)
	case space.KindLargeObject:
		return d.large[id].TraceObject(q, obj)
	case space.KindMarkSweep:
		return d.ms[id].TraceObject(q, obj)
	case space.KindRegion:
		return d.regions[id].TraceObject(q, obj, c)
	}
	fault.Fatalf("space %d has unknown kind %v", id, kind)
	return address.Zero
}

// IsLive reports whether obj survived the current trace
func (d *Dispatcher) IsLive(obj address.Address) bool {
	if obj.IsZero() {
		return false
	}
	_, id := d.lookup(obj)
	return d.spaces[id].IsLive(obj)
}

// GetForwarded returns where obj lives after the trace, or Zero if it died
func (d *Dispatcher) GetForwarded(obj address.Address) address.Address {
	if obj.IsZero() {
		return obj
	}
	kind, id := d.lookup(obj)
	switch kind {
	case space.KindCopy:
		return d.copies[id].GetForwarded(obj)
	case space.KindRegion:
		return d.regions[id].GetForwarded(obj)
	}
	if d.spaces[id].IsLive(obj) {
		return obj
	}
	return address.Zero
}

// IsMovable reports whether the space holding obj may move it
func (d *Dispatcher) IsMovable(obj address.Address) bool {
	s := d.Space(obj)
	return s != nil && s.IsMovable()
}
