// ABOUTME: JSON encoding of snapshots for offline analysis
// ABOUTME: A dump lists objects with their outgoing references and the root IDs

package snapshot

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/prateek/memkit/address"
)

type jsonDump struct {
	Objects []jsonObject `json:"objects"`
	Roots   []ObjID      `json:"roots"`
}

type jsonObject struct {
	ID    ObjID   `json:"id"`
	Addr  string  `json:"addr,omitempty"`
	Space string  `json:"space,omitempty"`
	Size  uint64  `json:"size"`
	Ptrs  []ObjID `json:"ptrs"`
}

// WriteJSON encodes g to w
func WriteJSON(w io.Writer, g Graph) error {
	var d jsonDump
	g.ForEachObject(func(o *Object) {
		jo := jsonObject{ID: o.ID, Space: o.Space, Size: o.Size, Ptrs: o.Ptrs}
		if !o.Addr.IsZero() {
			jo.Addr = o.Addr.String()
		}
		if jo.Ptrs == nil {
			jo.Ptrs = []ObjID{}
		}
		d.Objects = append(d.Objects, jo)
	})
	d.Roots = g.GetRoots().IDs
	if d.Roots == nil {
		d.Roots = []ObjID{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

// ReadJSON decodes a dump written by WriteJSON
func ReadJSON(r io.Reader) (*MemGraph, error) {
	var d jsonDump
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	g := NewMemGraph()
	for i, jo := range d.Objects {
		if jo.ID == SuperRoot {
			return nil, fmt.Errorf("object at index %d missing ID", i)
		}
		o := &Object{ID: jo.ID, Space: jo.Space, Size: jo.Size, Ptrs: jo.Ptrs}
		if jo.Addr != "" {
			a, err := address.Parse(jo.Addr)
			if err != nil {
				return nil, fmt.Errorf("object %d: %w", jo.ID, err)
			}
			o.Addr = a
		}
		g.AddObject(o)
	}
	for _, id := range d.Roots {
		if g.GetObject(id) == nil {
			return nil, fmt.Errorf("root %d is not an object", id)
		}
	}
	g.SetRoots(Roots{IDs: d.Roots})
	return g, nil
}
