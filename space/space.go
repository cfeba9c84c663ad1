// ABOUTME: Space capability interface and the state every space shares
// ABOUTME: Common implements page acquisition with collection polling

// Package space defines what every region of the managed heap offers,
// regardless of the policy that governs it.
package space

import (
	"fmt"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/fault"
	"github.com/prateek/memkit/heap"
	"github.com/prateek/memkit/metadata"
)

// Kind identifies the policy of a space
type Kind uint8

const (
	KindNone Kind = iota
	KindCopy
	KindImmortal
	KindLargeObject
	KindMarkSweep
	KindRegion
	NumKinds
)

var kindNames = [NumKinds]string{"none", "copy", "immortal", "large-object", "mark-sweep", "region"}

func (k Kind) String() string {
	if k < NumKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Space is the capability set of a heap region. Tracing is not part of it:
// the policy dispatcher calls each policy's trace directly.
type Space interface {
	Base() *Common
	// IsLive reports whether obj survived the current or most recent trace.
	IsLive(obj address.Address) bool
	// IsMovable reports whether the space may relocate objects.
	IsMovable() bool
	// InitializeObjectMetadata records a freshly allocated object.
	InitializeObjectMetadata(obj address.Address, size uintptr)
	Prepare(full bool)
	Release(full bool)
}

// Poller decides whether an acquisition should trigger a collection.
// Poll returns true when a collection was requested instead.
type Poller interface {
	Poll(spaceFull bool, s Space) bool
}

// Env carries the heap services spaces are built on
type Env struct {
	VM         heap.VMMap
	Accounting *heap.Accounting
	Meta       *metadata.Context
	Table      *Table
	Poller     Poller
}

// Common is the state shared by all spaces
type Common struct {
	name    string
	id      int
	kind    Kind
	self    Space
	env     *Env
	pr      heap.PageResource
	VO      *metadata.Table
}

// NewCommon initializes the shared state of a space and registers its id
// with the dispatch table.
func NewCommon(name string, id int, kind Kind, env *Env) *Common {
	if id < 0 || id >= address.MaxSpaces {
		fault.Fatalf("space %s: id %d out of range", name, id)
	}
	env.Table.Register(id, kind)
	return &Common{
		name: name,
		id:   id,
		kind: kind,
		env:  env,
		VO:   env.Meta.Add(metadata.ValidObject),
	}
}

// Bind attaches the space's page resource and its outer value
func (c *Common) Bind(self Space, pr heap.PageResource) {
	c.self = self
	c.pr = pr
}

func (c *Common) Name() string                     { return c.name }
func (c *Common) ID() int                          { return c.id }
func (c *Common) Kind() Kind                       { return c.kind }
func (c *Common) Env() *Env                        { return c.env }
func (c *Common) PageResource() heap.PageResource { return c.pr }
func (c *Common) Memory() *heap.Memory             { return c.env.VM.Memory() }
func (c *Common) String() string                   { return c.name }

// NewCounter registers this space's page counter
func (c *Common) NewCounter() *heap.PageCounter {
	return c.env.Accounting.NewCounter(c.name)
}

// RegisterMetadata makes local tables valid for this space
func (c *Common) RegisterMetadata(tables ...*metadata.Table) {
	for _, t := range tables {
		c.env.Meta.Register(t, c.id)
	}
}

// ReservedPages returns the pages this space holds or has promised
func (c *Common) ReservedPages() int { return c.pr.Counter().Reserved() }

// CommittedPages returns the pages handed out by this space
func (c *Common) CommittedPages() int { return c.pr.Counter().Committed() }

// InSpace reports whether a lies in a chunk this space owns
func (c *Common) InSpace(a address.Address) bool {
	return c.env.Table.SpaceID(a) == c.id
}

// Acquire returns pages fresh pages for an allocator. Mutator requests first
// poll for a collection; address.Zero means the caller must wait for the
// requested collection or give up.
func (c *Common) Acquire(pages int, mutator bool) address.Address {
	counter := c.pr.Counter()
	counter.Reserve(pages)
	if mutator && c.env.Poller.Poll(false, c.self) {
		counter.Unreserve(pages)
		return address.Zero
	}
	a := c.pr.Allocate(pages)
	if a.IsZero() {
		counter.Unreserve(pages)
		if mutator {
			c.env.Poller.Poll(true, c.self)
		}
		return address.Zero
	}
	return a
}

// SetValidObject marks obj as an allocated object start
func (c *Common) SetValidObject(obj address.Address) {
	c.VO.StoreAtomic(obj, 1)
}

// ClearValidObject drops obj's object start mark
func (c *Common) ClearValidObject(obj address.Address) {
	c.VO.StoreAtomic(obj, 0)
}

// IsValidObject reports whether an object starts at a
func (c *Common) IsValidObject(a address.Address) bool {
	return a.IsAligned(address.MinObjectSize) && c.VO.IsMapped(a) && c.VO.Load(a) != 0
}
