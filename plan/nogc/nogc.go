// ABOUTME: Plan that allocates and never collects
// ABOUTME: The heap budget bounds the immortal space; exhausting it is out of memory

// Package nogc registers the "nogc" plan. Every allocation goes to the
// immortal space, except large objects, which still get their own pages.
package nogc

import (
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/plan"
	"github.com/prateek/memkit/space"
)

// Name is the option value selecting this plan
const Name = "nogc"

func init() { plan.Register(Name, New) }

// NoGC never collects
type NoGC struct {
	*plan.Common
}

// New builds the plan over c
func New(c *plan.Common) (plan.Plan, error) {
	c.NoCollection = true
	return &NoGC{Common: c}, nil
}

func (p *NoGC) Name() string { return Name }

func (p *NoGC) AllocatorMapping() alloc.Mapping {
	var m alloc.Mapping
	m[alloc.Default] = p.Immortal
	m[alloc.Immortal] = p.Immortal
	m[alloc.NonMoving] = p.Immortal
	m[alloc.Los] = p.LOS
	return m
}

// CollectionRequired refuses pages beyond the heap budget. No cycle runs.
func (p *NoGC) CollectionRequired(bool, space.Space) bool { return p.HeapFull() }
