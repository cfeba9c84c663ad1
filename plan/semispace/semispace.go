// ABOUTME: Two-space copying plan that flips its copy spaces every cycle
// ABOUTME: Mutators allocate into the to-space; a cycle evacuates it into the other half

// Package semispace registers the "semispace" plan.
package semispace

import (
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/plan"
	"github.com/prateek/memkit/policy"
	"github.com/prateek/memkit/scheduler"
	"github.com/prateek/memkit/space"
)

// Name is the option value selecting this plan
const Name = "semispace"

func init() { plan.Register(Name, New) }

// SemiSpace is a copying collector over two halves
type SemiSpace struct {
	*plan.Common
	halves [2]*policy.CopySpace
}

// New builds the plan over c. The first half starts as the allocation space.
func New(c *plan.Common) (plan.Plan, error) {
	p := &SemiSpace{Common: c}
	p.halves[0] = policy.NewCopySpace("copyspace0", plan.FirstPlanSpace, c.Env, c.Binding, false)
	p.halves[1] = policy.NewCopySpace("copyspace1", plan.FirstPlanSpace+1, c.Env, c.Binding, true)
	return p, nil
}

func (p *SemiSpace) Name() string { return Name }

// ToSpace returns the half mutators allocate into
func (p *SemiSpace) ToSpace() *policy.CopySpace {
	if p.halves[0].IsFromSpace() {
		return p.halves[1]
	}
	return p.halves[0]
}

// FromSpace returns the half evacuated by the next cycle
func (p *SemiSpace) FromSpace() *policy.CopySpace {
	if p.halves[0].IsFromSpace() {
		return p.halves[0]
	}
	return p.halves[1]
}

func (p *SemiSpace) Spaces() []space.Space {
	return append(p.Common.Spaces(), p.halves[0], p.halves[1])
}

func (p *SemiSpace) AllocatorMapping() alloc.Mapping {
	m := alloc.Mapping{}
	m[alloc.Default] = p.ToSpace()
	m[alloc.Immortal] = p.Immortal
	m[alloc.NonMoving] = p.Immortal
	m[alloc.Los] = p.LOS
	return m
}

// Prepare flips the halves: the space mutators filled is evacuated into
// the empty one
func (p *SemiSpace) Prepare(w *scheduler.Worker) {
	p.Common.Prepare(w)
	for _, h := range p.halves {
		h.SetFromSpace(!h.IsFromSpace())
	}
}

// Release resets the evacuated half
func (p *SemiSpace) Release(w *scheduler.Worker) {
	p.Common.Release(w)
	p.FromSpace().Release(true)
}

func (p *SemiSpace) CopyDestinations() (d [policy.NumCopySemantics]space.Space) {
	d[policy.DefaultCopy] = p.ToSpace()
	return d
}

// CollectionReserve keeps room to copy everything in the allocation space
func (p *SemiSpace) CollectionReserve() int {
	return p.ToSpace().CommittedPages()
}
