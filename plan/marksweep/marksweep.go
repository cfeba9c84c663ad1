// ABOUTME: Non-moving mark-sweep plan over size-class cells
// ABOUTME: Release sweeps every block in parallel, one packet per block

// Package marksweep registers the "marksweep" plan.
package marksweep

import (
	"sync/atomic"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/plan"
	"github.com/prateek/memkit/policy"
	"github.com/prateek/memkit/scheduler"
	"github.com/prateek/memkit/space"
)

// Name is the option value selecting this plan
const Name = "marksweep"

func init() { plan.Register(Name, New) }

// MarkSweep marks live cells and sweeps the rest
type MarkSweep struct {
	*plan.Common
	ms *policy.MarkSweepSpace

	// live cells found by the sweep of the last cycle
	swept atomic.Int64
}

// New builds the plan over c
func New(c *plan.Common) (plan.Plan, error) {
	return &MarkSweep{
		Common: c,
		ms:     policy.NewMarkSweepSpace("ms", plan.FirstPlanSpace, c.Env),
	}, nil
}

func (p *MarkSweep) Name() string { return Name }

// Space returns the mark-sweep space
func (p *MarkSweep) Space() *policy.MarkSweepSpace { return p.ms }

func (p *MarkSweep) Spaces() []space.Space {
	return append(p.Common.Spaces(), p.ms)
}

func (p *MarkSweep) AllocatorMapping() alloc.Mapping {
	m := alloc.Mapping{}
	m[alloc.Default] = p.ms
	m[alloc.NonMoving] = p.ms
	m[alloc.Immortal] = p.Immortal
	m[alloc.Los] = p.LOS
	return m
}

// Release forgets the free cells and sweeps every block
func (p *MarkSweep) Release(w *scheduler.Worker) {
	p.Common.Release(w)
	p.ms.Release(true)
	p.swept.Store(0)
	for _, b := range p.ms.Blocks() {
		w.AddWork(scheduler.Release, &SweepBlock{p: p, block: b})
	}
}

// LiveCells returns the live cells counted by the last sweep
func (p *MarkSweep) LiveCells() int64 { return p.swept.Load() }

// SweepBlock sweeps one block
type SweepBlock struct {
	p     *MarkSweep
	block address.Address
}

func (s *SweepBlock) Do(*scheduler.Worker) {
	s.p.swept.Add(int64(s.p.ms.SweepBlock(s.block)))
}
