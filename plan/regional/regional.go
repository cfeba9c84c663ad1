// ABOUTME: Non-moving-by-default region plan with conditional defragmentation
// ABOUTME: Fragmentation measured by the previous sweep decides whether a cycle evacuates

// Package regional registers the "regional" plan. Objects are allocated
// into free lines of region blocks and marked in place. When the last
// sweep found the reusable blocks fragmented beyond defrag_threshold, or
// the cycle is an emergency, sparse blocks are selected as sources and
// their live objects are evacuated into the headroom. Chunks are prepared
// and swept in parallel.
package regional

import (
	"log/slog"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/plan"
	"github.com/prateek/memkit/policy"
	"github.com/prateek/memkit/scheduler"
	"github.com/prateek/memkit/space"
)

// Name is the option value selecting this plan
const Name = "regional"

func init() { plan.Register(Name, New) }

// Regional is the region plan
type Regional struct {
	*plan.Common
	region *policy.RegionSpace
}

// New builds the plan over c
func New(c *plan.Common) (plan.Plan, error) {
	return &Regional{
		Common: c,
		region: policy.NewRegionSpace("region", plan.FirstPlanSpace, c.Env, c.Binding),
	}, nil
}

func (p *Regional) Name() string { return Name }

// Region returns the region space
func (p *Regional) Region() *policy.RegionSpace { return p.region }

func (p *Regional) Spaces() []space.Space {
	return append(p.Common.Spaces(), p.region)
}

func (p *Regional) AllocatorMapping() alloc.Mapping {
	m := alloc.Mapping{}
	m[alloc.Default] = p.region
	m[alloc.NonMoving] = p.Immortal
	m[alloc.Immortal] = p.Immortal
	m[alloc.Los] = p.LOS
	return m
}

// headroom is the pages kept free for evacuation
func (p *Regional) headroom() int {
	return p.Options.DefragHeadroomPercent * p.TotalPages() / 100
}

func (p *Regional) CollectionReserve() int { return p.headroom() }

// Prepare starts the epoch, chooses evacuation sources and clears the
// marks chunk by chunk
func (p *Regional) Prepare(w *scheduler.Worker) {
	p.Common.Prepare(w)
	p.region.Prepare(true)
	t := p.CurrentTrace()
	if p.region.WantsDefrag(t.Emergency, p.Options.DefragThreshold) {
		budget := p.headroom()
		if t.Emergency {
			budget = max(budget, p.TotalPages()-p.PagesUsed())
		}
		if n := p.region.SelectDefragSources(budget); n > 0 {
			p.SetDefrag(true)
			p.Stats.Count("defrag-sources", int64(n))
			p.Logger.Debug("defragmenting", slog.Int("sources", n), slog.Int("budget_pages", budget))
		}
	}
	for _, c := range p.region.Chunks() {
		w.AddWork(scheduler.Prepare, &PrepareChunk{p: p, chunk: c})
	}
}

// Release ends the epoch and sweeps chunk by chunk
func (p *Regional) Release(w *scheduler.Worker) {
	p.Common.Release(w)
	p.region.Release(true)
	for _, c := range p.region.Chunks() {
		w.AddWork(scheduler.Release, &SweepChunk{p: p, chunk: c})
	}
}

func (p *Regional) CopyDestinations() (d [policy.NumCopySemantics]space.Space) {
	d[policy.Defrag] = p.region
	return d
}

// PrepareChunk clears the marks of one chunk
type PrepareChunk struct {
	p     *Regional
	chunk address.Address
}

func (c *PrepareChunk) Do(*scheduler.Worker) { c.p.region.PrepareChunk(c.chunk) }

// SweepChunk sweeps the blocks of one chunk
type SweepChunk struct {
	p     *Regional
	chunk address.Address
}

func (c *SweepChunk) Do(*scheduler.Worker) { c.p.region.SweepChunk(c.chunk) }
