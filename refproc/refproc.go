// ABOUTME: Reference and finalizer processing between closure and release
// ABOUTME: Clears dead referents, retains soft referents and delays finalization by one cycle

// Package refproc processes reference objects and finalizable objects once
// the strong closure has reached its fixed point. Every address it keeps is
// re-forwarded, so moving collections are handled transparently.
package refproc

import (
	"fmt"
	"sync"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/vm"
)

// Kind is the strength of a reference
type Kind int

const (
	Soft Kind = iota
	Weak
	Phantom
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Soft:
		return "soft"
	case Weak:
		return "weak"
	case Phantom:
		return "phantom"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Tracer is the view of the running trace reference processing needs
type Tracer interface {
	// GetForwarded returns obj's address after the trace, Zero if it died.
	GetForwarded(obj address.Address) address.Address
	// Retain keeps obj alive, tracing it and what it reaches in the current
	// stage, and returns its new address.
	Retain(obj address.Address) address.Address
}

type finalizable struct {
	obj address.Address
	// unreached is set once a cycle found obj unreachable
	unreached bool
}

// Stats counts what the last cycle did
type Stats struct {
	Cleared  [numKinds]int
	Retained [numKinds]int
	// Finalizable counts objects that became ready for finalization.
	Finalizable int
}

// Processor holds the reference and finalizer records of an engine
type Processor struct {
	glue vm.ReferenceGlue
	// strong disables reference semantics: every referent is retained.
	strong       bool
	noFinalizers bool

	mu      sync.Mutex
	refs    [numKinds][]address.Address
	final   []finalizable
	ready   []address.Address
	found   []address.Address
	cleared []address.Address
	stats   Stats
}

// New creates a processor. With strong set, references keep their
// referents alive; with noFinalizers set, finalizer registrations are ignored.
func New(glue vm.ReferenceGlue, strong, noFinalizers bool) *Processor {
	return &Processor{glue: glue, strong: strong, noFinalizers: noFinalizers}
}

// Add registers a reference object of kind k
func (p *Processor) Add(k Kind, ref address.Address) {
	p.mu.Lock()
	p.refs[k] = append(p.refs[k], ref)
	p.mu.Unlock()
}

// AddFinalizer registers obj for finalization once it becomes unreachable
func (p *Processor) AddFinalizer(obj address.Address) {
	if p.noFinalizers {
		return
	}
	p.mu.Lock()
	p.final = append(p.final, finalizable{obj: obj})
	p.mu.Unlock()
}

// GetFinalized pops an object whose finalizer may run now
func (p *Processor) GetFinalized() (address.Address, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ready) == 0 {
		return address.Zero, false
	}
	obj := p.ready[0]
	p.ready = p.ready[1:]
	return obj, true
}

// Counts returns the registered references per kind and the finalizable
// objects not yet handed out
func (p *Processor) Counts() (refs [numKinds]int, finalizable int, ready int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.refs {
		refs[k] = len(p.refs[k])
	}
	return refs, len(p.final), len(p.ready)
}

// BeginCycle resets per-cycle statistics
func (p *Processor) BeginCycle() {
	p.mu.Lock()
	p.stats = Stats{}
	p.mu.Unlock()
}

// ScanSoft retains the referents of live soft references. In an emergency
// collection soft references are cleared like weak ones instead.
func (p *Processor) ScanSoft(t Tracer, emergency bool) {
	if emergency && !p.strong {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retainAll(t, Soft)
}

// ScanWeak clears weak references whose referent died. Soft references
// are included in an emergency.
func (p *Processor) ScanWeak(t Tracer, emergency bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.strong {
		p.retainAll(t, Weak)
		return
	}
	p.clearDead(t, Weak)
	if emergency {
		p.clearDead(t, Soft)
	}
}

// ScanPhantom clears phantom references whose referent died
func (p *Processor) ScanPhantom(t Tracer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.strong {
		p.retainAll(t, Phantom)
		return
	}
	p.clearDead(t, Phantom)
}

func (p *Processor) retainAll(t Tracer, k Kind) {
	kept := p.refs[k][:0]
	for _, ref := range p.refs[k] {
		ref = t.GetForwarded(ref)
		if ref.IsZero() {
			continue
		}
		if referent := p.glue.Referent(ref); !referent.IsZero() {
			p.glue.SetReferent(ref, t.Retain(referent))
			p.stats.Retained[k]++
		}
		kept = append(kept, ref)
	}
	p.refs[k] = kept
}

func (p *Processor) clearDead(t Tracer, k Kind) {
	kept := p.refs[k][:0]
	for _, ref := range p.refs[k] {
		ref = t.GetForwarded(ref)
		if ref.IsZero() {
			// The reference object itself died
			continue
		}
		referent := p.glue.Referent(ref)
		if referent.IsZero() {
			continue
		}
		moved := t.GetForwarded(referent)
		if moved.IsZero() {
			p.glue.SetReferent(ref, address.Zero)
			p.cleared = append(p.cleared, ref)
			p.stats.Cleared[k]++
			continue
		}
		if moved != referent {
			p.glue.SetReferent(ref, moved)
		}
		kept = append(kept, ref)
	}
	p.refs[k] = kept
}

// ScanFinalizable resurrects unreachable finalizable objects. An object
// found unreachable is kept alive for one more cycle; found unreachable
// again it becomes ready and stays alive until the runtime has taken it.
func (p *Processor) ScanFinalizable(t Tracer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.final[:0]
	for _, f := range p.final {
		if moved := t.GetForwarded(f.obj); !moved.IsZero() {
			kept = append(kept, finalizable{obj: moved})
			continue
		}
		obj := t.Retain(f.obj)
		if !f.unreached {
			kept = append(kept, finalizable{obj: obj, unreached: true})
			continue
		}
		p.found = append(p.found, obj)
		p.stats.Finalizable++
	}
	p.final = kept
	for i, obj := range p.ready {
		p.ready[i] = t.Retain(obj)
	}
}

// EndCycle hands cleared references and newly finalizable objects to the
// runtime. It returns the statistics of the cycle.
func (p *Processor) EndCycle(coll vm.Collection) Stats {
	p.mu.Lock()
	cleared := p.cleared
	p.cleared = nil
	found := len(p.found)
	p.ready = append(p.ready, p.found...)
	p.found = nil
	stats := p.stats
	p.mu.Unlock()

	if len(cleared) > 0 {
		p.glue.EnqueueReferences(cleared)
	}
	if found > 0 && coll != nil {
		coll.ScheduleFinalization()
	}
	return stats
}
