// ABOUTME: Debug checker for side metadata accesses
// ABOUTME: Validates mapping, registration and access contracts and keeps a shadow copy of every value

package metadata

import (
	"log/slog"
	"sync"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/fault"
)

type shadowKey struct {
	table   int
	granule address.Address
}

// sanity serializes every metadata operation and mirrors the stored values
// in a map. A value read back that differs from its shadow was written
// behind the table's back.
type sanity struct {
	ctx    *Context
	mu     sync.Mutex
	shadow map[shadowKey]uint64
}

func newSanity(c *Context) *sanity {
	return &sanity{ctx: c, shadow: make(map[shadowKey]uint64)}
}

func granule(t *Table, a address.Address) address.Address {
	return a.AlignDown(1 << t.LogGranule)
}

// check validates one access. atomic says whether the operation is atomic,
// write whether it mutates.
func (s *sanity) check(t *Table, a address.Address, atomic, write bool) {
	if !a.InHeap() {
		fault.Fatal("metadata access outside the heap", slog.String("spec", t.Spec.String()), slog.String("addr", a.String()))
	}
	if t.segment(a) == nil {
		fault.Fatal("metadata access to an unmapped region", slog.String("spec", t.Spec.String()), slog.String("addr", a.String()))
	}
	if t.Scope == Local {
		owner := s.ctx.vm.Owner(a)
		if owner < 0 || !s.ctx.IsRegistered(t, owner) {
			fault.Fatal("local metadata accessed for a space that did not register it",
				slog.String("spec", t.Spec.String()), slog.String("addr", a.String()), slog.Int("space", owner))
		}
	}
	if !write {
		return
	}
	if !atomic && t.Access == Atomic {
		fault.Fatal("plain write to an atomic metadata field", slog.String("spec", t.Spec.String()), slog.String("addr", a.String()))
	}
	if t.Access == PhaseExclusive && !s.ctx.exclusive() {
		fault.Fatal("phase-exclusive metadata written outside its phase", slog.String("spec", t.Spec.String()), slog.String("addr", a.String()))
	}
}

func (s *sanity) load(t *Table, a address.Address) uint64 {
	s.check(t, a, true, false)
	s.mu.Lock()
	defer s.mu.Unlock()
	v := t.load(a)
	s.verify(t, a, v)
	return v
}

func (s *sanity) mutate(t *Table, a address.Address, atomic bool, op func() (uint64, uint64)) uint64 {
	s.check(t, a, atomic, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, v := op()
	s.verify(t, a, old)
	k := shadowKey{t.id, granule(t, a)}
	if v == 0 {
		delete(s.shadow, k)
	} else {
		s.shadow[k] = v
	}
	return old
}

func (s *sanity) verify(t *Table, a address.Address, actual uint64) {
	if want := s.shadow[shadowKey{t.id, granule(t, a)}]; want != actual {
		fault.Fatal("corrupted side metadata",
			slog.String("spec", t.Spec.String()), slog.String("addr", a.String()),
			slog.Uint64("expected", want), slog.Uint64("actual", actual))
	}
}

// bzero clears [start, end) inside one chunk and its shadow
func (s *sanity) bzero(t *Table, start, end address.Address) {
	s.check(t, start, true, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	t.bzero(start, end.Diff(start))
	step := uintptr(1) << t.LogGranule
	for g := granule(t, start); g < end; g = g.Add(step) {
		delete(s.shadow, shadowKey{t.id, g})
	}
}

// forget drops shadow values of unmapped chunks
func (s *sanity) forget(start, end address.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.shadow {
		if k.granule >= start && k.granule < end {
			delete(s.shadow, k)
		}
	}
}
