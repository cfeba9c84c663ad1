// ABOUTME: Test harness running a plan over the simplevm runtime with one mutator thread
// ABOUTME: Builds rooted linked lists, allocates garbage and triggers collections

// Package plantest provides helpers for testing plans end to end.
package plantest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/analysis"
	"github.com/prateek/memkit/options"
	"github.com/prateek/memkit/plan"
	"github.com/prateek/memkit/vm/simplevm"
)

// Env is a running plan with one bound mutator
type Env struct {
	T      testing.TB
	Plan   plan.Plan
	Common *plan.Common
	VM     *simplevm.VM
	Thread *simplevm.Thread
	Mut    *plan.Mutator

	// Analysis is set when the options enable it
	Analysis *analysis.Manager
}

// Options returns small-heap options for plan name with sanity checks on
func Options(name string) options.Options {
	o := options.Default()
	o.Plan = name
	o.HeapSize = 8 << 20
	o.NurserySize = 1 << 20
	o.Threads = 4
	o.SanityChecks = true
	return o
}

// New starts the plan named by o and binds a mutator. Everything is torn
// down when the test ends.
func New(t testing.TB, o options.Options) *Env {
	t.Helper()
	v := simplevm.New()
	p, err := plan.New(plan.Config{Options: o, Binding: v})
	require.NoError(t, err)
	c := p.Base()
	var am *analysis.Manager
	if o.Analysis {
		am = analysis.New(c)
	}
	th := v.NewThread()
	m := c.BindMutator(th.TLS)
	t.Cleanup(func() {
		c.UnbindMutator(m)
		th.Exit()
		c.Shutdown()
	})
	return &Env{T: t, Plan: p, Common: c, VM: v, Thread: th, Mut: m, Analysis: am}
}

// Alloc allocates an object with refs slots and payload bytes, failing
// the test on error
func (e *Env) Alloc(sem alloc.Semantics, refs int, payload uintptr) address.Address {
	e.T.Helper()
	obj, err := e.Thread.New(e.Mut, sem, refs, payload)
	require.NoError(e.T, err)
	return obj
}

// BuildList allocates n nodes linked through slot 0, each holding its
// index in the first payload word, and returns the root holding the head
// (the node with index n-1).
func (e *Env) BuildList(n int, sem alloc.Semantics, payload uintptr) int {
	e.T.Helper()
	if payload < address.BytesInWord {
		payload = address.BytesInWord
	}
	r := e.Thread.Push(address.Zero)
	for i := 0; i < n; i++ {
		obj := e.Alloc(sem, 1, payload)
		e.VM.SetPayloadWord(obj, 0, uint64(i))
		e.Mut.WriteRef(obj, e.VM.Field(obj, 0), e.Thread.Root(r))
		e.Thread.SetRoot(r, obj)
	}
	return r
}

// CheckList verifies the list built by BuildList under root r
func (e *Env) CheckList(r, n int) []address.Address {
	e.T.Helper()
	var nodes []address.Address
	obj := e.Thread.Root(r)
	for i := n - 1; i >= 0; i-- {
		require.False(e.T, obj.IsZero(), "list ends before node %d", i)
		s := e.Common.Dispatch.Space(obj)
		require.NotNil(e.T, s, "node %d at %s is in no space", i, obj)
		require.True(e.T, s.Base().IsValidObject(obj), "node %d at %s is not an object", i, obj)
		require.Equal(e.T, uint64(i), e.VM.PayloadWord(obj, 0), "node at %s", obj)
		nodes = append(nodes, obj)
		obj = e.VM.Load(obj, 0)
	}
	require.True(e.T, obj.IsZero(), "list is longer than %d", n)
	return nodes
}

// Garbage allocates n unreachable objects of payload bytes
func (e *Env) Garbage(n int, payload uintptr) {
	e.T.Helper()
	for i := 0; i < n; i++ {
		e.Alloc(alloc.Default, 0, payload)
	}
}

// UserGC runs a collection requested by the mutator
func (e *Env) UserGC() {
	e.Common.HandleUserCollectionRequest(e.Mut)
}

// ExternalGC runs a collection requested by another goroutine while the
// mutator keeps reaching safepoints
func (e *Env) ExternalGC(cause string) {
	done := make(chan struct{})
	go func() {
		e.Common.RequestGC(cause)
		close(done)
	}()
	for {
		select {
		case <-done:
			return
		default:
			e.Thread.Safepoint()
		}
	}
}
