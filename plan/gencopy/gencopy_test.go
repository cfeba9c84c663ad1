// ABOUTME: Tests for nursery collections, promotion and the remembered set
// ABOUTME: A mature object that is the only holder of a nursery object must keep it alive

package gencopy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/plan/gencopy"
	"github.com/prateek/memkit/plan/plantest"
)

func start(t *testing.T) (*plantest.Env, *gencopy.GenCopy) {
	e := plantest.New(t, plantest.Options(gencopy.Name))
	return e, e.Plan.(*gencopy.GenCopy)
}

func TestUserCollectionPromotes(t *testing.T) {
	e, p := start(t)
	list := e.BuildList(100, alloc.Default, 8)
	require.True(t, p.Nursery().Contains(e.Thread.Root(list)))

	e.UserGC()
	for _, n := range e.CheckList(list, 100) {
		assert.True(t, p.MatureToSpace().Contains(n), "%s was not promoted", n)
	}
	assert.Zero(t, p.Nursery().ReservedPages())
}

func TestRememberedSetKeepsNurseryObjects(t *testing.T) {
	e, p := start(t)
	r := e.Thread.Push(e.Alloc(alloc.Default, 1, 8))
	e.UserGC()
	old := e.Thread.Root(r)
	require.True(t, p.MatureToSpace().Contains(old))

	young := e.Alloc(alloc.Default, 0, 8)
	e.VM.SetPayloadWord(young, 0, 42)
	e.Mut.WriteRef(old, e.VM.Field(old, 0), young)
	// A second write to the same object is not remembered again
	e.Mut.WriteRef(old, e.VM.Field(old, 0), young)

	e.ExternalGC("test")
	recent := e.Common.Stats.Recent()
	require.Len(t, recent, 2)
	require.False(t, recent[1].Full, "the second collection should only trace the nursery")

	assert.Equal(t, old, e.Thread.Root(r), "mature objects stay put in nursery collections")
	moved := e.VM.Load(old, 0)
	require.NotEqual(t, young, moved)
	assert.True(t, p.MatureToSpace().Contains(moved))
	assert.EqualValues(t, 42, e.VM.PayloadWord(moved, 0))
	assert.Zero(t, p.Remembered())
}

func TestLargeObjectsAreLoggedAtBirth(t *testing.T) {
	e, _ := start(t)
	r := e.Thread.Push(address.Zero)
	big := e.Alloc(alloc.Los, 1, 32<<10)
	e.Thread.SetRoot(r, big)
	e.UserGC()

	young := e.Alloc(alloc.Default, 0, 8)
	e.VM.SetPayloadWord(young, 0, 7)
	e.Mut.WriteRef(big, e.VM.Field(big, 0), young)
	e.ExternalGC("test")

	require.False(t, e.Common.Stats.Recent()[1].Full)
	assert.EqualValues(t, 7, e.VM.PayloadWord(e.VM.Load(big, 0), 0))
}

func TestNurseryFillTriggersNurseryCollection(t *testing.T) {
	e, p := start(t)
	list := e.BuildList(64, alloc.Default, 8)
	e.Garbage(50000, 48)
	e.CheckList(list, 64)

	require.Greater(t, e.Common.Collections(), uint64(0))
	nursery := 0
	for _, c := range e.Common.Stats.Recent() {
		if !c.Full {
			nursery++
		}
	}
	assert.Greater(t, nursery, 0)
	assert.Less(t, p.Nursery().ReservedPages(), 256+64)
}
