// ABOUTME: Tests for the regional plan's fragmentation controller and evacuation
// ABOUTME: A sparse heap is defragmented on the cycle after the sweep that measured it

package regional_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/plan/plantest"
	"github.com/prateek/memkit/plan/regional"
)

// sparseHeap allocates n objects of 64 bytes and roots every eighth, which
// leaves every other line of the blocks live
func sparseHeap(e *plantest.Env, n int) (first, roots int) {
	first = e.Thread.Roots()
	for i := 0; i < n; i++ {
		obj := e.Alloc(alloc.Default, 0, 48)
		if i%8 == 0 {
			e.VM.SetPayloadWord(obj, 0, uint64(i))
			e.Thread.Push(obj)
			roots++
		}
	}
	return first, roots
}

func TestFragmentedHeapIsDefragmented(t *testing.T) {
	o := plantest.Options(regional.Name)
	o.DefragHeadroomPercent = 10
	e := plantest.New(t, o)
	p := e.Plan.(*regional.Regional)

	first, roots := sparseHeap(e, 4000)
	e.UserGC()
	st := p.Region().Stats()
	require.Greater(t, st.Fragmentation(), o.DefragThreshold)
	estimate := p.Region().LiveBytesEstimate()
	before := make([]address.Address, roots)
	for i := range before {
		before[i] = e.Thread.Root(first + i)
	}

	e.UserGC()
	recent := e.Common.Stats.Recent()
	require.Len(t, recent, 2)
	assert.False(t, recent[0].Defrag, "nothing was measured before the first cycle")
	assert.True(t, recent[1].Defrag)

	assert.LessOrEqual(t, uint64(p.Region().LiveBytesEstimate()), uint64(estimate))
	moved := 0
	for i := 0; i < roots; i++ {
		obj := e.Thread.Root(first + i)
		if obj != before[i] {
			moved++
		}
		assert.EqualValues(t, i*8, e.VM.PayloadWord(obj, 0))
		s := e.Common.Dispatch.Space(obj)
		require.NotNil(t, s)
		assert.Equal(t, "region", s.Base().Name())
		assert.True(t, s.Base().IsValidObject(obj))
		assert.True(t, p.Region().Contains(obj))
		assert.False(t, e.Common.LOS.Contains(obj))
	}
	assert.Greater(t, moved, 0)
	assert.NoError(t, e.Common.Env.Table.Verify(e.Common.VM))
	assert.NoError(t, e.Common.Env.Accounting.Verify())
}

func TestDefragmentationRespectsThreshold(t *testing.T) {
	o := plantest.Options(regional.Name)
	o.DefragThreshold = 0.9
	e := plantest.New(t, o)
	p := e.Plan.(*regional.Regional)

	first, roots := sparseHeap(e, 4000)
	e.UserGC()
	e.UserGC()
	for _, c := range e.Common.Stats.Recent() {
		assert.False(t, c.Defrag)
	}
	for i := 0; i < roots; i++ {
		obj := e.Thread.Root(first + i)
		assert.EqualValues(t, i*8, e.VM.PayloadWord(obj, 0))
		assert.True(t, p.Region().Contains(obj))
	}
}

func TestListSurvivesRepeatedDefragmentation(t *testing.T) {
	o := plantest.Options(regional.Name)
	o.DefragThreshold = 0
	o.DefragHeadroomPercent = 20
	e := plantest.New(t, o)
	list := e.BuildList(300, alloc.Default, 40)
	for i := 0; i < 5; i++ {
		e.Garbage(3000, 48)
		e.UserGC()
		e.CheckList(list, 300)
	}
}
