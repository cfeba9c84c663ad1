// ABOUTME: Tests for the mark-sweep plan's parallel block sweep
// ABOUTME: Live cells are counted exactly and freed cells are reused in place

package marksweep_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/plan/marksweep"
	"github.com/prateek/memkit/plan/plantest"
)

func TestSweepCountsLiveCells(t *testing.T) {
	e := plantest.New(t, plantest.Options(marksweep.Name))
	p := e.Plan.(*marksweep.MarkSweep)
	list := e.BuildList(100, alloc.Default, 8)
	e.Garbage(3000, 48)

	e.UserGC()
	assert.EqualValues(t, 100, p.LiveCells())
	nodes := e.CheckList(list, 100)
	e.UserGC()
	assert.Equal(t, nodes, e.CheckList(list, 100), "mark-sweep never moves objects")
}

func TestFreedCellsAreReused(t *testing.T) {
	e := plantest.New(t, plantest.Options(marksweep.Name))
	p := e.Plan.(*marksweep.MarkSweep)
	for i := 0; i < 4000; i++ {
		obj := e.Alloc(alloc.Default, 0, 48)
		if i%50 == 0 {
			e.Thread.Push(obj)
		}
	}
	e.UserGC()
	after := p.Space().ReservedPages()
	require.Greater(t, after, 0)

	e.Garbage(200, 48)
	assert.Equal(t, after, p.Space().ReservedPages(), "small allocations should fit freed cells")
	assert.EqualValues(t, 80, p.LiveCells())
}
