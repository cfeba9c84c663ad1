// ABOUTME: Tests for stage ordering, the drain barrier and work stealing
// ABOUTME: Includes a seeded property test tracing random cyclic graphs to a fixed point

package scheduler

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prateek/memkit/fault"
)

func TestStagesRunInOrder(t *testing.T) {
	s := New(4, nil)
	defer s.Shutdown()

	var mu sync.Mutex
	var seen []Stage
	record := WorkFunc(func(w *Worker) {
		mu.Lock()
		seen = append(seen, s.Stage())
		mu.Unlock()
	})
	seed := WorkFunc(func(w *Worker) {
		for st := Final; st >= Prepare; st-- {
			for i := 0; i < 5; i++ {
				s.Schedule(st, record)
			}
		}
	})
	stats, err := s.RunCycle(seed)
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 5*int(Final-Prepare+1) {
		t.Fatalf("ran %d packets", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("%v ran after %v", seen[i], seen[i-1])
		}
	}
	if stats.Stages[Release].Packets != 5 || stats.Stages[Unconstrained].Packets != 1 {
		t.Errorf("stage packet counts %+v", stats.Stages)
	}
	if s.InGC() || s.Stage() != Unconstrained {
		t.Error("scheduler should be idle after the cycle")
	}
}

type node struct {
	edges  []int
	marked atomic.Bool
}

func randomGraph(r *rand.Rand, n int) []*node {
	g := make([]*node, n)
	for i := range g {
		g[i] = &node{}
	}
	for i := range g {
		for k := r.Intn(4); k > 0; k-- {
			g[i].edges = append(g[i].edges, r.Intn(n))
		}
		// Plenty of back edges make cycles
		if i > 0 && r.Intn(3) == 0 {
			g[i].edges = append(g[i].edges, r.Intn(i))
		}
	}
	return g
}

func reachable(g []*node, roots []int) int {
	seen := make(map[int]bool)
	stack := append([]int(nil), roots...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g[n].edges...)
	}
	return len(seen)
}

func TestPropertyClosureTerminatesOnCyclicGraphs(t *testing.T) {
	s := New(4, nil)
	defer s.Shutdown()

	for seed := int64(1); seed <= 20; seed++ {
		r := rand.New(rand.NewSource(seed))
		g := randomGraph(r, 200+r.Intn(800))
		roots := []int{0, r.Intn(len(g)), r.Intn(len(g))}
		var marked atomic.Int64

		var visit func(n int) Work
		visit = func(n int) Work {
			return WorkFunc(func(w *Worker) {
				if !g[n].marked.CompareAndSwap(false, true) {
					return
				}
				marked.Add(1)
				for _, e := range g[n].edges {
					w.AddWork(Closure, visit(e))
				}
			})
		}
		var atRelease int64
		closureSeen := int64(-1)
		seedWork := WorkFunc(func(w *Worker) {
			for _, root := range roots {
				s.Schedule(Closure, visit(root))
			}
			s.Schedule(Release, WorkFunc(func(*Worker) { atRelease = marked.Load() }))
		})
		s.Observe(Closure, func() { closureSeen = marked.Load() })

		if _, err := s.RunCycle(seedWork); err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
		want := int64(reachable(g, roots))
		if atRelease != want || closureSeen != want {
			t.Errorf("seed %d: marked %d at release, %d after closure, want %d", seed, atRelease, closureSeen, want)
		}
		s.mu.Lock()
		s.observers[Closure] = nil
		s.mu.Unlock()
	}
}

func TestObserversRunWithWorkersIdle(t *testing.T) {
	s := New(3, nil)
	defer s.Shutdown()

	var active atomic.Int32
	busy := WorkFunc(func(*Worker) {
		active.Add(1)
		time.Sleep(time.Millisecond)
		active.Add(-1)
	})
	var sawActive atomic.Int32
	var extraRan atomic.Bool
	s.Observe(Prepare, func() {
		sawActive.Store(active.Load())
		// Work scheduled by an observer drains before the stage closes
		s.Schedule(Prepare, WorkFunc(func(*Worker) { extraRan.Store(true) }))
	})
	var afterExtra bool
	seed := WorkFunc(func(*Worker) {
		for i := 0; i < 12; i++ {
			s.Schedule(Prepare, busy)
		}
		s.Schedule(Closure, WorkFunc(func(*Worker) { afterExtra = extraRan.Load() }))
	})
	if _, err := s.RunCycle(seed); err != nil {
		t.Fatal(err)
	}
	if sawActive.Load() != 0 {
		t.Errorf("observer ran with %d packets in flight", sawActive.Load())
	}
	if !afterExtra {
		t.Error("observer work should finish before the next stage opens")
	}
}

func TestDesignatedWorkReachesEveryWorker(t *testing.T) {
	s := New(5, nil)
	defer s.Shutdown()

	var mu sync.Mutex
	ran := make(map[int]int)
	seed := WorkFunc(func(w *Worker) {
		s.ScheduleDesignated(Release, func(w *Worker) {
			mu.Lock()
			ran[w.ID]++
			mu.Unlock()
		})
	})
	if _, err := s.RunCycle(seed); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 5 {
		t.Fatalf("designated work ran on %d workers", len(ran))
	}
	for id, n := range ran {
		if n != 1 {
			t.Errorf("worker %d ran its packet %d times", id, n)
		}
	}
}

func TestStealingSpreadsLocalWork(t *testing.T) {
	s := New(4, nil)
	defer s.Shutdown()

	var mu sync.Mutex
	workers := make(map[int]bool)
	leaf := WorkFunc(func(w *Worker) {
		time.Sleep(200 * time.Microsecond)
		mu.Lock()
		workers[w.ID] = true
		mu.Unlock()
	})
	fan := WorkFunc(func(w *Worker) {
		for i := 0; i < 200; i++ {
			w.AddWork(Closure, leaf)
		}
	})
	stats, err := s.RunCycle(WorkFunc(func(*Worker) { s.Schedule(Closure, fan) }))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Stages[Closure].Packets != 201 {
		t.Errorf("%d closure packets, want 201", stats.Stages[Closure].Packets)
	}
	if len(workers) < 2 || stats.Stages[Closure].Steals == 0 {
		t.Errorf("local work stayed on %d workers with %d steals", len(workers), stats.Stages[Closure].Steals)
	}
}

func TestPacketFailureAbortsCycle(t *testing.T) {
	s := New(2, nil)
	defer s.Shutdown()

	var releaseRan atomic.Bool
	seed := WorkFunc(func(*Worker) {
		s.Schedule(Closure, WorkFunc(func(*Worker) { fault.Fatalf("broken heap") }))
		s.Schedule(Release, WorkFunc(func(*Worker) { releaseRan.Store(true) }))
	})
	_, err := s.RunCycle(seed)
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Msg != "broken heap" {
		t.Fatalf("cycle error %v, want the packet fault", err)
	}
	if releaseRan.Load() {
		t.Error("stages after a failure must not run")
	}

	// The scheduler recovers for the next cycle
	var ok atomic.Bool
	if _, err := s.RunCycle(WorkFunc(func(*Worker) { ok.Store(true) })); err != nil || !ok.Load() {
		t.Errorf("next cycle: %v", err)
	}
}

func TestTracingStages(t *testing.T) {
	tests := []struct {
		stage Stage
		want  bool
	}{
		{Unconstrained, false},
		{Prepare, false},
		{Closure, true},
		{WeakRefClosure, true},
		{PhantomRefClosure, true},
		{Release, false},
		{Final, false},
	}
	for _, tt := range tests {
		t.Run(tt.stage.String(), func(t *testing.T) {
			if tt.stage.Tracing() != tt.want {
				t.Errorf("Tracing() = %v", !tt.want)
			}
		})
	}
	if Stage(42).String() != "stage(42)" {
		t.Error("unknown stages print their number")
	}
}

func TestDesignatedWorkDrainsBeforeNextStage(t *testing.T) {
	s := New(6, nil)
	defer s.Shutdown()

	const cycles = 50
	var ran, late atomic.Int64
	var atClosure []int64
	for c := 0; c < cycles; c++ {
		seed := WorkFunc(func(*Worker) {
			s.ScheduleDesignated(Prepare, func(*Worker) {
				time.Sleep(50 * time.Microsecond)
				if s.Stage() != Prepare {
					late.Add(1)
				}
				ran.Add(1)
			})
			s.Schedule(Closure, WorkFunc(func(*Worker) { atClosure = append(atClosure, ran.Load()) }))
		})
		if _, err := s.RunCycle(seed); err != nil {
			t.Fatal(err)
		}
	}
	if ran.Load() != 6*cycles {
		t.Fatalf("%d designated packets ran, want %d", ran.Load(), 6*cycles)
	}
	if late.Load() != 0 {
		t.Errorf("%d designated packets ran after their stage closed", late.Load())
	}
	for i, n := range atClosure {
		if n != int64(6*(i+1)) {
			t.Fatalf("cycle %d: closure opened after %d designated packets", i, n)
		}
	}
}

func TestStageHoldsWhileObserverRuns(t *testing.T) {
	s := New(4, nil)
	defer s.Shutdown()

	var ranIn sync.Map
	var heldStage Stage
	s.Observe(Prepare, func() {
		for i := 0; i < 16; i++ {
			s.Schedule(Prepare, WorkFunc(func(*Worker) { ranIn.Store(s.Stage(), true) }))
		}
		// Other workers finish the packets above meanwhile
		time.Sleep(5 * time.Millisecond)
		heldStage = s.Stage()
	})
	var closureRan atomic.Bool
	seed := WorkFunc(func(*Worker) {
		s.Schedule(Prepare, WorkFunc(func(*Worker) {}))
		s.Schedule(Closure, WorkFunc(func(*Worker) { closureRan.Store(true) }))
	})
	if _, err := s.RunCycle(seed); err != nil {
		t.Fatal(err)
	}
	if heldStage != Prepare {
		t.Errorf("stage %v opened while the Prepare observer ran", heldStage)
	}
	ranIn.Range(func(k, _ any) bool {
		if k.(Stage) != Prepare {
			t.Errorf("observer work ran in %v", k)
		}
		return true
	})
	if !closureRan.Load() {
		t.Error("closure never opened")
	}
}
