// ABOUTME: Stage-ordered work scheduler for stop-the-world collections
// ABOUTME: Workers drain open buckets, steal from each other and open the next stage at the barrier

package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prateek/memkit/fault"
)

// StageStats is what one stage of a cycle did
type StageStats struct {
	Duration time.Duration
	Packets  int64
	Steals   int64
}

// CycleStats collects the stage statistics of one cycle
type CycleStats struct {
	Stages [NumStages]StageStats
	Total  time.Duration
}

// Packets returns the packets run over all stages
func (c CycleStats) Packets() int64 {
	var n int64
	for _, s := range c.Stages {
		n += s.Packets
	}
	return n
}

// Scheduler owns the worker pool
type Scheduler struct {
	logger  *slog.Logger
	workers []*Worker
	wg      sync.WaitGroup

	mu         sync.Mutex
	wake       *sync.Cond
	done       *sync.Cond
	buckets    [NumStages][]Work
	observers  [NumStages][]func()
	observed   [NumStages]bool
	idle       int
	wakeGen    uint64
	advancing  bool
	quit       bool
	failure    *fault.Error
	cycle      CycleStats
	cycleStart time.Time
	stageStart time.Time

	stage      atomic.Int32
	inGC       atomic.Bool
	failed     atomic.Bool
	idleHint   atomic.Int32
	started    atomic.Bool
}

// New creates a scheduler with threads workers. Workers start with Start.
func New(threads int, logger *slog.Logger) *Scheduler {
	if threads < 1 {
		fault.Fatalf("scheduler needs at least one worker, got %d", threads)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discard{}, nil))
	}
	s := &Scheduler{logger: logger}
	s.wake = sync.NewCond(&s.mu)
	s.done = sync.NewCond(&s.mu)
	for i := 0; i < threads; i++ {
		s.workers = append(s.workers, &Worker{ID: i, s: s})
	}
	return s
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Workers returns the worker pool, for installing per-worker contexts
func (s *Scheduler) Workers() []*Worker { return s.workers }

// Start launches the worker goroutines
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *Worker) {
			defer s.wg.Done()
			w.loop()
		}(w)
	}
}

// Shutdown stops the workers once they are idle
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.quit = true
	s.wakeAll()
	s.mu.Unlock()
	s.wg.Wait()
}

// Stage returns the newest open stage
func (s *Scheduler) Stage() Stage { return Stage(s.stage.Load()) }

// InGC reports whether a cycle is running
func (s *Scheduler) InGC() bool { return s.inGC.Load() }

// InTracing reports whether a running cycle is in one of its tracing stages
func (s *Scheduler) InTracing() bool { return s.InGC() && s.Stage().Tracing() }

// Observe registers fn to run after stage drains, with every worker idle
func (s *Scheduler) Observe(stage Stage, fn func()) {
	s.mu.Lock()
	s.observers[stage] = append(s.observers[stage], fn)
	s.mu.Unlock()
}

// Schedule adds work to the bucket of stage
func (s *Scheduler) Schedule(stage Stage, work ...Work) {
	s.mu.Lock()
	s.buckets[stage] = append(s.buckets[stage], work...)
	if stage <= s.Stage() {
		s.wakeAll()
	}
	s.mu.Unlock()
}

// ScheduleDesignated gives every worker its own packet in stage. During a
// cycle, packets for a stage that already closed join the open one.
func (s *Scheduler) ScheduleDesignated(stage Stage, fn func(w *Worker)) {
	s.mu.Lock()
	if cur := s.Stage(); s.inGC.Load() && stage < cur {
		stage = cur
	}
	for _, w := range s.workers {
		w.designated[stage] = append(w.designated[stage], WorkFunc(fn))
	}
	if stage <= s.Stage() {
		s.wakeAll()
	}
	s.mu.Unlock()
}

// RunCycle runs one collection seeded with work and waits for it to finish.
// A packet failure aborts the cycle and is returned.
func (s *Scheduler) RunCycle(work ...Work) (CycleStats, error) {
	s.Start()
	s.mu.Lock()
	if s.inGC.Load() {
		s.mu.Unlock()
		fault.Fatalf("collection cycle started while one is running")
	}
	s.failure = nil
	s.failed.Store(false)
	s.cycle = CycleStats{}
	s.observed = [NumStages]bool{}
	s.cycleStart = time.Now()
	s.stageStart = s.cycleStart
	s.stage.Store(int32(Unconstrained))
	s.buckets[Unconstrained] = append(s.buckets[Unconstrained], work...)
	s.inGC.Store(true)
	s.wakeAll()
	for s.inGC.Load() {
		s.done.Wait()
	}
	stats, failure := s.cycle, s.failure
	s.mu.Unlock()

	s.logger.Debug("collection cycle finished",
		slog.Duration("total", stats.Total), slog.Int64("packets", stats.Packets()))
	if failure != nil {
		return stats, failure
	}
	return stats, nil
}

// fail records the first packet failure of the cycle
func (s *Scheduler) fail(v any) {
	err := fault.Recover(v)
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.failed.Store(true)
	s.mu.Unlock()
	s.logger.Error("collection work failed", slog.String("error", err.Msg))
}

// next returns runnable work for w. The lock is held.
func (s *Scheduler) next(w *Worker) Work {
	if s.failed.Load() {
		return nil
	}
	cur := s.Stage()
	if q := w.designated[cur]; len(q) > 0 {
		w.designated[cur] = q[1:]
		return q[0]
	}
	for st := Unconstrained; st <= cur; st++ {
		if q := s.buckets[st]; len(q) > 0 {
			s.buckets[st] = q[1:]
			return q[0]
		}
	}
	n := len(s.workers)
	for i := 1; i < n; i++ {
		if work := s.workers[(w.ID+i)%n].steal(); work != nil {
			w.steals[cur]++
			return work
		}
	}
	return nil
}

// pending reports whether work runnable at stage upTo is queued anywhere:
// shared work of upTo or an earlier stage, or designated work of upTo
func (s *Scheduler) pending(upTo Stage) bool {
	for st := Unconstrained; st <= upTo; st++ {
		if len(s.buckets[st]) > 0 {
			return true
		}
	}
	for _, w := range s.workers {
		if len(w.designated[upTo]) > 0 {
			return true
		}
	}
	return false
}

// wakeAll wakes every idle worker. A woken worker counts as active from
// here on, so no other worker can find the pool idle before it has looked
// for work again. The lock is held.
func (s *Scheduler) wakeAll() {
	s.idle = 0
	s.idleHint.Store(0)
	s.wakeGen++
	s.wake.Broadcast()
}

// poll blocks until w has work, returning nil on shutdown
func (s *Scheduler) poll(w *Worker) Work {
	if s.failed.Load() {
		w.dropLocal()
	} else if work := w.pop(); work != nil {
		return work
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.quit {
			return nil
		}
		if work := s.next(w); work != nil {
			return work
		}
		if s.inGC.Load() && !s.advancing && s.idle+1 == len(s.workers) {
			s.advance()
			continue
		}
		s.idle++
		s.idleHint.Store(int32(s.idle))
		for gen := s.wakeGen; gen == s.wakeGen; {
			s.wake.Wait()
		}
	}
}

// advance is run by the last active worker once every other worker is
// idle. It closes drained stages and opens the next one holding work, or
// ends the cycle after Final. The lock is held, and released only while
// observers run; no other worker advances meanwhile.
func (s *Scheduler) advance() {
	for {
		cur := s.Stage()
		if s.pending(cur) && !s.failed.Load() {
			s.wakeAll()
			return
		}
		now := time.Now()
		s.cycle.Stages[cur].Duration += now.Sub(s.stageStart)
		s.stageStart = now

		if obs := s.observers[cur]; len(obs) > 0 && !s.observed[cur] && !s.failed.Load() {
			s.observed[cur] = true
			s.advancing = true
			s.mu.Unlock()
			s.runObservers(obs)
			s.mu.Lock()
			s.advancing = false
			s.stageStart = time.Now()
			// Work the observers scheduled drains before the stage closes;
			// the caller looks for it and advances again once idle.
			return
		}
		if cur == Final || s.failed.Load() {
			s.endCycle()
			return
		}
		s.stage.Store(int32(cur + 1))
		if s.pending(cur + 1) {
			s.wakeAll()
			return
		}
	}
}

func (s *Scheduler) runObservers(obs []func()) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(r)
		}
	}()
	for _, fn := range obs {
		fn()
	}
}

// endCycle publishes the cycle's statistics and releases RunCycle. The
// lock is held and every worker is idle.
func (s *Scheduler) endCycle() {
	for st := range s.buckets {
		s.buckets[st] = nil
	}
	for _, w := range s.workers {
		for st := range w.designated {
			w.designated[st] = nil
			s.cycle.Stages[st].Packets += w.packets[st]
			s.cycle.Stages[st].Steals += w.steals[st]
			w.packets[st], w.steals[st] = 0, 0
		}
	}
	s.cycle.Total = time.Since(s.cycleStart)
	s.stage.Store(int32(Unconstrained))
	s.inGC.Store(false)
	s.done.Broadcast()
}

// notify wakes idle workers so they can steal new local work
func (s *Scheduler) notify() {
	if s.idleHint.Load() == 0 {
		return
	}
	s.mu.Lock()
	s.wakeAll()
	s.mu.Unlock()
}
