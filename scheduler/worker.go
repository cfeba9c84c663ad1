// ABOUTME: Collection worker with a local work deque
// ABOUTME: The owner works LIFO off the back, thieves take from the front

package scheduler

import (
	"sync"
)

// Worker is one collector thread
type Worker struct {
	ID int
	s  *Scheduler

	mu    sync.Mutex
	local []Work

	// guarded by s.mu
	designated [NumStages][]Work
	steals     [NumStages]int64

	packets [NumStages]int64

	// Context is per-worker state installed by the plan, such as the copy
	// allocation context.
	Context any
}

// Scheduler returns the scheduler w belongs to
func (w *Worker) Scheduler() *Scheduler { return w.s }

// AddWork queues work for stage. Work for the running stage stays on this
// worker's deque, where idle workers can steal it.
func (w *Worker) AddWork(stage Stage, work Work) {
	if !w.s.InGC() || stage != w.s.Stage() {
		w.s.Schedule(stage, work)
		return
	}
	w.mu.Lock()
	w.local = append(w.local, work)
	w.mu.Unlock()
	w.s.notify()
}

func (w *Worker) pop() Work {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.local)
	if n == 0 {
		return nil
	}
	work := w.local[n-1]
	w.local[n-1] = nil
	w.local = w.local[:n-1]
	return work
}

func (w *Worker) steal() Work {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.local) == 0 {
		return nil
	}
	work := w.local[0]
	w.local[0] = nil
	w.local = w.local[1:]
	return work
}

func (w *Worker) dropLocal() {
	w.mu.Lock()
	w.local = nil
	w.mu.Unlock()
}

func (w *Worker) loop() {
	for {
		work := w.s.poll(w)
		if work == nil {
			return
		}
		w.run(work)
	}
}

func (w *Worker) run(work Work) {
	stage := w.s.Stage()
	defer func() {
		if r := recover(); r != nil {
			w.s.fail(r)
		}
	}()
	work.Do(w)
	w.packets[stage]++
}
