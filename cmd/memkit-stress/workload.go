// ABOUTME: The randomized mutator workload and its self-check
// ABOUTME: Every object carries its own id so moved or overwritten objects are detected

package main

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prateek/memkit"
	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/alloc"
	"github.com/prateek/memkit/analysis/snapshot"
	"github.com/prateek/memkit/stats"
	"github.com/prateek/memkit/vm/simplevm"
)

type workload struct {
	Mutators      int
	Iterations    int
	Live          int
	WeakEvery     int
	FinalizeEvery int
	LargeEvery    int
	UserGCEvery   int
	Seed          int64
}

func (w workload) validate() error {
	switch {
	case w.Mutators < 1:
		return fmt.Errorf("need at least one mutator, got %d", w.Mutators)
	case w.Iterations < 0:
		return fmt.Errorf("negative iteration count %d", w.Iterations)
	case w.Live < 1:
		return fmt.Errorf("need at least one live object per mutator, got %d", w.Live)
	case w.WeakEvery < 0 || w.FinalizeEvery < 0 || w.LargeEvery < 0 || w.UserGCEvery < 0:
		return errors.New("intervals must not be negative")
	}
	return nil
}

// result is what a run produced
type result struct {
	Report      stats.Report
	Elapsed     time.Duration
	Allocated   int64
	Survivors   int
	Finalized   int64
	Corrupt     int64
	Snapshot    *snapshot.MemGraph
	SnapshotErr error
}

// objects carry their id in payload word 0 and up to maxRefs slots
const (
	maxRefs     = 3
	largeObject = 48 << 10
)

var payloads = []uintptr{8, 8, 16, 24, 40, 56, 96, 200, 480, 1000}

type mutator struct {
	e     *memkit.Engine
	vm    *simplevm.VM
	th    *simplevm.Thread
	m     *memkit.Mutator
	rng   *rand.Rand
	w     workload
	ids   uint64
	owner uint64

	allocated *atomic.Int64
	corrupt   *atomic.Int64
	finalized *atomic.Int64
}

func (mu *mutator) id() uint64 {
	mu.ids++
	return mu.owner<<40 | mu.ids
}

// check verifies that obj still carries an id this mutator handed out
func (mu *mutator) check(obj address.Address) {
	if obj.IsZero() {
		return
	}
	if !mu.e.IsInHeap(obj) || mu.vm.PayloadWord(obj, 0)>>40 == 0 {
		mu.corrupt.Add(1)
	}
}

func (mu *mutator) run() error {
	base := mu.th.Roots()
	for i := 0; i < mu.w.Live; i++ {
		mu.th.Push(address.Zero)
	}
	slot := func() int { return base + mu.rng.Intn(mu.w.Live) }

	for i := 1; i <= mu.w.Iterations; i++ {
		mu.th.Safepoint()
		sem, payload := alloc.Default, payloads[mu.rng.Intn(len(payloads))]
		switch {
		case mu.w.LargeEvery > 0 && i%mu.w.LargeEvery == 0:
			payload = largeObject
		case mu.rng.Intn(200) == 0:
			sem = alloc.NonMoving
		}
		refs := mu.rng.Intn(maxRefs + 1)
		obj, err := mu.th.New(mu.m, sem, refs, payload)
		if err != nil {
			return err
		}
		mu.allocated.Add(int64(simplevm.ObjectSize(refs, payload, false)))
		mu.vm.SetPayloadWord(obj, 0, mu.id())
		for r := 0; r < refs; r++ {
			target := mu.th.Root(slot())
			mu.check(target)
			mu.e.WriteRef(mu.m, obj, mu.vm.Field(obj, r), target)
		}
		at := slot()
		if old := mu.th.Root(at); !old.IsZero() && mu.vm.Refs(old) > 0 && mu.rng.Intn(4) == 0 {
			// keep the old object reachable from the new one for a while
			mu.check(old)
			if refs > 0 {
				mu.e.WriteRef(mu.m, obj, mu.vm.Field(obj, 0), old)
			}
		}
		mu.th.SetRoot(at, obj)

		if mu.w.WeakEvery > 0 && i%mu.w.WeakEvery == 0 {
			ref, err := mu.th.NewReference(mu.m, obj)
			if err != nil {
				return err
			}
			mu.e.AddWeakCandidate(ref)
			obj = mu.th.Root(at)
		}
		if mu.w.FinalizeEvery > 0 && i%mu.w.FinalizeEvery == 0 {
			mu.e.AddFinalizer(obj)
		}
		for {
			f, ok := mu.e.GetFinalizedObject()
			if !ok {
				break
			}
			mu.check(f)
			mu.finalized.Add(1)
		}
		if mu.w.UserGCEvery > 0 && i%mu.w.UserGCEvery == 0 {
			mu.e.HandleUserCollectionRequest(mu.m)
		}
	}
	for i := 0; i < mu.w.Live; i++ {
		mu.check(mu.th.Root(base + i))
	}
	return nil
}

// stress runs the workload and collects the report
func stress(cfg config) (*result, error) {
	v := simplevm.New()
	e, err := memkit.New(cfg.opts, v)
	if err != nil {
		return nil, err
	}
	var (
		res       result
		allocated atomic.Int64
		corrupt   atomic.Int64
		finalized atomic.Int64
		wg        sync.WaitGroup
		errs      = make([]error, cfg.work.Mutators)
		survivors = make([][]address.Address, cfg.work.Mutators)
	)
	begin := time.Now()
	for i := 0; i < cfg.work.Mutators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			th := v.NewThread()
			mu := &mutator{
				e: e, vm: v, th: th, m: e.BindMutator(th.TLS),
				rng:       rand.New(rand.NewSource(cfg.work.Seed + int64(i))),
				w:         cfg.work,
				owner:     uint64(i + 1),
				allocated: &allocated,
				corrupt:   &corrupt,
				finalized: &finalized,
			}
			errs[i] = mu.run()
			if cfg.snapshot != "" {
				for r := 0; r < th.Roots(); r++ {
					survivors[i] = append(survivors[i], th.Root(r))
				}
				for _, obj := range survivors[i] {
					v.AddGlobal(obj)
				}
			}
			e.UnbindMutator(mu.m)
			th.Exit()
		}(i)
	}
	wg.Wait()
	res.Elapsed = time.Since(begin)

	if cfg.snapshot != "" {
		res.Snapshot, res.SnapshotErr = e.Snapshot()
		if res.SnapshotErr == nil {
			res.SnapshotErr = writeSnapshot(cfg.snapshot, res.Snapshot)
		}
	}
	res.Report = e.Close()
	res.Allocated = allocated.Load()
	res.Corrupt = corrupt.Load()
	res.Finalized = finalized.Load()
	for _, s := range survivors {
		res.Survivors += len(s)
	}
	if err := errors.Join(errs...); err != nil {
		return &res, err
	}
	return &res, nil
}

func writeSnapshot(path string, g *snapshot.MemGraph) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := snapshot.WriteJSON(f, g); err != nil {
		f.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return f.Close()
}
