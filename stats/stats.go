// ABOUTME: Collection counters and per-stage timers gathered over an engine's life
// ABOUTME: Cycles are recorded by the plan; allocation counters are bumped by mutators

// Package stats accumulates what the engine did. Nothing here influences
// collection decisions.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prateek/memkit/scheduler"
)

// recentCycles is how many cycle records a report keeps in detail
const recentCycles = 16

// Cycle is the record of one collection
type Cycle struct {
	Number      uint64
	Cause       string
	Full        bool
	Emergency   bool
	Defrag      bool
	PagesBefore int
	PagesAfter  int
	// Cleared counts soft, weak and phantom references cleared.
	Cleared     [3]int
	Finalizable int
	Stages      [scheduler.NumStages]scheduler.StageStats
	Duration    time.Duration
}

// Stats is safe for concurrent use
type Stats struct {
	plan  string
	start time.Time

	allocBytes   atomic.Int64
	allocObjects atomic.Int64

	mu        sync.Mutex
	cycles    int
	full      int
	emergency int
	defrag    int
	gcTime    time.Duration
	maxPause  time.Duration
	reclaimed int
	stages    [scheduler.NumStages]scheduler.StageStats
	cleared   [3]int
	finalized int
	recent    []Cycle
	counters  map[string]int64

	harness *window

	sizeClasses func() []SizeClassReport
}

// window is the part of an engine's life bracketed by harness calls
type window struct {
	begin      time.Time
	end        time.Time
	cycles     int
	gcTime     time.Duration
	allocBytes int64
}

// New creates the statistics of an engine running plan
func New(plan string) *Stats {
	return &Stats{plan: plan, start: time.Now(), counters: make(map[string]int64)}
}

// Allocated counts one allocation of size bytes
func (s *Stats) Allocated(size uintptr) {
	s.allocBytes.Add(int64(size))
	s.allocObjects.Add(1)
}

// ReportSizeClasses makes fn the source of the report's size class table
func (s *Stats) ReportSizeClasses(fn func() []SizeClassReport) {
	s.mu.Lock()
	s.sizeClasses = fn
	s.mu.Unlock()
}

// Count bumps the named counter
func (s *Stats) Count(name string, delta int64) {
	s.mu.Lock()
	s.counters[name] += delta
	s.mu.Unlock()
}

// Record adds a finished collection
func (s *Stats) Record(c Cycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	if c.Full {
		s.full++
	}
	if c.Emergency {
		s.emergency++
	}
	if c.Defrag {
		s.defrag++
	}
	s.gcTime += c.Duration
	if c.Duration > s.maxPause {
		s.maxPause = c.Duration
	}
	if d := c.PagesBefore - c.PagesAfter; d > 0 {
		s.reclaimed += d
	}
	for st := range s.stages {
		s.stages[st].Duration += c.Stages[st].Duration
		s.stages[st].Packets += c.Stages[st].Packets
		s.stages[st].Steals += c.Stages[st].Steals
	}
	for k := range s.cleared {
		s.cleared[k] += c.Cleared[k]
	}
	s.finalized += c.Finalizable
	s.recent = append(s.recent, c)
	if len(s.recent) > recentCycles {
		s.recent = s.recent[len(s.recent)-recentCycles:]
	}
	if s.harness != nil && s.harness.end.IsZero() {
		s.harness.cycles++
		s.harness.gcTime += c.Duration
	}
}

// Cycles returns the number of recorded collections
func (s *Stats) Cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

// Recent returns the most recent cycle records, oldest first
func (s *Stats) Recent() []Cycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Cycle(nil), s.recent...)
}

// HarnessBegin opens a measurement window, replacing any earlier one
func (s *Stats) HarnessBegin() {
	s.mu.Lock()
	s.harness = &window{begin: time.Now(), allocBytes: s.allocBytes.Load()}
	s.mu.Unlock()
}

// HarnessEnd closes the measurement window
func (s *Stats) HarnessEnd() {
	s.mu.Lock()
	if s.harness != nil && s.harness.end.IsZero() {
		s.harness.end = time.Now()
		s.harness.allocBytes = s.allocBytes.Load() - s.harness.allocBytes
	}
	s.mu.Unlock()
}
