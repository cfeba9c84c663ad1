// ABOUTME: Shutdown report rendered as text, JSON or YAML
// ABOUTME: Text output groups digits with x/text and prints sizes with go-bytesize

package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/inhies/go-bytesize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v2"

	"github.com/prateek/memkit/address"
	"github.com/prateek/memkit/scheduler"
)

// ErrFormat is returned for an unknown report format
var ErrFormat = errors.New("unknown report format")

// StageReport is the accumulated cost of one stage
type StageReport struct {
	Stage    string        `json:"stage" yaml:"stage"`
	Duration time.Duration `json:"duration_ns" yaml:"duration_ns"`
	Packets  int64         `json:"packets" yaml:"packets"`
	Steals   int64         `json:"steals" yaml:"steals"`
}

// HarnessReport covers the window between harness begin and end
type HarnessReport struct {
	Elapsed    time.Duration `json:"elapsed_ns" yaml:"elapsed_ns"`
	Cycles     int           `json:"cycles" yaml:"cycles"`
	GCTime     time.Duration `json:"gc_time_ns" yaml:"gc_time_ns"`
	AllocBytes int64         `json:"alloc_bytes" yaml:"alloc_bytes"`
}

// SizeClassReport counts objects of one size class. Live figures are from
// the end of the closure of the last cycle.
type SizeClassReport struct {
	MaxSize      uint64 `json:"max_size" yaml:"max_size"`
	AllocObjects int64  `json:"alloc_objects" yaml:"alloc_objects"`
	AllocBytes   int64  `json:"alloc_bytes" yaml:"alloc_bytes"`
	LiveObjects  int64  `json:"live_objects" yaml:"live_objects"`
	LiveBytes    int64  `json:"live_bytes" yaml:"live_bytes"`
}

// Report is a snapshot of the statistics
type Report struct {
	Plan           string            `json:"plan" yaml:"plan"`
	Uptime         time.Duration     `json:"uptime_ns" yaml:"uptime_ns"`
	Cycles         int               `json:"cycles" yaml:"cycles"`
	FullCycles     int               `json:"full_cycles" yaml:"full_cycles"`
	Emergency      int               `json:"emergency_cycles" yaml:"emergency_cycles"`
	DefragCycles   int               `json:"defrag_cycles" yaml:"defrag_cycles"`
	GCTime         time.Duration     `json:"gc_time_ns" yaml:"gc_time_ns"`
	MaxPause       time.Duration     `json:"max_pause_ns" yaml:"max_pause_ns"`
	ReclaimedBytes uint64            `json:"reclaimed_bytes" yaml:"reclaimed_bytes"`
	AllocBytes     int64             `json:"alloc_bytes" yaml:"alloc_bytes"`
	AllocObjects   int64             `json:"alloc_objects" yaml:"alloc_objects"`
	Cleared        map[string]int    `json:"cleared_references" yaml:"cleared_references"`
	Finalizable    int               `json:"finalizable" yaml:"finalizable"`
	Stages         []StageReport     `json:"stages" yaml:"stages"`
	Counters       map[string]int64  `json:"counters,omitempty" yaml:"counters,omitempty"`
	Harness        *HarnessReport    `json:"harness,omitempty" yaml:"harness,omitempty"`
	SizeClasses    []SizeClassReport `json:"size_classes,omitempty" yaml:"size_classes,omitempty"`
}

// Report snapshots the statistics
func (s *Stats) Report() Report {
	s.mu.Lock()
	sizeClasses := s.sizeClasses
	s.mu.Unlock()
	var classes []SizeClassReport
	if sizeClasses != nil {
		classes = sizeClasses()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := Report{
		SizeClasses:    classes,
		Plan:           s.plan,
		Uptime:         time.Since(s.start),
		Cycles:         s.cycles,
		FullCycles:     s.full,
		Emergency:      s.emergency,
		DefragCycles:   s.defrag,
		GCTime:         s.gcTime,
		MaxPause:       s.maxPause,
		ReclaimedBytes: uint64(s.reclaimed) * address.BytesInPage,
		AllocBytes:     s.allocBytes.Load(),
		AllocObjects:   s.allocObjects.Load(),
		Cleared: map[string]int{
			"soft":    s.cleared[0],
			"weak":    s.cleared[1],
			"phantom": s.cleared[2],
		},
		Finalizable: s.finalized,
	}
	for st := range s.stages {
		if s.stages[st].Packets == 0 {
			continue
		}
		r.Stages = append(r.Stages, StageReport{
			Stage:    scheduler.Stage(st).String(),
			Duration: s.stages[st].Duration,
			Packets:  s.stages[st].Packets,
			Steals:   s.stages[st].Steals,
		})
	}
	if len(s.counters) > 0 {
		r.Counters = make(map[string]int64, len(s.counters))
		for k, v := range s.counters {
			r.Counters[k] = v
		}
	}
	if h := s.harness; h != nil && !h.end.IsZero() {
		r.Harness = &HarnessReport{
			Elapsed:    h.end.Sub(h.begin),
			Cycles:     h.cycles,
			GCTime:     h.gcTime,
			AllocBytes: h.allocBytes,
		}
	}
	return r
}

// Write renders r in format: text, json or yaml
func (r Report) Write(w io.Writer, format string) error {
	switch format {
	case "text", "":
		return r.WriteText(w)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		data, err := yaml.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		_, err = w.Write(data)
		return err
	}
	return fmt.Errorf("%w: %q", ErrFormat, format)
}

// WriteText renders r for people
func (r Report) WriteText(w io.Writer) error {
	p := message.NewPrinter(language.English)
	size := func(n int64) string { return bytesize.New(float64(n)).String() }

	p.Fprintf(w, "plan %s, up %v\n", r.Plan, r.Uptime.Round(time.Millisecond))
	p.Fprintf(w, "collections  %d (%d full, %d emergency, %d defrag)\n",
		r.Cycles, r.FullCycles, r.Emergency, r.DefragCycles)
	p.Fprintf(w, "gc time      %v, max pause %v\n", r.GCTime.Round(time.Microsecond), r.MaxPause.Round(time.Microsecond))
	p.Fprintf(w, "allocated    %s in %d objects\n", size(r.AllocBytes), r.AllocObjects)
	p.Fprintf(w, "reclaimed    %s\n", size(int64(r.ReclaimedBytes)))
	p.Fprintf(w, "references   %d soft, %d weak, %d phantom cleared; %d finalizable\n",
		r.Cleared["soft"], r.Cleared["weak"], r.Cleared["phantom"], r.Finalizable)
	for _, st := range r.Stages {
		p.Fprintf(w, "  %-20s %12v %10d packets %8d steals\n",
			st.Stage, st.Duration.Round(time.Microsecond), st.Packets, st.Steals)
	}
	names := make([]string, 0, len(r.Counters))
	for k := range r.Counters {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		p.Fprintf(w, "  %-20s %d\n", k, r.Counters[k])
	}
	if len(r.SizeClasses) > 0 {
		p.Fprintf(w, "  %-10s %12s %12s %12s %12s\n", "size", "allocated", "bytes", "live", "live bytes")
		for _, c := range r.SizeClasses {
			bound := "larger"
			if c.MaxSize > 0 {
				bound = "<=" + size(int64(c.MaxSize))
			}
			p.Fprintf(w, "  %-10s %12d %12s %12d %12s\n", bound,
				c.AllocObjects, size(c.AllocBytes), c.LiveObjects, size(c.LiveBytes))
		}
	}
	if h := r.Harness; h != nil {
		p.Fprintf(w, "harness      %v, %d collections, %v in gc, %s allocated\n",
			h.Elapsed.Round(time.Millisecond), h.Cycles, h.GCTime.Round(time.Microsecond), size(h.AllocBytes))
	}
	return nil
}
