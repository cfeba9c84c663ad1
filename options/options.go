// ABOUTME: Engine configuration: defaults, validation and key/value setters
// ABOUTME: Options are copied into the engine at init and never change afterwards

// Package options holds the structured configuration of a memkit engine.
// Options can be populated from code, from a YAML document, or from a
// shell-style "key=value" string such as the MEMKIT_OPTIONS environment
// variable.
package options

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"

	"github.com/inhies/go-bytesize"

	"github.com/prateek/memkit/address"
)

var (
	// ErrInvalid is returned for option values or combinations that cannot work
	ErrInvalid = errors.New("invalid options")
	// ErrUnknownOption is returned by Set for names that are not options
	ErrUnknownOption = errors.New("unknown option")
)

// Layout selects the heap address mapping strategy
type Layout string

const (
	// LayoutDirect reserves a fixed generous extent per space
	LayoutDirect Layout = "direct"
	// LayoutFragmented hands out chunks to spaces from a shared pool
	LayoutFragmented Layout = "fragmented"
)

// Bytes is a byte count that accepts human readable sizes such as "64MB"
type Bytes uint64

// ParseBytes parses a plain integer or a size with a unit suffix
func ParseBytes(s string) (Bytes, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Bytes(n), nil
	}
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("parsing size %q: %w", s, err)
	}
	return Bytes(b), nil
}

func (b Bytes) String() string {
	return bytesize.ByteSize(b).String()
}

// Set implements flag.Value
func (b *Bytes) Set(s string) error {
	v, err := ParseBytes(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// UnmarshalYAML accepts both integers and size strings
func (b *Bytes) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return b.Set(raw)
}

// MarshalYAML writes the size in its human readable form
func (b Bytes) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// Options configures an engine.
type Options struct {
	// Plan names the collection algorithm (see plan.Names).
	Plan string `yaml:"plan"`
	// HeapSize bounds the pages all spaces may commit together.
	HeapSize Bytes `yaml:"heap_size"`
	Layout   Layout `yaml:"layout"`
	// AvailableBytes is the size of the shared chunk pool of the fragmented layout.
	AvailableBytes Bytes `yaml:"available_bytes"`
	Threads        int   `yaml:"threads"`
	// StressFactor forces a collection every time this many bytes have been
	// committed since the last one. Zero disables stress collections.
	StressFactor Bytes `yaml:"stress_factor"`

	NurserySize Bytes `yaml:"nursery_size"`
	// FullHeapThreshold is the fraction of the heap the mature generation may
	// use before the next collection is a full heap collection.
	FullHeapThreshold float64 `yaml:"full_heap_threshold"`

	// DefragThreshold is the fragmentation ratio of reusable blocks measured
	// in the previous cycle above which the regional plan defragments.
	DefragThreshold       float64 `yaml:"defrag_threshold"`
	DefragHeadroomPercent int     `yaml:"defrag_headroom_percent"`

	SanityChecks     bool `yaml:"sanity_checks"`
	Analysis         bool `yaml:"analysis"`
	NoFinalizer      bool `yaml:"no_finalizer"`
	NoReferenceTypes bool `yaml:"no_reference_types"`
	IgnoreSystemGC   bool `yaml:"ignore_system_gc"`

	// MmapRetries is how often a failed page commit is retried before it is fatal.
	MmapRetries  int    `yaml:"mmap_retries"`
	ReportFormat string `yaml:"report_format"`

	Logger *slog.Logger `yaml:"-"`
}

// Default returns the default options
func Default() Options {
	threads := runtime.GOMAXPROCS(0)
	if threads > 8 {
		threads = 8
	}
	return Options{
		Plan:                  "semispace",
		HeapSize:              64 << 20,
		Layout:                LayoutDirect,
		AvailableBytes:        4 << 30,
		Threads:               threads,
		NurserySize:           8 << 20,
		FullHeapThreshold:     0.75,
		DefragThreshold:       0.3,
		DefragHeadroomPercent: 2,
		MmapRetries:           3,
		ReportFormat:          "text",
	}
}

// Validate checks every value and the combinations between them
func (o Options) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if o.Plan == "" {
		bad("plan must be set")
	}
	if o.HeapSize < 1<<20 {
		bad("heap_size %v is below the 1MB minimum", o.HeapSize)
	}
	switch o.Layout {
	case LayoutDirect:
		if uint64(o.HeapSize) > address.SpaceExtent {
			bad("heap_size %v exceeds the %v extent of a space", o.HeapSize, Bytes(address.SpaceExtent))
		}
	case LayoutFragmented:
		if o.AvailableBytes%address.BytesInChunk != 0 {
			bad("available_bytes %v is not a multiple of the chunk size", o.AvailableBytes)
		}
		if uint64(o.AvailableBytes) > uint64(address.HeapEnd-address.HeapStart) {
			bad("available_bytes %v exceeds the heap address range", o.AvailableBytes)
		}
		if o.HeapSize > o.AvailableBytes {
			bad("heap_size %v exceeds available_bytes %v", o.HeapSize, o.AvailableBytes)
		}
	default:
		bad("unknown layout %q", o.Layout)
	}
	if o.Threads < 1 || o.Threads > 256 {
		bad("threads must be between 1 and 256, got %d", o.Threads)
	}
	if o.Plan == "gencopy" && (o.NurserySize == 0 || o.NurserySize >= o.HeapSize) {
		bad("nursery_size %v must be non-zero and smaller than heap_size %v", o.NurserySize, o.HeapSize)
	}
	if o.FullHeapThreshold <= 0 || o.FullHeapThreshold > 1 {
		bad("full_heap_threshold must be in (0, 1], got %v", o.FullHeapThreshold)
	}
	if o.DefragThreshold < 0 || o.DefragThreshold > 1 {
		bad("defrag_threshold must be in [0, 1], got %v", o.DefragThreshold)
	}
	if o.DefragHeadroomPercent < 0 || o.DefragHeadroomPercent > 50 {
		bad("defrag_headroom_percent must be in [0, 50], got %d", o.DefragHeadroomPercent)
	}
	if o.MmapRetries < 0 {
		bad("mmap_retries must not be negative")
	}
	switch o.ReportFormat {
	case "text", "json", "yaml":
	default:
		bad("unknown report_format %q", o.ReportFormat)
	}
	return errors.Join(errs...)
}

// Set assigns a single option by its YAML name
func (o *Options) Set(name, value string) error {
	var err error
	switch strings.ReplaceAll(strings.ToLower(name), "-", "_") {
	case "plan":
		o.Plan = value
	case "heap_size":
		err = o.HeapSize.Set(value)
	case "layout":
		o.Layout = Layout(value)
	case "available_bytes":
		err = o.AvailableBytes.Set(value)
	case "threads":
		o.Threads, err = strconv.Atoi(value)
	case "stress_factor":
		err = o.StressFactor.Set(value)
	case "nursery_size":
		err = o.NurserySize.Set(value)
	case "full_heap_threshold":
		o.FullHeapThreshold, err = strconv.ParseFloat(value, 64)
	case "defrag_threshold":
		o.DefragThreshold, err = strconv.ParseFloat(value, 64)
	case "defrag_headroom_percent":
		o.DefragHeadroomPercent, err = strconv.Atoi(value)
	case "sanity_checks":
		o.SanityChecks, err = strconv.ParseBool(value)
	case "analysis":
		o.Analysis, err = strconv.ParseBool(value)
	case "no_finalizer":
		o.NoFinalizer, err = strconv.ParseBool(value)
	case "no_reference_types":
		o.NoReferenceTypes, err = strconv.ParseBool(value)
	case "ignore_system_gc":
		o.IgnoreSystemGC, err = strconv.ParseBool(value)
	case "mmap_retries":
		o.MmapRetries, err = strconv.Atoi(value)
	case "report_format":
		o.ReportFormat = value
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOption, name)
	}
	if err != nil {
		return fmt.Errorf("option %s=%q: %w", name, value, err)
	}
	return nil
}

