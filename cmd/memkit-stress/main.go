// ABOUTME: memkit-stress drives an engine with concurrent allocating mutators
// ABOUTME: Flags select options and workload; the report is printed and optionally appended to a file

// Command memkit-stress runs a randomized allocation workload over the
// simplevm runtime and prints the engine's report.
//
// Options come from -config when given and from MEMKIT_OPTIONS otherwise.
// Pairs passed with -o are applied on top.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prateek/memkit"
	"github.com/prateek/memkit/options"
)

// exit codes
const (
	exitOK = iota
	exitFailed
	exitUsage
)

type config struct {
	opts     options.Options
	work     workload
	verbose  bool
	snapshot string
	report   string
}

// optionList collects repeated -o flags
type optionList []string

func (l *optionList) String() string     { return strings.Join(*l, " ") }
func (l *optionList) Set(s string) error { *l = append(*l, s); return nil }

func parse(args []string, stderr io.Writer) (config, error) {
	fs := flag.NewFlagSet("memkit-stress", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: memkit-stress [flags]\n\nplans: %s\n\n", strings.Join(memkit.Plans(), ", "))
		fs.PrintDefaults()
	}
	var (
		cfg     config
		sets    optionList
		cfgFile = fs.String("config", "", "YAML options `file`")
	)
	fs.Var(&sets, "o", "option as `key=value`; may be repeated or hold several pairs")
	fs.IntVar(&cfg.work.Mutators, "mutators", 4, "number of mutator threads")
	fs.IntVar(&cfg.work.Iterations, "n", 100000, "allocations per mutator")
	fs.IntVar(&cfg.work.Live, "live", 2048, "objects each mutator keeps reachable")
	fs.IntVar(&cfg.work.WeakEvery, "weak-every", 64, "register a weak reference every `k` allocations; 0 disables")
	fs.IntVar(&cfg.work.FinalizeEvery, "finalize-every", 128, "register a finalizer every `k` allocations; 0 disables")
	fs.IntVar(&cfg.work.LargeEvery, "large-every", 500, "allocate a large object every `k` allocations; 0 disables")
	fs.IntVar(&cfg.work.UserGCEvery, "user-gc-every", 0, "request a collection every `k` allocations; 0 disables")
	fs.Int64Var(&cfg.work.Seed, "seed", 1, "random seed")
	fs.BoolVar(&cfg.verbose, "v", false, "log collections")
	fs.StringVar(&cfg.snapshot, "snapshot", "", "write a heap snapshot of the survivors to `file` (enables analysis)")
	fs.StringVar(&cfg.report, "report", "", "append the report to `file` under a lock")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	o, err := options.FromEnvironment()
	if err != nil {
		return cfg, err
	}
	if *cfgFile != "" {
		f, err := os.Open(*cfgFile)
		if err != nil {
			return cfg, err
		}
		o, err = options.LoadYAML(f)
		f.Close()
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", *cfgFile, err)
		}
	}
	for _, s := range sets {
		if err := o.ParseString(s); err != nil {
			return cfg, err
		}
	}
	if cfg.snapshot != "" {
		o.Analysis = true
	}
	if err := o.Validate(); err != nil {
		return cfg, err
	}
	if err := cfg.work.validate(); err != nil {
		return cfg, err
	}
	cfg.opts = o
	return cfg, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := parse(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "memkit-stress: %v\n", err)
		return exitUsage
	}
	level := slog.LevelWarn
	if cfg.verbose {
		level = slog.LevelDebug
	}
	cfg.opts.Logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	res, err := stress(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "memkit-stress: %v\n", err)
		return exitFailed
	}
	out := newOutput(stdout)
	if err := out.result(res, cfg.opts.ReportFormat); err != nil {
		fmt.Fprintf(stderr, "memkit-stress: %v\n", err)
		return exitFailed
	}
	if cfg.report != "" {
		if err := appendReport(cfg.report, res.Report, cfg.opts.ReportFormat); err != nil {
			fmt.Fprintf(stderr, "memkit-stress: %v\n", err)
			return exitFailed
		}
	}
	if res.Corrupt > 0 {
		return exitFailed
	}
	return exitOK
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
