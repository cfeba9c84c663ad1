// ABOUTME: Terminal output of a stress run and the locked report file
// ABOUTME: Colour is used only when stdout is a terminal

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/prateek/memkit/analysis"
	"github.com/prateek/memkit/stats"
)

const (
	ansiReset = "\x1b[0m"
	ansiBold  = "\x1b[1m"
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
)

type output struct {
	w     io.Writer
	color bool
}

// newOutput writes to w, colouring when w is the process's terminal
func newOutput(w io.Writer) *output {
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return &output{w: colorable.NewColorable(f), color: true}
	}
	return &output{w: colorable.NewNonColorable(w)}
}

func (o *output) paint(code, s string) string {
	if !o.color {
		return s
	}
	return code + s + ansiReset
}

func (o *output) result(res *result, format string) error {
	if format == "text" || format == "" {
		status := o.paint(ansiGreen, "ok")
		if res.Corrupt > 0 {
			status = o.paint(ansiRed, fmt.Sprintf("%d corrupt objects", res.Corrupt))
		}
		fmt.Fprintf(o.w, "%s %s in %v, %d survivors, %d finalized\n",
			o.paint(ansiBold, "memkit-stress"), status,
			res.Elapsed.Round(time.Millisecond), res.Survivors, res.Finalized)
		if g := res.Snapshot; g != nil {
			bySpace := analysis.Spaces(g)
			fmt.Fprintf(o.w, "snapshot: %d objects, %d roots\n", g.NumObjects(), len(g.GetRoots().IDs))
			for _, name := range analysis.SpaceNames(bySpace) {
				fmt.Fprintf(o.w, "  %-12s %d bytes\n", name, bySpace[name])
			}
		} else if res.SnapshotErr != nil {
			fmt.Fprintf(o.w, "snapshot: %v\n", res.SnapshotErr)
		}
	}
	return res.Report.Write(o.w, format)
}

// appendReport adds r to the file at path. Concurrent runs serialize on a
// lock file next to it.
func appendReport(path string, r stats.Report, format string) error {
	var buf bytes.Buffer
	if err := r.Write(&buf, format); err != nil {
		return err
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	defer lock.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
