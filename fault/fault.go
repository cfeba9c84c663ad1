// ABOUTME: Fatal invariant violations for the collector
// ABOUTME: Logs a diagnostic dump and aborts the current goroutine with *Error

// Package fault reports internal invariant violations. Continuing after one
// risks heap corruption, so every fault ends in a panic carrying *Error.
package fault

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
)

// Error is the panic value raised for an invariant violation
type Error struct {
	Msg   string
	Dump  []slog.Attr
	Stack []byte
}

func (e *Error) Error() string {
	return "memkit: fatal: " + e.Msg
}

var logger atomic.Pointer[slog.Logger]

// SetLogger installs the logger diagnostic dumps are written to
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

// Fatalf reports an invariant violation and panics
func Fatalf(format string, args ...any) {
	Fatal(fmt.Sprintf(format, args...))
}

// Fatal reports an invariant violation with extra diagnostic attributes and panics
func Fatal(msg string, dump ...slog.Attr) {
	err := &Error{Msg: msg, Dump: dump, Stack: debug.Stack()}
	if l := logger.Load(); l != nil {
		attrs := append([]slog.Attr{slog.String("stack", string(err.Stack))}, dump...)
		l.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
	}
	panic(err)
}

// Assert calls Fatalf when cond is false
func Assert(cond bool, format string, args ...any) {
	if !cond {
		Fatalf(format, args...)
	}
}

// Recover converts a recovered panic value into *Error, wrapping foreign
// panics. It returns nil when v is nil.
func Recover(v any) *Error {
	switch e := v.(type) {
	case nil:
		return nil
	case *Error:
		return e
	case error:
		return &Error{Msg: e.Error(), Stack: debug.Stack()}
	default:
		return &Error{Msg: fmt.Sprint(e), Stack: debug.Stack()}
	}
}
