// ABOUTME: Tests for the memkit package surface: version, plan linking and option errors
// ABOUTME: Engines built here run over the simplevm runtime

package memkit_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/prateek/memkit"
	"github.com/prateek/memkit/options"
	"github.com/prateek/memkit/plan"
	"github.com/prateek/memkit/vm/simplevm"
)

func TestVersion(t *testing.T) {
	if !strings.HasPrefix(memkit.Version, "0.") {
		t.Errorf("Version should be a 0.x semantic version, got %q", memkit.Version)
	}
}

func TestEveryPlanIsLinked(t *testing.T) {
	want := []string{"gencopy", "marksweep", "nogc", "regional", "semispace"}
	got := memkit.Plans()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Plans() = %v, want %v", got, want)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*options.Options)
		target error
	}{
		{"unknown plan", func(o *options.Options) { o.Plan = "refcount" }, plan.ErrUnknownPlan},
		{"no threads", func(o *options.Options) { o.Threads = 0 }, options.ErrInvalid},
		{"tiny heap", func(o *options.Options) { o.HeapSize = 1 }, options.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := options.Default()
			tt.modify(&o)
			e, err := memkit.New(o, simplevm.New())
			if err == nil {
				e.Close()
				t.Fatal("New accepted bad options")
			}
			if !errors.Is(err, tt.target) {
				t.Errorf("New() error = %v, want %v", err, tt.target)
			}
		})
	}
}
