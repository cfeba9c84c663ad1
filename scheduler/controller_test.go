// ABOUTME: Tests for collection request coalescing in the controller
// ABOUTME: Cycles are simulated by functions the test steps through

package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestControllerCoalescesRequests(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan uint64, 4)
	c := NewController(func(n uint64) (CycleStats, error) {
		entered <- n
		<-gate
		return CycleStats{Total: time.Millisecond}, nil
	}, nil)
	c.Start()
	defer c.Stop()

	first := c.Request()
	if again := c.Request(); again != first {
		t.Fatalf("pending request should be shared, got %d and %d", first, again)
	}
	if n := <-entered; n != first {
		t.Fatalf("cycle %d started, want %d", n, first)
	}
	// The world is not stopped yet, so a new request joins this cycle
	if joined := c.Request(); joined != first {
		t.Errorf("request before the world stopped targets %d, want %d", joined, first)
	}
	c.MarkStopped()
	next := c.Request()
	if next != first+1 {
		t.Errorf("request after the world stopped targets %d, want %d", next, first+1)
	}
	gate <- struct{}{}
	c.Wait(first)
	if c.Completed() < first || c.Last().Total != time.Millisecond {
		t.Error("first cycle should have completed")
	}

	if n := <-entered; n != next {
		t.Fatalf("cycle %d started, want %d", n, next)
	}
	gate <- struct{}{}
	c.Wait(next)
	if c.Pending() {
		t.Error("no cycle should be pending")
	}
}

func TestControllerReportsFailures(t *testing.T) {
	boom := errors.New("boom")
	c := NewController(func(uint64) (CycleStats, error) { return CycleStats{}, boom }, nil)
	failures := make(chan error, 1)
	c.OnFailure = func(err error) { failures <- err }
	c.Start()
	defer c.Stop()

	c.Wait(c.Request())
	select {
	case err := <-failures:
		if !errors.Is(err, boom) {
			t.Errorf("failure handler got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("failure handler not called")
	}
}
