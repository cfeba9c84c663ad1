// ABOUTME: Collection controller that turns requests into scheduler cycles
// ABOUTME: Requests made before the world stops join the cycle already under way

package scheduler

import (
	"log/slog"
	"sync"

	"github.com/prateek/memkit/fault"
)

// CycleFunc runs collection number n and returns its statistics
type CycleFunc func(n uint64) (CycleStats, error)

// Controller serializes collection requests into cycles run on its own
// goroutine.
type Controller struct {
	run    CycleFunc
	logger *slog.Logger
	// OnFailure handles a failed cycle. The default panics with the fault.
	OnFailure func(err error)

	mu        sync.Mutex
	cond      *sync.Cond
	requested bool
	running   bool
	stopped   bool
	started   uint64
	completed uint64
	quit      bool
	exited    chan struct{}
	last      CycleStats
}

// NewController creates a controller that runs cycles with run
func NewController(run CycleFunc, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discard{}, nil))
	}
	c := &Controller{
		run:    run,
		logger: logger,
		exited: make(chan struct{}),
		OnFailure: func(err error) {
			panic(fault.Recover(err))
		},
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start launches the controller goroutine
func (c *Controller) Start() {
	go c.loop()
}

// Request asks for a collection and returns the number of the cycle that
// will serve it. A request made while a cycle is still stopping the world
// joins that cycle.
func (c *Controller) Request() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running && !c.stopped {
		return c.started
	}
	if !c.requested {
		c.requested = true
		c.cond.Broadcast()
	}
	return c.started + 1
}

// MarkStopped records that the running cycle has stopped every mutator
func (c *Controller) MarkStopped() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

// Wait blocks until cycle n has completed or the controller stopped
func (c *Controller) Wait(n uint64) {
	c.mu.Lock()
	for c.completed < n && !c.quit {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// Completed returns the number of finished cycles
func (c *Controller) Completed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Pending reports whether a cycle is requested or running
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested || c.running
}

// Last returns the statistics of the most recent cycle
func (c *Controller) Last() CycleStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Stop ends the controller after the running cycle
func (c *Controller) Stop() {
	c.mu.Lock()
	c.quit = true
	c.cond.Broadcast()
	c.mu.Unlock()
	<-c.exited
}

func (c *Controller) loop() {
	defer close(c.exited)
	for {
		c.mu.Lock()
		for !c.requested && !c.quit {
			c.cond.Wait()
		}
		if c.quit {
			c.mu.Unlock()
			return
		}
		c.requested = false
		c.started++
		n := c.started
		c.running, c.stopped = true, false
		c.mu.Unlock()

		stats, err := c.run(n)

		c.mu.Lock()
		c.running = false
		c.completed = n
		c.last = stats
		c.cond.Broadcast()
		c.mu.Unlock()
		if err != nil {
			c.logger.Error("collection failed", slog.Uint64("cycle", n), slog.String("error", err.Error()))
			c.OnFailure(err)
		}
	}
}
