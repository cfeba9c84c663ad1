// ABOUTME: Global and per-resource page counters used for budgets and triggers
// ABOUTME: Verify checks that the global totals equal the sum of the resources

package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrAccounting is returned by Verify when the counters disagree
var ErrAccounting = errors.New("page accounting mismatch")

// Accounting tracks reserved and committed pages for the whole heap.
// Reserved pages have been promised to an allocation request; committed
// pages are handed out and backed by memory.
type Accounting struct {
	reserved  atomic.Int64
	committed atomic.Int64

	mu       sync.Mutex
	counters []*PageCounter
}

// PageCounter is one page resource's share of the accounting
type PageCounter struct {
	name      string
	acct      *Accounting
	reserved  atomic.Int64
	committed atomic.Int64
}

// NewCounter registers a counter for a page resource
func (a *Accounting) NewCounter(name string) *PageCounter {
	c := &PageCounter{name: name, acct: a}
	a.mu.Lock()
	a.counters = append(a.counters, c)
	a.mu.Unlock()
	return c
}

// Reserved returns the reserved page total
func (a *Accounting) Reserved() int { return int(a.reserved.Load()) }

// Committed returns the committed page total
func (a *Accounting) Committed() int { return int(a.committed.Load()) }

// Verify compares the totals with the sum over all counters. It is only
// meaningful while no allocation is in progress.
func (a *Accounting) Verify() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var reserved, committed int64
	for _, c := range a.counters {
		r, k := c.reserved.Load(), c.committed.Load()
		if k < 0 || r < 0 {
			return fmt.Errorf("%w: %s has %d reserved, %d committed pages", ErrAccounting, c.name, r, k)
		}
		reserved += r
		committed += k
	}
	if reserved != a.reserved.Load() || committed != a.committed.Load() {
		return fmt.Errorf("%w: resources hold %d reserved and %d committed pages, totals are %d and %d",
			ErrAccounting, reserved, committed, a.reserved.Load(), a.committed.Load())
	}
	return nil
}

// Name returns the counter's resource name
func (c *PageCounter) Name() string { return c.name }

// Reserved returns the pages reserved by this resource
func (c *PageCounter) Reserved() int { return int(c.reserved.Load()) }

// Committed returns the pages committed by this resource
func (c *PageCounter) Committed() int { return int(c.committed.Load()) }

// Reserve records pages promised to a pending request
func (c *PageCounter) Reserve(pages int) {
	c.reserved.Add(int64(pages))
	c.acct.reserved.Add(int64(pages))
}

// Unreserve withdraws a reservation that will not be committed
func (c *PageCounter) Unreserve(pages int) {
	c.Reserve(-pages)
}

// Commit records reserved pages as handed out
func (c *PageCounter) Commit(pages int) {
	c.committed.Add(int64(pages))
	c.acct.committed.Add(int64(pages))
}

// Release returns committed pages, dropping both their commitment and
// their reservation.
func (c *PageCounter) Release(pages int) {
	c.Commit(-pages)
	c.Reserve(-pages)
}
