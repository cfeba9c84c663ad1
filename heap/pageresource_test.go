// ABOUTME: Tests for page accounting and both page resource kinds
// ABOUTME: Every scenario ends by checking the accounting sum invariant

package heap

import (
	"errors"
	"testing"

	"github.com/prateek/memkit/address"
)

func verify(t *testing.T, a *Accounting) {
	t.Helper()
	if err := a.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestAccountingVerify(t *testing.T) {
	var a Accounting
	x, y := a.NewCounter("x"), a.NewCounter("y")
	x.Reserve(10)
	x.Commit(10)
	y.Reserve(4)
	verify(t, &a)
	if a.Reserved() != 14 || a.Committed() != 10 {
		t.Errorf("totals %d/%d", a.Reserved(), a.Committed())
	}
	y.Unreserve(4)
	x.Release(10)
	verify(t, &a)
	if a.Reserved() != 0 || a.Committed() != 0 {
		t.Error("everything was released")
	}

	// Corrupt a counter behind the accounting's back
	x.committed.Add(3)
	if err := a.Verify(); !errors.Is(err, ErrAccounting) {
		t.Errorf("expected ErrAccounting, got %v", err)
	}
}

func TestMonotonePageResource(t *testing.T) {
	var acct Accounting
	vm := NewDirectMap(NewMemory(nil, 0, nil))
	pr := NewMonotonePageResource(vm, 1, acct.NewCounter("mono"))

	reserve := func(pages int) address.Address {
		pr.Counter().Reserve(pages)
		return pr.Allocate(pages)
	}

	a := reserve(4)
	b := reserve(8)
	if b != a.Add(address.PagesToBytes(4)) {
		t.Errorf("allocations should be contiguous: %s then %s", a, b)
	}
	// Larger than a chunk forces a multi-chunk run
	c := reserve(address.PagesInChunk + 1)
	if c.IsZero() || !pr.Contains(c) || !pr.Contains(c.Add(address.BytesInChunk)) {
		t.Fatal("large request not satisfied")
	}
	verify(t, &acct)

	var covered uintptr
	pr.Extent(func(start, end address.Address) { covered += end.Diff(start) })
	if covered < address.PagesToBytes(address.PagesInChunk+13) {
		t.Errorf("extent covers only %d bytes", covered)
	}

	pr.Reset()
	verify(t, &acct)
	if pr.Counter().Committed() != 0 || len(vm.Chunks(1)) != 0 {
		t.Error("Reset should release all pages and chunks")
	}
}

func TestFreeListPageResource(t *testing.T) {
	var acct Accounting
	vm := NewFragmentedMap(NewMemory(nil, 0, nil), 8)
	pr := NewFreeListPageResource(vm, 0, acct.NewCounter("fl"), 8)

	alloc := func(pages int) address.Address {
		pr.Counter().Reserve(pages)
		a := pr.Allocate(pages)
		if a.IsZero() {
			t.Fatalf("allocating %d pages failed", pages)
		}
		return a
	}

	a := alloc(8)
	b := alloc(3)
	if !b.IsAligned(8 * address.BytesInPage) {
		t.Errorf("run %s not aligned to 8 pages", b)
	}
	c := alloc(8)
	if pr.Chunks() != 1 {
		t.Errorf("small runs should share one chunk, have %d", pr.Chunks())
	}
	verify(t, &acct)

	// Freed pages are reused and come back zeroed
	vm.Memory().StoreWord(b, 42)
	pr.ReleasePages(b, 3)
	if d := alloc(2); d != b || vm.Memory().LoadWord(d) != 0 {
		t.Errorf("expected zeroed reuse of %s, got %s", b, d)
	}

	big := alloc(address.PagesInChunk * 2)
	if pr.Chunks() != 3 {
		t.Errorf("large run should take two dedicated chunks, have %d", pr.Chunks())
	}
	pr.ReleasePages(big, address.PagesInChunk*2)

	pr.ReleasePages(a, 8)
	pr.ReleasePages(c, 8)
	pr.ReleasePages(b, 2)
	verify(t, &acct)
	if pr.Chunks() != 0 || vm.AvailableChunks(0) != 8 {
		t.Error("empty chunks should go back to the map")
	}
}

func TestFreeListPageResourceExhaustion(t *testing.T) {
	var acct Accounting
	vm := NewFragmentedMap(NewMemory(nil, 0, nil), 1)
	pr := NewFreeListPageResource(vm, 0, acct.NewCounter("fl"), 1)
	pr.Counter().Reserve(address.PagesInChunk)
	if pr.Allocate(address.PagesInChunk).IsZero() {
		t.Fatal("one chunk fits")
	}
	pr.Counter().Reserve(1)
	if !pr.Allocate(1).IsZero() {
		t.Error("pool should be exhausted")
	}
	pr.Counter().Unreserve(1)
	verify(t, &acct)
}
