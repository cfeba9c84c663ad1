// ABOUTME: Side metadata field declarations with explicit scope and access contracts
// ABOUTME: Also declares the standard fields shared by the collection policies

// Package metadata stores per-granule collector state outside the objects
// it describes. Every field declares whether it is global or local to a
// policy and whether it is always accessed atomically or only under the
// exclusivity of a stopped world.
package metadata

import (
	"fmt"

	"github.com/prateek/memkit/address"
)

// Scope says which spaces carry a field
type Scope uint8

const (
	// Global fields cover every space
	Global Scope = iota
	// Local fields cover only the spaces that register them
	Local
)

// Access is a field's concurrency contract
type Access uint8

const (
	// Atomic fields may be written concurrently and only through atomic operations
	Atomic Access = iota
	// PhaseExclusive fields are only written while no collection stage runs
	// in parallel. Reads are unrestricted.
	PhaseExclusive
)

func (a Access) String() string {
	if a == Atomic {
		return "atomic"
	}
	return "phase-exclusive"
}

// Spec declares one side metadata field
type Spec struct {
	Name  string
	Scope Scope
	// LogBits is the log2 width of the value kept per granule, at most 6.
	LogBits uint
	// LogGranule is the log2 number of heap bytes described by one value.
	LogGranule uint
	Access     Access
}

func (s Spec) String() string {
	return fmt.Sprintf("%s(%d bits/%dB %s)", s.Name, 1<<s.LogBits, 1<<s.LogGranule, s.Access)
}

// BytesPerChunk returns the metadata bytes needed to describe one chunk,
// rounded up to whole words.
func (s Spec) BytesPerChunk() int {
	n := (address.BytesInChunk >> s.LogGranule) << s.LogBits >> 3
	return int(address.AlignSize(uintptr(n), address.BytesInWord))
}

func (s Spec) validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("metadata spec without a name")
	case s.LogBits > 6:
		return fmt.Errorf("metadata spec %s: %d bit values are too wide", s.Name, 1<<s.LogBits)
	case s.LogGranule < address.LogBytesInWord || s.LogGranule > address.LogBytesInChunk:
		return fmt.Errorf("metadata spec %s: granule of %d bytes", s.Name, 1<<s.LogGranule)
	}
	return nil
}

// Standard fields. Policies add the local ones they need to their context.
var (
	// ValidObject marks granules where an allocated object starts.
	ValidObject = Spec{Name: "valid-object", Scope: Global, LogBits: 0, LogGranule: address.LogMinObjectSize, Access: Atomic}
	// LogBit marks objects that are not yet in the remembered set.
	LogBit = Spec{Name: "log", Scope: Global, LogBits: 0, LogGranule: address.LogMinObjectSize, Access: Atomic}
	// MarkBit is the trace mark of marking policies.
	MarkBit = Spec{Name: "mark", Scope: Local, LogBits: 0, LogGranule: address.LogMinObjectSize, Access: Atomic}
	// ForwardingBits holds the forwarding state of copying policies.
	ForwardingBits = Spec{Name: "forwarding", Scope: Local, LogBits: 1, LogGranule: address.LogMinObjectSize, Access: Atomic}
)
