// ABOUTME: Core data types of a heap snapshot
// ABOUTME: Objects are numbered from 1; ID 0 is the super-root holding every root

package snapshot

import "github.com/prateek/memkit/address"

// ObjID identifies an object within one snapshot
type ObjID uint64

// SuperRoot is the virtual object pointing at every root
const SuperRoot ObjID = 0

// Object is one live object
type Object struct {
	ID    ObjID
	Addr  address.Address
	Space string
	Size  uint64
	Ptrs  []ObjID
}

// Roots lists the objects referenced directly by root slots
type Roots struct {
	IDs []ObjID
}
