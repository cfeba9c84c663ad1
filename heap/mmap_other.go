// ABOUTME: Portable chunk backing for platforms without mmap
// ABOUTME: Allocates chunk memory from the Go heap

//go:build !unix

package heap

// OSProvider allocates zeroed memory from the Go heap
type OSProvider struct{}

func (OSProvider) Map(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (OSProvider) Unmap([]byte) error { return nil }
