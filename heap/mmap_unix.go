// ABOUTME: Anonymous private mappings used to back heap chunks on unix systems
// ABOUTME: Memory from mmap is zero filled and page aligned

//go:build unix

package heap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// OSProvider maps memory from the operating system
type OSProvider struct{}

func (OSProvider) Map(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrMapFailed, size, err)
	}
	return b, nil
}

func (OSProvider) Unmap(b []byte) error {
	return unix.Munmap(b)
}
