//go:build linux

package ring

import (
	"golang.org/x/sys/unix"
)

// Alloc returns a zeroed, page-aligned region suitable for backing a ring,
// doorbell record or trigger register. Real devices hand these regions over
// already mapped; the selftest path and the unit tests allocate their own,
// and page alignment keeps slot addresses aligned the same way the device's
// would be.
func Alloc(size int) ([]byte, error) {
	pageSize := unix.Getpagesize()
	if rem := size % pageSize; rem != 0 {
		size += pageSize - rem
	}
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
}

// Free releases a region obtained from Alloc.
func Free(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
