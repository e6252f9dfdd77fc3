//go:build !linux

package ring

// Alloc returns a zeroed region suitable for backing a ring, doorbell record
// or trigger register. Off linux there is no mmap to lean on; heap memory is
// 8-byte aligned which is all the trigger store requires.
func Alloc(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// Free releases a region obtained from Alloc.
func Free(mem []byte) error {
	return nil
}
