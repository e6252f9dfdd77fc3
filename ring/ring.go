package ring

import (
	"fmt"
)

// Buffer is a view over one hardware ring: a contiguous region shared
// read/write with the device, divided into entries fixed-size slots. The
// buffer itself holds no cursor; producer and consumer indices are owned by
// whoever drives each side and are mapped to slots here.
//
// entries must be a power of two so that the slot for a monotonically
// increasing index is index & (entries-1), and so the expected ownership
// polarity for that index is the single bit index & entries.
type Buffer struct {
	mem     []byte
	entries uint32
	stride  uint32
	mask    uint32
}

// NewBuffer wraps mem as a ring of entries slots of stride bytes each.
// mem must be at least entries*stride long; the excess, if any, is ignored.
func NewBuffer(mem []byte, entries, stride uint32) (*Buffer, error) {
	if entries == 0 || entries&(entries-1) != 0 {
		return nil, fmt.Errorf("ring entries must be a power of two, got %d", entries)
	}
	if stride == 0 || stride%16 != 0 {
		return nil, fmt.Errorf("ring stride must be a positive multiple of 16, got %d", stride)
	}
	if need := uint64(entries) * uint64(stride); uint64(len(mem)) < need {
		return nil, fmt.Errorf("ring memory too small: have %d bytes, need %d", len(mem), need)
	}

	return &Buffer{
		mem:     mem,
		entries: entries,
		stride:  stride,
		mask:    entries - 1,
	}, nil
}

// Slot returns the slot for index. The index is masked, not reduced modulo,
// so callers keep full-width monotonic counters and wrapping is free.
func (b *Buffer) Slot(index uint32) []byte {
	off := uint64(index&b.mask) * uint64(b.stride)
	return b.mem[off : off+uint64(b.stride)]
}

// ExpectedOwner returns the ownership bit a consumer at index should find in
// a slot freshly written by hardware: floor(index/entries) mod 2, computed as
// the single bit index & entries. Hardware sets the same bit from its
// producer index, so a slot not yet rewritten for the current lap never
// matches.
func (b *Buffer) ExpectedOwner(index uint32) byte {
	if index&b.entries != 0 {
		return 1
	}
	return 0
}

// Entries returns the slot count.
func (b *Buffer) Entries() uint32 {
	return b.entries
}

// Stride returns the slot size in bytes.
func (b *Buffer) Stride() uint32 {
	return b.stride
}
