package ring

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// DoorbellLen is the size of the completion doorbell record: one
	// set-consumer-index word followed by one arm word.
	DoorbellLen = 8

	// doorbell word indices
	doorbellSetCI = 0

	// TriggerHeadLen is how much of a control segment a trigger write
	// carries: the first 8 bytes, which is all the device needs to begin
	// fetching the descriptor.
	TriggerHeadLen = 8

	// consumer indices published to hardware are truncated to 24 bits
	consumerIndexMask = 0xffffff
)

// Doorbell is a view over the completion ring's doorbell record, the word the
// device reads to learn how far software has consumed and therefore which
// slots it may overwrite.
type Doorbell struct {
	mem []byte
}

// NewDoorbell wraps mem, which must hold at least DoorbellLen bytes.
func NewDoorbell(mem []byte) (*Doorbell, error) {
	if len(mem) < DoorbellLen {
		return nil, fmt.Errorf("doorbell memory too small: have %d bytes, need %d", len(mem), DoorbellLen)
	}
	return &Doorbell{mem: mem}, nil
}

// PublishConsumerIndex tells hardware the consumer has advanced to ci. Only
// the low 24 bits are addressable by the device; the value is written big
// endian into the set-ci word.
func (d *Doorbell) PublishConsumerIndex(ci uint32) {
	binary.BigEndian.PutUint32(d.mem[doorbellSetCI*4:doorbellSetCI*4+4], ci&consumerIndexMask)
}

// ConsumerIndex reads back the last published value. Hardware never writes
// this word; the readback exists for tests and debugging.
func (d *Doorbell) ConsumerIndex() uint32 {
	return binary.BigEndian.Uint32(d.mem[doorbellSetCI*4 : doorbellSetCI*4+4])
}

// Trigger is a view over the send-queue trigger register region. Writing the
// head of a freshly built control segment to it makes the device start
// fetching the descriptor immediately. Successive writes must alternate
// between the two halves of the region so that back-to-back posts do not race
// on write-combining flush order; Ring maintains that alternation by xor-ing
// the offset with the half size after every write.
type Trigger struct {
	mem    []byte
	size   uint32
	offset uint32
}

// NewTrigger wraps mem as a trigger register whose alternating halves are
// size bytes apart. size must be 8-byte aligned and mem must cover both
// halves.
func NewTrigger(mem []byte, size uint32) (*Trigger, error) {
	if size == 0 || size%8 != 0 {
		return nil, fmt.Errorf("trigger size must be a positive multiple of 8, got %d", size)
	}
	if uint64(len(mem)) < 2*uint64(size) {
		return nil, fmt.Errorf("trigger memory too small: have %d bytes, need %d", len(mem), 2*size)
	}
	return &Trigger{mem: mem, size: size}, nil
}

// Ring writes the first 8 bytes of ctrl to the current trigger offset as one
// atomic 8-byte store, then flips to the other half for the next post. The
// bytes are copied as-is: ctrl is already in wire order, and the device only
// cares that all 8 land in a single transaction.
func (t *Trigger) Ring(ctrl []byte) {
	head := *(*uint64)(unsafe.Pointer(&ctrl[0]))
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&t.mem[t.offset])), head)
	t.offset ^= t.size
}

// Offset returns the offset the next Ring call will write to.
func (t *Trigger) Offset() uint32 {
	return t.offset
}
