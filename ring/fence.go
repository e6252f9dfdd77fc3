package ring

import "sync/atomic"

// The device writes completion slots and reads descriptor slots with no lock
// shared with us, so the only ordering tool is an explicit fence. Go does not
// expose standalone memory barriers; a sequentially consistent atomic
// operation on a package sentinel orders the surrounding plain loads and
// stores, the same trick kernel-ring consumers use.
var fenceWord uint32

// ReadFence orders all plain loads issued before it ahead of any loads issued
// after it. Call between observing a slot's ownership bit and decoding the
// rest of the slot.
func ReadFence() {
	_ = atomic.LoadUint32(&fenceWord)
}

// WriteFence orders all plain stores issued before it ahead of any stores
// issued after it. Call between filling a descriptor slot and writing the
// trigger register, so the device never observes the trigger before the
// descriptor is fully visible.
func WriteFence() {
	atomic.StoreUint32(&fenceWord, 0)
}
