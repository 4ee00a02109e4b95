package virtqueue

import (
	"fmt"
	"unsafe"
)

// availableRingFlag is a flag that describes an [availableRing].
type availableRingFlag uint16

const (
	// availableRingFlagNoInterrupt is set by the guest to advise the device
	// not to signal completions. It is advisory only.
	availableRingFlagNoInterrupt availableRingFlag = 1 << iota
)

// availableRingSize is the number of bytes needed to store the available
// ring for the given queue size.
func availableRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

// availableRing is the device-side read-only view of the ring through
// which the guest offers descriptor chains.
//
// Because the size of the ring depends on the queue size, we cannot define
// a Go struct with a static size that maps to the memory of the ring.
// Instead, this struct only contains pointers to the corresponding memory
// areas.
type availableRing struct {
	// flags that describe this ring.
	flags *availableRingFlag
	// ringIndex indicates where the guest will put the next entry (modulo
	// the queue size). Only the guest advances it.
	ringIndex *uint16
	// ring holds descriptor chain head indexes. It wraps at queue size.
	ring []uint16
	// usedEvent is unused by this implementation but reserved to keep the
	// memory layout complete.
	usedEvent *uint16
}

// newAvailableRing interprets the given guest memory as an available ring.
// The slice length must match [availableRingSize] for the queue size.
func newAvailableRing(queueSize int, mem []byte) (*availableRing, error) {
	ringSize := availableRingSize(queueSize)
	if len(mem) != ringSize {
		return nil, fmt.Errorf("memory size (%v) does not match required size "+
			"for available ring: %v", len(mem), ringSize)
	}

	return &availableRing{
		flags:     (*availableRingFlag)(unsafe.Pointer(&mem[0])),
		ringIndex: (*uint16)(unsafe.Pointer(&mem[2])),
		ring:      unsafe.Slice((*uint16)(unsafe.Pointer(&mem[4])), queueSize),
		usedEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}, nil
}

// index returns the guest's current ring index. The guest may advance it
// concurrently; the device only ever compares it against its own shadow
// index.
func (r *availableRing) index() uint16 {
	return *r.ringIndex
}

// entry returns the chain head the guest placed at the given position.
func (r *availableRing) entry(position uint16) uint16 {
	return r.ring[int(position)%len(r.ring)]
}

// suppressNotifications reports whether the guest asked not to be
// signalled about completions. Advisory per the virtio spec.
func (r *availableRing) suppressNotifications() bool {
	return *r.flags&availableRingFlagNoInterrupt != 0
}
