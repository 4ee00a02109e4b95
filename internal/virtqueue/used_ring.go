package virtqueue

import (
	"fmt"
	"unsafe"
)

// usedRingFlag is a flag that describes a [usedRing].
type usedRingFlag uint16

const (
	// usedRingFlagNoNotify would advise the guest not to kick the device.
	// This device always accepts kicks, so the flag is never set.
	usedRingFlagNoNotify usedRingFlag = 1 << iota
)

// usedRingSize is the number of bytes needed to store the used ring for
// the given queue size.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// usedRing is the device-side writable view of the ring through which
// completed descriptor chains are returned to the guest. The device is
// the sole writer.
type usedRing struct {
	// flags that describe this ring.
	flags *usedRingFlag
	// ringIndex indicates where the device will put the next entry (modulo
	// the queue size). Only the device advances it.
	ringIndex *uint16
	// ring contains the [UsedElement]s. It wraps at queue size.
	ring []UsedElement
	// availableEvent is unused by this implementation but reserved to keep
	// the memory layout complete.
	availableEvent *uint16

	// nextIndex is the device's shadow of ringIndex, so publication of an
	// element and the index advance can be ordered explicitly.
	nextIndex uint16
}

// newUsedRing interprets the given guest memory as a used ring. The slice
// length must match [usedRingSize] for the queue size.
func newUsedRing(queueSize int, mem []byte) (*usedRing, error) {
	ringSize := usedRingSize(queueSize)
	if len(mem) != ringSize {
		return nil, fmt.Errorf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize)
	}

	r := &usedRing{
		flags:          (*usedRingFlag)(unsafe.Pointer(&mem[0])),
		ringIndex:      (*uint16)(unsafe.Pointer(&mem[2])),
		ring:           unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		availableEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
	r.nextIndex = *r.ringIndex
	return r, nil
}

// push publishes one completed chain to the guest. The element is written
// before the ring index is advanced, so the guest never observes a stale
// entry behind a fresh index.
func (r *usedRing) push(head uint16, written uint32) {
	r.ring[int(r.nextIndex)%len(r.ring)] = UsedElement{
		DescriptorIndex: uint32(head),
		Length:          written,
	}
	r.nextIndex++
	*r.ringIndex = r.nextIndex
}
