package virtqueue

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/virtbridge/vhostfs/internal/eventfd"
)

// ErrBadChain is returned when the guest-controlled ring or descriptor
// content is structurally invalid (bad head index, broken link, loop,
// indirect descriptor). The queue cannot tell which element the guest
// meant, so the error is not attributable to a single request.
var ErrBadChain = errors.New("malformed descriptor chain")

// SplitQueue is the device-side handle to one split virtqueue living in
// guest memory. Ring access is not safe for concurrent use; each queue is
// owned by exactly one worker. The call fd is the exception: the control
// plane may replace it while the worker notifies, so it lives behind its
// own lock.
type SplitQueue struct {
	size uint16
	mem  GuestMemory

	descriptors []Descriptor
	available   *availableRing
	used        *usedRing

	// shadowAvail is the device's progress through the available ring.
	shadowAvail uint16

	callMu sync.Mutex
	call   *eventfd.EventFD
}

// Config carries the guest-provided queue geometry. The ring slices are
// the host mappings of the DESC/AVAIL/USED vring areas; Base is the
// starting ring position handed over by the transport.
type Config struct {
	QueueSize       uint16
	DescriptorTable []byte
	AvailableRing   []byte
	UsedRing        []byte
	Base            uint16
	Memory          GuestMemory
	Call            *eventfd.EventFD
}

// New validates the geometry and builds the device-side views over the
// guest's queue memory.
func New(cfg Config) (*SplitQueue, error) {
	if err := CheckQueueSize(int(cfg.QueueSize)); err != nil {
		return nil, err
	}
	if cfg.Memory == nil {
		return nil, errors.New("virtqueue: nil guest memory")
	}

	want := descriptorTableSize(int(cfg.QueueSize))
	if len(cfg.DescriptorTable) != want {
		return nil, fmt.Errorf("virtqueue: descriptor table size %d, want %d",
			len(cfg.DescriptorTable), want)
	}

	available, err := newAvailableRing(int(cfg.QueueSize), cfg.AvailableRing)
	if err != nil {
		return nil, err
	}
	used, err := newUsedRing(int(cfg.QueueSize), cfg.UsedRing)
	if err != nil {
		return nil, err
	}

	return &SplitQueue{
		size:        cfg.QueueSize,
		mem:         cfg.Memory,
		descriptors: unsafe.Slice((*Descriptor)(unsafe.Pointer(&cfg.DescriptorTable[0])), cfg.QueueSize),
		available:   available,
		used:        used,
		shadowAvail: cfg.Base,
		call:        cfg.Call,
	}, nil
}

// Size returns the number of entries the queue can hold.
func (q *SplitQueue) Size() uint16 {
	return q.size
}

// Base returns the device's current position in the available ring. The
// transport hands this back to the peer when a queue is stopped.
func (q *SplitQueue) Base() uint16 {
	return q.shadowAvail
}

// Pending returns how many offered chains have not been popped yet.
func (q *SplitQueue) Pending() int {
	count := int(q.available.index() - q.shadowAvail)
	if count < 0 {
		count += 1 << 16
	}
	return count
}

// Pop takes the next offered descriptor chain off the available ring and
// partitions it into guest-readable and guest-writable segments. It
// returns nil when no chain is pending. The element stays owned by the
// device until PushUsed is called for it.
func (q *SplitQueue) Pop() (*Chain, error) {
	if q.Pending() == 0 {
		return nil, nil
	}

	head := q.available.entry(q.shadowAvail)
	if head >= q.size {
		return nil, fmt.Errorf("%w: head index %d outside table of %d", ErrBadChain, head, q.size)
	}

	chain := &Chain{Head: head, mem: q.mem}

	// Walk the chain. The link count is capped at the queue size, which
	// turns a guest-constructed cycle into an error instead of a livelock.
	index := head
	for steps := 0; ; steps++ {
		if steps >= int(q.size) {
			return nil, fmt.Errorf("%w: chain exceeds queue size (loop?)", ErrBadChain)
		}

		desc := q.descriptors[index]
		if desc.Flags&descriptorFlagIndirect != 0 {
			return nil, fmt.Errorf("%w: indirect descriptor without negotiation", ErrBadChain)
		}

		segment := Segment{Addr: desc.Addr, Len: desc.Len}
		if desc.Flags&descriptorFlagWritable != 0 {
			chain.in = append(chain.in, segment)
		} else {
			chain.out = append(chain.out, segment)
		}

		if desc.Flags&descriptorFlagHasNext == 0 {
			break
		}
		if desc.Next >= q.size {
			return nil, fmt.Errorf("%w: next index %d outside table of %d", ErrBadChain, desc.Next, q.size)
		}
		index = desc.Next
	}

	q.shadowAvail++
	return chain, nil
}

// PushUsed returns a popped chain to the guest with the number of bytes
// written into its guest-writable part.
func (q *SplitQueue) PushUsed(c *Chain, written uint32) {
	q.used.push(c.Head, written)
}

// ShouldNotify reports whether the guest wants a completion signal. The
// flag is advisory; callers may signal anyway.
func (q *SplitQueue) ShouldNotify() bool {
	return !q.available.suppressNotifications()
}

// Notify signals the guest that completions are visible in the used ring.
func (q *SplitQueue) Notify() error {
	q.callMu.Lock()
	call := q.call
	q.callMu.Unlock()
	if call == nil {
		return nil
	}
	return call.Kick()
}

// SetCall replaces the completion eventfd and returns the previous one,
// which the caller owns again. The front-end re-announces the call fd
// once its interrupt plumbing is in place, typically after the queue is
// already running; the swap must not race the worker's Notify.
func (q *SplitQueue) SetCall(call *eventfd.EventFD) *eventfd.EventFD {
	q.callMu.Lock()
	prev := q.call
	q.call = call
	q.callMu.Unlock()
	return prev
}
