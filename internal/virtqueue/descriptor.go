package virtqueue

// descriptorFlag is a flag that describes a [Descriptor].
type descriptorFlag uint16

const (
	// descriptorFlagHasNext marks a descriptor chain as continuing via the
	// next field.
	descriptorFlagHasNext descriptorFlag = 1 << iota
	// descriptorFlagWritable marks a buffer as device write-only (otherwise
	// device read-only).
	descriptorFlagWritable
	// descriptorFlagIndirect means the buffer contains a further descriptor
	// table. Only valid when the indirect-descriptor feature was
	// negotiated, which this device never offers.
	descriptorFlagIndirect
)

// descriptorSize is the number of bytes a [Descriptor] occupies in guest
// memory.
const descriptorSize = 16

// Descriptor is one entry of the guest-owned descriptor table. The guest
// writes these; the device must treat every field as untrusted input.
type Descriptor struct {
	// Addr is the guest-physical address of the buffer.
	Addr uint64
	// Len is the length of the buffer in bytes. May be zero.
	Len uint32
	// Flags describe the buffer and the chain continuation.
	Flags descriptorFlag
	// Next is the table index of the next descriptor when
	// [descriptorFlagHasNext] is set.
	Next uint16
}

// descriptorTableSize is the number of bytes the descriptor table occupies
// for the given queue size.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}
