package virtqueue

// usedElementSize is the number of bytes needed to store a [UsedElement]
// in guest memory.
const usedElementSize = 8

// UsedElement is an entry of the used ring. The device writes one for each
// descriptor chain it has finished with.
type UsedElement struct {
	// DescriptorIndex is the table index of the head of the completed
	// descriptor chain. 32-bit in memory for padding reasons.
	DescriptorIndex uint32
	// Length is the number of bytes the device wrote into the
	// device-writable part of the chain.
	Length uint32
}
