package interfaces

import "context"

// Request is one validated guest message together with the routing metadata
// the protocol engine may need for its response path.
type Request struct {
	// Queue is the index of the virtqueue the request arrived on.
	Queue uint16

	// Data is the request payload, reconstructed as a single contiguous
	// byte stream from the guest's scatter/gather chain. It aliases the
	// worker's bounce buffer and is only valid for the duration of the
	// Handle call; implementations must not retain it.
	Data []byte
}

// Handler is the protocol engine contract. The bridge does not interpret
// request bytes beyond establishing that enough well-formed bytes exist;
// opcode and header semantics belong entirely to the Handler.
//
// Handle is invoked with a payload of at least the minimum header size and
// at most the configured buffer capacity. The returned bytes are written
// into the guest-writable part of the same queue element; a nil or empty
// response completes the element without reply bytes (notification-style
// messages). Once more than one request queue is enabled, Handle must
// tolerate concurrent invocation from multiple queue workers.
type Handler interface {
	Handle(ctx context.Context, req *Request) ([]byte, error)
}

// Observer receives data-path events. All methods may be called
// concurrently from multiple queue workers and must not block.
type Observer interface {
	// OnRequest is called after an element completed, with the request
	// and response sizes and the handler latency in nanoseconds.
	OnRequest(queue uint16, reqBytes, respBytes uint32, latencyNs uint64)

	// OnValidationError is called when a popped chain failed validation.
	OnValidationError(queue uint16, code ErrorCode)

	// OnKick is called when a queue worker wakes on its kick signal.
	OnKick(queue uint16)

	// OnNotify is called after the guest was signalled about completions.
	OnNotify(queue uint16)
}
