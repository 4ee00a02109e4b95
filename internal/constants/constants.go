package constants

// Queue topology constants
const (
	// MaxQueues is the number of virtqueues a device instance exposes:
	// one hiprio queue plus one request queue. More request queues are
	// rejected until the protocol engine is audited for thread-safety.
	MaxQueues = 2

	// HiprioQueue is the index of the high-priority queue.
	HiprioQueue = 0

	// RequestQueue is the index of the general request queue.
	RequestQueue = 1
)

// Message sizing constants
const (
	// MinRequestSize is the fixed size of the request header that every
	// message begins with. Chains delivering fewer guest-readable bytes
	// than this cannot be a valid message.
	MinRequestSize = 40

	// DefaultBufferSize is the default bounce buffer capacity per worker,
	// which bounds the largest request the bridge will accept (1MB).
	DefaultBufferSize = 1 << 20
)

// Transport constants
const (
	// UnixPathMax is the longest socket path that fits a sockaddr_un,
	// excluding the trailing NUL.
	UnixPathMax = 107

	// SocketUmask restricts the rendezvous socket to owner-only for the
	// bind window.
	SocketUmask = 0o077
)
