package vhostfs

import "github.com/virtbridge/vhostfs/internal/constants"

// Queue topology. The device exposes a high-priority queue and a request
// queue; peers asking for more are rejected.
const (
	MaxQueues    = constants.MaxQueues
	HiprioQueue  = constants.HiprioQueue
	RequestQueue = constants.RequestQueue
)

// Request sizing.
const (
	// MinRequestSize is the fixed request header size; shorter chains
	// fail validation.
	MinRequestSize = constants.MinRequestSize

	// DefaultBufferSize is the per-queue bounce buffer capacity used
	// when Config.BufferSize is zero.
	DefaultBufferSize = constants.DefaultBufferSize
)
