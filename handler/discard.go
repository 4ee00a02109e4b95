package handler

import (
	"context"
	"sync/atomic"

	"github.com/virtbridge/vhostfs/internal/interfaces"
)

// Discard accepts every request and completes it without reply bytes,
// the way notification-style protocol messages are consumed. It counts
// what it drops.
type Discard struct {
	requests atomic.Uint64
	bytes    atomic.Uint64
}

// NewDiscard creates a discard handler
func NewDiscard() *Discard {
	return &Discard{}
}

// Handle implements the Handler interface
func (d *Discard) Handle(_ context.Context, req *interfaces.Request) ([]byte, error) {
	d.requests.Add(1)
	d.bytes.Add(uint64(len(req.Data)))
	return nil, nil
}

// Requests returns the number of requests dropped.
func (d *Discard) Requests() uint64 {
	return d.requests.Load()
}

// Bytes returns the total request bytes dropped.
func (d *Discard) Bytes() uint64 {
	return d.bytes.Load()
}

// Compile-time interface check
var _ interfaces.Handler = (*Discard)(nil)
