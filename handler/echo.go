// Package handler provides standard vhostfs protocol handlers
package handler

import (
	"context"
	"sync/atomic"

	"github.com/virtbridge/vhostfs/internal/interfaces"
)

// Echo replies to every request with its own bytes, capped at MaxReply.
// Useful for loopback testing a guest driver without a real protocol
// engine behind the device.
type Echo struct {
	// MaxReply bounds the response size. Zero echoes the full request;
	// guests offering less writable space than the request size should
	// set this to what they offer.
	MaxReply int

	requests atomic.Uint64
}

// NewEcho creates an echo handler with no reply cap
func NewEcho() *Echo {
	return &Echo{}
}

// Handle implements the Handler interface
func (e *Echo) Handle(_ context.Context, req *interfaces.Request) ([]byte, error) {
	e.requests.Add(1)

	data := req.Data
	if e.MaxReply > 0 && len(data) > e.MaxReply {
		data = data[:e.MaxReply]
	}
	// Handlers must not retain the request buffer, so reply with a copy.
	return append([]byte(nil), data...), nil
}

// Requests returns the number of requests echoed.
func (e *Echo) Requests() uint64 {
	return e.requests.Load()
}

// Compile-time interface check
var _ interfaces.Handler = (*Echo)(nil)
