package vhostfs

import (
	"context"
	"sync"
)

// MockHandler provides a mock implementation of Handler for testing.
// It records every request it sees and replies with a configurable
// response. Safe for concurrent use.
type MockHandler struct {
	mu sync.RWMutex

	// Response is returned for every request. Nil completes elements
	// without reply bytes.
	Response []byte

	// Err, when set, is returned from Handle and ends the session.
	Err error

	// RespondWith, when set, takes precedence over Response and builds
	// the reply from the request bytes.
	RespondWith func(req *Request) []byte

	requests    [][]byte
	queues      []uint16
	handleCalls int
}

// NewMockHandler creates a mock handler that echoes nothing back.
func NewMockHandler() *MockHandler {
	return &MockHandler{}
}

// Handle implements the Handler interface
func (m *MockHandler) Handle(_ context.Context, req *Request) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handleCalls++
	if m.Err != nil {
		return nil, m.Err
	}

	// The request data aliases the worker's bounce buffer; keep a copy.
	m.requests = append(m.requests, append([]byte(nil), req.Data...))
	m.queues = append(m.queues, req.Queue)

	if m.RespondWith != nil {
		return m.RespondWith(req), nil
	}
	return m.Response, nil
}

// Requests returns copies of every request payload seen, in arrival order.
func (m *MockHandler) Requests() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(m.requests))
	copy(out, m.requests)
	return out
}

// Queues returns the queue index each recorded request arrived on.
func (m *MockHandler) Queues() []uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uint16(nil), m.queues...)
}

// CallCount returns the number of Handle invocations, including failed ones.
func (m *MockHandler) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handleCalls
}

// Reset clears recorded requests and counters.
func (m *MockHandler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.queues = nil
	m.handleCalls = 0
}

// Compile-time interface check
var _ Handler = (*MockHandler)(nil)
