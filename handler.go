package vhostfs

import "github.com/virtbridge/vhostfs/internal/interfaces"

// Handler is the protocol engine contract. See the interfaces package
// for the full semantics; the alias keeps implementations importable
// from the public package alone.
type Handler = interfaces.Handler

// Request is one validated guest message handed to a Handler.
type Request = interfaces.Request

// Observer receives data-path events.
type Observer = interfaces.Observer
