// Package vhostfs exposes a FUSE-style protocol engine as a vhost-user
// device backend. A peer VMM connects over a unix socket, shares guest
// memory, and submits requests through split virtqueues; vhostfs
// validates each descriptor chain, hands the request bytes to a Handler
// and publishes the response back through the used ring.
//
// The package does not interpret request payloads. Opcode semantics
// belong entirely to the Handler; stock handlers live in the handler
// subpackage.
package vhostfs

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/virtbridge/vhostfs/internal/constants"
	"github.com/virtbridge/vhostfs/internal/ctrl"
	"github.com/virtbridge/vhostfs/internal/interfaces"
	"github.com/virtbridge/vhostfs/internal/logging"
)

// Config describes one device instance.
type Config struct {
	// SocketPath is where the rendezvous socket is bound. The path must
	// fit a sockaddr_un; a stale socket file is removed.
	SocketPath string

	// Handler is the protocol engine. Required.
	Handler Handler

	// Observer receives data-path events in addition to the built-in
	// metrics; may be nil.
	Observer Observer

	// BufferSize bounds the largest request accepted, and is the bounce
	// buffer capacity of each queue worker. Zero means DefaultBufferSize.
	BufferSize uint32

	// StrictValidation makes guest-caused validation failures end the
	// session instead of completing the offending element empty.
	StrictValidation bool
}

// Session is one device lifetime: bind, serve one peer, tear down.
type Session struct {
	cfg     Config
	metrics *Metrics
	inner   *ctrl.Session
	log     *logging.Logger
}

// New validates the configuration and prepares a session. Serve runs it.
func New(cfg Config) (*Session, error) {
	if cfg.Handler == nil {
		return nil, interfaces.NewError("new", interfaces.ErrCodeInvalidConfig, "nil handler")
	}
	if cfg.BufferSize != 0 && cfg.BufferSize < constants.MinRequestSize {
		return nil, interfaces.NewError("new", interfaces.ErrCodeInvalidConfig,
			fmt.Sprintf("buffer of %d bytes cannot hold a %d byte request header",
				cfg.BufferSize, constants.MinRequestSize))
	}

	s := &Session{
		cfg:     cfg,
		metrics: NewMetrics(),
		log:     logging.Default().WithSocket(cfg.SocketPath),
	}

	var observer Observer = s.metrics
	if cfg.Observer != nil {
		observer = fanoutObserver{s.metrics, cfg.Observer}
	}

	inner, err := ctrl.NewSession(cfg.SocketPath, ctrl.Config{
		Handler:    cfg.Handler,
		Observer:   observer,
		BufferSize: cfg.BufferSize,
		Strict:     cfg.StrictValidation,
		Logger:     s.log,
	})
	if err != nil {
		return nil, err
	}
	s.inner = inner
	return s, nil
}

// Serve binds the socket, waits for the one peer and runs the device
// until the peer disconnects, the context is cancelled, Close is called
// or a fatal error ends the session. It returns nil on an orderly end.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		// Releases the watcher goroutine on an orderly end, where no
		// error would cancel the group.
		defer cancel()
		if err := s.inner.Mount(); err != nil {
			return err
		}
		return s.inner.Serve(ctx)
	})
	eg.Go(func() error {
		<-ctx.Done()
		s.inner.Close()
		return nil
	})

	return eg.Wait()
}

// Close ends the session from another goroutine. Safe to call more than
// once, including before a peer has connected.
func (s *Session) Close() {
	s.inner.Close()
}

// Metrics returns the session's counters. Valid for concurrent use while
// the session runs.
func (s *Session) Metrics() *Metrics {
	return s.metrics
}

// fanoutObserver delivers every event to the built-in metrics and the
// caller's observer.
type fanoutObserver [2]Observer

func (f fanoutObserver) OnRequest(queue uint16, reqBytes, respBytes uint32, latencyNs uint64) {
	f[0].OnRequest(queue, reqBytes, respBytes, latencyNs)
	f[1].OnRequest(queue, reqBytes, respBytes, latencyNs)
}

func (f fanoutObserver) OnValidationError(queue uint16, code ErrorCode) {
	f[0].OnValidationError(queue, code)
	f[1].OnValidationError(queue, code)
}

func (f fanoutObserver) OnKick(queue uint16) {
	f[0].OnKick(queue)
	f[1].OnKick(queue)
}

func (f fanoutObserver) OnNotify(queue uint16) {
	f[0].OnNotify(queue)
	f[1].OnNotify(queue)
}
