// Package queue implements the per-virtqueue worker: it blocks on the
// queue's kick signal, drains offered descriptor chains through the chain
// reader, dispatches validated requests to the protocol engine and
// publishes completions back to the guest.
package queue

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/virtbridge/vhostfs/internal/constants"
	"github.com/virtbridge/vhostfs/internal/eventfd"
	"github.com/virtbridge/vhostfs/internal/interfaces"
	"github.com/virtbridge/vhostfs/internal/logging"
	"github.com/virtbridge/vhostfs/internal/virtqueue"
)

// Config assembles everything one queue worker needs.
type Config struct {
	// Queue is the virtqueue index, used for routing and logging.
	Queue uint16

	// VQ is the device-side view of the queue. The runner is its only
	// host-side user.
	VQ *virtqueue.SplitQueue

	// Kick wakes the worker when the guest offers new chains. Owned by
	// the runner once started.
	Kick *eventfd.EventFD

	// Stop wakes the worker for shutdown. Signalled by the controller;
	// the runner exits its loop without touching further elements.
	Stop *eventfd.EventFD

	// Handler is the protocol engine.
	Handler interfaces.Handler

	// Observer receives data-path events; may be nil.
	Observer interfaces.Observer

	// BufferSize is the bounce buffer capacity and therefore the largest
	// request accepted. Defaults to constants.DefaultBufferSize.
	BufferSize uint32

	// Strict makes guest-caused validation failures fatal to the session
	// instead of completing the offending element with zero bytes.
	Strict bool

	// Logger for this queue. Defaults to the package default logger.
	Logger *logging.Logger

	// OnFatal is invoked (once, from the worker goroutine) when the loop
	// exits with an error; may be nil.
	OnFatal func(error)
}

// Runner drives a single started virtqueue. Elements on one queue are
// processed strictly in pop order: the response is written back and the
// used ring advanced before the next element is popped.
type Runner struct {
	cfg    Config
	log    *logging.Logger
	reader *chainReader

	done chan struct{}
	err  error // written only by the worker goroutine, read after done
}

// NewRunner creates a runner for a started queue. Call Start to begin
// processing.
func NewRunner(cfg Config) *Runner {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = constants.DefaultBufferSize
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithQueue(int(cfg.Queue))

	return &Runner{
		cfg:  cfg,
		log:  log,
		done: make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (r *Runner) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Join blocks until the worker has exited and returns its terminal error,
// nil for an orderly stop.
func (r *Runner) Join() error {
	<-r.done
	return r.err
}

// Base returns the queue's position in the available ring. Only valid
// after Join; the worker owns the queue while it runs.
func (r *Runner) Base() uint16 {
	return r.cfg.VQ.Base()
}

// wake distinguishes the two poll outcomes of interest.
type wake int

const (
	wakeKick wake = iota
	wakeStop
)

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	buf := GetBuffer(r.cfg.BufferSize)
	defer PutBuffer(buf)
	r.reader = &chainReader{queue: int(r.cfg.Queue), buf: buf}

	r.log.Info("queue worker started",
		"kick_fd", r.cfg.Kick.FD(),
		"buffer_size", r.cfg.BufferSize)

	for {
		w, err := r.wait()
		if err != nil {
			r.fail(err)
			return
		}

		if w == wakeStop {
			// Drain the stop signal so a reused eventfd starts clean.
			_, _ = r.cfg.Stop.Consume()
			r.log.Info("queue worker stopped")
			return
		}

		// Consuming the kick counter must succeed; a dead kick fd means
		// the transport is gone.
		value, err := r.cfg.Kick.Consume()
		if err != nil && err != unix.EAGAIN {
			r.fail(interfaces.WrapError("kick_read", err))
			return
		}
		r.log.Debug("kick received", "value", value)
		if o := r.cfg.Observer; o != nil {
			o.OnKick(r.cfg.Queue)
		}

		if err := r.drain(ctx); err != nil {
			r.fail(err)
			return
		}
	}
}

// wait blocks until the kick or stop fd becomes readable. Interrupted
// waits retry; any other poll failure or an error condition on the kick
// fd is fatal for the queue.
func (r *Runner) wait() (wake, error) {
	fds := []unix.PollFd{
		{Fd: int32(r.cfg.Kick.FD()), Events: unix.POLLIN},
		{Fd: int32(r.cfg.Stop.FD()), Events: unix.POLLIN},
	}

	for {
		fds[0].Revents = 0
		fds[1].Revents = 0

		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, interfaces.WrapError("queue_wait", err)
		}
		if n == 0 {
			continue
		}

		// Stop wins over pending work; the controller tears the queue
		// down and unprocessed elements stay on the ring.
		if fds[1].Revents&unix.POLLIN != 0 {
			return wakeStop, nil
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return 0, interfaces.NewQueueError("queue_wait", int(r.cfg.Queue),
				interfaces.ErrCodeTransport,
				fmt.Sprintf("unexpected poll revents %#x on kick fd", fds[0].Revents))
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			return wakeKick, nil
		}
	}
}

// drain pops and processes elements until the available ring is empty.
func (r *Runner) drain(ctx context.Context) error {
	for {
		chain, err := r.cfg.VQ.Pop()
		if err != nil {
			// Ring structure corruption is not attributable to a single
			// element, so there is nothing to complete; even the lenient
			// policy cannot continue past it.
			qerr := interfaces.NewQueueError("queue_pop", int(r.cfg.Queue),
				interfaces.ErrCodeBadDescriptor, err.Error())
			qerr.Inner = err
			return qerr
		}
		if chain == nil {
			return nil
		}

		if err := r.process(ctx, chain); err != nil {
			return err
		}
	}
}

// process handles one element end-to-end: validate and copy, dispatch,
// write back, publish, notify.
func (r *Runner) process(ctx context.Context, chain *virtqueue.Chain) error {
	start := time.Now()

	payload, err := r.reader.read(chain)
	if err != nil {
		return r.failedElement(chain, err)
	}

	req := &interfaces.Request{Queue: r.cfg.Queue, Data: payload}
	response, err := r.cfg.Handler.Handle(ctx, req)
	if err != nil {
		herr := interfaces.NewQueueError("dispatch", int(r.cfg.Queue),
			interfaces.ErrCodeHandler, err.Error())
		herr.Inner = err
		return herr
	}

	var written uint32
	if len(response) > 0 {
		written, err = chain.WriteIn(response)
		if err != nil {
			if virtqueue.ErrInsufficientSpace(err) {
				// The engine produced more bytes than the guest left
				// room for. That is a host-side contract violation.
				return interfaces.NewQueueError("write_back", int(r.cfg.Queue),
					interfaces.ErrCodeResponseTooLarge,
					fmt.Sprintf("response of %d bytes, chain offers %d", len(response), chain.InLen()))
			}
			berr := interfaces.NewQueueError("write_back", int(r.cfg.Queue),
				interfaces.ErrCodeBadDescriptor, err.Error())
			berr.Inner = err
			return r.failedElement(chain, berr)
		}
	}

	r.complete(chain, written)

	if o := r.cfg.Observer; o != nil {
		o.OnRequest(r.cfg.Queue, uint32(len(payload)), written, uint64(time.Since(start).Nanoseconds()))
	}
	return nil
}

// failedElement applies the validation policy to a guest-caused failure:
// strict mode surfaces the tagged error, lenient mode completes the
// element with zero written bytes so the guest can reclaim it and the
// session continues.
func (r *Runner) failedElement(chain *virtqueue.Chain, err error) error {
	if o := r.cfg.Observer; o != nil {
		var code interfaces.ErrorCode
		if ve, ok := err.(*interfaces.Error); ok {
			code = ve.Code
		}
		o.OnValidationError(r.cfg.Queue, code)
	}

	if r.cfg.Strict {
		return err
	}

	r.log.Warn("dropping invalid element", "head", chain.Head, "error", err.Error())
	r.complete(chain, 0)
	return nil
}

// complete publishes the element and signals the guest.
func (r *Runner) complete(chain *virtqueue.Chain, written uint32) {
	r.cfg.VQ.PushUsed(chain, written)
	if r.cfg.VQ.ShouldNotify() {
		if err := r.cfg.VQ.Notify(); err != nil {
			r.log.Warn("guest notify failed", "error", err.Error())
			return
		}
		if o := r.cfg.Observer; o != nil {
			o.OnNotify(r.cfg.Queue)
		}
	}
}

func (r *Runner) fail(err error) {
	r.err = err
	r.log.Error("queue worker failed", "error", err.Error())
	if r.cfg.OnFatal != nil {
		r.cfg.OnFatal(err)
	}
}
