// Package ctrl is the device control plane: it owns the vhost-user
// rendezvous socket, decodes control messages and drives queue lifecycle.
// Queue geometry arrives piecewise over several messages; a queue starts
// processing when its kick descriptor lands and everything else is known.
package ctrl

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/virtbridge/vhostfs/internal/constants"
	"github.com/virtbridge/vhostfs/internal/eventfd"
	"github.com/virtbridge/vhostfs/internal/interfaces"
	"github.com/virtbridge/vhostfs/internal/logging"
	"github.com/virtbridge/vhostfs/internal/queue"
	"github.com/virtbridge/vhostfs/internal/vhost"
	"github.com/virtbridge/vhostfs/internal/virtqueue"
)

// vring accumulates the state of one queue as the peer announces it.
// Fields fill in across SET_VRING_* messages; started flips when the
// kick fd arrives with complete geometry.
type vring struct {
	num     uint16
	addr    vhost.VringAddr
	hasAddr bool
	base    uint16
	enabled bool

	kick *eventfd.EventFD
	call *eventfd.EventFD

	started bool
	stop    *eventfd.EventFD
	vq      *virtqueue.SplitQueue
	runner  *queue.Runner
}

// Config carries the data-path collaborators the controller hands to each
// queue worker it starts.
type Config struct {
	Handler    interfaces.Handler
	Observer   interfaces.Observer
	BufferSize uint32
	Strict     bool
	Logger     *logging.Logger

	// OnFatal propagates a queue worker's terminal error to the session
	// so it can tear down the connection; may be nil.
	OnFatal func(error)
}

// Controller decodes control messages and maintains device state. It is
// driven from a single goroutine (the session control loop) and is not
// safe for concurrent use.
type Controller struct {
	cfg Config
	log *logging.Logger

	features uint64
	mem      *vhost.Table
	vrings   [constants.MaxQueues]vring
}

// NewController builds a controller for one peer connection.
func NewController(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = constants.DefaultBufferSize
	}
	return &Controller{cfg: cfg, log: log}
}

// Dispatch handles one decoded control message and returns the reply to
// send, or nil when the message has none. A non-nil error is fatal to the
// session.
func (c *Controller) Dispatch(ctx context.Context, m *vhost.Message) (*vhost.Message, error) {
	c.log.WithRequest(m.Name()).Debug("control message", "fds", len(m.Fds))

	switch m.Request {
	case vhost.ReqGetFeatures:
		return m.ReplyU64(c.Features()), nil

	case vhost.ReqSetFeatures:
		features, err := m.U64()
		if err != nil {
			return nil, c.protoErr(m, err)
		}
		// The peer may clear bits we advertised; the device works the
		// same either way, so the acked set is recorded but not policed.
		c.features = features
		c.log.Info("features acked", "features", fmt.Sprintf("%#x", features))
		return c.ackIfAsked(m), nil

	case vhost.ReqSetOwner, vhost.ReqResetOwner:
		return c.ackIfAsked(m), nil

	case vhost.ReqSetMemTable:
		return c.ackIfAsked(m), c.setMemTable(m)

	case vhost.ReqSetVringNum:
		state, err := m.VringState()
		if err != nil {
			return nil, c.protoErr(m, err)
		}
		v, err := c.vringFor(m, state.Index)
		if err != nil {
			return nil, err
		}
		v.num = uint16(state.Num)
		return c.ackIfAsked(m), nil

	case vhost.ReqSetVringAddr:
		addr, err := m.VringAddr()
		if err != nil {
			return nil, c.protoErr(m, err)
		}
		v, err := c.vringFor(m, addr.Index)
		if err != nil {
			return nil, err
		}
		v.addr = addr
		v.hasAddr = true
		return c.ackIfAsked(m), nil

	case vhost.ReqSetVringBase:
		state, err := m.VringState()
		if err != nil {
			return nil, c.protoErr(m, err)
		}
		v, err := c.vringFor(m, state.Index)
		if err != nil {
			return nil, err
		}
		v.base = uint16(state.Num)
		return c.ackIfAsked(m), nil

	case vhost.ReqSetVringKick:
		return c.ackIfAsked(m), c.setVringKick(ctx, m)

	case vhost.ReqSetVringCall:
		return c.ackIfAsked(m), c.setVringCall(m)

	case vhost.ReqSetVringErr:
		// The error fd is part of the protocol but this device never
		// writes to it.
		closeFds(m.Fds)
		return c.ackIfAsked(m), nil

	case vhost.ReqGetVringBase:
		return c.getVringBase(m)

	case vhost.ReqGetProtocolFeatures:
		return m.ReplyU64(0), nil

	case vhost.ReqSetProtocolFeatures:
		return c.ackIfAsked(m), nil

	case vhost.ReqGetQueueNum:
		return m.ReplyU64(constants.MaxQueues), nil

	case vhost.ReqSetVringEnable:
		state, err := m.VringState()
		if err != nil {
			return nil, c.protoErr(m, err)
		}
		v, err := c.vringFor(m, state.Index)
		if err != nil {
			return nil, err
		}
		v.enabled = state.Num != 0
		return c.ackIfAsked(m), nil

	case vhost.ReqSetLogBase, vhost.ReqSetLogFD:
		// Logging negotiation is part of the protocol but this device
		// never advertises it; the fds just need releasing.
		closeFds(m.Fds)
		return c.ackIfAsked(m), nil

	default:
		// An unrecognised request means the two sides disagree about
		// the protocol; continuing would desynchronise the stream.
		closeFds(m.Fds)
		return nil, interfaces.NewError(m.Name(), interfaces.ErrCodeTransport,
			fmt.Sprintf("unknown control message %d", m.Request))
	}
}

// Features returns the feature set the device advertises.
func (c *Controller) Features() uint64 {
	return vhost.FeatureVersion1
}

// StopAll stops every started queue, joining each worker before moving to
// the next. Used on orderly session shutdown.
func (c *Controller) StopAll() {
	for i := range c.vrings {
		if c.vrings[i].started {
			c.stopQueue(i)
		}
	}
}

// Close releases everything the controller holds: queue workers, guest
// memory mappings and peer-passed descriptors.
func (c *Controller) Close() {
	c.StopAll()
	for i := range c.vrings {
		v := &c.vrings[i]
		if v.kick != nil {
			v.kick.Close()
			v.kick = nil
		}
		if v.call != nil {
			v.call.Close()
			v.call = nil
		}
	}
	if c.mem != nil {
		if err := c.mem.Close(); err != nil {
			c.log.Warn("unmapping guest memory failed", "error", err.Error())
		}
		c.mem = nil
	}
}

func (c *Controller) setMemTable(m *vhost.Message) error {
	regions, err := m.MemoryRegions()
	if err != nil {
		closeFds(m.Fds)
		return interfaces.NewError("set_mem_table", interfaces.ErrCodeMemoryTable, err.Error())
	}

	table, err := vhost.NewTable(regions, m.Fds)
	if err != nil {
		return interfaces.NewError("set_mem_table", interfaces.ErrCodeMemoryTable, err.Error())
	}

	// A replacement table while queues are running would pull the memory
	// out from under the workers. The protocol sends the table before
	// starting queues, so treat a live swap as fatal.
	for i := range c.vrings {
		if c.vrings[i].started {
			table.Close()
			return interfaces.NewError("set_mem_table", interfaces.ErrCodeMemoryTable,
				"memory table replaced while queues are running")
		}
	}
	if c.mem != nil {
		c.mem.Close()
	}
	c.mem = table
	c.log.Info("guest memory mapped", "regions", table.Regions())
	return nil
}

func (c *Controller) setVringKick(ctx context.Context, m *vhost.Message) error {
	index, fd, err := c.vringFD(m)
	if err != nil {
		return err
	}
	v := &c.vrings[index]

	if v.started {
		// A redundant kick for a running queue is harmless; keep the
		// established fd and drop the new one.
		c.log.Warn("queue already started", "queue", index)
		closeFd(fd)
		return nil
	}

	if v.kick != nil {
		v.kick.Close()
	}
	v.kick = eventfd.Wrap(fd)

	return c.startQueue(ctx, index)
}

func (c *Controller) setVringCall(m *vhost.Message) error {
	index, fd, err := c.vringFD(m)
	if err != nil {
		return err
	}
	v := &c.vrings[index]
	call := eventfd.Wrap(fd)

	if v.started {
		// The front-end re-announces the call fd after the queue is
		// already running, once its real interrupt plumbing is in
		// place. Hand the new fd to the worker first; only then is
		// the old one safe to close.
		old := v.vq.SetCall(call)
		v.call = call
		if old != nil {
			old.Close()
		}
		c.log.Info("call fd replaced on running queue", "queue", index)
		return nil
	}

	if v.call != nil {
		v.call.Close()
	}
	v.call = call
	return nil
}

func (c *Controller) getVringBase(m *vhost.Message) (*vhost.Message, error) {
	state, err := m.VringState()
	if err != nil {
		return nil, c.protoErr(m, err)
	}
	v, err := c.vringFor(m, state.Index)
	if err != nil {
		return nil, err
	}

	if v.started {
		c.stopQueue(int(state.Index))
	} else {
		c.log.Warn("stopping queue that was never started", "queue", state.Index)
	}

	return m.ReplyVringState(vhost.VringState{Index: state.Index, Num: uint32(v.base)}), nil
}

// startQueue brings a queue online once its geometry is complete. Called
// after each kick announcement; returns nil without starting when pieces
// are still missing.
func (c *Controller) startQueue(ctx context.Context, index int) error {
	v := &c.vrings[index]

	if c.mem == nil || v.num == 0 || !v.hasAddr || v.kick == nil {
		c.log.Debug("queue geometry incomplete, deferring start", "queue", index)
		return nil
	}

	n := int(v.num)
	desc, err := c.mem.UserSlice(v.addr.Descriptor, uint64(16*n))
	if err != nil {
		return interfaces.NewQueueError("start_queue", index, interfaces.ErrCodeMemoryTable,
			fmt.Sprintf("descriptor table: %v", err))
	}
	avail, err := c.mem.UserSlice(v.addr.Available, uint64(6+2*n))
	if err != nil {
		return interfaces.NewQueueError("start_queue", index, interfaces.ErrCodeMemoryTable,
			fmt.Sprintf("available ring: %v", err))
	}
	used, err := c.mem.UserSlice(v.addr.Used, uint64(6+8*n))
	if err != nil {
		return interfaces.NewQueueError("start_queue", index, interfaces.ErrCodeMemoryTable,
			fmt.Sprintf("used ring: %v", err))
	}

	vq, err := virtqueue.New(virtqueue.Config{
		QueueSize:       v.num,
		DescriptorTable: desc,
		AvailableRing:   avail,
		UsedRing:        used,
		Base:            v.base,
		Memory:          c.mem,
		Call:            v.call,
	})
	if err != nil {
		return interfaces.NewQueueError("start_queue", index, interfaces.ErrCodeInvalidConfig, err.Error())
	}

	stop, err := eventfd.New()
	if err != nil {
		return interfaces.WrapError("start_queue", err)
	}

	v.stop = stop
	v.vq = vq
	v.runner = queue.NewRunner(queue.Config{
		Queue:      uint16(index),
		VQ:         vq,
		Kick:       v.kick,
		Stop:       stop,
		Handler:    c.cfg.Handler,
		Observer:   c.cfg.Observer,
		BufferSize: c.cfg.BufferSize,
		Strict:     c.cfg.Strict,
		Logger:     c.log,
		OnFatal:    c.cfg.OnFatal,
	})
	v.runner.Start(ctx)
	v.started = true

	c.log.Info("queue started", "queue", index, "size", v.num, "base", v.base)
	return nil
}

// stopQueue signals the worker's stop fd, joins it and records where the
// device got to in the available ring so GET_VRING_BASE can report it.
func (c *Controller) stopQueue(index int) {
	v := &c.vrings[index]

	if err := v.stop.Kick(); err != nil {
		c.log.Warn("stop signal failed", "queue", index, "error", err.Error())
	}
	if err := v.runner.Join(); err != nil {
		c.log.Warn("queue worker exited with error", "queue", index, "error", err.Error())
	}
	v.base = v.runner.Base()

	v.stop.Close()
	v.stop = nil
	v.runner = nil
	v.vq = nil
	if v.kick != nil {
		v.kick.Close()
		v.kick = nil
	}
	v.started = false

	c.log.Info("queue stopped", "queue", index, "base", v.base)
}

// vringFor bounds-checks a queue index from the wire. An index beyond the
// fixed queue count is fatal: the peer negotiated a different device.
func (c *Controller) vringFor(m *vhost.Message, index uint32) (*vring, error) {
	if index >= constants.MaxQueues {
		closeFds(m.Fds)
		return nil, interfaces.NewQueueError(m.Name(), int(index), interfaces.ErrCodeTooManyQueues,
			fmt.Sprintf("queue index %d, device has %d queues", index, constants.MaxQueues))
	}
	return &c.vrings[index], nil
}

// vringFD decodes the u64-with-fd payload form shared by the kick, call
// and err messages.
func (c *Controller) vringFD(m *vhost.Message) (int, int, error) {
	value, err := m.U64()
	if err != nil {
		return 0, -1, c.protoErr(m, err)
	}
	index := uint32(value & vhost.VringIndexMask)
	if _, err := c.vringFor(m, index); err != nil {
		return 0, -1, err
	}
	if value&vhost.VringNoFDMask != 0 {
		closeFds(m.Fds)
		return 0, -1, interfaces.NewQueueError(m.Name(), int(index), interfaces.ErrCodeTransport,
			"polling mode requested, eventfd signalling is required")
	}
	if len(m.Fds) == 0 {
		return 0, -1, interfaces.NewQueueError(m.Name(), int(index), interfaces.ErrCodeTransport,
			"message carries no file descriptor")
	}
	// Extra descriptors would leak; there is never a reason for them.
	closeFds(m.Fds[1:])
	return int(index), m.Fds[0], nil
}

func (c *Controller) protoErr(m *vhost.Message, err error) error {
	closeFds(m.Fds)
	return interfaces.NewError(m.Name(), interfaces.ErrCodeTransport, err.Error())
}

// ackIfAsked returns an empty acknowledgement when the peer set the
// need-reply bit, nil otherwise.
func (c *Controller) ackIfAsked(m *vhost.Message) *vhost.Message {
	if !m.NeedsReply() {
		return nil
	}
	return m.ReplyAck()
}

func closeFds(fds []int) {
	for _, fd := range fds {
		closeFd(fd)
	}
}

func closeFd(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}
