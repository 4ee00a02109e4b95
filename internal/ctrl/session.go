package ctrl

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/virtbridge/vhostfs/internal/constants"
	"github.com/virtbridge/vhostfs/internal/eventfd"
	"github.com/virtbridge/vhostfs/internal/interfaces"
	"github.com/virtbridge/vhostfs/internal/logging"
	"github.com/virtbridge/vhostfs/internal/vhost"
)

// Session is one device lifetime: it binds the rendezvous socket, accepts
// exactly one peer and runs the control loop until the peer disconnects,
// a fatal error occurs or Close is called.
type Session struct {
	cfg  Config
	path string
	log  *logging.Logger

	listener int
	conn     int

	shutdown *eventfd.EventFD
	ctrl     *Controller

	workerMu  sync.Mutex
	workerErr error

	closeOnce sync.Once
}

// NewSession prepares a session for the given socket path. Mount must be
// called before Serve.
func NewSession(path string, cfg Config) (*Session, error) {
	if path == "" {
		return nil, interfaces.NewError("mount", interfaces.ErrCodeSocketPath, "empty socket path")
	}
	if len(path) > constants.UnixPathMax {
		return nil, interfaces.NewError("mount", interfaces.ErrCodeSocketPath,
			fmt.Sprintf("socket path of %d bytes exceeds the %d byte sockaddr limit",
				len(path), constants.UnixPathMax))
	}

	shutdown, err := eventfd.New()
	if err != nil {
		return nil, interfaces.WrapError("mount", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithSocket(path)

	s := &Session{
		cfg:      cfg,
		path:     path,
		log:      log,
		listener: -1,
		conn:     -1,
		shutdown: shutdown,
	}

	// Queue workers report fatal errors from their own goroutines; the
	// first one recorded wakes the control loop so the session tears
	// down. The caller's handler still sees every error.
	userFatal := cfg.OnFatal
	s.cfg.OnFatal = func(err error) {
		s.workerMu.Lock()
		if s.workerErr == nil {
			s.workerErr = err
		}
		s.workerMu.Unlock()
		_ = s.shutdown.Kick()
		if userFatal != nil {
			userFatal(err)
		}
	}

	return s, nil
}

// Mount binds the socket, listens and blocks until one peer connects.
// The listener is closed after the accept; a device serves exactly one
// peer per lifetime.
func (s *Session) Mount() error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return interfaces.WrapError("mount", err)
	}
	s.listener = fd

	// A stale socket from a previous run would make bind fail.
	if err := unix.Unlink(s.path); err != nil && err != unix.ENOENT {
		s.closeListener()
		return interfaces.NewError("mount", interfaces.ErrCodeSocketPath,
			fmt.Sprintf("unlink stale socket: %v", err))
	}

	// Keep the socket owner-only for the window where it exists with
	// default permissions.
	old := unix.Umask(constants.SocketUmask)
	err = unix.Bind(fd, &unix.SockaddrUnix{Name: s.path})
	unix.Umask(old)
	if err != nil {
		s.closeListener()
		return interfaces.NewError("mount", interfaces.ErrCodeSocketPath,
			fmt.Sprintf("bind %s: %v", s.path, err))
	}

	if err := unix.Listen(fd, 1); err != nil {
		s.closeListener()
		return interfaces.WrapError("mount", err)
	}

	s.log.Info("waiting for peer")

	conn, err := s.accept()
	s.closeListener()
	if err != nil {
		return err
	}
	s.conn = conn

	s.log.Info("peer connected")
	return nil
}

// accept waits for the one connection, also honouring Close so a session
// parked in Mount can be torn down.
func (s *Session) accept() (int, error) {
	fds := []unix.PollFd{
		{Fd: int32(s.listener), Events: unix.POLLIN},
		{Fd: int32(s.shutdown.FD()), Events: unix.POLLIN},
	}

	for {
		fds[0].Revents = 0
		fds[1].Revents = 0

		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, interfaces.WrapError("accept", err)
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			return -1, interfaces.NewError("accept", interfaces.ErrCodeTransport,
				"session closed before a peer connected")
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		conn, _, err := unix.Accept4(s.listener, unix.SOCK_CLOEXEC)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return -1, interfaces.WrapError("accept", err)
		}
		return conn, nil
	}
}

// Serve runs the control loop until the peer closes the connection (nil),
// Close is called (nil), or a fatal error ends the session. All session
// resources are released before Serve returns.
func (s *Session) Serve(ctx context.Context) error {
	if s.conn < 0 {
		return interfaces.NewError("serve", interfaces.ErrCodeInvalidConfig, "session not mounted")
	}

	s.ctrl = NewController(s.cfg)
	defer s.cleanup()

	fds := []unix.PollFd{
		{Fd: int32(s.conn), Events: unix.POLLIN},
		{Fd: int32(s.shutdown.FD()), Events: unix.POLLIN},
	}

	for {
		fds[0].Revents = 0
		fds[1].Revents = 0

		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return interfaces.WrapError("serve", err)
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			if werr := s.takeWorkerErr(); werr != nil {
				s.log.Error("queue failure ends session", "error", werr.Error())
				return werr
			}
			s.log.Info("shutdown requested")
			return nil
		}

		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return interfaces.NewError("serve", interfaces.ErrCodeTransport,
				fmt.Sprintf("control socket error, revents %#x", fds[0].Revents))
		}
		if fds[0].Revents&(unix.POLLIN|unix.POLLHUP) == 0 {
			continue
		}

		msg, err := vhost.ReadMessage(s.conn)
		if err == io.EOF {
			s.log.Info("peer disconnected")
			return nil
		}
		if err != nil {
			return interfaces.NewError("serve", interfaces.ErrCodeTransport, err.Error())
		}

		reply, err := s.ctrl.Dispatch(ctx, msg)
		if err != nil {
			s.log.Error("control message failed", "type", msg.Name(), "error", err.Error())
			return err
		}
		if reply != nil {
			if err := vhost.WriteMessage(s.conn, reply); err != nil {
				return interfaces.NewError("serve", interfaces.ErrCodeTransport, err.Error())
			}
		}
	}
}

// Close wakes the session out of Mount or Serve. Safe to call from any
// goroutine and more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.shutdown.Kick()
	})
}

func (s *Session) takeWorkerErr() error {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	return s.workerErr
}

func (s *Session) cleanup() {
	s.ctrl.Close()
	if s.conn >= 0 {
		unix.Close(s.conn)
		s.conn = -1
	}
	s.shutdown.Close()
	if err := unix.Unlink(s.path); err != nil && err != unix.ENOENT {
		s.log.Warn("removing socket failed", "error", err.Error())
	}
	s.log.Info("session closed")
}

func (s *Session) closeListener() {
	if s.listener >= 0 {
		unix.Close(s.listener)
		s.listener = -1
	}
}
