// Package eventfd wraps the kernel eventfd object used for queue kick,
// completion call and shutdown signalling.
package eventfd

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// EventFD is a host-side handle to an eventfd counter. The zero value is
// not usable; obtain one with New or Wrap.
type EventFD struct {
	fd  int
	buf [8]byte
}

// New creates a fresh non-blocking eventfd.
func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFD{fd: fd}, nil
}

// Wrap adopts a file descriptor received from the peer (for example a
// queue kick fd passed over the control socket). The caller transfers
// ownership; Close will close it.
func Wrap(fd int) *EventFD {
	return &EventFD{fd: fd}
}

// Kick increments the counter, waking any poller.
func (e *EventFD) Kick() error {
	binary.LittleEndian.PutUint64(e.buf[:], 1)
	for {
		_, err := unix.Write(e.fd, e.buf[:])
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Consume reads and resets the counter, returning its value. The fd must
// be readable; calling Consume on a quiescent non-blocking eventfd
// returns EAGAIN.
func (e *EventFD) Consume() (uint64, error) {
	for {
		n, err := unix.Read(e.fd, e.buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n != len(e.buf) {
			return 0, unix.EIO
		}
		return binary.LittleEndian.Uint64(e.buf[:]), nil
	}
}

// FD exposes the raw descriptor for poll sets.
func (e *EventFD) FD() int {
	return e.fd
}

// Close releases the descriptor. Safe to call more than once.
func (e *EventFD) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}
