package vhost

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// maxPayload bounds a control message body. The largest defined payload
// is the memory table; anything bigger is a protocol violation.
const maxPayload = 8 + 32*MaxMemoryRegions + 64

// ReadMessage reads one control message from the connected socket. File
// descriptors arrive as SCM_RIGHTS ancillary data attached to the header
// read. A clean peer close surfaces as io.EOF.
func ReadMessage(fd int) (*Message, error) {
	header := make([]byte, HeaderSize)
	oob := make([]byte, unix.CmsgSpace(4*MaxMemoryRegions))

	var n, oobn int
	var err error
	for {
		n, oobn, _, _, err = unix.Recvmsg(fd, header, oob, 0)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return nil, fmt.Errorf("recvmsg: %w", err)
	}
	if n == 0 {
		return nil, io.EOF
	}
	if n < HeaderSize {
		// The header is tiny; a short stream read here means the peer
		// went away mid-message.
		if err := readFull(fd, header[n:]); err != nil {
			return nil, fmt.Errorf("short header (%d bytes): %w", n, err)
		}
	}

	msg := &Message{}
	msg.Request = binary.LittleEndian.Uint32(header[0:])
	msg.Flags = binary.LittleEndian.Uint32(header[4:])
	size := binary.LittleEndian.Uint32(header[8:])

	if size > maxPayload {
		return nil, fmt.Errorf("%s: payload of %d bytes exceeds limit", msg.Name(), size)
	}
	if size > 0 {
		msg.Body = make([]byte, size)
		if err := readFull(fd, msg.Body); err != nil {
			return nil, fmt.Errorf("%s: payload read: %w", msg.Name(), err)
		}
	}

	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, fmt.Errorf("%s: parse control message: %w", msg.Name(), err)
		}
		for _, cmsg := range cmsgs {
			fds, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				return nil, fmt.Errorf("%s: parse rights: %w", msg.Name(), err)
			}
			msg.Fds = append(msg.Fds, fds...)
		}
	}

	return msg, nil
}

// WriteMessage writes one encoded message to the socket. Replies never
// carry file descriptors.
func WriteMessage(fd int, m *Message) error {
	buf := m.Encode()
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", m.Name(), err)
		}
		buf = buf[n:]
	}
	return nil
}

func readFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		buf = buf[n:]
	}
	return nil
}
