//go:build integration
// +build integration

// Package integration drives a vhostfs session end-to-end the way a VMM
// would: a unix-socket vhost-user handshake with SCM_RIGHTS descriptor
// passing, guest memory shared through a memfd, and requests submitted
// through a real split virtqueue with eventfd signalling.
package integration

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/virtbridge/vhostfs"
	"github.com/virtbridge/vhostfs/handler"
)

const (
	regionSize    = 1 << 20
	guestPhysBase = 0x1000
	userBase      = 0x4000_0000

	descOffset  = 0x0
	availOffset = 0x1000
	usedOffset  = 0x2000
	heapOffset  = 0x10000

	queueSize = 8
	reqQueue  = 1
)

// vhost-user request types used by the simulator.
const (
	reqGetFeatures  = 1
	reqSetFeatures  = 2
	reqSetOwner     = 3
	reqSetMemTable  = 5
	reqSetVringNum  = 8
	reqSetVringAddr = 9
	reqSetVringBase = 10
	reqGetVringBase = 11
	reqSetVringKick = 12
	reqSetVringCall = 13
)

// requireMemfd skips when the kernel cannot provide anonymous shared
// memory (some sandboxes filter the syscall).
func requireMemfd(t *testing.T) int {
	fd, err := unix.MemfdCreate("guest-ram", unix.MFD_CLOEXEC)
	if err != nil {
		t.Skipf("memfd_create unavailable: %v", err)
	}
	return fd
}

func requireEventfd(t *testing.T) int {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		t.Skipf("eventfd unavailable: %v", err)
	}
	return fd
}

// frontend is the guest/VMM side of the test.
type frontend struct {
	t    *testing.T
	conn int

	memfd int
	mem   []byte

	kickFD int
	callFD int
}

func newFrontend(t *testing.T, socketPath string) *frontend {
	t.Helper()

	memfd := requireMemfd(t)
	if err := unix.Ftruncate(memfd, regionSize); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}
	mem, err := unix.Mmap(memfd, 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}

	f := &frontend{
		t:      t,
		conn:   -1,
		memfd:  memfd,
		mem:    mem,
		kickFD: requireEventfd(t),
		callFD: requireEventfd(t),
	}
	t.Cleanup(func() {
		if f.conn >= 0 {
			unix.Close(f.conn)
		}
		unix.Munmap(mem)
		unix.Close(memfd)
		unix.Close(f.kickFD)
		unix.Close(f.callFD)
	})

	f.conn = f.dial(socketPath)
	return f
}

func (f *frontend) dial(path string) int {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		f.t.Fatalf("socket: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		err = unix.Connect(fd, &unix.SockaddrUnix{Name: path})
		if err == nil {
			return fd
		}
		if time.Now().After(deadline) {
			f.t.Fatalf("connect %s: %v", path, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// send writes one vhost-user message, attaching fds as SCM_RIGHTS.
func (f *frontend) send(request uint32, body []byte, fds ...int) {
	f.t.Helper()

	buf := make([]byte, 12+len(body))
	binary.LittleEndian.PutUint32(buf, request)
	binary.LittleEndian.PutUint32(buf[4:], 0x1) // version
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(body)))
	copy(buf[12:], body)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	if err := unix.Sendmsg(f.conn, buf, oob, nil, 0); err != nil {
		f.t.Fatalf("sendmsg %d: %v", request, err)
	}
}

// recvReply reads one reply and returns its body.
func (f *frontend) recvReply(wantRequest uint32) []byte {
	f.t.Helper()

	header := make([]byte, 12)
	if err := readFull(f.conn, header); err != nil {
		f.t.Fatalf("read reply header: %v", err)
	}
	request := binary.LittleEndian.Uint32(header)
	size := binary.LittleEndian.Uint32(header[8:])
	if request != wantRequest {
		f.t.Fatalf("reply to request %d, want %d", request, wantRequest)
	}
	body := make([]byte, size)
	if err := readFull(f.conn, body); err != nil {
		f.t.Fatalf("read reply body: %v", err)
	}
	return body
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
		buf = buf[n:]
	}
	return nil
}

func u64Body(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func vringStateBody(index, num uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b, index)
	binary.LittleEndian.PutUint32(b[4:], num)
	return b
}

// handshake performs the full device bring-up for the request queue.
func (f *frontend) handshake() {
	f.t.Helper()

	features := binary.LittleEndian.Uint64(f.recvFeatures())
	if features&(1<<32) == 0 {
		f.t.Fatal("device does not offer VIRTIO_F_VERSION_1")
	}
	f.send(reqSetFeatures, u64Body(features))
	f.send(reqSetOwner, nil)

	// Memory table: one region backed by the memfd.
	body := make([]byte, 8+32)
	binary.LittleEndian.PutUint32(body, 1)
	binary.LittleEndian.PutUint64(body[8:], guestPhysBase)
	binary.LittleEndian.PutUint64(body[16:], regionSize)
	binary.LittleEndian.PutUint64(body[24:], userBase)
	f.send(reqSetMemTable, body, f.memfd)

	f.send(reqSetVringNum, vringStateBody(reqQueue, queueSize))

	addr := make([]byte, 40)
	binary.LittleEndian.PutUint32(addr, reqQueue)
	binary.LittleEndian.PutUint64(addr[8:], userBase+descOffset)
	binary.LittleEndian.PutUint64(addr[16:], userBase+usedOffset)
	binary.LittleEndian.PutUint64(addr[24:], userBase+availOffset)
	f.send(reqSetVringAddr, addr)

	f.send(reqSetVringBase, vringStateBody(reqQueue, 0))
	f.send(reqSetVringCall, u64Body(reqQueue), f.callFD)
	f.send(reqSetVringKick, u64Body(reqQueue), f.kickFD)
}

func (f *frontend) recvFeatures() []byte {
	f.send(reqGetFeatures, nil)
	return f.recvReply(reqGetFeatures)
}

func (f *frontend) writeDesc(i uint16, addr uint64, length uint32, flags uint16, next uint16) {
	off := descOffset + int(i)*16
	binary.LittleEndian.PutUint64(f.mem[off:], addr)
	binary.LittleEndian.PutUint32(f.mem[off+8:], length)
	binary.LittleEndian.PutUint16(f.mem[off+12:], flags)
	binary.LittleEndian.PutUint16(f.mem[off+14:], next)
}

// submit offers one request chain and kicks the device.
func (f *frontend) submit(payload []byte, respSpace uint32) (respOff uint64) {
	reqOff := uint64(heapOffset)
	copy(f.mem[reqOff:], payload)
	respOff = reqOff + uint64(len(payload))

	f.writeDesc(0, guestPhysBase+reqOff, uint32(len(payload)), 1 /* next */, 1)
	f.writeDesc(1, guestPhysBase+respOff, respSpace, 2 /* write */, 0)

	idx := binary.LittleEndian.Uint16(f.mem[availOffset+2:])
	binary.LittleEndian.PutUint16(f.mem[availOffset+4+2*(int(idx)%queueSize):], 0)
	binary.LittleEndian.PutUint16(f.mem[availOffset+2:], idx+1)

	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(f.kickFD, one[:]); err != nil {
		f.t.Fatalf("kick: %v", err)
	}
	return respOff
}

func (f *frontend) usedCount() uint16 {
	return binary.LittleEndian.Uint16(f.mem[usedOffset+2:])
}

func (f *frontend) usedLen(pos int) uint32 {
	return binary.LittleEndian.Uint32(f.mem[usedOffset+4+(pos%queueSize)*8+4:])
}

// waitCall polls the call eventfd for a completion signal.
func (f *frontend) waitCall(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	var buf [8]byte
	for time.Now().Before(deadline) {
		if _, err := unix.Read(f.callFD, buf[:]); err == nil {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestIntegrationEchoRoundTrip(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "vhostfs.sock")

	session, err := vhostfs.New(vhostfs.Config{
		SocketPath: socketPath,
		Handler:    handler.NewEcho(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- session.Serve(context.Background()) }()

	f := newFrontend(t, socketPath)
	f.handshake()

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	respOff := f.submit(payload, 128)

	if !f.waitCall(2 * time.Second) {
		t.Fatal("no completion signal on the call eventfd")
	}
	if got := f.usedCount(); got != 1 {
		t.Fatalf("used index = %d, want 1", got)
	}
	if got := f.usedLen(0); got != uint32(len(payload)) {
		t.Fatalf("used element length = %d, want %d", got, len(payload))
	}
	if !bytes.Equal(f.mem[respOff:respOff+uint64(len(payload))], payload) {
		t.Fatal("echoed bytes differ from the request")
	}

	// Stopping the queue hands back the device's ring position.
	f.send(reqGetVringBase, vringStateBody(reqQueue, 0))
	body := f.recvReply(reqGetVringBase)
	if got := binary.LittleEndian.Uint32(body[4:]); got != 1 {
		t.Fatalf("GET_VRING_BASE returned %d, want 1", got)
	}

	unix.Close(f.conn)
	f.conn = -1

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("session ended with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after peer close")
	}

	snap := session.Metrics().Snapshot()
	if snap.Requests != 1 {
		t.Errorf("metrics recorded %d requests, want 1", snap.Requests)
	}
	if snap.BytesIn != uint64(len(payload)) {
		t.Errorf("metrics recorded %d bytes in, want %d", snap.BytesIn, len(payload))
	}
}

func TestIntegrationShortRequestIsDroppedLeniently(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "vhostfs.sock")

	session, err := vhostfs.New(vhostfs.Config{
		SocketPath: socketPath,
		Handler:    handler.NewDiscard(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer session.Close()

	serveErr := make(chan error, 1)
	go func() { serveErr <- session.Serve(context.Background()) }()

	f := newFrontend(t, socketPath)
	f.handshake()

	// 10 bytes cannot hold a request header; the lenient default
	// completes the element with zero written bytes and keeps going.
	f.submit(make([]byte, 10), 64)

	deadline := time.Now().Add(2 * time.Second)
	for f.usedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("rejected element was never completed")
		}
		time.Sleep(time.Millisecond)
	}
	if got := f.usedLen(0); got != 0 {
		t.Fatalf("used element length = %d, want 0", got)
	}

	snap := session.Metrics().Snapshot()
	if snap.ChainTooShort != 1 {
		t.Errorf("metrics recorded %d short-chain rejections, want 1", snap.ChainTooShort)
	}

	unix.Close(f.conn)
	f.conn = -1
	if err := <-serveErr; err != nil {
		t.Fatalf("session ended with error: %v", err)
	}

	_ = os.Remove(socketPath)
}
