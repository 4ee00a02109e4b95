package vhostfs

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewRejectsNilHandler(t *testing.T) {
	_, err := New(Config{SocketPath: "/tmp/x.sock"})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidConfig))
}

func TestNewRejectsTinyBuffer(t *testing.T) {
	_, err := New(Config{
		SocketPath: "/tmp/x.sock",
		Handler:    NewMockHandler(),
		BufferSize: MinRequestSize - 1,
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidConfig))
}

func TestNewRejectsBadSocketPath(t *testing.T) {
	long := make([]byte, 150)
	for i := range long {
		long[i] = 'a'
	}
	_, err := New(Config{SocketPath: "/tmp/" + string(long), Handler: NewMockHandler()})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeSocketPath))
}

func TestMockHandlerRecordsRequests(t *testing.T) {
	m := NewMockHandler()
	m.Response = []byte{1, 2, 3}

	resp, err := m.Handle(context.Background(), &Request{Queue: RequestQueue, Data: []byte{9, 9}})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, resp)

	// The mock must copy: mutating the original buffer afterwards, as a
	// worker reusing its bounce buffer would, must not change the record.
	buf := []byte{5, 6, 7}
	_, err = m.Handle(context.Background(), &Request{Queue: HiprioQueue, Data: buf})
	require.NoError(t, err)
	buf[0] = 0

	reqs := m.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []byte{9, 9}, reqs[0])
	assert.Equal(t, []byte{5, 6, 7}, reqs[1])
	assert.Equal(t, []uint16{RequestQueue, HiprioQueue}, m.Queues())
	assert.Equal(t, 2, m.CallCount())

	m.Reset()
	assert.Empty(t, m.Requests())
	assert.Equal(t, 0, m.CallCount())
}

// countingObserver verifies the fan-out path to a caller's observer.
type countingObserver struct {
	kicks int
}

func (o *countingObserver) OnRequest(uint16, uint32, uint32, uint64) {}
func (o *countingObserver) OnValidationError(uint16, ErrorCode)      {}
func (o *countingObserver) OnKick(uint16)                            { o.kicks++ }
func (o *countingObserver) OnNotify(uint16)                          {}

func TestFanoutObserverDeliversToBoth(t *testing.T) {
	m := NewMetrics()
	user := &countingObserver{}
	f := fanoutObserver{m, user}

	f.OnKick(RequestQueue)
	f.OnRequest(RequestQueue, 40, 8, 1000)

	assert.Equal(t, 1, user.kicks)
	assert.Equal(t, uint64(1), m.Kicks.Load())
	assert.Equal(t, uint64(1), m.Requests.Load())
}

func TestSessionServeHandshakeOverPublicAPI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.sock")
	s, err := New(Config{SocketPath: path, Handler: NewMockHandler()})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(context.Background()) }()

	fd := dialRetry(t, path)

	// GET_FEATURES over the raw wire format: header of three LE u32s.
	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header, 1) // GET_FEATURES
	_, err = unix.Write(fd, header)
	require.NoError(t, err)

	reply := make([]byte, 20)
	n, err := unix.Read(fd, reply)
	require.NoError(t, err)
	require.Equal(t, 20, n, "12 byte header plus u64 payload")
	assert.Equal(t, uint64(1)<<32, binary.LittleEndian.Uint64(reply[12:]), "VIRTIO_F_VERSION_1")

	unix.Close(fd)
	select {
	case err := <-errCh:
		assert.NoError(t, err, "peer disconnect ends the session cleanly")
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after peer close")
	}
}

func dialRetry(t *testing.T, path string) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for {
		err = unix.Connect(fd, &unix.SockaddrUnix{Name: path})
		if err == nil {
			return fd
		}
		if time.Now().After(deadline) {
			t.Fatalf("connect %s: %v", path, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
