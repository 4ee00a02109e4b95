package eventfd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestKickConsume(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Kick())
	require.NoError(t, e.Kick())

	// Kicks accumulate in the counter until consumed.
	v, err := e.Consume()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	// Counter is reset after a read.
	_, err = e.Consume()
	assert.ErrorIs(t, err, unix.EAGAIN)
}

func TestConsumeAfterPoll(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Kick())

	fds := []unix.PollFd{{Fd: int32(e.FD()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NotZero(t, fds[0].Revents&unix.POLLIN)

	v, err := e.Consume()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
}

func TestCloseIsIdempotent(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}
