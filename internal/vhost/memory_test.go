package vhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newMemfdRegion backs a guest memory region with a memfd, the same kind
// of fd a VMM passes in SET_MEM_TABLE.
func newMemfdRegion(t *testing.T, size int) int {
	t.Helper()
	fd, err := unix.MemfdCreate("vhostfs-test", unix.MFD_CLOEXEC)
	require.NoError(t, err)
	require.NoError(t, unix.Ftruncate(fd, int64(size)))
	return fd
}

func TestTableGuestSlice(t *testing.T) {
	const size = 1 << 16
	fd := newMemfdRegion(t, size)

	table, err := NewTable([]MemoryRegion{{
		GuestPhysAddr: 0x40000000,
		Size:          size,
		UserAddr:      0x7f00_0000_0000,
	}}, []int{fd})
	require.NoError(t, err)
	defer table.Close()

	assert.Equal(t, 1, table.Regions())

	b, err := table.GuestSlice(0x40000000, 16)
	require.NoError(t, err)
	require.Len(t, b, 16)

	// Writes through one translation are visible through another.
	copy(b, "persistent bytes")
	again, err := table.GuestSlice(0x40000000, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("persistent bytes"), again)

	// Interior range.
	_, err = table.GuestSlice(0x40000000+size-8, 8)
	assert.NoError(t, err)

	// Out of range: below, straddling the end, unmapped.
	_, err = table.GuestSlice(0x3fffffff, 8)
	assert.Error(t, err)
	_, err = table.GuestSlice(0x40000000+size-4, 8)
	assert.Error(t, err)
	_, err = table.GuestSlice(0x90000000, 8)
	assert.Error(t, err)
}

func TestTableUserSlice(t *testing.T) {
	const size = 1 << 16
	fd := newMemfdRegion(t, size)

	table, err := NewTable([]MemoryRegion{{
		GuestPhysAddr: 0,
		Size:          size,
		UserAddr:      0x7f00_0000_0000,
	}}, []int{fd})
	require.NoError(t, err)
	defer table.Close()

	b, err := table.UserSlice(0x7f00_0000_1000, 64)
	require.NoError(t, err)
	require.Len(t, b, 64)

	// Same bytes as the guest-physical view of the same offset.
	g, err := table.GuestSlice(0x1000, 64)
	require.NoError(t, err)
	copy(b, "shared")
	assert.Equal(t, []byte("shared"), g[:6])

	_, err = table.UserSlice(0x1000, 8)
	assert.Error(t, err)
}

func TestTableMmapOffset(t *testing.T) {
	pageSize := unix.Getpagesize()
	fd := newMemfdRegion(t, 3*pageSize)

	table, err := NewTable([]MemoryRegion{{
		GuestPhysAddr: 0x1000,
		Size:          uint64(pageSize),
		UserAddr:      0x5000,
		MmapOffset:    uint64(2 * pageSize),
	}}, []int{fd})
	require.NoError(t, err)
	defer table.Close()

	// The view starts MmapOffset bytes into the mapping, so the full
	// region size must still be addressable.
	_, err = table.GuestSlice(0x1000, uint32(pageSize))
	assert.NoError(t, err)
}

func TestTableFdCountMismatch(t *testing.T) {
	fd := newMemfdRegion(t, 4096)

	_, err := NewTable([]MemoryRegion{
		{Size: 4096},
		{Size: 4096},
	}, []int{fd})
	assert.Error(t, err)
}
