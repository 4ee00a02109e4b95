package vhost

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mappedRegion is one guest memory region mmap'd into this process.
type mappedRegion struct {
	MemoryRegion

	// mapping is the full mmap including the leading MmapOffset bytes;
	// view starts at the region's first guest byte.
	mapping []byte
	view    []byte
}

// Table translates guest addresses to host-mapped memory. Two address
// spaces are in play: descriptor buffers are referenced by guest-physical
// address, while the vring areas announced over the control channel are
// referenced by the peer's user-space address.
type Table struct {
	regions []mappedRegion
}

// NewTable maps the announced regions using the file descriptors that
// accompanied the SET_MEM_TABLE message (one fd per region, in order).
// The fds are closed regardless of outcome; the mappings keep the memory
// alive.
func NewTable(regions []MemoryRegion, fds []int) (_ *Table, err error) {
	defer func() {
		for _, fd := range fds {
			unix.Close(fd)
		}
	}()

	if len(regions) != len(fds) {
		return nil, fmt.Errorf("memory table: %d regions but %d fds", len(regions), len(fds))
	}

	t := &Table{}
	defer func() {
		if err != nil {
			_ = t.Close()
		}
	}()

	for i, region := range regions {
		if region.Size == 0 {
			return nil, fmt.Errorf("memory table: region %d has zero size", i)
		}
		length := region.Size + region.MmapOffset
		if length > uint64(int(^uint(0)>>1)) {
			return nil, fmt.Errorf("memory table: region %d too large: %d bytes", i, length)
		}

		mapping, merr := unix.Mmap(fds[i], 0, int(length),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if merr != nil {
			return nil, fmt.Errorf("memory table: mmap region %d: %w", i, merr)
		}

		t.regions = append(t.regions, mappedRegion{
			MemoryRegion: region,
			mapping:      mapping,
			view:         mapping[region.MmapOffset:],
		})
	}

	return t, nil
}

// GuestSlice resolves a guest-physical address range. The range must fall
// entirely inside one mapped region; straddling regions or unmapped
// addresses fail.
func (t *Table) GuestSlice(addr uint64, length uint32) ([]byte, error) {
	for i := range t.regions {
		r := &t.regions[i]
		if addr < r.GuestPhysAddr {
			continue
		}
		off := addr - r.GuestPhysAddr
		if off+uint64(length) > r.Size {
			continue
		}
		return r.view[off : off+uint64(length)], nil
	}
	return nil, fmt.Errorf("guest address range [%#x, %#x) not mapped", addr, addr+uint64(length))
}

// UserSlice resolves a peer user-space address range, as used for the
// vring areas.
func (t *Table) UserSlice(addr uint64, length uint64) ([]byte, error) {
	for i := range t.regions {
		r := &t.regions[i]
		if addr < r.UserAddr {
			continue
		}
		off := addr - r.UserAddr
		if off+length > r.Size {
			continue
		}
		return r.view[off : off+length], nil
	}
	return nil, fmt.Errorf("user address range [%#x, %#x) not mapped", addr, addr+length)
}

// Regions returns the number of mapped regions.
func (t *Table) Regions() int {
	return len(t.regions)
}

// Close unmaps all regions. Queue views into the table must not be used
// afterwards.
func (t *Table) Close() error {
	var first error
	for _, r := range t.regions {
		if err := unix.Munmap(r.mapping); err != nil && first == nil {
			first = err
		}
	}
	t.regions = nil
	return first
}
