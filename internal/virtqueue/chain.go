package virtqueue

// GuestMemory resolves guest-physical address ranges into host-mapped
// byte slices. Implementations must fail, not truncate, when a range is
// not fully covered by a mapped region.
type GuestMemory interface {
	GuestSlice(addr uint64, length uint32) ([]byte, error)
}

// Segment is one (address, length) region of a descriptor chain.
type Segment struct {
	Addr uint64
	Len  uint32
}

// Chain is one popped queue element: the ordered guest-readable ("out")
// and guest-writable ("in") regions of a descriptor chain, plus the head
// index needed to return the element through the used ring. Descriptor
// boundaries carry no meaning to the protocol layer; both parts are plain
// byte streams split over segments.
type Chain struct {
	// Head is the descriptor table index of the chain head.
	Head uint16

	out []Segment
	in  []Segment

	mem GuestMemory
}

// OutLen is the total number of guest-readable bytes in the chain. The
// sum is widened so that segment lengths adding up past 4GiB cannot wrap
// into a small, plausible-looking total.
func (c *Chain) OutLen() uint64 {
	var n uint64
	for _, s := range c.out {
		n += uint64(s.Len)
	}
	return n
}

// InLen is the total number of guest-writable bytes in the chain.
func (c *Chain) InLen() uint64 {
	var n uint64
	for _, s := range c.in {
		n += uint64(s.Len)
	}
	return n
}

// OutSegments returns an iterator over the host-mapped slices of the
// guest-readable part, in chain order. The iterator resolves segments
// lazily so a bounds failure surfaces on the offending segment.
func (c *Chain) OutSegments() *SegmentIterator {
	return &SegmentIterator{mem: c.mem, segments: c.out}
}

// WriteIn copies data into the guest-writable part of the chain, in chain
// order, and returns the number of bytes written. Data longer than the
// available in-space is rejected up front with no partial write.
func (c *Chain) WriteIn(data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if uint64(len(data)) > c.InLen() {
		return 0, errSpace
	}

	var written uint32
	remaining := data
	for _, s := range c.in {
		if len(remaining) == 0 {
			break
		}
		n := s.Len
		if uint32(len(remaining)) < n {
			n = uint32(len(remaining))
		}
		if n == 0 {
			continue
		}
		dst, err := c.mem.GuestSlice(s.Addr, n)
		if err != nil {
			return written, err
		}
		copy(dst, remaining[:n])
		remaining = remaining[n:]
		written += n
	}
	return written, nil
}

// errSpace is an internal sentinel; callers translate it into their own
// error taxonomy.
var errSpace = errInsufficientSpace{}

type errInsufficientSpace struct{}

func (errInsufficientSpace) Error() string {
	return "data exceeds guest-writable space in chain"
}

// ErrInsufficientSpace reports whether err is the chain-space sentinel.
func ErrInsufficientSpace(err error) bool {
	_, ok := err.(errInsufficientSpace)
	return ok
}

// SegmentIterator yields the host-mapped byte slices of a chain part one
// segment at a time, bufio.Scanner style:
//
//	it := chain.OutSegments()
//	for it.Next() {
//	    consume(it.Slice())
//	}
//	if err := it.Err(); err != nil { ... }
type SegmentIterator struct {
	mem      GuestMemory
	segments []Segment
	cur      []byte
	err      error
}

// Next advances to the next segment, skipping zero-length ones. It
// returns false when the chain part is exhausted or a segment failed to
// resolve; check Err afterwards.
func (it *SegmentIterator) Next() bool {
	it.cur = nil
	for len(it.segments) > 0 {
		s := it.segments[0]
		it.segments = it.segments[1:]
		if s.Len == 0 {
			continue
		}
		b, err := it.mem.GuestSlice(s.Addr, s.Len)
		if err != nil {
			it.err = err
			return false
		}
		it.cur = b
		return true
	}
	return false
}

// Slice returns the current segment's host mapping. Only valid after a
// true return from Next.
func (it *SegmentIterator) Slice() []byte {
	return it.cur
}

// Err returns the first translation failure, if any.
func (it *SegmentIterator) Err() error {
	return it.err
}
