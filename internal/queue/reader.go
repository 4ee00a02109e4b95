package queue

import (
	"fmt"

	"github.com/virtbridge/vhostfs/internal/constants"
	"github.com/virtbridge/vhostfs/internal/interfaces"
	"github.com/virtbridge/vhostfs/internal/virtqueue"
)

// chainReader validates one popped queue element and copies its
// guest-readable bytes into the worker's bounce buffer. Guest memory is
// only ever read; descriptor boundaries disappear in the copy.
type chainReader struct {
	queue int
	buf   []byte
}

// read returns a slice of the bounce buffer holding the gapless
// concatenation of the chain's out segments. Both bounds checks happen
// before any byte is copied: a chain below the fixed request header size
// or above the buffer capacity fails validation whole, never partially.
func (r *chainReader) read(chain *virtqueue.Chain) ([]byte, error) {
	total := chain.OutLen()

	if total < constants.MinRequestSize {
		return nil, interfaces.NewQueueError("read_chain", r.queue, interfaces.ErrCodeChainTooShort,
			fmt.Sprintf("chain delivers %d bytes, request header is %d", total, constants.MinRequestSize))
	}
	if total > uint64(len(r.buf)) {
		return nil, interfaces.NewQueueError("read_chain", r.queue, interfaces.ErrCodeChainTooLarge,
			fmt.Sprintf("chain delivers %d bytes, buffer capacity is %d", total, len(r.buf)))
	}

	offset := 0
	it := chain.OutSegments()
	for it.Next() {
		offset += copy(r.buf[offset:], it.Slice())
	}
	if err := it.Err(); err != nil {
		// The chain referenced memory outside the guest's announced
		// regions; the sizes above were guest-controlled fiction.
		qerr := interfaces.NewQueueError("read_chain", r.queue, interfaces.ErrCodeBadDescriptor, err.Error())
		qerr.Inner = err
		return nil, qerr
	}
	if uint64(offset) != total {
		return nil, interfaces.NewQueueError("read_chain", r.queue, interfaces.ErrCodeBadDescriptor,
			fmt.Sprintf("copied %d bytes of %d announced", offset, total))
	}

	return r.buf[:offset], nil
}
