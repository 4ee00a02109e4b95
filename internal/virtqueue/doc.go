// Package virtqueue implements the device-side view of a virtio split
// queue whose memory lives entirely in the guest and is shared with the
// host over an mmap. The guest fills the descriptor table and the
// available ring; the device (this package) pops descriptor chains,
// resolves their guest addresses through a GuestMemory translator and
// publishes completions through the used ring.
//
// Nothing in guest memory is trusted: ring indexes, descriptor lengths
// and chain links are all validated before use, and payload bytes are
// only ever handed out as bounded slices of the host mapping.
package virtqueue
