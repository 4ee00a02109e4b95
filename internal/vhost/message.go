// Package vhost implements the device side of the vhost-user control
// protocol: message framing over a unix socket (including SCM_RIGHTS file
// descriptor passing) and the guest memory table built from the peer's
// shared-memory regions.
//
// Only the message subset needed to learn queue geometry and lifecycle is
// handled; everything else the protocol can carry is out of scope for
// this bridge.
package vhost

import (
	"encoding/binary"
	"fmt"
)

// Request types of the vhost-user protocol.
const (
	ReqNone                uint32 = 0
	ReqGetFeatures         uint32 = 1
	ReqSetFeatures         uint32 = 2
	ReqSetOwner            uint32 = 3
	ReqResetOwner          uint32 = 4
	ReqSetMemTable         uint32 = 5
	ReqSetLogBase          uint32 = 6
	ReqSetLogFD            uint32 = 7
	ReqSetVringNum         uint32 = 8
	ReqSetVringAddr        uint32 = 9
	ReqSetVringBase        uint32 = 10
	ReqGetVringBase        uint32 = 11
	ReqSetVringKick        uint32 = 12
	ReqSetVringCall        uint32 = 13
	ReqSetVringErr         uint32 = 14
	ReqGetProtocolFeatures uint32 = 15
	ReqSetProtocolFeatures uint32 = 16
	ReqGetQueueNum         uint32 = 17
	ReqSetVringEnable      uint32 = 18
)

var requestNames = map[uint32]string{
	ReqNone:                "none",
	ReqGetFeatures:         "get_features",
	ReqSetFeatures:         "set_features",
	ReqSetOwner:            "set_owner",
	ReqResetOwner:          "reset_owner",
	ReqSetMemTable:         "set_mem_table",
	ReqSetLogBase:          "set_log_base",
	ReqSetLogFD:            "set_log_fd",
	ReqSetVringNum:         "set_vring_num",
	ReqSetVringAddr:        "set_vring_addr",
	ReqSetVringBase:        "set_vring_base",
	ReqGetVringBase:        "get_vring_base",
	ReqSetVringKick:        "set_vring_kick",
	ReqSetVringCall:        "set_vring_call",
	ReqSetVringErr:         "set_vring_err",
	ReqGetProtocolFeatures: "get_protocol_features",
	ReqSetProtocolFeatures: "set_protocol_features",
	ReqGetQueueNum:         "get_queue_num",
	ReqSetVringEnable:      "set_vring_enable",
}

// RequestName returns the protocol name of a request type for logging.
func RequestName(request uint32) string {
	if name, ok := requestNames[request]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", request)
}

// Header framing constants.
const (
	// HeaderSize is the fixed wire size of the message header: three
	// little-endian 32-bit words (request, flags, payload size).
	HeaderSize = 12

	flagVersion1  uint32 = 0x1
	flagVersion   uint32 = 0x3 // version mask
	flagReply     uint32 = 1 << 2
	flagNeedReply uint32 = 1 << 3
)

// Vring index payload masks.
const (
	// VringIndexMask extracts the queue index from a u64 payload that
	// carries an index in its low byte.
	VringIndexMask uint64 = 0xff

	// VringNoFDMask marks an index payload whose message carries no file
	// descriptor (polling mode, which this device does not support).
	VringNoFDMask uint64 = 0x1 << 8
)

// FeatureVersion1 is VIRTIO_F_VERSION_1, the only feature bit this device
// advertises.
const FeatureVersion1 uint64 = 1 << 32

// MaxMemoryRegions caps a SET_MEM_TABLE payload.
const MaxMemoryRegions = 8

// Message is one decoded control-plane message with any file descriptors
// that rode along in SCM_RIGHTS ancillary data.
type Message struct {
	Request uint32
	Flags   uint32
	Body    []byte
	Fds     []int
}

// Name returns the protocol name of the message for logging.
func (m *Message) Name() string {
	return RequestName(m.Request)
}

// NeedsReply reports whether the peer set the explicit need-reply bit.
// Messages that are defined to return data always get a reply regardless.
func (m *Message) NeedsReply() bool {
	return m.Flags&flagNeedReply != 0
}

// U64 decodes the single u64 payload common to several messages.
func (m *Message) U64() (uint64, error) {
	if len(m.Body) < 8 {
		return 0, fmt.Errorf("%s: payload too short for u64: %d bytes", m.Name(), len(m.Body))
	}
	return binary.LittleEndian.Uint64(m.Body), nil
}

// VringState is the {index, num} pair used by the vring sizing and base
// messages.
type VringState struct {
	Index uint32
	Num   uint32
}

// VringState decodes a vring state payload.
func (m *Message) VringState() (VringState, error) {
	if len(m.Body) < 8 {
		return VringState{}, fmt.Errorf("%s: payload too short for vring state: %d bytes",
			m.Name(), len(m.Body))
	}
	return VringState{
		Index: binary.LittleEndian.Uint32(m.Body),
		Num:   binary.LittleEndian.Uint32(m.Body[4:]),
	}, nil
}

// VringAddr carries the guest's user-space addresses of one vring's
// descriptor table and rings.
type VringAddr struct {
	Index      uint32
	Flags      uint32
	Descriptor uint64
	Used       uint64
	Available  uint64
	Log        uint64
}

// VringAddr decodes a SET_VRING_ADDR payload.
func (m *Message) VringAddr() (VringAddr, error) {
	if len(m.Body) < 40 {
		return VringAddr{}, fmt.Errorf("%s: payload too short for vring addr: %d bytes",
			m.Name(), len(m.Body))
	}
	return VringAddr{
		Index:      binary.LittleEndian.Uint32(m.Body),
		Flags:      binary.LittleEndian.Uint32(m.Body[4:]),
		Descriptor: binary.LittleEndian.Uint64(m.Body[8:]),
		Used:       binary.LittleEndian.Uint64(m.Body[16:]),
		Available:  binary.LittleEndian.Uint64(m.Body[24:]),
		Log:        binary.LittleEndian.Uint64(m.Body[32:]),
	}, nil
}

// MemoryRegion describes one shared-memory region announced by the peer.
type MemoryRegion struct {
	GuestPhysAddr uint64
	Size          uint64
	UserAddr      uint64
	MmapOffset    uint64
}

// MemoryRegions decodes a SET_MEM_TABLE payload. The number of regions
// must match the number of attached file descriptors; the caller checks
// that against m.Fds.
func (m *Message) MemoryRegions() ([]MemoryRegion, error) {
	if len(m.Body) < 8 {
		return nil, fmt.Errorf("%s: payload too short for memory table: %d bytes",
			m.Name(), len(m.Body))
	}
	count := binary.LittleEndian.Uint32(m.Body)
	if count == 0 || count > MaxMemoryRegions {
		return nil, fmt.Errorf("%s: unsupported region count %d", m.Name(), count)
	}
	const regionSize = 32
	if len(m.Body) < 8+int(count)*regionSize {
		return nil, fmt.Errorf("%s: payload too short for %d regions: %d bytes",
			m.Name(), count, len(m.Body))
	}

	regions := make([]MemoryRegion, 0, count)
	b := m.Body[8:]
	for i := 0; i < int(count); i++ {
		regions = append(regions, MemoryRegion{
			GuestPhysAddr: binary.LittleEndian.Uint64(b),
			Size:          binary.LittleEndian.Uint64(b[8:]),
			UserAddr:      binary.LittleEndian.Uint64(b[16:]),
			MmapOffset:    binary.LittleEndian.Uint64(b[24:]),
		})
		b = b[regionSize:]
	}
	return regions, nil
}

// ReplyU64 builds the reply message for a request that returns a u64.
func (m *Message) ReplyU64(value uint64) *Message {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, value)
	return m.reply(body)
}

// ReplyVringState builds the reply message for GET_VRING_BASE.
func (m *Message) ReplyVringState(state VringState) *Message {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body, state.Index)
	binary.LittleEndian.PutUint32(body[4:], state.Num)
	return m.reply(body)
}

// ReplyAck builds an empty-bodied acknowledgement for messages that set
// the need-reply bit.
func (m *Message) ReplyAck() *Message {
	body := make([]byte, 8)
	return m.reply(body)
}

func (m *Message) reply(body []byte) *Message {
	return &Message{
		Request: m.Request,
		Flags:   flagVersion1 | flagReply,
		Body:    body,
	}
}

// Encode serializes the message header and body for the wire.
func (m *Message) Encode() []byte {
	buf := make([]byte, HeaderSize+len(m.Body))
	binary.LittleEndian.PutUint32(buf, m.Request)
	binary.LittleEndian.PutUint32(buf[4:], m.Flags)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(m.Body)))
	copy(buf[HeaderSize:], m.Body)
	return buf
}
