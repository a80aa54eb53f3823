// Package vhostuser implements the vhost-user control
// plane (the UNIX-socket handshake qemu/the VMM uses to hand over
// virtqueue memory and kick/call eventfds) and the per-virtqueue request
// engine that turns popped descriptor chains into internal/ops.Server
// calls.
//
// Grounded on original_source/tools/virtiofsd/fuse_virtio.c for the
// architecture (one goroutine per virtqueue polling its kick eventfd, a
// worker pool processing popped elements, a dispatch rwlock serializing
// vring access between the control-message goroutine and the per-queue
// goroutines) and on jacobsa-fuse/server.go's Serve loop for the
// Go-idiomatic "read a request, hand it to a goroutine" shape the queue
// goroutines are built around.
package vhostuser

import (
	"encoding/binary"
	"fmt"
)

// request is a vhost-user control-plane message type, sent by the frontend
// (qemu or another VMM) over the control socket.
type request uint32

const (
	reqGetFeatures        request = 1
	reqSetFeatures         request = 2
	reqSetOwner            request = 3
	reqResetOwner          request = 4 // deprecated, accepted for compatibility
	reqSetMemTable         request = 5
	reqSetVringNum         request = 8
	reqSetVringAddr        request = 9
	reqSetVringBase        request = 10
	reqGetVringBase        request = 11
	reqSetVringKick        request = 12
	reqSetVringCall        request = 13
	reqSetVringErr         request = 14
	reqGetProtocolFeatures request = 15
	reqSetProtocolFeatures request = 16
	reqGetQueueNum         request = 17
	reqSetVringEnable      request = 18
)

func (r request) String() string {
	switch r {
	case reqGetFeatures:
		return "GET_FEATURES"
	case reqSetFeatures:
		return "SET_FEATURES"
	case reqSetOwner:
		return "SET_OWNER"
	case reqResetOwner:
		return "RESET_OWNER"
	case reqSetMemTable:
		return "SET_MEM_TABLE"
	case reqSetVringNum:
		return "SET_VRING_NUM"
	case reqSetVringAddr:
		return "SET_VRING_ADDR"
	case reqSetVringBase:
		return "SET_VRING_BASE"
	case reqGetVringBase:
		return "GET_VRING_BASE"
	case reqSetVringKick:
		return "SET_VRING_KICK"
	case reqSetVringCall:
		return "SET_VRING_CALL"
	case reqSetVringErr:
		return "SET_VRING_ERR"
	case reqGetProtocolFeatures:
		return "GET_PROTOCOL_FEATURES"
	case reqSetProtocolFeatures:
		return "SET_PROTOCOL_FEATURES"
	case reqGetQueueNum:
		return "GET_QUEUE_NUM"
	case reqSetVringEnable:
		return "SET_VRING_ENABLE"
	default:
		return fmt.Sprintf("request(%d)", uint32(r))
	}
}

// Feature bits this device advertises via GET_FEATURES.
const (
	featVersion1    = 1 << 32 // VIRTIO_F_VERSION_1
	featProtocolNeg = 1 << 30 // VHOST_USER_F_PROTOCOL_FEATURES
)

// ourFeatures is the full feature bitmap offered in reply to GET_FEATURES.
// VIRTIO_F_VERSION_1 is required by the spec; VHOST_USER_F_PROTOCOL_FEATURES
// unlocks the GET/SET_PROTOCOL_FEATURES exchange this device needs for
// SET_VRING_ENABLE and multi-queue reconfiguration.
const ourFeatures uint64 = featVersion1 | featProtocolNeg

// Protocol feature bits (the VHOST_USER_PROTOCOL_F_* set), negotiated via
// GET/SET_PROTOCOL_FEATURES once featProtocolNeg is agreed.
const (
	protocolFeatMQ          = 1 << 0 // multiple virtqueue pairs
	protocolFeatReplyAck    = 1 << 3
	protocolFeatConfig      = 1 << 9
	protocolFeatInflightShm = 1 << 12
)

const ourProtocolFeatures uint64 = protocolFeatMQ | protocolFeatConfig

const maxMsgPayload = 4096

// msgHeader is the fixed 12-byte vhost-user message header, wire-compatible
// with struct vhost_user_msg_hdr: a request id, a flags word (bit 2 marks a
// reply in the reply-ack protocol extension), and the payload length that
// follows.
type msgHeader struct {
	Request request
	Flags   uint32
	Size    uint32
}

const msgHeaderSize = 12

const (
	flagVersionMask = 0x3
	flagReply       = 1 << 2
	flagNeedReply   = 1 << 3
)

func encodeHeader(h msgHeader) []byte {
	b := make([]byte, msgHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Request))
	binary.LittleEndian.PutUint32(b[4:8], h.Flags)
	binary.LittleEndian.PutUint32(b[8:12], h.Size)
	return b
}

func decodeHeader(b []byte) (msgHeader, error) {
	var h msgHeader
	if len(b) < msgHeaderSize {
		return h, fmt.Errorf("vhostuser: short header: %d bytes", len(b))
	}
	h.Request = request(binary.LittleEndian.Uint32(b[0:4]))
	h.Flags = binary.LittleEndian.Uint32(b[4:8])
	h.Size = binary.LittleEndian.Uint32(b[8:12])
	if h.Size > maxMsgPayload {
		return h, fmt.Errorf("vhostuser: payload too large: %d bytes", h.Size)
	}
	return h, nil
}

func decodeU64(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("vhostuser: short u64 payload: %d bytes", len(b))
	}
	return binary.LittleEndian.Uint64(b[:8]), nil
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// vringStateMsg is the payload for SET_VRING_NUM, SET_VRING_BASE,
// GET_VRING_BASE and SET_VRING_ENABLE: a queue index plus a single uint32.
type vringStateMsg struct {
	Index uint32
	Num   uint32
}

func decodeVringState(b []byte) (vringStateMsg, error) {
	var m vringStateMsg
	if len(b) < 8 {
		return m, fmt.Errorf("vhostuser: short vring-state payload: %d bytes", len(b))
	}
	m.Index = binary.LittleEndian.Uint32(b[0:4])
	m.Num = binary.LittleEndian.Uint32(b[4:8])
	return m, nil
}

func encodeVringState(m vringStateMsg) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], m.Index)
	binary.LittleEndian.PutUint32(b[4:8], m.Num)
	return b
}

// vringAddrMsg is the payload for SET_VRING_ADDR: a queue index, flags, and
// the three guest-virtual-address ring pointers (descriptor table,
// used/"used" ring, available ring), plus a log address this device ignores
// (VHOST_F_LOG_ALL is not advertised).
type vringAddrMsg struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

const vringAddrMsgSize = 40

func decodeVringAddr(b []byte) (vringAddrMsg, error) {
	var m vringAddrMsg
	if len(b) < vringAddrMsgSize {
		return m, fmt.Errorf("vhostuser: short vring-addr payload: %d bytes", len(b))
	}
	m.Index = binary.LittleEndian.Uint32(b[0:4])
	m.Flags = binary.LittleEndian.Uint32(b[4:8])
	m.DescUserAddr = binary.LittleEndian.Uint64(b[8:16])
	m.UsedUserAddr = binary.LittleEndian.Uint64(b[16:24])
	m.AvailUserAddr = binary.LittleEndian.Uint64(b[24:32])
	m.LogGuestAddr = binary.LittleEndian.Uint64(b[32:40])
	return m, nil
}

// memRegion describes one entry of a SET_MEM_TABLE request: a contiguous
// range of guest physical memory, backed by an fd (received separately via
// SCM_RIGHTS) that the frontend mmap'd and shared with us.
type memRegion struct {
	GuestAddr  uint64
	Size       uint64
	UserAddr   uint64 // the frontend's own mapping address, only useful to it
	MmapOffset uint64
}

const memRegionSize = 32

// decodeMemTable parses a SET_MEM_TABLE payload: a uint32 region count
// followed by that many 32-byte memRegion entries (the wire format pads the
// count to 8 bytes).
func decodeMemTable(b []byte) ([]memRegion, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("vhostuser: short mem-table payload: %d bytes", len(b))
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	b = b[8:]
	if uint64(len(b)) < uint64(n)*memRegionSize {
		return nil, fmt.Errorf("vhostuser: mem-table payload too short for %d regions", n)
	}
	regions := make([]memRegion, n)
	for i := range regions {
		off := i * memRegionSize
		regions[i] = memRegion{
			GuestAddr:  binary.LittleEndian.Uint64(b[off : off+8]),
			Size:       binary.LittleEndian.Uint64(b[off+8 : off+16]),
			UserAddr:   binary.LittleEndian.Uint64(b[off+16 : off+24]),
			MmapOffset: binary.LittleEndian.Uint64(b[off+24 : off+32]),
		}
	}
	return regions, nil
}
