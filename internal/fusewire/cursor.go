package fusewire

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// ErrShortRequest is returned when a request body ends before a handler's
// expected fixed-size field or trailing string.
type ErrShortRequest struct {
	Opcode Opcode
	Need   int
	Have   int
}

func (e *ErrShortRequest) Error() string {
	return fmt.Sprintf("fusewire: opcode %d: need %d bytes, have %d", e.Opcode, e.Need, e.Have)
}

// Cursor walks a single request's body (everything after InHeader) without
// copying, the way jacobsa/fuse's connection.go peels fixed fields off a
// reusable message buffer before handing the remainder to a filesystem
// method. All multi-byte fields are native-endian: the virtqueue is a local
// shared-memory transport between a server and a guest kernel running on
// the same CPU architecture, never a network byte stream.
type Cursor struct {
	op  Opcode
	buf []byte
	pos int
}

// NewCursor wraps a request body for opcode op. buf must outlive the
// Cursor's use — it is typically a slice into a virtqueue descriptor that is
// only valid until the descriptor is returned to the guest.
func NewCursor(op Opcode, buf []byte) *Cursor {
	return &Cursor{op: op, buf: buf}
}

// Remaining reports how many bytes are left unconsumed.
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

// Advance returns the next n bytes and moves the cursor past them.
func (c *Cursor) Advance(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, &ErrShortRequest{Opcode: c.op, Need: n, Have: c.Remaining()}
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// Rest returns everything not yet consumed, without advancing further.
func (c *Cursor) Rest() []byte {
	return c.buf[c.pos:]
}

// CString reads a NUL-terminated string starting at the cursor, consuming
// through (and past) the terminator. FUSE encodes every path component and
// xattr name/value this way.
func (c *Cursor) CString() (string, error) {
	rest := c.buf[c.pos:]
	for i, b := range rest {
		if b == 0 {
			s := string(rest[:i])
			c.pos += i + 1
			return s, nil
		}
	}
	return "", &ErrShortRequest{Opcode: c.op, Need: -1, Have: c.Remaining()}
}

// fixedSize reports the wire size of a fixed-layout struct T via unsafe, used
// by the decode helpers below rather than hand-writing a size for every
// struct.
func fixedSize[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// Decode copies the next fixed-size struct out of the cursor. T must be one
// of the plain-old-data structs in abi.go (no pointers, no slices) so that a
// byte-for-byte reinterpretation is safe; Decode centralizes the
// unsafe cast so handlers never need the import themselves.
func Decode[T any](c *Cursor) (T, error) {
	var out T
	n := fixedSize[T]()
	b, err := c.Advance(n)
	if err != nil {
		return out, err
	}
	// The wire layout matches Go's native struct layout field-for-field
	// (same field order, same native sizes, explicit padding fields), so a
	// raw copy into the struct's backing bytes is equivalent to decoding
	// each field with binary.Read but without the reflection overhead.
	dst := unsafe.Slice((*byte)(unsafe.Pointer(&out)), n)
	copy(dst, b)
	return out, nil
}

// DecodeInHeader parses the fixed header every request begins with. Unlike
// Decode, the caller doesn't yet know the opcode when this runs, so it takes
// the raw bytes directly rather than an existing Cursor.
func DecodeInHeader(buf []byte) (InHeader, []byte, error) {
	var h InHeader
	n := int(InHeaderSize)
	if len(buf) < n {
		return h, nil, &ErrShortRequest{Need: n, Have: len(buf)}
	}
	h.Length = binary.NativeEndian.Uint32(buf[0:4])
	h.Opcode = binary.NativeEndian.Uint32(buf[4:8])
	h.Unique = binary.NativeEndian.Uint64(buf[8:16])
	h.Nodeid = binary.NativeEndian.Uint64(buf[16:24])
	h.Uid = binary.NativeEndian.Uint32(buf[24:28])
	h.Gid = binary.NativeEndian.Uint32(buf[28:32])
	h.Pid = binary.NativeEndian.Uint32(buf[32:36])
	return h, buf[n:], nil
}
