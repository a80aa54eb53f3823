package fusewire

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Reply accumulates the iovec-style fragments a handler wants written back
// to the guest's reply descriptor: an OutHeader followed by zero or more
// body fragments (a fixed struct, a byte slice such as read data or a
// listxattr blob, or both). internal/vhostuser gathers the fragments with
// writev once the handler returns; this package never touches a socket or
// virtqueue itself.
type Reply struct {
	unique uint64
	errno  int32
	body   [][]byte
}

// NewReply starts a reply for the request with the given unique id.
func NewReply(unique uint64) *Reply {
	return &Reply{unique: unique}
}

// Error marks the reply as a failure. errno must be a positive errno value
// (e.g. int32(unix.ENOENT)); the wire encodes it negated, matching the
// kernel's fuse_out_header.error convention.
func (r *Reply) Error(errno unix.Errno) *Reply {
	r.errno = -int32(errno)
	r.body = nil
	return r
}

// Append adds a fixed-size struct to the reply body via the same raw-bytes
// reinterpretation Decode uses on the way in.
func Append[T any](r *Reply, v T) *Reply {
	n := fixedSize[T]()
	src := unsafe.Slice((*byte)(unsafe.Pointer(&v)), n)
	cp := make([]byte, n)
	copy(cp, src)
	r.body = append(r.body, cp)
	return r
}

// Errno reports the errno this reply carries, or 0 for a success reply.
// Metrics and logging use this to tell a faulted request from a successful
// one without re-deriving it from the wire-format negated value.
func (r *Reply) Errno() unix.Errno {
	if r.errno == 0 {
		return 0
	}
	return unix.Errno(-r.errno)
}

// AppendBytes adds a raw byte fragment (read data, a dirent buffer, an
// xattr value) to the reply body.
func (r *Reply) AppendBytes(b []byte) *Reply {
	if len(b) > 0 {
		r.body = append(r.body, b)
	}
	return r
}

// Iovec renders the reply into an OutHeader followed by its body fragments,
// ready for writev against the reply descriptor.
func (r *Reply) Iovec() [][]byte {
	total := int(OutHeaderSize)
	for _, b := range r.body {
		total += len(b)
	}
	hdr := OutHeader{
		Length: uint32(total),
		Error:  r.errno,
		Unique: r.unique,
	}
	out := make([][]byte, 0, len(r.body)+1)
	out = append(out, encodeOutHeader(hdr))
	out = append(out, r.body...)
	return out
}

func encodeOutHeader(h OutHeader) []byte {
	b := make([]byte, OutHeaderSize)
	src := unsafe.Slice((*byte)(unsafe.Pointer(&h)), int(OutHeaderSize))
	copy(b, src)
	return b
}
