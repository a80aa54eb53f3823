package fusewire

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

func TestReplySuccessIovecLength(t *testing.T) {
	r := NewReply(99)
	Append(r, EntryOut{Nodeid: 5})
	r.AppendBytes([]byte("tail"))

	iov := r.Iovec()
	if len(iov) != 3 {
		t.Fatalf("iovec fragments = %d, want 3 (header, struct, tail)", len(iov))
	}

	var h OutHeader
	b := iov[0]
	h.Length = binary.NativeEndian.Uint32(b[0:4])
	h.Error = int32(binary.NativeEndian.Uint32(b[4:8]))
	h.Unique = binary.NativeEndian.Uint64(b[8:16])

	want := int(OutHeaderSize) + fixedSize[EntryOut]() + len("tail")
	if int(h.Length) != want {
		t.Fatalf("header length = %d, want %d", h.Length, want)
	}
	if h.Error != 0 {
		t.Fatalf("header error = %d, want 0", h.Error)
	}
	if h.Unique != 99 {
		t.Fatalf("header unique = %d, want 99", h.Unique)
	}
}

func TestReplyErrorDropsBodyAndNegatesErrno(t *testing.T) {
	r := NewReply(1)
	Append(r, EntryOut{})
	r.Error(unix.ENOENT)

	iov := r.Iovec()
	if len(iov) != 1 {
		t.Fatalf("iovec fragments = %d, want 1 (header only)", len(iov))
	}
	var errno int32
	errno = int32(binary.NativeEndian.Uint32(iov[0][4:8]))
	if errno != -int32(unix.ENOENT) {
		t.Fatalf("header error = %d, want %d", errno, -int32(unix.ENOENT))
	}
}
