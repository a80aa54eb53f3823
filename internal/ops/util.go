package ops

import (
	"time"

	"github.com/googlecloudplatform/virtiofsd/internal/fusewire"
	"golang.org/x/sys/unix"
)

// errnoOf extracts a unix.Errno from err, defaulting to EIO for anything
// that didn't originate as a raw syscall error (a closed fd race, a bug in
// a handler, etc.), matching the reference implementation's fallback of
// reporting the raw errno and, failing that, EIO.
func errnoOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}

func closeFD(fd int) {
	_ = unix.Close(fd)
}

// durToValid splits a timeout into the wire's seconds+nanoseconds pair.
func durToValid(d time.Duration) (sec uint64, nsec uint32) {
	return uint64(d / time.Second), uint32(d % time.Second)
}

// statToAttr converts a host unix.Stat_t into the wire Attr struct.
func statToAttr(st *unix.Stat_t) fusewire.Attr {
	return fusewire.Attr{
		Ino:       st.Ino,
		Size:      uint64(st.Size),
		Blocks:    uint64(st.Blocks),
		Atime:     uint64(st.Atim.Sec),
		Mtime:     uint64(st.Mtim.Sec),
		Ctime:     uint64(st.Ctim.Sec),
		Atimensec: uint32(st.Atim.Nsec),
		Mtimensec: uint32(st.Mtim.Nsec),
		Ctimensec: uint32(st.Ctim.Nsec),
		Mode:      st.Mode,
		Nlink:     uint32(st.Nlink),
		Uid:       st.Uid,
		Gid:       st.Gid,
		Rdev:      uint32(st.Rdev),
		Blksize:   uint32(st.Blksize),
	}
}

// entryOut builds the EntryOut for a freshly looked-up or created child,
// using the server's negotiated cache timeout for both the entry and the
// attribute validity windows, matching lo_do_lookup's e->attr_timeout =
// e->entry_timeout = lo->timeout convention.
func (s *Server) entryOut(nodeid uint64, st *unix.Stat_t) fusewire.EntryOut {
	sec, nsec := durToValid(s.Cfg.Timeout)
	return fusewire.EntryOut{
		Nodeid:         nodeid,
		EntryValid:     sec,
		AttrValid:      sec,
		EntryValidNsec: nsec,
		AttrValidNsec:  nsec,
		Attr:           statToAttr(st),
	}
}

func (s *Server) attrOut(st *unix.Stat_t) fusewire.AttrOut {
	sec, nsec := durToValid(s.Cfg.Timeout)
	return fusewire.AttrOut{
		AttrValid:     sec,
		AttrValidNsec: nsec,
		Attr:          statToAttr(st),
	}
}
