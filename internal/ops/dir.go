package ops

import (
	"encoding/binary"
	"unsafe"

	"github.com/googlecloudplatform/virtiofsd/internal/fusewire"
	"golang.org/x/sys/unix"
)

// Opendir implements FUSE_OPENDIR, grounded on lo_opendir: open the
// directory fresh and take a full getdents64 snapshot up front rather than
// keeping a live DIR* cursor, trading "sees concurrent mutations mid-listing"
// (POSIX leaves this unspecified anyway) for a much simpler READDIR/
// READDIRPLUS implementation with no seekdir/telldir equivalent needed.
func (s *Server) Opendir(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	n, ok := s.Inodes.Get(hdr.Nodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(n)

	fd, err := unix.Openat(n.FD, ".", unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}

	entries, err := readAllDirents(fd)
	if err != nil {
		closeFD(fd)
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}

	fh := s.allocDir(&dirHandle{fd: fd, entries: entries})
	return fusewire.Append(fusewire.NewReply(hdr.Unique), fusewire.OpenOut{Fh: fh})
}

// linux_dirent64 layout: d_ino(8) d_off(8) d_reclen(2) d_type(1) d_name[...]
const dirent64HeaderSize = 19

func readAllDirents(fd int) ([]direntry, error) {
	var out []direntry
	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Getdents(fd, buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		pos := 0
		for pos < n {
			reclen := int(binary.NativeEndian.Uint16(buf[pos+16 : pos+18]))
			if reclen <= 0 || pos+reclen > n {
				break
			}
			ino := binary.NativeEndian.Uint64(buf[pos : pos+8])
			typ := buf[pos+18]
			nameBytes := buf[pos+dirent64HeaderSize : pos+reclen]
			name := cstr(nameBytes)
			if name != "" {
				out = append(out, direntry{name: name, ino: ino, typ: uint32(typ)})
			}
			pos += reclen
		}
	}
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Readdir implements FUSE_READDIR and, when plus is true, FUSE_READDIRPLUS:
// offset is the 0-based index into the snapshot taken at OPENDIR time (the
// wire's Dirent.Off is opaque to the guest, which only ever feeds back the
// value this server handed it, so a plain index is as valid an "offset" as
// a real telldir() cookie).
func (s *Server) Readdir(hdr fusewire.InHeader, c *fusewire.Cursor, plus bool) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.ReadIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}

	d, ok := s.getDir(in.Fh)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.EBADF)
	}

	parent, ok := s.Inodes.Get(hdr.Nodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(parent)

	r := fusewire.NewReply(hdr.Unique)
	var used uint64
	idx := in.Offset
	for idx < uint64(len(d.entries)) {
		e := d.entries[idx]
		idx++

		var entryOut fusewire.EntryOut
		ino := e.ino
		mode := e.typ << 12
		if plus && e.name != "." && e.name != ".." {
			child, err := s.Inodes.Lookup(parent, e.name)
			if err != nil {
				continue // vanished between snapshot and reply; skip rather than fail the whole listing
			}
			var st unix.Stat_t
			_ = unix.Fstatat(child.FD, "", &st, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW)
			entryOut = s.entryOut(child.ID, &st)
			ino = st.Ino
			s.Inodes.Put(child) // lookup count transferred to the guest via this reply; caller Forgets it later
		} else if plus {
			entryOut = fusewire.EntryOut{Attr: fusewire.Attr{Ino: ino, Mode: mode}}
		}

		nameBytes := []byte(e.name)
		fixedLen := direntHeaderSize
		if plus {
			fixedLen += direntPlusExtraSize
		}
		recLen := align8(fixedLen + len(nameBytes))
		if used+uint64(recLen) > uint64(in.Size) {
			if plus && entryOut.Nodeid != 0 {
				s.Inodes.Forget(entryOut.Nodeid, 1) // entry not sent: undo its lookup
			}
			break
		}

		dent := fusewire.Dirent{Ino: ino, Off: idx, Namelen: uint32(len(nameBytes)), Type: mode}
		if plus {
			fusewire.Append(r, entryOut)
		}
		fusewire.Append(r, dent)
		r.AppendBytes(nameBytes)
		if pad := align8(len(nameBytes)) - len(nameBytes); pad > 0 {
			r.AppendBytes(make([]byte, pad))
		}
		used += uint64(recLen)
	}
	return r
}

var (
	direntHeaderSize    = int(unsafe.Sizeof(fusewire.Dirent{}))
	direntPlusExtraSize = int(unsafe.Sizeof(fusewire.EntryOut{}))
)

func align8(n int) int { return (n + 7) &^ 7 }

// Releasedir implements FUSE_RELEASEDIR.
func (s *Server) Releasedir(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.ReleaseIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	d, ok := s.removeDir(in.Fh)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.EBADF)
	}
	closeFD(d.fd)
	return fusewire.NewReply(hdr.Unique)
}

// Fsyncdir implements FUSE_FSYNCDIR by fsyncing the open directory fd.
func (s *Server) Fsyncdir(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.FsyncIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	d, ok := s.getDir(in.Fh)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.EBADF)
	}
	if in.FsyncFlags&1 != 0 {
		err = unix.Fdatasync(d.fd)
	} else {
		err = unix.Fsync(d.fd)
	}
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.NewReply(hdr.Unique)
}
