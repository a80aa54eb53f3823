package ops

import (
	"github.com/googlecloudplatform/virtiofsd/internal/fusewire"
	"github.com/googlecloudplatform/virtiofsd/internal/inode"
	"golang.org/x/sys/unix"
)

// Open implements FUSE_OPEN, grounded on lo_open: the O_PATH fd held by the
// inode cannot itself be read or written, so the handler reopens it by
// number through /proc/self/fd with the guest's requested flags (stripping
// O_NOFOLLOW, which would otherwise reject the reopen of what is itself
// already a resolved, non-symlink path).
func (s *Server) Open(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.OpenIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	n, ok := s.Inodes.Get(hdr.Nodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(n)

	flags := updateOpenFlags(s.Cfg.Writeback, int(in.Flags))
	fd, err := unix.Open(procSelfFD(n.FD), flags&^unix.O_NOFOLLOW, 0)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}

	fh := s.allocFile(fd, s.Cfg.DirectIO)
	out := fusewire.OpenOut{Fh: fh}
	if s.Cfg.DirectIO {
		out.OpenFlags |= fusewire.FOPEN_DIRECT_IO
	}
	return fusewire.Append(fusewire.NewReply(hdr.Unique), out)
}

// updateOpenFlags mirrors update_open_flags: O_EXCL is stripped (the
// create-or-open distinction is already handled by the CREATE opcode vs
// OPEN), and with writeback caching negotiated, O_APPEND is downgraded
// since the kernel enforces append semantics itself in that mode, and
// O_WRONLY becomes O_RDWR because the kernel's page cache may read through
// a write-only handle.
func updateOpenFlags(writeback bool, flags int) int {
	flags &^= unix.O_EXCL
	if writeback {
		flags &^= unix.O_APPEND
		if flags&unix.O_ACCMODE == unix.O_WRONLY {
			flags = flags&^unix.O_ACCMODE | unix.O_RDWR
		}
	}
	return flags
}

// Create implements FUSE_CREATE, grounded on lo_create: open with O_CREAT
// under the requester's identity so the new file is guest-owned, then
// thread the result through the same entry+open-handle reply as LOOKUP
// plus OPEN combined.
func (s *Server) Create(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.CreateIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	name, err := c.CString()
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}

	parent, ok := s.parentOf(hdr)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(parent)

	if inode.IsReservedName(name) {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}

	flags := updateOpenFlags(s.Cfg.Writeback, int(in.Flags)) | unix.O_CREAT
	mode := in.Mode &^ in.Umask

	var fd int
	err = s.withCreatorCreds(hdr, func() error {
		var oerr error
		fd, oerr = unix.Openat(parent.FD, name, flags&^unix.O_NOFOLLOW, mode)
		return oerr
	})
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}

	child, err := s.Inodes.Lookup(parent, name)
	if err != nil {
		closeFD(fd)
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	defer s.Inodes.Put(child)

	fh := s.allocFile(fd, s.Cfg.DirectIO)

	var st unix.Stat_t
	if err := unix.Fstatat(child.FD, "", &st, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}

	r := fusewire.NewReply(hdr.Unique)
	fusewire.Append(r, s.entryOut(child.ID, &st))
	openOut := fusewire.OpenOut{Fh: fh}
	if s.Cfg.DirectIO {
		openOut.OpenFlags |= fusewire.FOPEN_DIRECT_IO
	}
	fusewire.Append(r, openOut)
	return r
}

// Release implements FUSE_RELEASE: close the open fd and drop its slab
// slot. The POSIX-lock record for this handle's lock owner, if any,
// outlives Release and is cleaned up by Flush or by inode destruction.
func (s *Server) Release(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.ReleaseIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	f, ok := s.removeFile(in.Fh)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.EBADF)
	}
	closeFD(f.fd)
	return fusewire.NewReply(hdr.Unique)
}

// Flush implements FUSE_FLUSH, grounded on lo_flush: release this
// lock-owner's POSIX lock record (closing its dedicated OFD-lock fd) and
// duplicate-then-close the handle's fd to force any buffered writes the
// host kernel would flush on a real close.
func (s *Server) Flush(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.FlushIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	n, ok := s.Inodes.Get(hdr.Nodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(n)

	n.Locks.Release(in.LockOwner)

	f, ok := s.getFile(in.Fh)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.EBADF)
	}
	dupFD, err := unix.Dup(f.fd)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	if err := unix.Close(dupFD); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.NewReply(hdr.Unique)
}

// Fsync implements FUSE_FSYNC via the already open handle fd.
func (s *Server) Fsync(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.FsyncIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	f, ok := s.getFile(in.Fh)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.EBADF)
	}
	if in.FsyncFlags&1 != 0 {
		err = unix.Fdatasync(f.fd)
	} else {
		err = unix.Fsync(f.fd)
	}
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.NewReply(hdr.Unique)
}

// Read implements FUSE_READ via pread at the requested offset.
func (s *Server) Read(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.ReadIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	f, ok := s.getFile(in.Fh)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.EBADF)
	}

	buf := make([]byte, in.Size)
	nRead, err := unix.Pread(f.fd, buf, int64(in.Offset))
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.NewReply(hdr.Unique).AppendBytes(buf[:nRead])
}

// Write implements FUSE_WRITE via pwrite at the requested offset. When the
// request carries WriteKillPriv and the negotiated capability snapshot is
// available, CAP_FSETID is dropped around the write so the kernel strips
// any suid/sgid bit the way a native write(2) from an unprivileged process
// would.
func (s *Server) Write(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.WriteIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	data, err := c.Advance(int(in.Size))
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	f, ok := s.getFile(in.Fh)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.EBADF)
	}

	killPriv := in.WriteFlags&fusewire.WriteKillPriv != 0 && s.Creds != nil
	if killPriv {
		if err := s.Creds.DropFSETID(); err != nil {
			return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
		}
		defer s.Creds.GainFSETID()
	}

	nWritten, err := unix.Pwrite(f.fd, data, int64(in.Offset))
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.Append(fusewire.NewReply(hdr.Unique), fusewire.WriteOut{Size: uint32(nWritten)})
}

// Fallocate implements FUSE_FALLOCATE.
func (s *Server) Fallocate(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.FallocateIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	f, ok := s.getFile(in.Fh)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.EBADF)
	}
	if err := unix.Fallocate(f.fd, in.Mode, int64(in.Offset), int64(in.Length)); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.NewReply(hdr.Unique)
}

// Lseek implements FUSE_LSEEK (SEEK_DATA/SEEK_HOLE passthrough for sparse
// files).
func (s *Server) Lseek(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.LseekIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	f, ok := s.getFile(in.Fh)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.EBADF)
	}
	off, err := unix.Seek(f.fd, int64(in.Offset), int(in.Whence))
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.Append(fusewire.NewReply(hdr.Unique), fusewire.LseekOut{Offset: uint64(off)})
}

// CopyFileRange implements FUSE_COPY_FILE_RANGE between two already open
// handles, which may belong to different inodes.
func (s *Server) CopyFileRange(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.CopyFileRangeIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	src, ok := s.getFile(in.FhIn)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.EBADF)
	}
	dst, ok := s.getFile(in.FhOut)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.EBADF)
	}

	offIn := int64(in.OffIn)
	offOut := int64(in.OffOut)
	n, err := unix.CopyFileRange(src.fd, &offIn, dst.fd, &offOut, int(in.Len), 0)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.Append(fusewire.NewReply(hdr.Unique), fusewire.WriteOut{Size: uint32(n)})
}
