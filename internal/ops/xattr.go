package ops

import (
	"github.com/googlecloudplatform/virtiofsd/internal/fusewire"
	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"
)

// Getxattr implements FUSE_GETXATTR. Grounded on lo_getxattr: operations
// are issued against /proc/self/fd/<ifd> (a magic symlink the kernel
// resolves to the real file) rather than against the O_PATH fd directly,
// since xattr syscalls are not valid on O_PATH descriptors. xattr-related
// syscalls are handled through github.com/pkg/xattr rather than re-wrapping
// getxattr(2)/setxattr(2) by hand.
func (s *Server) Getxattr(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	if !s.Cfg.Xattr {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOSYS)
	}
	in, err := fusewire.Decode[fusewire.GetxattrIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	name, err := c.CString()
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}

	n, ok := s.Inodes.Get(hdr.Nodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(n)

	value, err := xattr.Get(procSelfFD(n.FD), name)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(xattrErrno(err))
	}
	if in.Size == 0 {
		return fusewire.Append(fusewire.NewReply(hdr.Unique), fusewire.GetxattrOut{Size: uint32(len(value))})
	}
	if uint32(len(value)) > in.Size {
		return fusewire.NewReply(hdr.Unique).Error(unix.ERANGE)
	}
	return fusewire.NewReply(hdr.Unique).AppendBytes(value)
}

// Setxattr implements FUSE_SETXATTR.
func (s *Server) Setxattr(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	if !s.Cfg.Xattr {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOSYS)
	}
	in, err := fusewire.Decode[fusewire.SetxattrIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	name, err := c.CString()
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	value, err := c.Advance(int(in.Size))
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}

	n, ok := s.Inodes.Get(hdr.Nodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(n)

	flags := setxattrFlags(in.Flags)
	if err := xattr.SetWithFlags(procSelfFD(n.FD), name, value, flags); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(xattrErrno(err))
	}
	return fusewire.NewReply(hdr.Unique)
}

func setxattrFlags(wire uint32) int {
	const (
		xattrCreate  = 1
		xattrReplace = 2
	)
	flags := 0
	if wire&xattrCreate != 0 {
		flags |= unix.XATTR_CREATE
	}
	if wire&xattrReplace != 0 {
		flags |= unix.XATTR_REPLACE
	}
	return flags
}

// Listxattr implements FUSE_LISTXATTR, returning a NUL-separated name list.
func (s *Server) Listxattr(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	if !s.Cfg.Xattr {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOSYS)
	}
	in, err := fusewire.Decode[fusewire.GetxattrIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}

	n, ok := s.Inodes.Get(hdr.Nodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(n)

	names, err := xattr.List(procSelfFD(n.FD))
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(xattrErrno(err))
	}
	var buf []byte
	for _, name := range names {
		buf = append(buf, name...)
		buf = append(buf, 0)
	}
	if in.Size == 0 {
		return fusewire.Append(fusewire.NewReply(hdr.Unique), fusewire.GetxattrOut{Size: uint32(len(buf))})
	}
	if uint32(len(buf)) > in.Size {
		return fusewire.NewReply(hdr.Unique).Error(unix.ERANGE)
	}
	return fusewire.NewReply(hdr.Unique).AppendBytes(buf)
}

// Removexattr implements FUSE_REMOVEXATTR.
func (s *Server) Removexattr(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	if !s.Cfg.Xattr {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOSYS)
	}
	name, err := c.CString()
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}

	n, ok := s.Inodes.Get(hdr.Nodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(n)

	if err := xattr.Remove(procSelfFD(n.FD), name); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(xattrErrno(err))
	}
	return fusewire.NewReply(hdr.Unique)
}

// xattrErrno unwraps the *xattr.Error github.com/pkg/xattr returns into a
// raw errno, falling back to errnoOf for anything else.
func xattrErrno(err error) unix.Errno {
	if xe, ok := err.(*xattr.Error); ok {
		if errno, ok := xe.Err.(unix.Errno); ok {
			return errno
		}
	}
	return errnoOf(err)
}
