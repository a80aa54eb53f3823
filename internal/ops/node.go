package ops

import (
	"fmt"
	"runtime"

	"github.com/googlecloudplatform/virtiofsd/internal/cred"
	"github.com/googlecloudplatform/virtiofsd/internal/fusewire"
	"github.com/googlecloudplatform/virtiofsd/internal/inode"
	"golang.org/x/sys/unix"
)

func (s *Server) parentOf(hdr fusewire.InHeader) (*inode.Inode, bool) {
	return s.Inodes.Get(hdr.Nodeid)
}

// Lookup implements FUSE_LOOKUP, grounded on lo_lookup/lo_do_lookup: reject
// embedded slashes outright, special-case ".." on the root to avoid
// escaping the export, otherwise resolve through the identity table.
func (s *Server) Lookup(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	name, err := c.CString()
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}

	parent, ok := s.parentOf(hdr)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(parent)

	if name == ".." {
		if child := s.Inodes.LookupDotDot(parent); child != nil {
			defer s.Inodes.Put(child)
			return s.replyEntry(hdr, child)
		}
	}

	child, err := s.Inodes.Lookup(parent, name)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	defer s.Inodes.Put(child)
	return s.replyEntry(hdr, child)
}

func (s *Server) replyEntry(hdr fusewire.InHeader, n *inode.Inode) *fusewire.Reply {
	var st unix.Stat_t
	if err := unix.Fstatat(n.FD, "", &st, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.Append(fusewire.NewReply(hdr.Unique), s.entryOut(n.ID, &st))
}

// Forget implements FUSE_FORGET. It has no reply.
func (s *Server) Forget(hdr fusewire.InHeader, c *fusewire.Cursor) {
	in, err := fusewire.Decode[fusewire.ForgetIn](c)
	if err != nil {
		return
	}
	s.Inodes.Forget(hdr.Nodeid, in.Nlookup)
}

// BatchForget implements FUSE_BATCH_FORGET: a count-prefixed array of
// (nodeid, nlookup) pairs, grounded on lo_forget_multi.
func (s *Server) BatchForget(hdr fusewire.InHeader, c *fusewire.Cursor) {
	in, err := fusewire.Decode[fusewire.BatchForgetIn](c)
	if err != nil {
		return
	}
	for i := uint32(0); i < in.Count; i++ {
		one, err := fusewire.Decode[fusewire.ForgetOne](c)
		if err != nil {
			return
		}
		s.Inodes.Forget(one.Nodeid, one.Nlookup)
	}
}

// Getattr implements FUSE_GETATTR via fstatat(AT_EMPTY_PATH) on the
// inode's own O_PATH fd, grounded on lo_getattr.
func (s *Server) Getattr(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	n, ok := s.Inodes.Get(hdr.Nodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(n)

	var st unix.Stat_t
	if err := unix.Fstatat(n.FD, "", &st, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.Append(fusewire.NewReply(hdr.Unique), s.attrOut(&st))
}

// Setattr implements FUSE_SETATTR, grounded on lo_setattr: each bit of
// Valid is applied against the inode's /proc/self/fd/<ifd> reopen (an
// O_PATH fd cannot itself be the target of fchmod/ftruncate), except when
// the request carries an open file handle, in which case the already-open
// fd is used directly. Ownership changes are the exception: they go through
// fchownat(AT_EMPTY_PATH) on the O_PATH fd itself.
func (s *Server) Setattr(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.SetattrIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}

	n, ok := s.Inodes.Get(hdr.Nodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(n)

	var fh *fileHandle
	if in.Valid&fusewire.FATTR_FH != 0 {
		fh, _ = s.getFile(in.Fh)
	}

	if in.Valid&fusewire.FATTR_MODE != 0 {
		if err := chmodViaProc(n.FD, fh, in.Mode); err != nil {
			return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
		}
	}
	if in.Valid&(fusewire.FATTR_UID|fusewire.FATTR_GID) != 0 {
		uid, gid := -1, -1
		if in.Valid&fusewire.FATTR_UID != 0 {
			uid = int(in.Uid)
		}
		if in.Valid&fusewire.FATTR_GID != 0 {
			gid = int(in.Gid)
		}
		if err := unix.Fchownat(n.FD, "", uid, gid, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
		}
	}
	if in.Valid&fusewire.FATTR_SIZE != 0 {
		if err := truncateViaProc(n.FD, fh, int64(in.Size)); err != nil {
			return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
		}
	}
	if in.Valid&(fusewire.FATTR_ATIME|fusewire.FATTR_MTIME) != 0 {
		if err := utimesViaProc(n.FD, fh, in); err != nil {
			return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
		}
	}

	var st unix.Stat_t
	if err := unix.Fstatat(n.FD, "", &st, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.Append(fusewire.NewReply(hdr.Unique), s.attrOut(&st))
}

func chmodViaProc(ifd int, fh *fileHandle, mode uint32) error {
	if fh != nil {
		return unix.Fchmod(fh.fd, mode)
	}
	return unix.Fchmodat(unix.AT_FDCWD, procSelfFD(ifd), mode, 0)
}

func truncateViaProc(ifd int, fh *fileHandle, size int64) error {
	if fh != nil {
		return unix.Ftruncate(fh.fd, size)
	}
	fd, err := unix.Open(procSelfFD(ifd), unix.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer closeFD(fd)
	return unix.Ftruncate(fd, size)
}

func utimesViaProc(ifd int, fh *fileHandle, in fusewire.SetattrIn) error {
	ts := [2]unix.Timespec{
		{Nsec: int64(unix.UTIME_OMIT)},
		{Nsec: int64(unix.UTIME_OMIT)},
	}
	switch {
	case in.Valid&fusewire.FATTR_ATIME_NOW != 0:
		ts[0].Nsec = int64(unix.UTIME_NOW)
	case in.Valid&fusewire.FATTR_ATIME != 0:
		ts[0] = unix.NsecToTimespec(int64(in.Atime)*1e9 + int64(in.Atimensec))
	}
	switch {
	case in.Valid&fusewire.FATTR_MTIME_NOW != 0:
		ts[1].Nsec = int64(unix.UTIME_NOW)
	case in.Valid&fusewire.FATTR_MTIME != 0:
		ts[1] = unix.NsecToTimespec(int64(in.Mtime)*1e9 + int64(in.Mtimensec))
	}
	if fh != nil {
		return unix.UtimesNanoAt(unix.AT_FDCWD, fmt.Sprintf("/proc/self/fd/%d", fh.fd), ts[:], 0)
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, procSelfFD(ifd), ts[:], 0)
}

func procSelfFD(fd int) string { return fmt.Sprintf("/proc/self/fd/%d", fd) }

// Readlink implements FUSE_READLINK via readlinkat(fd, "").
func (s *Server) Readlink(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	n, ok := s.Inodes.Get(hdr.Nodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(n)

	buf := make([]byte, 4096)
	nRead, err := unix.Readlinkat(n.FD, "", buf)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.NewReply(hdr.Unique).AppendBytes(buf[:nRead])
}

// withCreatorCreds switches to the requester's uid/gid for the duration of
// fn, so that newly created filesystem objects are owned by the guest
// caller rather than the server process, and restores the prior identity
// afterward. Grounded on lo_change_cred/lo_restore_cred. The goroutine is
// pinned to its OS thread for the duration since setresuid/setresgid are
// per-thread: without the pin, the scheduler could migrate fn's goroutine
// (or resume it after a blocking call) onto a different thread than the one
// Switch ran on, leaving the original thread stuck with a foreign identity
// and Restore reversing the wrong thread's credentials.
func (s *Server) withCreatorCreds(hdr fusewire.InHeader, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	saved, err := cred.Switch(cred.Request{UID: hdr.Uid, GID: hdr.Gid})
	if err != nil {
		return err
	}
	defer cred.Restore(saved)
	return fn()
}

// Symlink implements FUSE_SYMLINK, grounded on lo_mknod_symlink's symlinkat
// branch.
func (s *Server) Symlink(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	name, err := c.CString()
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	target, err := c.CString()
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

	if err := s.withCreatorCreds(hdr, func() error {
		return unix.Symlinkat(target, parent.FD, name)
	}); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}

	child, err := s.Inodes.Lookup(parent, name)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	defer s.Inodes.Put(child)
	return s.replyEntry(hdr, child)
}

// Mknod implements FUSE_MKNOD, grounded on lo_mknod_symlink's mknodat
// branch.
func (s *Server) Mknod(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.MknodIn](c)
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

	mode := in.Mode &^ in.Umask
	if err := s.withCreatorCreds(hdr, func() error {
		return unix.Mknodat(parent.FD, name, mode, int(in.Rdev))
	}); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}

	child, err := s.Inodes.Lookup(parent, name)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	defer s.Inodes.Put(child)
	return s.replyEntry(hdr, child)
}

// Mkdir implements FUSE_MKDIR, grounded on lo_mkdir.
func (s *Server) Mkdir(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.MkdirIn](c)
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

	mode := in.Mode &^ in.Umask
	if err := s.withCreatorCreds(hdr, func() error {
		return unix.Mkdirat(parent.FD, name, mode)
	}); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}

	child, err := s.Inodes.Lookup(parent, name)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	defer s.Inodes.Put(child)
	return s.replyEntry(hdr, child)
}

// Unlink implements FUSE_UNLINK, grounded on lo_unlink.
func (s *Server) Unlink(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
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
	if err := unix.Unlinkat(parent.FD, name, 0); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.NewReply(hdr.Unique)
}

// Rmdir implements FUSE_RMDIR.
func (s *Server) Rmdir(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
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
	if err := unix.Unlinkat(parent.FD, name, unix.AT_REMOVEDIR); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.NewReply(hdr.Unique)
}

// Rename implements FUSE_RENAME (flags always 0), grounded on lo_rename.
func (s *Server) Rename(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	return s.doRename(hdr, c, 0)
}

// Rename2 implements FUSE_RENAME2, which additionally carries
// RENAME_NOREPLACE/RENAME_EXCHANGE flags forwarded to renameat2 unchanged.
func (s *Server) Rename2(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.Rename2In](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	oldName, err := c.CString()
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	newName, err := c.CString()
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	return s.rename(hdr, in.Newdir, oldName, newName, in.Flags)
}

func (s *Server) doRename(hdr fusewire.InHeader, c *fusewire.Cursor, flags uint32) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.RenameIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	oldName, err := c.CString()
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	newName, err := c.CString()
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	return s.rename(hdr, in.Newdir, oldName, newName, flags)
}

func (s *Server) rename(hdr fusewire.InHeader, newdir uint64, oldName, newName string, flags uint32) *fusewire.Reply {
	oldParent, ok := s.parentOf(hdr)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(oldParent)

	newParent, ok := s.Inodes.Get(newdir)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(newParent)

	if inode.IsReservedName(oldName) || inode.IsReservedName(newName) {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	if err := unix.Renameat2(oldParent.FD, oldName, newParent.FD, newName, flags); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.NewReply(hdr.Unique)
}

// Link implements FUSE_LINK, grounded on lo_link: the source is
// re-resolved via /proc/self/fd/<fd> since linkat with AT_EMPTY_PATH on an
// O_PATH fd requires CAP_DAC_READ_SEARCH, which the reference
// implementation avoids the same way.
func (s *Server) Link(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.LinkIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	name, err := c.CString()
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}

	src, ok := s.Inodes.Get(in.Oldnodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(src)

	newParent, ok := s.parentOf(hdr)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(newParent)

	if inode.IsReservedName(name) {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	if err := unix.Linkat(unix.AT_FDCWD, procSelfFD(src.FD), newParent.FD, name, unix.AT_SYMLINK_FOLLOW); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}

	child, err := s.Inodes.Lookup(newParent, name)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	defer s.Inodes.Put(child)
	return s.replyEntry(hdr, child)
}

// Access implements FUSE_ACCESS via faccessat2 from the requester's
// identity, falling back to a plain faccessat if faccessat2 (Linux 5.8+) is
// unavailable.
func (s *Server) Access(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.AccessIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	n, ok := s.Inodes.Get(hdr.Nodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(n)

	err = s.withCreatorCreds(hdr, func() error {
		return unix.Faccessat(n.FD, "", in.Mask, unix.AT_EMPTY_PATH)
	})
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.NewReply(hdr.Unique)
}

// Statfs implements FUSE_STATFS via fstatfs on the target inode's fd.
func (s *Server) Statfs(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	n, ok := s.Inodes.Get(hdr.Nodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(n)

	var st unix.Statfs_t
	if err := unix.Fstatfs(n.FD, &st); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	out := fusewire.StatfsOut{St: fusewire.Kstatfs{
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Bsize:   uint32(st.Bsize),
		Namelen: uint32(st.Namelen),
		Frsize:  uint32(st.Frsize),
	}}
	return fusewire.Append(fusewire.NewReply(hdr.Unique), out)
}
