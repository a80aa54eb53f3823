package ops

import (
	"github.com/googlecloudplatform/virtiofsd/internal/fusewire"
	"github.com/googlecloudplatform/virtiofsd/internal/plock"
	"golang.org/x/sys/unix"
)

// wireToPosix converts the wire's start/end representation (absolute byte
// offsets, end == ^0 meaning "to EOF") into the start/len pair F_OFD_*LK
// expects.
func wireToPosix(fl fusewire.FileLock) (start, length int64) {
	start = int64(fl.Start)
	if fl.End == ^uint64(0) {
		return start, 0
	}
	return start, int64(fl.End-fl.Start) + 1
}

func posixToWire(fl unix.Flock_t) fusewire.FileLock {
	end := uint64(^uint64(0))
	if fl.Len != 0 {
		end = uint64(fl.Start) + uint64(fl.Len) - 1
	}
	return fusewire.FileLock{
		Start: uint64(fl.Start),
		End:   end,
		Type:  uint32(fl.Type),
		PID:   uint32(fl.Pid),
	}
}

// Getlk implements FUSE_GETLK, grounded on lo_getlk: each (inode,
// lock-owner) pair gets its own dedicated OFD-lock fd via
// internal/plock.AcquireRecord, reused across calls.
func (s *Server) Getlk(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	in, err := fusewire.Decode[fusewire.LkIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	n, ok := s.Inodes.Get(hdr.Nodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(n)

	rec, err := n.Locks.AcquireRecord(n.FD, in.Owner)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}

	start, length := wireToPosix(in.Lk)
	got, err := plock.GetLock(rec, int16(in.Lk.Type), start, length, 0)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.Append(fusewire.NewReply(hdr.Unique), fusewire.LkOut{Lk: posixToWire(got)})
}

// Setlk implements FUSE_SETLK/FUSE_SETLKW. Blocking acquisition (SETLKW) is
// not supported: the worker handling this request owns a virtqueue slot
// and must not park indefinitely waiting on a remote lock, so a blocking
// request is reported as EOPNOTSUPP exactly as the reference
// implementation does.
func (s *Server) Setlk(hdr fusewire.InHeader, c *fusewire.Cursor, blocking bool) *fusewire.Reply {
	if blocking {
		return fusewire.NewReply(hdr.Unique).Error(plock.ErrBlockingLockUnsupported)
	}
	in, err := fusewire.Decode[fusewire.LkIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(unix.EINVAL)
	}
	n, ok := s.Inodes.Get(hdr.Nodeid)
	if !ok {
		return fusewire.NewReply(hdr.Unique).Error(unix.ENOENT)
	}
	defer s.Inodes.Put(n)

	rec, err := n.Locks.AcquireRecord(n.FD, in.Owner)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}

	start, length := wireToPosix(in.Lk)
	if err := plock.SetLock(rec, int16(in.Lk.Type), start, length, 0); err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}
	return fusewire.NewReply(hdr.Unique)
}
