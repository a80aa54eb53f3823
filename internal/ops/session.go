package ops

import (
	"github.com/googlecloudplatform/virtiofsd/internal/fusewire"
)

// InitNegotiation is the outcome of the INIT handshake: the capability bits
// both sides agreed on, which later handlers consult (e.g. whether to honor
// FUSE_WRITEBACK_CACHE semantics on WRITE, or whether POSIX_LOCKS/FLOCK_LOCKS
// requests should even reach internal/plock).
type InitNegotiation struct {
	Major, Minor uint32
	Flags        uint32
	Flags2       uint32
	MaxWrite     uint32
	MaxReadahead uint32
}

// serverCapable is every flag this implementation can honor, ANDed against
// whatever the guest advertises in InitIn.Flags. Grounded on lo_init's
// conn->want assignment in the reference implementation.
func (s *Server) serverCapable() uint32 {
	capable := uint32(fusewire.FUSE_ASYNC_READ |
		fusewire.FUSE_ATOMIC_O_TRUNC |
		fusewire.FUSE_EXPORT_SUPPORT |
		fusewire.FUSE_BIG_WRITES |
		fusewire.FUSE_DO_READDIRPLUS |
		fusewire.FUSE_READDIRPLUS_AUTO |
		fusewire.FUSE_PARALLEL_DIROPS |
		fusewire.FUSE_DONT_MASK |
		fusewire.FUSE_NO_OPEN_SUPPORT)
	if s.Cfg.PosixLock {
		capable |= fusewire.FUSE_POSIX_LOCKS
	}
	if s.Cfg.Flock {
		capable |= fusewire.FUSE_FLOCK_LOCKS
	}
	if s.Cfg.Writeback {
		capable |= fusewire.FUSE_WRITEBACK_CACHE
	}
	return capable
}

// Init handles the FUSE_INIT handshake. It takes the session rwMu for
// writing: no ordinary handler may run concurrently with capability
// negotiation, so INIT and DESTROY always serialize against the rest of
// the dispatcher.
func (s *Server) Init(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	s.rwMu.Lock()
	defer s.rwMu.Unlock()

	in, err := fusewire.Decode[fusewire.InitIn](c)
	if err != nil {
		return fusewire.NewReply(hdr.Unique).Error(errnoOf(err))
	}

	capable := s.serverCapable()
	agreed := in.Flags & capable

	s.Negotiated = InitNegotiation{
		Major:        fusewire.KernelVersion,
		Minor:        fusewire.KernelMinorVersion,
		Flags:        agreed,
		Flags2:       in.Flags2 & (fusewire.FUSE_SECURITY_CTX | fusewire.FUSE_KILLPRIV_V2 | fusewire.FUSE_SETXATTR_EXT),
		MaxWrite:     1 << 20,
		MaxReadahead: in.MaxReadahead,
	}

	out := fusewire.InitOut{
		Major:         fusewire.KernelVersion,
		Minor:         fusewire.KernelMinorVersion,
		MaxReadahead:  in.MaxReadahead,
		Flags:         agreed,
		MaxBackground: 16,
		MaxWrite:      s.Negotiated.MaxWrite,
		TimeGran:      1,
		Flags2:        s.Negotiated.Flags2,
	}
	return fusewire.Append(fusewire.NewReply(hdr.Unique), out)
}

// Destroy tears the session down: every outstanding lookup count is
// released and every open file/dir handle's fd is closed, mirroring
// lo_destroy's forget-everything behavior. It also takes rwMu for writing.
func (s *Server) Destroy(hdr fusewire.InHeader, c *fusewire.Cursor) *fusewire.Reply {
	s.rwMu.Lock()
	defer s.rwMu.Unlock()

	s.filesMu.Lock()
	var liveFiles []uint64
	s.files.ForEach(func(key uint64, f *fileHandle) {
		closeFD(f.fd)
		liveFiles = append(liveFiles, key)
	})
	for _, key := range liveFiles {
		s.files.Remove(key)
	}
	s.filesMu.Unlock()

	s.dirsMu.Lock()
	var liveDirs []uint64
	s.dirs.ForEach(func(key uint64, d *dirHandle) {
		closeFD(d.fd)
		liveDirs = append(liveDirs, key)
	})
	for _, key := range liveDirs {
		s.dirs.Remove(key)
	}
	s.dirsMu.Unlock()

	s.Inodes.Drain()

	return nil // DESTROY has no reply body and is often sent with no reply expected at all
}
