// Package cred implements per-request credential and capability switching.
//
// Grounded on original_source/tools/virtiofsd/passthrough_ll.c's
// lo_change_cred/lo_restore_cred and its process-wide "cap" singleton
// (struct { pthread_mutex_t mutex; capng_... saved; } plus a thread-local
// cap_loaded bool). In Go the singleton becomes an explicit *Snapshot
// created once at startup (before the sandbox drops privileges) and
// threaded into the engine's per-worker constructor, rather than a bare
// package-level global.
package cred

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/moby/sys/capability"
	"golang.org/x/sys/unix"
)

// Request carries the caller identity FUSE attaches to every request's
// in_header.
type Request struct {
	UID uint32
	GID uint32
}

// Saved is the previous credential state, returned by Switch and consumed
// by Restore.
type Saved struct {
	euid uint32
	egid uint32
}

// Switch must run on a goroutine that has called runtime.LockOSThread: the
// underlying setresuid/setresgid calls are per-OS-thread, and mixing them
// with the Go scheduler moving the goroutine to another thread mid-request
// would leak the elevated identity onto unrelated work.
func Switch(req Request) (Saved, error) {
	saved := Saved{euid: uint32(unix.Geteuid()), egid: uint32(unix.Getegid())}

	if err := unix.Setresgid(-1, int(req.GID), -1); err != nil {
		return Saved{}, fmt.Errorf("setresgid(%d): %w", req.GID, err)
	}
	if err := unix.Setresuid(-1, int(req.UID), -1); err != nil {
		// Best-effort rollback of the gid change before surfacing the error;
		// if this also fails the thread is not safely reusable, but we are
		// not yet in the "can't regain root" case Restore guards against
		// since we never lowered uid.
		_ = unix.Setresgid(-1, int(saved.egid), -1)
		return Saved{}, fmt.Errorf("setresuid(%d): %w", req.UID, err)
	}
	return saved, nil
}

// Restore reverses Switch. A failure here means the thread cannot safely
// regain its prior privilege, so the process aborts rather than continue
// at an unknown privilege level.
func Restore(saved Saved) {
	if err := unix.Setresuid(-1, int(saved.euid), -1); err != nil {
		panic(fmt.Sprintf("cred: failed to restore euid %d: %v", saved.euid, err))
	}
	if err := unix.Setresgid(-1, int(saved.egid), -1); err != nil {
		panic(fmt.Sprintf("cred: failed to restore egid %d: %v", saved.egid, err))
	}
}

// Snapshot is the process-wide saved capability set, captured once by
// NewSnapshot. DropFSETID/GainFSETID do not clone per-thread state from it:
// each call loads the calling thread's current capability state (under mu)
// and re-applies it with CAP_FSETID changed.
type Snapshot struct {
	mu   sync.Mutex
	caps capability.Capabilities

	once    sync.Once
	loadErr error
}

// NewSnapshot captures the process's current capability state. Call this
// once at startup, before the sandbox drops any privileges.
func NewSnapshot() (*Snapshot, error) {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return nil, fmt.Errorf("capturing process capability snapshot: %w", err)
	}
	if err := caps.Load(); err != nil {
		return nil, fmt.Errorf("loading process capability snapshot: %w", err)
	}
	return &Snapshot{caps: caps}, nil
}

// apply sets or clears CAP_FSETID in the calling thread's effective set; the
// caller is expected to already be pinned via runtime.LockOSThread. Go has
// no thread-local storage, so DropFSETID/GainFSETID simply re-apply the bit
// each call rather than tracking a per-thread "already loaded" flag — the
// syscall itself is idempotent and cheap relative to a request.
func (s *Snapshot) apply(set bool) error {
	runtime.LockOSThread() // caller is expected to already hold this; cheap if so.

	s.mu.Lock()
	caps, err := capability.NewPid2(0)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := caps.Load(); err != nil {
		return err
	}

	caps.Set(capability.EFFECTIVE, capability.CAP_FSETID)
	if !set {
		caps.Unset(capability.EFFECTIVE, capability.CAP_FSETID)
	}
	return caps.Apply(capability.CAPS)
}

// DropFSETID clears CAP_FSETID in the calling thread's effective set, used
// around WRITE when the request carries "kill priv" so the kernel strips
// suid/sgid bits on write.
func (s *Snapshot) DropFSETID() error { return s.apply(false) }

// GainFSETID restores CAP_FSETID after a DropFSETID-bracketed write.
func (s *Snapshot) GainFSETID() error { return s.apply(true) }
