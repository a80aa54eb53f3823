// Package plock tracks per-inode, per-lock-owner OFD (open file description)
// locks. Grounded on the reference implementation's lo_inode_plock table:
// each (inode, lock-owner) pair gets its own dedicated fd opened on the
// inode so that closing it atomically releases every OFD lock the owner
// held there, regardless of how many individual ranges were locked.
package plock

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrBlockingLockUnsupported is returned for SETLKW: the request engine owns
// the calling goroutine's OS thread and must not park it indefinitely.
var ErrBlockingLockUnsupported = unix.EOPNOTSUPP

// Record is one lock-owner's dedicated fd on an inode.
type Record struct {
	Owner uint64
	FD    int
}

// Table is the per-inode lock-owner → Record map. The zero value is ready
// to use. Table serializes access with its own mutex, so callers need no
// extra lock around a single call.
type Table struct {
	mu      sync.Mutex
	records map[uint64]*Record
}

// AcquireRecord returns the Record for owner on this table, opening a fresh
// RDWR fd via /proc/self/fd/<ifd> if this is the first time owner has
// touched the inode. ifd is the inode's own O_PATH fd.
func (t *Table) AcquireRecord(ifd int, owner uint64) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.records == nil {
		t.records = make(map[uint64]*Record)
	}
	if r, ok := t.records[owner]; ok {
		return r, nil
	}

	fd, err := unix.Open(fmt.Sprintf("/proc/self/fd/%d", ifd), unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("reopening inode fd %d for lock owner %d: %w", ifd, owner, err)
	}

	r := &Record{Owner: owner, FD: fd}
	t.records[owner] = r
	return r, nil
}

// Release closes and forgets owner's record, if any, releasing every OFD
// lock it held on this inode. Called on FLUSH for the flushing lock_owner.
func (t *Table) Release(owner uint64) {
	t.mu.Lock()
	r, ok := t.records[owner]
	if ok {
		delete(t.records, owner)
	}
	t.mu.Unlock()

	if ok {
		_ = unix.Close(r.FD)
	}
}

// ReleaseAll closes every record, used when the inode itself is destroyed.
func (t *Table) ReleaseAll() {
	t.mu.Lock()
	records := t.records
	t.records = nil
	t.mu.Unlock()

	for _, r := range records {
		_ = unix.Close(r.FD)
	}
}

// SetLock performs fcntl(F_OFD_SETLK) on owner's dedicated fd. lockType is
// one of unix.F_RDLCK, F_WRLCK, F_UNLCK.
func SetLock(r *Record, lockType int16, start, length int64, whence int16) error {
	fl := unix.Flock_t{
		Type:   lockType,
		Start:  start,
		Len:    length,
		Whence: whence,
	}
	return unix.FcntlFlock(uintptr(r.FD), unix.F_OFD_SETLK, &fl)
}

// GetLock performs fcntl(F_OFD_GETLK) on owner's dedicated fd, reporting any
// conflicting lock. The reported pid is always 0 (server-opaque), matching
// the reference implementation's behavior for OFD locks, which have no
// meaningful single owning pid.
func GetLock(r *Record, lockType int16, start, length int64, whence int16) (unix.Flock_t, error) {
	fl := unix.Flock_t{
		Type:   lockType,
		Start:  start,
		Len:    length,
		Whence: whence,
	}
	err := unix.FcntlFlock(uintptr(r.FD), unix.F_OFD_GETLK, &fl)
	fl.Pid = 0
	return fl, err
}
