// Package inode implements the identity table described in the core spec:
// a map from host (dev, ino) to a long-lived server Inode carrying an
// O_PATH file descriptor and the lookup/reference counter pair that
// together govern its lifetime.
//
// Grounded on the reference C implementation's struct lo_inode / lo_key /
// lo_data.inodes (the identity map itself) and on the teacher's
// fs/inode package for the Go shape of a lookup-counted object (see
// lookup_count.go), adapted from a GCS-object identity to a host
// (dev,ino) identity.
package inode

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/googlecloudplatform/virtiofsd/internal/plock"
)

// RootID is the protocol-mandated id of the exported directory's root,
// matching FUSE_ROOT_ID. Id 0 is never issued and Table hands out other ids
// from RootID+1 upward, so this constant is a stable, human-recognizable
// value.
const RootID uint64 = 1

// FileType is the cached S_IFMT tag taken at discovery time. It replaces
// any run-time "what kind of file is this" dispatch with an explicit field
// set once at lookup.
type FileType uint32

const (
	TypeUnknown FileType = 0
	TypeRegular FileType = 1
	TypeDir     FileType = 2
	TypeSymlink FileType = 3
	TypeOther   FileType = 4 // socket, fifo, device, etc.
)

// Key identifies a host object independent of any path to it.
type Key struct {
	Dev uint64
	Ino uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.Dev, k.Ino)
}

// Inode is one host object discovered through LOOKUP. While reachable from
// a Table, FD stays open and Key matches the host object's identity.
type Inode struct {
	ID   uint64
	FD   int
	Key  Key
	Type FileType

	// refcount is the trusted counter: every temporary holder (a handler
	// mid-flight, or the table's own "owned by lookup count" reference)
	// increments it via Get and decrements it via Put. It is atomic because
	// handlers on different goroutines Put concurrently with no other lock
	// held.
	refcount int64

	// mu guards lookup, which is mutated only while a caller holds the
	// owning Table's mutex (the session-wide structural lock), so this is
	// almost always uncontended.
	mu     sync.Mutex
	lookup lookupCount

	// Locks is the per-(inode,lock-owner) OFD lock table; it has its own
	// internal mutex distinct from mu, kept separate from the
	// table-structural lock so lock operations never contend with
	// lookup/forget traffic on unrelated inodes.
	Locks plock.Table
}

// Get bumps the reference counter. Called under the owning Table's mutex
// whenever a key is resolved to this inode for handler use.
func (n *Inode) Get() {
	atomic.AddInt64(&n.refcount, 1)
}

// Put releases one reference obtained from Get or from table installation.
// It never itself closes the fd: destruction is the Table's job, triggered
// when both counters independently reach zero.
func (n *Inode) Put() int64 {
	return atomic.AddInt64(&n.refcount, -1)
}

func (n *Inode) refs() int64 {
	return atomic.LoadInt64(&n.refcount)
}

// incLookup records one more lookup reply handed to the guest for this
// inode.
func (n *Inode) incLookup() {
	n.mu.Lock()
	n.lookup.inc()
	n.mu.Unlock()
}

// decLookup subtracts n from the lookup counter and reports whether it
// reached zero.
func (n *Inode) decLookup(count uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lookup.dec(count)
}

func classify(mode uint32) FileType {
	switch mode & 0o170000 { // S_IFMT
	case 0o100000: // S_IFREG
		return TypeRegular
	case 0o040000: // S_IFDIR
		return TypeDir
	case 0o120000: // S_IFLNK
		return TypeSymlink
	default:
		return TypeOther
	}
}
