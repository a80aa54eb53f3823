package inode

import (
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Table is the session-wide identity map plus the id map that exposes
// inodes to the guest. A Table's zero value is not usable; build one with
// NewTable.
type Table struct {
	mu sync.Mutex

	byKey map[Key]*Inode
	byID  map[uint64]*Inode
	root  *Inode
	next  uint64 // next id to hand out, monotonic (no freelist: ids are also
	// GC roots for the lookup count, reusing them early would let a stale
	// FORGET from the guest hit a different live inode)
}

// NewTable creates a table whose root inode wraps rootFD (an O_PATH fd on
// the exported directory opened by the caller) and is pinned to RootID. The
// root is never evicted: Forget on RootID is accepted but never reaches
// zero.
func NewTable(rootFD int, key Key, mode uint32) *Table {
	root := &Inode{
		ID:   RootID,
		FD:   rootFD,
		Key:  key,
		Type: classify(mode),
	}
	// The root is referenced forever by construction, not by a lookup count
	// that could reach zero; we still set lookup=1 so String()/debugging
	// output looks like every other inode's.
	root.lookup.n = 1
	root.refcount = 1

	return &Table{
		byKey: map[Key]*Inode{key: root},
		byID:  map[uint64]*Inode{RootID: root},
		root:  root,
		next:  RootID + 1,
	}
}

// IsReservedName reports whether name is a path component FUSE handlers
// must reject outright: an embedded slash, or "." / "..". Table.Lookup
// applies it too, so "." and ".." are rejected there as well; only ".." on
// the root is resolved, by LookupDotDot.
func IsReservedName(name string) bool {
	return strings.Contains(name, "/") || name == "." || name == ".."
}

// Lookup resolves name under parent, opening it with O_PATH|O_NOFOLLOW and
// consulting the identity table on the resulting (dev,ino). On a cache hit
// the probe fd is closed and the existing inode's lookup count is bumped;
// on a miss a new Inode is installed with lookup=1, refcount=2 (one for the
// caller, one owned by the table's lookup-count reference).
//
// The caller is responsible for releasing the returned Inode with Put when
// done, exactly as for a hit.
func (t *Table) Lookup(parent *Inode, name string) (*Inode, error) {
	if IsReservedName(name) {
		return nil, unix.EINVAL
	}

	probeFD, err := unix.Openat(parent.FD, name, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstatat(probeFD, "", &st, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW); err != nil {
		_ = unix.Close(probeFD)
		return nil, err
	}
	key := Key{Dev: uint64(st.Dev), Ino: st.Ino}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byKey[key]; ok {
		_ = unix.Close(probeFD)
		existing.Get()
		existing.incLookup()
		return existing, nil
	}

	n := &Inode{
		ID:   t.allocID(),
		FD:   probeFD,
		Key:  key,
		Type: classify(st.Mode),
	}
	n.lookup.n = 1
	n.refcount = 2

	t.byKey[key] = n
	t.byID[n.ID] = n
	return n, nil
}

// LookupDotDot implements the root-escape guard: ".." on the root resolves
// to the root itself rather than the host parent directory. For any other
// directory it returns nil; Table.Lookup rejects ".." with EINVAL, so ".."
// below the root is not resolved.
func (t *Table) LookupDotDot(parent *Inode) *Inode {
	if parent.ID == RootID {
		t.mu.Lock()
		t.root.Get()
		t.root.incLookup()
		t.mu.Unlock()
		return t.root
	}
	return nil
}

// Get resolves id to its Inode, bumping the reference counter. The zero
// value (false) is returned if id is unknown, which FUSE handlers must
// treat as ENOENT/EIO for framing purposes.
func (t *Table) Get(id uint64) (*Inode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	n.Get()
	return n, true
}

// Put releases one reference obtained from Get or Lookup. If the reference
// counter reaches zero and the inode has already been evicted by Forget
// (lookup count at zero), the inode's resources are released here: the
// destructor fires only once both the lookup count and the reference
// count have reached zero.
func (t *Table) Put(n *Inode) {
	if n.Put() > 0 {
		return
	}
	t.destroyIfEvicted(n)
}

// Forget subtracts count from id's lookup counter. If it reaches zero the
// inode is removed from both maps immediately; its fd and lock table are
// released once the reference counter also reaches zero (which may be
// immediately, if no handler currently holds it).
//
// Forget on RootID is accepted and discarded: the root's lookup counter
// must never trigger its destructor.
func (t *Table) Forget(id uint64, count uint64) {
	if id == RootID {
		return
	}

	t.mu.Lock()
	n, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	zero := n.decLookup(count)
	if zero {
		delete(t.byID, id)
		delete(t.byKey, n.Key)
	}
	t.mu.Unlock()

	if zero {
		t.Put(n) // drop the reference owned by the lookup count
	}
}

// destroyIfEvicted closes n's fd and lock records iff n is no longer
// reachable from either map (i.e. it was evicted by Forget) and no
// reference remains. Put calls it whenever the reference counter reaches
// zero; Forget and Drain reach it through Put when they drop the reference
// owned by the lookup count.
func (t *Table) destroyIfEvicted(n *Inode) {
	t.mu.Lock()
	_, stillKeyed := t.byKey[n.Key]
	t.mu.Unlock()

	if stillKeyed || n.refs() > 0 {
		return
	}

	n.Locks.ReleaseAll()
	_ = unix.Close(n.FD)
}

// Drain releases every outstanding lookup count, used by DESTROY and by a
// re-INIT that must first tear down a prior session's state. It does not
// touch the root.
func (t *Table) Drain() {
	t.mu.Lock()
	victims := make([]*Inode, 0, len(t.byID))
	for id, n := range t.byID {
		if id == RootID {
			continue
		}
		victims = append(victims, n)
	}
	for _, n := range victims {
		delete(t.byID, n.ID)
		delete(t.byKey, n.Key)
	}
	t.mu.Unlock()

	for _, n := range victims {
		t.Put(n) // drop the reference owned by the lookup count
	}
}

// Len reports the number of live inodes, including the root. Used by tests
// asserting "after DESTROY, the inode table is empty" (root excluded).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Root returns the table's pinned root inode without adjusting any
// refcount; callers that hand it to a long-lived structure must Get() it
// explicitly.
func (t *Table) Root() *Inode {
	return t.root
}

func (t *Table) allocID() uint64 {
	id := t.next
	t.next++
	return id
}
