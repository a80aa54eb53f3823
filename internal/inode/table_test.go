package inode

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func openRoot(t *testing.T, dir string) (*Table, func()) {
	t.Helper()
	fd, err := unix.Open(dir, unix.O_PATH|unix.O_DIRECTORY, 0)
	if err != nil {
		t.Fatalf("open root: %v", err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		t.Fatalf("fstat root: %v", err)
	}
	tbl := NewTable(fd, Key{Dev: uint64(st.Dev), Ino: st.Ino}, st.Mode)
	return tbl, func() { _ = unix.Close(fd) }
}

func TestLookupSameFileReturnsSameID(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}

	tbl, cleanup := openRoot(t, dir)
	defer cleanup()

	n1, err := tbl.Lookup(tbl.Root(), "a")
	if err != nil {
		t.Fatalf("Lookup 1: %v", err)
	}
	n2, err := tbl.Lookup(tbl.Root(), "a")
	if err != nil {
		t.Fatalf("Lookup 2: %v", err)
	}
	if n1.ID != n2.ID {
		t.Fatalf("two lookups of the same file got different ids: %d vs %d", n1.ID, n2.ID)
	}

	tbl.Put(n1)
	tbl.Put(n2)
}

func TestLookupRejectsSlashAndDotNames(t *testing.T) {
	dir := t.TempDir()
	tbl, cleanup := openRoot(t, dir)
	defer cleanup()

	for _, name := range []string{"a/b", ".", ".."} {
		if _, err := tbl.Lookup(tbl.Root(), name); err != unix.EINVAL {
			t.Fatalf("Lookup(%q) = %v, want EINVAL", name, err)
		}
	}
}

func TestForgetRemovesInodeWhenBothCountersZero(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	tbl, cleanup := openRoot(t, dir)
	defer cleanup()

	n, err := tbl.Lookup(tbl.Root(), "a")
	if err != nil {
		t.Fatal(err)
	}
	id := n.ID

	// One reference from the caller (the Lookup result itself) still held;
	// forgetting the lookup count alone must not yet free the fd, since
	// refcount > 0 until Put.
	tbl.Forget(id, 1)
	if _, ok := tbl.Get(id); ok {
		t.Fatalf("inode %d should no longer be resolvable by id after Forget", id)
	}

	tbl.Put(n) // drop the caller's own reference

	if unix.Close(n.FD) == nil {
		t.Fatalf("fd %d should already have been closed by destroyIfEvicted", n.FD)
	}
}

func TestRootForgetNeverDestroysRoot(t *testing.T) {
	dir := t.TempDir()
	tbl, cleanup := openRoot(t, dir)
	defer cleanup()

	tbl.Forget(RootID, 1000000)
	if _, ok := tbl.Get(RootID); !ok {
		t.Fatalf("root must remain resolvable regardless of FORGET counts")
	}
}

func TestDrainEmptiesTableExceptRoot(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a", "b", "c"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	tbl, cleanup := openRoot(t, dir)
	defer cleanup()

	for _, name := range []string{"a", "b", "c"} {
		n, err := tbl.Lookup(tbl.Root(), name)
		if err != nil {
			t.Fatal(err)
		}
		tbl.Put(n) // drop the caller ref, leave only the lookup-count ref
	}

	if tbl.Len() != 4 { // 3 + root
		t.Fatalf("Len() = %d, want 4", tbl.Len())
	}

	tbl.Drain()
	if tbl.Len() != 1 {
		t.Fatalf("Len() after Drain = %d, want 1 (root only)", tbl.Len())
	}
	if _, ok := tbl.Get(RootID); !ok {
		t.Fatalf("root must survive Drain")
	}
}
