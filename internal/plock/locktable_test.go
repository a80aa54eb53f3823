package plock

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestAcquireRecordReusesPerOwner(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "plock")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var tbl Table
	r1, err := tbl.AcquireRecord(int(f.Fd()), 7)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := tbl.AcquireRecord(int(f.Fd()), 7)
	if err != nil {
		t.Fatal(err)
	}
	if r1 != r2 {
		t.Fatalf("expected the same record fd to be reused for one owner")
	}

	r3, err := tbl.AcquireRecord(int(f.Fd()), 8)
	if err != nil {
		t.Fatal(err)
	}
	if r3.FD == r1.FD {
		t.Fatalf("distinct owners must get distinct fds")
	}

	tbl.ReleaseAll()
}

func TestSetAndGetLockRoundTrip(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "plock")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(4096); err != nil {
		t.Fatal(err)
	}

	var tbl Table
	r, err := tbl.AcquireRecord(int(f.Fd()), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.ReleaseAll()

	if err := SetLock(r, unix.F_WRLCK, 0, 0, unix.SEEK_SET); err != nil {
		t.Fatalf("SetLock: %v", err)
	}

	fl, err := GetLock(r, unix.F_WRLCK, 0, 0, unix.SEEK_SET)
	if err != nil {
		t.Fatalf("GetLock: %v", err)
	}
	if fl.Pid != 0 {
		t.Fatalf("GetLock pid = %d, want 0 (server-opaque)", fl.Pid)
	}

	tbl.Release(1)
	fl2, err := GetLock(r, unix.F_WRLCK, 0, 0, unix.SEEK_SET)
	_ = fl2
	if err == nil {
		t.Fatalf("GetLock on a closed record's fd should fail")
	}
}
