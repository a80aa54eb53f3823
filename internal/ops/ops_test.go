package ops

import (
	"os"
	"testing"
	"time"

	"github.com/googlecloudplatform/virtiofsd/internal/cred"
	"github.com/googlecloudplatform/virtiofsd/internal/fusewire"
	"github.com/googlecloudplatform/virtiofsd/internal/inode"
	"golang.org/x/sys/unix"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()

	rootFD, err := unix.Open(dir, unix.O_PATH|unix.O_DIRECTORY, 0)
	if err != nil {
		t.Fatalf("open root: %v", err)
	}
	var st unix.Stat_t
	if err := unix.Fstatat(rootFD, "", &st, unix.AT_EMPTY_PATH); err != nil {
		t.Fatalf("fstatat root: %v", err)
	}
	table := inode.NewTable(rootFD, inode.Key{Dev: uint64(st.Dev), Ino: st.Ino}, st.Mode)

	creds, err := cred.NewSnapshot()
	if err != nil {
		t.Skipf("capability snapshot unavailable in this sandbox: %v", err)
	}

	s := New(table, creds, Config{Timeout: time.Second, Xattr: true})
	return s, dir
}

// decodeOH decodes a fusewire.OutHeader from the front of buf. Reply never
// exposes a decoder itself (it's a write-only builder), so tests that need
// to inspect what a handler produced decode the raw iovec bytes directly.
func decodeOH(buf []byte) fusewire.OutHeader {
	c := fusewire.NewCursor(0, buf)
	out, err := fusewire.Decode[fusewire.OutHeader](c)
	if err != nil {
		return fusewire.OutHeader{}
	}
	return out
}

func lookupHdr(parent uint64, uid, gid uint32) fusewire.InHeader {
	return fusewire.InHeader{Opcode: uint32(fusewire.OpLookup), Unique: 1, Nodeid: parent, Uid: uid, Gid: gid}
}

func TestLookupFindsHostCreatedDirectory(t *testing.T) {
	s, dir := newTestServer(t)
	if err := os.Mkdir(dir+"/sub", 0o755); err != nil {
		t.Fatal(err)
	}

	body := append([]byte("sub"), 0)
	reply := s.Lookup(lookupHdr(inode.RootID, 0, 0), fusewire.NewCursor(fusewire.OpLookup, body))
	oh := decodeOH(joinIovec(reply))
	if oh.Error != 0 {
		t.Fatalf("lookup error = %d", oh.Error)
	}
}

func joinIovec(r *fusewire.Reply) []byte {
	var all []byte
	for _, b := range r.Iovec() {
		all = append(all, b...)
	}
	return all
}

func TestCreateWriteReadRelease(t *testing.T) {
	s, _ := newTestServer(t)

	createIn := fusewire.CreateIn{Flags: uint32(unix.O_RDWR), Mode: 0o644}
	body := encodeFixed(t, createIn)
	body = append(body, []byte("hello.txt")...)
	body = append(body, 0)
	hdr := fusewire.InHeader{Opcode: uint32(fusewire.OpCreate), Unique: 2, Nodeid: inode.RootID}
	reply := s.Create(hdr, fusewire.NewCursor(fusewire.OpCreate, body))
	raw := joinIovec(reply)
	oh := decodeOH(raw)
	if oh.Error != 0 {
		t.Fatalf("create error = %d", oh.Error)
	}

	rest := raw[fusewire.OutHeaderSize:]
	c := fusewire.NewCursor(fusewire.OpCreate, rest)
	entry, err := fusewire.Decode[fusewire.EntryOut](c)
	if err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	openOut, err := fusewire.Decode[fusewire.OpenOut](c)
	if err != nil {
		t.Fatalf("decode open: %v", err)
	}
	if entry.Nodeid == 0 {
		t.Fatal("expected non-zero nodeid")
	}

	writeIn := fusewire.WriteIn{Fh: openOut.Fh, Offset: 0, Size: 5}
	wbody := encodeFixed(t, writeIn)
	wbody = append(wbody, []byte("world")...)
	whdr := fusewire.InHeader{Opcode: uint32(fusewire.OpWrite), Unique: 3, Nodeid: entry.Nodeid}
	wreply := s.Write(whdr, fusewire.NewCursor(fusewire.OpWrite, wbody))
	wraw := joinIovec(wreply)
	if decodeOH(wraw).Error != 0 {
		t.Fatalf("write error = %d", decodeOH(wraw).Error)
	}

	readIn := fusewire.ReadIn{Fh: openOut.Fh, Offset: 0, Size: 5}
	rbody := encodeFixed(t, readIn)
	rhdr := fusewire.InHeader{Opcode: uint32(fusewire.OpRead), Unique: 4, Nodeid: entry.Nodeid}
	rreply := s.Read(rhdr, fusewire.NewCursor(fusewire.OpRead, rbody))
	rraw := joinIovec(rreply)
	if decodeOH(rraw).Error != 0 {
		t.Fatalf("read error = %d", decodeOH(rraw).Error)
	}
	if got := string(rraw[fusewire.OutHeaderSize:]); got != "world" {
		t.Fatalf("read data = %q, want %q", got, "world")
	}

	relIn := fusewire.ReleaseIn{Fh: openOut.Fh}
	relBody := encodeFixed(t, relIn)
	relHdr := fusewire.InHeader{Opcode: uint32(fusewire.OpRelease), Unique: 5, Nodeid: entry.Nodeid}
	relReply := s.Release(relHdr, fusewire.NewCursor(fusewire.OpRelease, relBody))
	if decodeOH(joinIovec(relReply)).Error != 0 {
		t.Fatal("release failed")
	}
}

func encodeFixed[T any](t *testing.T, v T) []byte {
	t.Helper()
	r := fusewire.NewReply(0)
	fusewire.Append(r, v)
	iov := r.Iovec()
	return iov[1] // skip the synthetic OutHeader Append prepends
}
