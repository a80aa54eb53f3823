package vhostuser

import (
	"testing"
	"time"

	"github.com/googlecloudplatform/virtiofsd/internal/cred"
	"github.com/googlecloudplatform/virtiofsd/internal/fusewire"
	"github.com/googlecloudplatform/virtiofsd/internal/inode"
	"github.com/googlecloudplatform/virtiofsd/internal/ops"
	"golang.org/x/sys/unix"
)

func newTestEngine(t *testing.T) *Engine {
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

	server := ops.New(table, creds, ops.Config{Timeout: time.Second})
	return NewEngine(server, 2, 0)
}

// TestEngineProcessElementGetattr drives one descriptor chain end to end:
// a GETATTR request on the root inode is popped off a synthetic virtqueue,
// dispatched through a real ops.Server, and the reply is pushed back onto
// the used ring, the same path queueLoop drives in production.
func TestEngineProcessElementGetattr(t *testing.T) {
	e := newTestEngine(t)
	q, mt, dataOff := layoutQueue(t, 4)
	e.queues[0] = q

	hdr := fusewire.InHeader{Opcode: uint32(fusewire.OpGetattr), Unique: 1, Nodeid: inode.RootID}
	r := fusewire.NewReply(0)
	fusewire.Append(r, hdr)
	var reqBytes []byte
	for _, b := range r.Iovec() {
		reqBytes = append(reqBytes, b...)
	}
	reqBytes = reqBytes[int(fusewire.OutHeaderSize):] // drop the synthetic OutHeader Append prepends

	reqSpan, err := mt.translate(dataOff, uint64(len(reqBytes)))
	if err != nil {
		t.Fatal(err)
	}
	copy(reqSpan, reqBytes)

	const replyCap = 256
	replyOff := dataOff + 2048 // stays within layoutQueue's 4096-byte data area
	replySpan, err := mt.translate(replyOff, replyCap)
	if err != nil {
		t.Fatal(err)
	}

	putDesc(t, mt, q, 0, dataOff, uint32(len(reqBytes)), descFlagNext, 1)
	putDesc(t, mt, q, 1, replyOff, replyCap, descFlagWrite, 0)
	setAvail(t, mt, q, 1, 0)

	el, err := q.pop()
	if err != nil || el == nil {
		t.Fatalf("pop: el=%v err=%v", el, err)
	}

	e.processElement(q, el)

	oh := decodeOutHeaderBytes(replySpan)
	if oh.Error != 0 {
		t.Fatalf("getattr error = %d", oh.Error)
	}

	usedIdxB, err := mt.translate(q.usedAddr+2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if usedIdxB[0] != 1 || usedIdxB[1] != 0 {
		t.Fatalf("used ring not advanced: %v", usedIdxB)
	}
}

func decodeOutHeaderBytes(buf []byte) fusewire.OutHeader {
	c := fusewire.NewCursor(0, buf)
	out, err := fusewire.Decode[fusewire.OutHeader](c)
	if err != nil {
		return fusewire.OutHeader{}
	}
	return out
}
