package vhostuser

import (
	"encoding/binary"
	"testing"
)

// layoutQueue lays out a descriptor table, avail ring and used ring (each
// sized for numDesc entries) plus a data area, all inside one guest memory
// region backed by an anonymous fd, and returns a virtqueue wired to it.
func layoutQueue(t *testing.T, numDesc int) (*virtqueue, *memoryTable, uint64) {
	t.Helper()

	descOff := uint64(0)
	availOff := descOff + uint64(numDesc)*descSize
	usedOff := availOff + 4 + uint64(numDesc)*2
	dataOff := usedOff + 4 + uint64(numDesc)*usedElemSize
	total := int(dataOff) + 4096

	fd := anonMemFD(t, total)
	mt, err := setMemTable([]memRegion{{GuestAddr: 0, Size: uint64(total)}}, []int{fd})
	if err != nil {
		t.Fatalf("setMemTable: %v", err)
	}
	t.Cleanup(mt.unmapAll)

	q := newVirtqueue(0)
	q.mem = mt
	q.num = numDesc
	q.descAddr = descOff
	q.availAddr = availOff
	q.usedAddr = usedOff

	return q, mt, dataOff
}

func putDesc(t *testing.T, mt *memoryTable, q *virtqueue, idx uint16, addr uint64, length uint32, flags, next uint16) {
	t.Helper()
	b, err := mt.translate(q.descAddr+uint64(idx)*descSize, descSize)
	if err != nil {
		t.Fatal(err)
	}
	binary.LittleEndian.PutUint64(b[0:8], addr)
	binary.LittleEndian.PutUint32(b[8:12], length)
	binary.LittleEndian.PutUint16(b[12:14], flags)
	binary.LittleEndian.PutUint16(b[14:16], next)
}

func setAvail(t *testing.T, mt *memoryTable, q *virtqueue, idx uint16, ring ...uint16) {
	t.Helper()
	b, err := mt.translate(q.availAddr, 4+uint64(len(ring))*2)
	if err != nil {
		t.Fatal(err)
	}
	binary.LittleEndian.PutUint16(b[0:2], 0) // flags
	binary.LittleEndian.PutUint16(b[2:4], idx)
	for i, v := range ring {
		binary.LittleEndian.PutUint16(b[4+i*2:6+i*2], v)
	}
}

func TestVirtqueuePopPushSingleDescriptor(t *testing.T) {
	q, mt, dataOff := layoutQueue(t, 4)

	payload := []byte("hello")
	span, err := mt.translate(dataOff, uint64(len(payload)))
	if err != nil {
		t.Fatal(err)
	}
	copy(span, payload)

	putDesc(t, mt, q, 0, dataOff, uint32(len(payload)), 0, 0)
	setAvail(t, mt, q, 1, 0)

	el, err := q.pop()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if el == nil {
		t.Fatal("pop returned nil element")
	}
	if el.id != 0 {
		t.Fatalf("id = %d, want 0", el.id)
	}
	if got := el.flatten(); string(got) != "hello" {
		t.Fatalf("flatten = %q, want %q", got, "hello")
	}
	if len(el.in) != 0 {
		t.Fatalf("expected no writable spans, got %d", len(el.in))
	}

	if el2, err := q.pop(); err != nil || el2 != nil {
		t.Fatalf("second pop should be empty, got %+v, err %v", el2, err)
	}

	if err := q.push(el, 5); err != nil {
		t.Fatalf("push: %v", err)
	}
	usedIdxB, err := mt.translate(q.usedAddr+2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint16(usedIdxB) != 1 {
		t.Fatalf("used idx = %d, want 1", binary.LittleEndian.Uint16(usedIdxB))
	}

	if err := q.notify(); err != nil {
		t.Fatalf("notify with no callFD: %v", err)
	}
}

func TestVirtqueuePopChainedDescriptors(t *testing.T) {
	q, mt, dataOff := layoutQueue(t, 4)

	out := []byte("abc")
	in := make([]byte, 3)
	outSpan, _ := mt.translate(dataOff, 3)
	copy(outSpan, out)

	putDesc(t, mt, q, 0, dataOff, 3, descFlagNext, 1)
	putDesc(t, mt, q, 1, dataOff+16, uint32(len(in)), descFlagWrite, 0)
	setAvail(t, mt, q, 1, 0)

	el, err := q.pop()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(el.out) != 1 || len(el.in) != 1 {
		t.Fatalf("el = %+v", el)
	}
	if string(el.out[0]) != "abc" {
		t.Fatalf("out span = %q", el.out[0])
	}
	copy(el.in[0], "xyz")

	check, err := mt.translate(dataOff+16, 3)
	if err != nil {
		t.Fatal(err)
	}
	if string(check) != "xyz" {
		t.Fatalf("in span not reflected in guest memory: %q", check)
	}
}

func TestVirtqueuePopRejectsIndirect(t *testing.T) {
	q, mt, dataOff := layoutQueue(t, 4)
	putDesc(t, mt, q, 0, dataOff, 16, descFlagIndirect, 0)
	setAvail(t, mt, q, 1, 0)

	if _, err := q.pop(); err == nil {
		t.Fatal("expected error for indirect descriptor")
	}
}

func TestWriteIovecInto(t *testing.T) {
	dst := [][]byte{make([]byte, 3), make([]byte, 3)}
	src := [][]byte{[]byte("he"), []byte("llo!")}

	n, err := writeIovecInto(dst, src)
	if err != nil {
		t.Fatalf("writeIovecInto: %v", err)
	}
	if n != 6 {
		t.Fatalf("n = %d, want 6", n)
	}
	if string(dst[0]) != "hel" || string(dst[1][:3]) != "lo!" {
		t.Fatalf("dst = %q %q", dst[0], dst[1])
	}
}

func TestWriteIovecIntoOverflow(t *testing.T) {
	dst := [][]byte{make([]byte, 2)}
	src := [][]byte{[]byte("too long")}
	if _, err := writeIovecInto(dst, src); err == nil {
		t.Fatal("expected overflow error")
	}
}
