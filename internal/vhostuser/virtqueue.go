package vhostuser

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Split-virtqueue wire layout (virtio 1.x, no VIRTIO_F_RING_PACKED
// negotiated — this device never advertises it): a descriptor table, an
// available ring written by the driver (the guest), and a used ring
// written by the device (us).
const (
	descSize = 16 // addr(8) len(4) flags(2) next(2)

	descFlagNext     = 1
	descFlagWrite    = 2
	descFlagIndirect = 4

	usedElemSize = 8 // id(4) len(4)
)

// element is one popped descriptor chain, split into the guest-readable
// ("out", driver-to-device) and guest-writable ("in", device-to-driver)
// spans the chain covers, translated to host byte slices already. id is
// the head descriptor index, needed to post the chain back on the used
// ring once a reply has been written into the "in" spans.
type element struct {
	id  uint16
	out [][]byte
	in  [][]byte
}

func (e *element) outLen() int {
	n := 0
	for _, b := range e.out {
		n += len(b)
	}
	return n
}

// flatten copies every "out" fragment into one contiguous buffer, matching
// fv_queue_worker's copy_from_iov: the guest can mutate its memory while we
// are still looking at it, so fixed-layout header decoding must work from a
// private copy rather than re-reading guest memory after validating it.
func (e *element) flatten() []byte {
	buf := make([]byte, 0, e.outLen())
	for _, b := range e.out {
		buf = append(buf, b...)
	}
	return buf
}

// virtqueue is one negotiated ring: its guest-memory-backed descriptor
// table/avail/used structures plus the kick (driver-to-device) and call
// (device-to-driver) eventfds. vqLock serializes pop/push against this
// specific queue's rings, matching fv_QueueInfo.vq_lock; the separate,
// engine-wide dispatch rwlock serializes ring access as a whole against
// control-plane messages that swap out the memory table or addresses.
type virtqueue struct {
	index int
	num   int

	mem       *memoryTable
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	kickFD  int
	callFD  int
	errFD   int
	enabled bool

	vqLock    sync.Mutex
	lastAvail uint16
	usedIdx   uint16
}

func newVirtqueue(index int) *virtqueue {
	return &virtqueue{index: index, kickFD: -1, callFD: -1, errFD: -1}
}

func (q *virtqueue) setAddr(mem *memoryTable, a vringAddrMsg) {
	q.mem = mem
	q.descAddr = a.DescUserAddr
	q.usedAddr = a.UsedUserAddr
	q.availAddr = a.AvailUserAddr
}

// desc reads descriptor index i out of the descriptor table.
func (q *virtqueue) desc(i uint16) (addr uint64, length uint32, flags, next uint16, err error) {
	b, err := q.mem.translate(q.descAddr+uint64(i)*descSize, descSize)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	addr = binary.LittleEndian.Uint64(b[0:8])
	length = binary.LittleEndian.Uint32(b[8:12])
	flags = binary.LittleEndian.Uint16(b[12:14])
	next = binary.LittleEndian.Uint16(b[14:16])
	return addr, length, flags, next, nil
}

func (q *virtqueue) availIdx() (uint16, error) {
	b, err := q.mem.translate(q.availAddr+2, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (q *virtqueue) availRingEntry(slot uint16) (uint16, error) {
	off := q.availAddr + 4 + uint64(slot)*2
	b, err := q.mem.translate(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// pop removes the next available descriptor chain, if any, translating
// each descriptor's guest address range into a host byte slice and
// bucketing it as "out" (readable by the device) or "in" (writable by the
// device) per its VRING_DESC_F_WRITE bit.
func (q *virtqueue) pop() (*element, error) {
	q.vqLock.Lock()
	defer q.vqLock.Unlock()

	idx, err := q.availIdx()
	if err != nil {
		return nil, err
	}
	if idx == q.lastAvail {
		return nil, nil
	}

	slot, err := q.availRingEntry(q.lastAvail % uint16(q.num))
	if err != nil {
		return nil, err
	}
	q.lastAvail++

	el := &element{id: slot}
	cur := slot
	for i := 0; i < q.num; i++ { // a malicious/buggy chain can't exceed the ring size
		addr, length, flags, next, err := q.desc(cur)
		if err != nil {
			return nil, err
		}
		if flags&descFlagIndirect != 0 {
			return nil, fmt.Errorf("vhostuser: indirect descriptors not supported")
		}
		span, err := q.mem.translate(addr, uint64(length))
		if err != nil {
			return nil, err
		}
		if flags&descFlagWrite != 0 {
			el.in = append(el.in, span)
		} else {
			el.out = append(el.out, span)
		}
		if flags&descFlagNext == 0 {
			return el, nil
		}
		cur = next
	}
	return nil, fmt.Errorf("vhostuser: descriptor chain exceeds ring size %d", q.num)
}

// push records how many bytes of the "in" spans were actually written and
// advances the used ring, mirroring vu_queue_push.
func (q *virtqueue) push(el *element, writtenLen uint32) error {
	q.vqLock.Lock()
	defer q.vqLock.Unlock()

	slotOff := q.usedAddr + 4 + uint64(q.usedIdx%uint16(q.num))*usedElemSize
	b, err := q.mem.translate(slotOff, usedElemSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[0:4], uint32(el.id))
	binary.LittleEndian.PutUint32(b[4:8], writtenLen)

	q.usedIdx++
	idxB, err := q.mem.translate(q.usedAddr+2, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(idxB, q.usedIdx)
	return nil
}

// notify signals the call eventfd, waking the driver's irqfd handler the
// way vu_queue_notify does.
func (q *virtqueue) notify() error {
	if q.callFD < 0 {
		return nil
	}
	return writeEventfd(q.callFD, 1)
}

func writeEventfd(fd int, v uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	_, err := unix.Write(fd, buf)
	return err
}

func readEventfd(fd int) (uint64, error) {
	buf := make([]byte, 8)
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, fmt.Errorf("vhostuser: short eventfd read: %d bytes", n)
	}
	return binary.LittleEndian.Uint64(buf), nil
}
