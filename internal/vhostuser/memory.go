package vhostuser

import (
	"fmt"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mappedRegion is one guest-memory range, mmap'd from an fd the frontend
// sent us alongside the SET_MEM_TABLE message that described it.
type mappedRegion struct {
	guestAddr uint64
	size      uint64
	hostAddr  uintptr
	mmap      []byte // keeps the mapping alive; unmap releases it
}

// memoryTable is the device's current view of guest memory: every region
// from the most recent SET_MEM_TABLE, sorted by guest address so
// translation can binary-search.
type memoryTable struct {
	regions []mappedRegion
}

// setMemTable replaces the memory table wholesale, matching SET_MEM_TABLE
// semantics (the frontend always resends the complete set, never a delta).
// fds[i] corresponds to regions[i]; the caller has already received them
// via SCM_RIGHTS in the same control message.
func setMemTable(regions []memRegion, fds []int) (*memoryTable, error) {
	if len(regions) != len(fds) {
		return nil, fmt.Errorf("vhostuser: %d regions but %d fds", len(regions), len(fds))
	}
	mt := &memoryTable{regions: make([]mappedRegion, len(regions))}
	for i, r := range regions {
		data, err := unix.Mmap(fds[i], int64(r.MmapOffset), int(r.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		// The fd was only needed to create the mapping; the mapping itself
		// keeps the underlying memory object alive.
		unix.Close(fds[i])
		if err != nil {
			mt.unmapAll()
			return nil, fmt.Errorf("vhostuser: mmap region %d: %w", i, err)
		}
		mt.regions[i] = mappedRegion{
			guestAddr: r.GuestAddr,
			size:      r.Size,
			hostAddr:  uintptr(unsafe.Pointer(&data[0])),
			mmap:      data,
		}
	}
	sort.Slice(mt.regions, func(i, j int) bool { return mt.regions[i].guestAddr < mt.regions[j].guestAddr })
	return mt, nil
}

func (mt *memoryTable) unmapAll() {
	for _, r := range mt.regions {
		if r.mmap != nil {
			unix.Munmap(r.mmap)
		}
	}
}

// translate maps a guest address range onto the host byte slice backing it.
// virtio requires every descriptor to lie entirely within one memory
// region, matching the kernel's own guest-physical-contiguity assumption,
// so this never needs to stitch spans across regions.
func (mt *memoryTable) translate(addr, length uint64) ([]byte, error) {
	idx := sort.Search(len(mt.regions), func(i int) bool {
		return mt.regions[i].guestAddr+mt.regions[i].size > addr
	})
	if idx == len(mt.regions) {
		return nil, fmt.Errorf("vhostuser: address %#x not in any memory region", addr)
	}
	r := mt.regions[idx]
	if addr < r.guestAddr || addr+length > r.guestAddr+r.size {
		return nil, fmt.Errorf("vhostuser: range [%#x, %#x) crosses region bounds", addr, addr+length)
	}
	off := addr - r.guestAddr
	return r.mmap[off : off+length : off+length], nil
}
