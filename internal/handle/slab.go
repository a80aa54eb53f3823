// Package handle implements the dense, freelist-backed integer maps used to
// expose inode ids, open-file handles and open-directory handles to the
// guest. Unlike a language dictionary, the keys here are small and
// monotonically reused because they are part of the wire protocol: the
// kernel FUSE ABI carries them back verbatim on every subsequent request, so
// a hash map's scattered key space would work but a slab with a freelist is
// what the reference implementation uses and is what keeps ids small.
package handle

import "fmt"

// slot is in_use XOR a freelist link: either it holds a live payload or it
// points (by index) at the next free slot, mirroring the C union trick in
// the reference implementation's lo_map_elem.
type slot[T any] struct {
	inUse   bool
	payload T
	next    uint64 // valid only when !inUse; 0 means "end of freelist"
}

// Slab is a dense map from small non-negative integer keys to payloads of
// type T. Key 0 is never issued by Alloc; callers that need a reserved key
// (the protocol's root inode id, for example) use Reserve once at startup.
type Slab[T any] struct {
	elems []slot[T] // elems[0] is always unused padding, keys are 1-based
	free  uint64    // head of the freelist, 0 means empty
}

// NewSlab returns an empty slab with its zero slot already reserved.
func NewSlab[T any]() *Slab[T] {
	return &Slab[T]{elems: make([]slot[T], 1)}
}

// Reserve installs payload at exactly key, growing the slab if necessary.
// Used once at startup to pin the root inode to its protocol-mandated id.
func (s *Slab[T]) Reserve(key uint64, payload T) {
	s.growTo(key)
	s.elems[key] = slot[T]{inUse: true, payload: payload}
}

// Alloc installs payload in the first free slot (or a freshly grown one) and
// returns its key.
func (s *Slab[T]) Alloc(payload T) uint64 {
	if s.free == 0 {
		s.elems = append(s.elems, slot[T]{})
		key := uint64(len(s.elems) - 1)
		s.elems[key] = slot[T]{inUse: true, payload: payload}
		return key
	}

	key := s.free
	s.free = s.elems[key].next
	s.elems[key] = slot[T]{inUse: true, payload: payload}
	return key
}

// Get returns the payload at key, or the zero value and false if key is not
// currently allocated.
func (s *Slab[T]) Get(key uint64) (T, bool) {
	var zero T
	if key == 0 || key >= uint64(len(s.elems)) || !s.elems[key].inUse {
		return zero, false
	}
	return s.elems[key].payload, true
}

// Remove frees key, threading it onto the freelist. It is a no-op if key is
// not currently allocated.
func (s *Slab[T]) Remove(key uint64) {
	if key == 0 || key >= uint64(len(s.elems)) || !s.elems[key].inUse {
		return
	}
	var zero T
	s.elems[key] = slot[T]{inUse: false, payload: zero, next: s.free}
	s.free = key
}

// Len reports the number of currently allocated (in-use) slots.
func (s *Slab[T]) Len() int {
	n := 0
	for _, e := range s.elems {
		if e.inUse {
			n++
		}
	}
	return n
}

// ForEach calls fn for every currently allocated key/payload pair, in key
// order. fn must not call Alloc/Remove/Reserve on s while iterating.
func (s *Slab[T]) ForEach(fn func(key uint64, payload T)) {
	for key, e := range s.elems {
		if e.inUse {
			fn(uint64(key), e.payload)
		}
	}
}

func (s *Slab[T]) growTo(key uint64) {
	for uint64(len(s.elems)) <= key {
		s.elems = append(s.elems, slot[T]{})
	}
}

func (s *Slab[T]) String() string {
	return fmt.Sprintf("slab{len=%d cap=%d}", s.Len(), len(s.elems))
}
