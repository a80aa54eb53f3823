package handle

import "testing"

func TestAllocReusesFreedSlots(t *testing.T) {
	s := NewSlab[string]()

	a := s.Alloc("a")
	b := s.Alloc("b")
	if a == 0 || b == 0 {
		t.Fatalf("Alloc must never hand out key 0, got a=%d b=%d", a, b)
	}

	s.Remove(a)
	c := s.Alloc("c")
	if c != a {
		t.Fatalf("expected freed slot %d to be reused, got %d", a, c)
	}

	if _, ok := s.Get(a); !ok {
		t.Fatalf("Get(%d) should see the reused payload", a)
	}
	if v, _ := s.Get(a); v != "c" {
		t.Fatalf("Get(%d) = %q, want %q", a, v, "c")
	}
	if _, ok := s.Get(b); !ok {
		t.Fatalf("Get(%d) for never-removed key should still succeed", b)
	}
}

func TestReservePinsKey(t *testing.T) {
	s := NewSlab[int]()
	s.Reserve(1, 42)

	v, ok := s.Get(1)
	if !ok || v != 42 {
		t.Fatalf("Get(1) = (%v, %v), want (42, true)", v, ok)
	}

	// A subsequent Alloc must not collide with the reserved key.
	k := s.Alloc(7)
	if k == 1 {
		t.Fatalf("Alloc collided with reserved key 1")
	}
}

func TestRemoveUnknownKeyIsNoop(t *testing.T) {
	s := NewSlab[int]()
	s.Remove(99) // must not panic
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

func TestGetZeroKeyAlwaysMisses(t *testing.T) {
	s := NewSlab[int]()
	s.Alloc(1)
	if _, ok := s.Get(0); ok {
		t.Fatalf("Get(0) should never succeed; slot 0 is reserved padding")
	}
}
