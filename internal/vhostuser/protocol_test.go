package vhostuser

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := msgHeader{Request: reqSetMemTable, Flags: flagNeedReply, Size: 123}
	got, err := decodeHeader(encodeHeader(h))
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	if _, err := decodeHeader([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error on short header")
	}
}

func TestU64RoundTrip(t *testing.T) {
	v, err := decodeU64(encodeU64(ourFeatures))
	if err != nil {
		t.Fatal(err)
	}
	if v != ourFeatures {
		t.Fatalf("got %#x, want %#x", v, ourFeatures)
	}
}

func TestVringStateRoundTrip(t *testing.T) {
	m := vringStateMsg{Index: 1, Num: 256}
	got, err := decodeVringState(encodeVringState(m))
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestDecodeMemTable(t *testing.T) {
	buf := make([]byte, 8+2*memRegionSize)
	buf[0] = 2 // two regions
	putU64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	putU64(8, 0x1000)    // region 0 guest addr
	putU64(16, 0x2000)   // region 0 size
	putU64(8+32, 0x4000) // region 1 guest addr
	putU64(16+32, 0x1000)

	regions, err := decodeMemTable(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2", len(regions))
	}
	if regions[0].GuestAddr != 0x1000 || regions[0].Size != 0x2000 {
		t.Fatalf("region 0 = %+v", regions[0])
	}
	if regions[1].GuestAddr != 0x4000 || regions[1].Size != 0x1000 {
		t.Fatalf("region 1 = %+v", regions[1])
	}
}

func TestDecodeMemTableShort(t *testing.T) {
	buf := make([]byte, 8)
	buf[0] = 1 // claims one region but no region data follows
	if _, err := decodeMemTable(buf); err == nil {
		t.Fatal("expected error for truncated mem table")
	}
}
