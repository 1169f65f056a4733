package mmio

import "testing"

func TestReadWrite32(t *testing.T) {
	s := NewSpace(make([]byte, 16))
	s.Write32(4, 0xDEADBEEF)
	if got := s.Read32(4); got != 0xDEADBEEF {
		t.Fatalf("Read32() = %#x, want 0xDEADBEEF", got)
	}
}

func TestReadWrite16(t *testing.T) {
	s := NewSpace(make([]byte, 16))
	s.Write16(2, 0xBEEF)
	if got := s.Read16(2); got != 0xBEEF {
		t.Fatalf("Read16() = %#x, want 0xBEEF", got)
	}
}

func TestReadWrite8DoesNotTouchNeighbors(t *testing.T) {
	s := NewSpace(make([]byte, 8))
	s.Write32(0, 0xFFFFFFFF)
	s.Write8(1, 0x07)
	if got := s.Read8(0); got != 0xFF {
		t.Fatalf("Read8(0) = %#x, want 0xFF (unaffected by Write8(1))", got)
	}
	if got := s.Read8(2); got != 0xFF {
		t.Fatalf("Read8(2) = %#x, want 0xFF (unaffected by Write8(1))", got)
	}
	if got := s.Read8(1); got != 0x07 {
		t.Fatalf("Read8(1) = %#x, want 0x07", got)
	}
}

func TestSetAndClear(t *testing.T) {
	s := NewSpace(make([]byte, 4))
	s.Set(0, 3)
	if s.Get(0, 3, 1) != 1 {
		t.Fatal("bit 3 not set")
	}
	s.Clear(0, 3)
	if s.Get(0, 3, 1) != 0 {
		t.Fatal("bit 3 not cleared")
	}
}

func TestGetExtractsMultiBitField(t *testing.T) {
	s := NewSpace(make([]byte, 4))
	s.Write32(0, 0b1011<<4)
	if got := s.Get(0, 4, 0b1111); got != 0b1011 {
		t.Fatalf("Get() = %b, want 1011", got)
	}
}
