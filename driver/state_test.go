package driver

import "testing"

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Uninit:   "uninit",
		Armed:    "armed",
		Bufbound: "bufbound",
		Running:  "running",
		Failed:   "failed",
		State(99): "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestSharedBufferDescriptorContains(t *testing.T) {
	d := SharedBufferDescriptor{ClientVaddr: 0x1000, DriverVaddr: 0x8000, PhysAddr: 0x40000000, Size: 0x1000}

	if !d.Contains(0x1000, 0x1000) {
		t.Fatal("expected the full window to be contained")
	}
	if !d.Contains(0x1800, 0x100) {
		t.Fatal("expected a sub-range to be contained")
	}
	if d.Contains(0x1F00, 0x200) {
		t.Fatal("expected a range extending past the window to be rejected")
	}
	if d.Contains(0x0FF0, 0x10) {
		t.Fatal("expected a range starting before the window to be rejected")
	}
}

func TestSharedBufferDescriptorToPhys(t *testing.T) {
	d := SharedBufferDescriptor{ClientVaddr: 0x1000, DriverVaddr: 0x8000, PhysAddr: 0x40000000, Size: 0x1000}
	if got := d.ToPhys(0x1010); got != 0x40000010 {
		t.Fatalf("ToPhys(0x1010) = %#x, want 0x40000010", got)
	}
}

func TestSharedBufferDescriptorToDriverVaddr(t *testing.T) {
	d := SharedBufferDescriptor{ClientVaddr: 0x1000, DriverVaddr: 0x8000, PhysAddr: 0x40000000, Size: 0x1000}
	if got := d.ToDriverVaddr(0x1010); got != 0x8010 {
		t.Fatalf("ToDriverVaddr(0x1010) = %#x, want 0x8010", got)
	}
}

func TestInFlightTableAllocAndTake(t *testing.T) {
	tbl := NewInFlightTable(4)

	if !tbl.Alloc(2, 42) {
		t.Fatal("Alloc on a free slot should succeed")
	}
	if tbl.Alloc(2, 99) {
		t.Fatal("Alloc on an occupied slot should fail")
	}

	entry, ok := tbl.Take(2)
	if !ok || entry.UserData != 42 || entry.Head != 2 {
		t.Fatalf("Take(2) = (%+v, %v), want (UserData=42 Head=2, true)", entry, ok)
	}

	if _, ok := tbl.Take(2); ok {
		t.Fatal("Take on an already-taken slot should fail")
	}
}

func TestInFlightTableTakeMismatchedHeadFails(t *testing.T) {
	tbl := NewInFlightTable(4)
	tbl.Alloc(2, 1)

	// Head 6 maps to the same slot (2 % 4 == 6 % 4) but does not match the
	// entry actually stored there.
	if _, ok := tbl.Take(6); ok {
		t.Fatal("Take with a colliding but mismatched head should fail")
	}
}
