package devicemanager

import (
	"testing"

	"github.com/glenda-project/drivers/capability"
)

func TestGetMMIORoundTrip(t *testing.T) {
	m := New()
	frame, err := capability.NewFrame(0x1000, 0x1000)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	idx := m.AddMMIO(MMIORegion{Frame: frame, Paddr: 0x1000, Size: 0x1000})

	got, err := m.GetMMIO(idx)
	if err != nil {
		t.Fatalf("GetMMIO: %v", err)
	}
	if got.Paddr != 0x1000 || got.Size != 0x1000 {
		t.Fatalf("GetMMIO() = %+v, want Paddr=0x1000 Size=0x1000", got)
	}
}

func TestGetMMIOOutOfRangeRejected(t *testing.T) {
	m := New()
	if _, err := m.GetMMIO(0); err == nil {
		t.Fatal("expected error for an empty device manager")
	}
	m.AddMMIO(MMIORegion{})
	if _, err := m.GetMMIO(-1); err == nil {
		t.Fatal("expected error for a negative index")
	}
	if _, err := m.GetMMIO(1); err == nil {
		t.Fatal("expected error one past the last registered region")
	}
}

func TestGetIRQRoundTrip(t *testing.T) {
	m := New()
	irq := capability.NewIrqCap()
	idx := m.AddIRQ(irq)

	got, err := m.GetIRQ(idx)
	if err != nil {
		t.Fatalf("GetIRQ: %v", err)
	}
	if got != irq {
		t.Fatal("GetIRQ returned a different capability than was registered")
	}
}

func TestGetIRQOutOfRangeRejected(t *testing.T) {
	m := New()
	if _, err := m.GetIRQ(0); err == nil {
		t.Fatal("expected error for an empty device manager")
	}
}

func TestDMAAllocReturnsDistinctGrowingRanges(t *testing.T) {
	m := New()
	paddr1, frame1, err := m.DMAAlloc(1)
	if err != nil {
		t.Fatalf("DMAAlloc: %v", err)
	}
	paddr2, frame2, err := m.DMAAlloc(2)
	if err != nil {
		t.Fatalf("DMAAlloc: %v", err)
	}

	if paddr2 <= paddr1 {
		t.Fatalf("second allocation (%#x) did not advance past the first (%#x)", paddr2, paddr1)
	}
	if paddr2-paddr1 != pageSize {
		t.Fatalf("second allocation started at %#x, want %#x (one page past the first)", paddr2, paddr1+pageSize)
	}
	if frame1.Size() != pageSize {
		t.Fatalf("frame1.Size() = %d, want %d", frame1.Size(), pageSize)
	}
	if frame2.Size() != 2*pageSize {
		t.Fatalf("frame2.Size() = %d, want %d", frame2.Size(), 2*pageSize)
	}
}

func TestDMAAllocRejectsNonPositivePageCount(t *testing.T) {
	m := New()
	if _, _, err := m.DMAAlloc(0); err == nil {
		t.Fatal("expected error for zero pages")
	}
	if _, _, err := m.DMAAlloc(-1); err == nil {
		t.Fatal("expected error for negative pages")
	}
}

func TestMmapRejectsOversizedRequest(t *testing.T) {
	m := New()
	frame, err := capability.NewFrame(0x2000, 0x1000)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if _, err := m.Mmap(frame, 0x2000); err == nil {
		t.Fatal("expected error when requested size exceeds frame size")
	}
	mapped, err := m.Mmap(frame, 0x800)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if len(mapped) != 0x800 {
		t.Fatalf("Mmap() returned %d bytes, want 0x800", len(mapped))
	}
}

func TestMmapRejectsNilFrame(t *testing.T) {
	m := New()
	if _, err := m.Mmap(nil, 0); err == nil {
		t.Fatal("expected error for a nil frame")
	}
}

func TestRegisterLogicAccumulatesDevices(t *testing.T) {
	m := New()
	m.RegisterLogic(LogicDevice{Name: "uart0", Type: "char"})
	m.RegisterLogic(LogicDevice{Name: "blk0", Type: "block"})

	devs := m.Devices()
	if len(devs) != 2 {
		t.Fatalf("Devices() returned %d entries, want 2", len(devs))
	}
	if devs[0].Name != "uart0" || devs[1].Name != "blk0" {
		t.Fatalf("Devices() = %+v, order/content mismatch", devs)
	}
}
