package gpio

import "testing"

func TestSetModeAndWriteReadRoundTrip(t *testing.T) {
	c := New(make([]byte, 8), 8)

	if err := c.SetMode(3, ModeOutput); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := c.Write(3, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	high, err := c.Read(3)
	if err != nil || !high {
		t.Fatalf("Read() = (%v, %v), want (true, nil)", high, err)
	}

	if err := c.Write(3, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	low, err := c.Read(3)
	if err != nil || low {
		t.Fatalf("Read() = (%v, %v), want (false, nil)", low, err)
	}
}

func TestPinsAreIndependent(t *testing.T) {
	c := New(make([]byte, 8), 8)
	c.SetMode(0, ModeOutput)
	c.SetMode(1, ModeOutput)

	c.Write(0, true)
	c.Write(1, false)

	v0, _ := c.Read(0)
	v1, _ := c.Read(1)
	if !v0 || v1 {
		t.Fatalf("pin 0 = %v, pin 1 = %v, want true/false", v0, v1)
	}
}

func TestOutOfRangePinRejected(t *testing.T) {
	c := New(make([]byte, 8), 8)
	if err := c.SetMode(8, ModeOutput); err == nil {
		t.Fatal("expected error for a pin beyond numPins")
	}
	if _, err := c.Read(-1); err == nil {
		t.Fatal("expected error for a negative pin")
	}
}
