package irqmgr

import "testing"

func TestMMIORegisterLayout(t *testing.T) {
	window := make([]byte, 0x100)
	regs, err := NewMMIO(window, 0x10)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	if err := regs.RaiseBitmap(0x0000_0005); err != nil {
		t.Fatalf("RaiseBitmap: %v", err)
	}

	// Register 0 sits at base+0, little endian.
	if window[0x10] != 0x05 || window[0x11] != 0 {
		t.Fatalf("raise did not store to register 0: % x", window[0x10:0x14])
	}

	active, err := regs.ReadBitmap()
	if err != nil {
		t.Fatalf("ReadBitmap: %v", err)
	}
	if active != 0x05 {
		t.Fatalf("ReadBitmap = 0x%x, want 0x05", active)
	}

	if err := regs.ClearBitmap(0x05); err != nil {
		t.Fatalf("ClearBitmap: %v", err)
	}
	if window[0x14] != 0x05 {
		t.Fatalf("clear did not store to register 1: % x", window[0x14:0x18])
	}

	count, err := regs.AckCount()
	if err != nil {
		t.Fatalf("AckCount: %v", err)
	}
	if count != 0x05 {
		t.Fatalf("AckCount = 0x%x, want 0x05", count)
	}
}

func TestMMIOBounds(t *testing.T) {
	window := make([]byte, 16)

	if _, err := NewMMIO(window, 2); err == nil {
		t.Fatal("expected error for misaligned base")
	}
	if _, err := NewMMIO(window, 12); err == nil {
		t.Fatal("expected error for base past the window")
	}
	if _, err := NewMMIO(window, 8); err != nil {
		t.Fatalf("NewMMIO at last valid base: %v", err)
	}
}
