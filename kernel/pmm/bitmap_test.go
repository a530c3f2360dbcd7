package pmm

import "testing"

func TestBitmapSetClearIsSet(t *testing.T) {
	b := newBitmap(130)
	if b.isSet(65) {
		t.Fatal("frame 65 should start clear")
	}
	b.set(65)
	if !b.isSet(65) {
		t.Fatal("frame 65 should be set")
	}
	b.clear(65)
	if b.isSet(65) {
		t.Fatal("frame 65 should be clear again")
	}
}

func TestScanFirstFreeSkipsFullWords(t *testing.T) {
	b := newBitmap(200)
	for f := Frame(0); f < 130; f++ {
		b.set(f)
	}
	f, ok := b.scanFirstFree()
	if !ok || f != 130 {
		t.Fatalf("scanFirstFree = (%d, %v), want (130, true)", f, ok)
	}
}

func TestScanFirstFreeExhausted(t *testing.T) {
	b := newBitmap(8)
	for f := Frame(0); f < 8; f++ {
		b.set(f)
	}
	if _, ok := b.scanFirstFree(); ok {
		t.Fatal("scanFirstFree on a full bitmap should fail")
	}
}

func TestScanRunFindsExactFit(t *testing.T) {
	b := newBitmap(16)
	b.set(0)
	b.set(5)
	f, ok := b.scanRun(4, 1, 0)
	if !ok {
		t.Fatal("expected to find a run of 4")
	}
	if f != 1 {
		t.Fatalf("scanRun found start %d, want 1", f)
	}
}

func TestScanRunRespectsAlignment(t *testing.T) {
	b := newBitmap(16)
	f, ok := b.scanRun(3, 4, 0)
	if !ok || uint64(f)%4 != 0 {
		t.Fatalf("scanRun(align=4) = (%d, %v), want aligned start", f, ok)
	}
}

func TestScanRunRespectsBoundary(t *testing.T) {
	b := newBitmap(16)
	// Force the only gap big enough to sit right across a boundary of 4
	// frames (frames 2..5) and confirm scanRun refuses to return it when a
	// run of 3 would straddle the 4-frame boundary starting at frame 3.
	for _, f := range []Frame{0, 1, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15} {
		b.set(f)
	}
	if _, ok := b.scanRun(3, 0, 4); ok {
		t.Fatal("scanRun should not return a run that crosses a boundary")
	}
}

func TestScanRunNoFit(t *testing.T) {
	b := newBitmap(4)
	for f := Frame(0); f < 4; f++ {
		b.set(f)
	}
	if _, ok := b.scanRun(1, 1, 0); ok {
		t.Fatal("scanRun on a full bitmap should fail")
	}
}
