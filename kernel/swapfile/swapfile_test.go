package swapfile

import (
	"bytes"
	"os"
	"testing"
)

func openTestFile(t *testing.T, slots uint64) (*File, func()) {
	t.Helper()
	f, err := os.CreateTemp("", "swapfile-test-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if err := f.Truncate(int64(slots) * PageSize); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	fd := int(f.Fd())
	sf := Open(fd, slots)
	return sf, func() {
		f.Close()
		os.Remove(f.Name())
	}
}

func TestAllocDeallocSlotRoundTrip(t *testing.T) {
	sf, cleanup := openTestFile(t, 8)
	defer cleanup()

	s, err := sf.AllocSlot()
	if err != nil {
		t.Fatalf("AllocSlot: %v", err)
	}
	sf.DeallocSlot(s)

	s2, err := sf.AllocSlot()
	if err != nil {
		t.Fatalf("AllocSlot: %v", err)
	}
	if s2 != s {
		t.Fatalf("expected the deallocated slot to be reused")
	}
}

func TestAllocSlotExhaustion(t *testing.T) {
	sf, cleanup := openTestFile(t, 2)
	defer cleanup()

	if _, err := sf.AllocSlot(); err != nil {
		t.Fatalf("AllocSlot: %v", err)
	}
	if _, err := sf.AllocSlot(); err != nil {
		t.Fatalf("AllocSlot: %v", err)
	}
	if _, err := sf.AllocSlot(); err == nil {
		t.Fatal("expected AllocSlot to fail once the swap area is exhausted")
	}
}

func TestDoubleDeallocPanics(t *testing.T) {
	sf, cleanup := openTestFile(t, 4)
	defer cleanup()

	s, _ := sf.AllocSlot()
	sf.DeallocSlot(s)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double dealloc")
		}
	}()
	sf.DeallocSlot(s)
}

func TestWriteReadPageRoundTrip(t *testing.T) {
	sf, cleanup := openTestFile(t, 4)
	defer cleanup()

	s, _ := sf.AllocSlot()
	want := bytes.Repeat([]byte{0x5a}, PageSize)
	if err := sf.WritePage(s, want); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got := make([]byte, PageSize)
	if err := sf.ReadPage(s, got); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("ReadPage did not return the bytes written by WritePage")
	}
}

func TestWritePageRejectsWrongSize(t *testing.T) {
	sf, cleanup := openTestFile(t, 4)
	defer cleanup()

	s, _ := sf.AllocSlot()
	if err := sf.WritePage(s, make([]byte, 10)); err == nil {
		t.Fatal("expected WritePage to reject a buffer that is not exactly one page")
	}
}
