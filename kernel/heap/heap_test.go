package heap

import (
	"testing"

	"corekernel/kernel"
)

// fakeProvider hands out sequential, ever-increasing virtual offsets, so
// every batch it returns is contiguous with the one before it. The heap
// only links blocks as neighbours within one batch, so coalescing never
// crosses a batch boundary even though the addresses are adjacent.
type fakeProvider struct {
	next     uintptr
	released []uintptr
}

func (p *fakeProvider) AcquirePages(n uintptr) (uintptr, *kernel.Error) {
	addr := p.next
	p.next += n * PageSize
	return addr, nil
}

func (p *fakeProvider) ReleasePages(addr uintptr, n uintptr) {
	p.released = append(p.released, addr)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	h := New(&fakeProvider{}, true)
	// Keep both physical neighbours of addr allocated, so Free has nothing
	// to coalesce it with and puts it back on its free list unchanged.
	h.Alloc(64, 0)
	addr, err := h.Alloc(64, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	h.Alloc(64, 0)
	h.Free(addr)

	addr2, err := h.Alloc(64, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr2 != addr {
		t.Fatalf("expected the freed block to be reused, got a different address")
	}
}

func TestAllocDistinctBlocksDoNotOverlap(t *testing.T) {
	h := New(&fakeProvider{}, true)
	seen := map[uintptr]bool{}
	for i := 0; i < 20; i++ {
		addr, err := h.Alloc(32, 0)
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		if seen[addr] {
			t.Fatalf("address %d allocated twice", addr)
		}
		seen[addr] = true
	}
}

func TestFreeOfUnallocatedAddressPanics(t *testing.T) {
	h := New(&fakeProvider{}, true)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing an address the heap never allocated")
		}
	}()
	h.Free(0xdead)
}

func TestDoubleFreePanics(t *testing.T) {
	h := New(&fakeProvider{}, true)
	addr, _ := h.Alloc(32, 0)
	h.Free(addr)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	h.Free(addr)
}

func TestLargeAllocationReturnsDedicatedRun(t *testing.T) {
	p := &fakeProvider{}
	h := New(p, true)

	big := sizeClasses[len(sizeClasses)-1] + 1
	addr, err := h.Alloc(big, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	h.Free(addr)
	if len(p.released) != 1 {
		t.Fatalf("expected the large run to be released back to the provider, got %d releases", len(p.released))
	}
}

func TestReallocInPlaceWhenShrinking(t *testing.T) {
	h := New(&fakeProvider{}, true)
	addr, _ := h.Alloc(200, 0)
	addr2, err := h.Realloc(addr, 50)
	if err != nil {
		t.Fatalf("Realloc: %v", err)
	}
	if addr2 != addr {
		t.Fatalf("shrinking Realloc should keep the same address")
	}
}

func TestReallocGrowingCopiesWhenNoNeighbourAvailable(t *testing.T) {
	h := New(&fakeProvider{}, true)
	a, _ := h.Alloc(16, 0)
	b, _ := h.Alloc(16, 0) // sits just below a; a is the top block of its batch, so nothing follows it

	grown, err := h.Realloc(a, 4096)
	if err != nil {
		t.Fatalf("Realloc: %v", err)
	}
	if grown == a {
		t.Fatal("expected Realloc to move the block since no free block follows it")
	}
	h.Free(b)
	h.Free(grown)
}

func TestCoalescingMergesFreedNeighbours(t *testing.T) {
	h := New(&fakeProvider{}, true)
	a, _ := h.Alloc(16, 0)
	b, _ := h.Alloc(16, 0)

	h.Free(a)
	h.Free(b)

	// After freeing both class-16 neighbours they should have merged into
	// one block big enough to serve a larger allocation without growing.
	p := h.provider.(*fakeProvider)
	before := p.next

	_, err := h.Alloc(32, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if p.next != before {
		t.Fatal("expected the merged free block to satisfy the allocation without growing the arena")
	}
}

func TestManagerRoutesByFlags(t *testing.T) {
	m := NewManager(&fakeProvider{}, 4096)

	pageableAddr, err := m.Alloc(64, FlagPageable)
	if err != nil {
		t.Fatalf("Alloc(pageable): %v", err)
	}
	if !m.Pageable.Owns(pageableAddr) {
		t.Fatal("FlagPageable allocation should land in the pageable heap")
	}

	lockedAddr, err := m.Alloc(64, 0)
	if err != nil {
		t.Fatalf("Alloc(locked): %v", err)
	}
	if !m.NonPageable.Owns(lockedAddr) {
		t.Fatal("default allocation should land in the non-pageable heap")
	}

	noFaultAddr, err := m.Alloc(64, FlagNoFault)
	if err != nil {
		t.Fatalf("Alloc(no-fault): %v", err)
	}
	if !m.Emergency.Owns(noFaultAddr) {
		t.Fatal("FlagNoFault allocation should land in the emergency pool")
	}

	m.Free(pageableAddr)
	m.Free(lockedAddr)
	m.Free(noFaultAddr)
}

func TestEmergencyPoolExhaustion(t *testing.T) {
	m := NewManager(&fakeProvider{}, PageSize)
	var last *kernel.Error
	for i := 0; i < 100_000; i++ {
		_, err := m.Alloc(16, FlagNoFault)
		if err != nil {
			last = err
			break
		}
	}
	if last == nil {
		t.Fatal("expected the emergency pool to eventually run out of space")
	}
}

func TestFreeUnknownToManagerPanics(t *testing.T) {
	m := NewManager(&fakeProvider{}, 4096)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing an address no managed heap owns")
		}
	}()
	m.Free(0xdead)
}
