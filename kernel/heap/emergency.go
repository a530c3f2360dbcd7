package heap

import "corekernel/kernel"

// fixedProvider is a PageProvider backed by a single statically-reserved
// range handed out by bumping an offset; it never actually shrinks, and
// once exhausted every further AcquirePages call fails. It backs the
// emergency block pool: a Heap grown against it behaves exactly like any
// other Heap, except growth is naturally capped at the reserved size
// instead of reaching out to the VMM (spec.md §4.3's requirement that
// no-fault allocations "must not fault").
type fixedProvider struct {
	next  uintptr
	limit uintptr
}

func (p *fixedProvider) AcquirePages(n uintptr) (uintptr, *kernel.Error) {
	need := n * PageSize
	if p.next+need > p.limit {
		return 0, kernel.ErrNoMem.WithMessage("heap", "emergency pool exhausted")
	}
	addr := p.next
	p.next += need
	return addr, nil
}

func (p *fixedProvider) ReleasePages(addr uintptr, n uintptr) {
	// The emergency pool's reserved range is carved once at boot and
	// never returned to a parent allocator, so there is nothing to do
	// here; individual blocks still coalesce and get reused within the
	// pool via the normal free list.
}

// NewEmergencyPool returns a Heap whose backing storage is a single
// statically-reserved range of sizeBytes, so allocations against it can
// never trigger a VMM fault -- the small emergency block pool spec.md
// §4.3 describes for refilling while pageable code paths are blocked.
func NewEmergencyPool(sizeBytes uintptr) *Heap {
	return New(&fixedProvider{limit: sizeBytes}, false)
}
