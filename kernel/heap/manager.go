package heap

import "corekernel/kernel"

// Manager routes an allocation request to the pageable heap, the
// non-pageable heap, or the emergency pool, based on its flags (spec.md
// §4.3: "blocks may live in a pageable or non-pageable heap" plus the
// no-fault emergency pool).
type Manager struct {
	Pageable    *Heap
	NonPageable *Heap
	Emergency   *Heap
}

// NewManager builds the three heaps a kernel needs: two that grow by
// requesting pages from provider (one pageable, one locked) and one
// fixed-size emergency pool that can never fault.
func NewManager(provider PageProvider, emergencyBytes uintptr) *Manager {
	return &Manager{
		Pageable:    New(provider, true),
		NonPageable: New(provider, false),
		Emergency:   NewEmergencyPool(emergencyBytes),
	}
}

// Alloc picks the heap implied by flags and allocates from it.
func (m *Manager) Alloc(size uintptr, flags Flag) (uintptr, *kernel.Error) {
	switch {
	case flags&FlagNoFault != 0:
		return m.Emergency.Alloc(size, flags)
	case flags&FlagPageable != 0:
		return m.Pageable.Alloc(size, flags)
	default:
		return m.NonPageable.Alloc(size, flags)
	}
}

// Free locates which of the three heaps owns addr and frees it there.
// Freeing an address no heap recognizes is a contract violation.
func (m *Manager) Free(addr uintptr) {
	for _, h := range []*Heap{m.Pageable, m.NonPageable, m.Emergency} {
		if h.Owns(addr) {
			h.Free(addr)
			return
		}
	}
	kernel.Panic(kernel.PanicDoubleFree, "heap.Manager.Free: address is not owned by any managed heap")
}

// Realloc locates which heap owns addr and reallocates it there.
func (m *Manager) Realloc(addr uintptr, newSize uintptr) (uintptr, *kernel.Error) {
	for _, h := range []*Heap{m.Pageable, m.NonPageable, m.Emergency} {
		if h.Owns(addr) {
			return h.Realloc(addr, newSize)
		}
	}
	return 0, kernel.ErrInvalid.WithMessage("heap", "Realloc: address is not owned by any managed heap")
}
