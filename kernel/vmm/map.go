package vmm

import (
	"corekernel/kernel"
	"corekernel/kernel/archshim"
	"corekernel/kernel/driverabi"
	"corekernel/kernel/pmm"
	"corekernel/kernel/vnode"
)

// validate checks the closed flag-combination rules spec.md §4.5 lists for
// map, independent of any particular virt/phys hint.
func validate(flags Flag, file vnode.Vnode) *kernel.Error {
	if flags&MapHardware != 0 && flags&Lock == 0 {
		return kernel.ErrInvalid.WithMessage("vmm", "map-hardware requires lock")
	}
	if flags&File != 0 && flags&MapHardware != 0 {
		return kernel.ErrInvalid.WithMessage("vmm", "file and map-hardware are mutually exclusive")
	}
	if (flags&File != 0) != (file != nil) {
		return kernel.ErrInvalid.WithMessage("vmm", "file flag must agree with a non-nil file handle")
	}
	if flags&Relocatable != 0 && (flags&File == 0 || flags&User != 0) {
		return kernel.ErrInvalid.WithMessage("vmm", "relocatable requires file and must not be user-accessible")
	}
	if flags&Lock != 0 && flags&ShareOnFork != 0 {
		return kernel.ErrInvalid.WithMessage("vmm", "lock excludes share-on-fork")
	}
	if flags&File != 0 && flags&Write != 0 {
		_, writable := file.Stat()
		if !writable {
			return kernel.ErrAccess.WithMessage("vmm", "write mapping of a read-only file")
		}
	}
	return nil
}

// Map implements spec.md §4.5's map operation.
func (m *Manager) Map(vas *VAS, physHint, virtHint uintptr, pages uintptr, flags Flag, file vnode.Vnode, offset int64, reloc *driverabi.Image) (uintptr, *kernel.Error) {
	if pages == 0 {
		return 0, kernel.ErrInvalid.WithMessage("vmm", "map requires at least one page")
	}
	if err := validate(flags, file); err != nil {
		return 0, err
	}

	local := flags&Local != 0 || flags&User != 0
	lock, listPtr := m.listFor(vas, local)

	lock.Acquire()
	defer lock.Release()

	virt := virtHint
	if virt == 0 || !rangeFree(*listPtr, virt, pages) {
		if flags&FixedVirt != 0 && virt != 0 {
			return 0, kernel.ErrExists.WithMessage("vmm", "fixed-virt range is not available")
		}
		virt = m.reserveVirt(pages)
	}

	e := &MappingEntry{
		virtStart:  virt,
		pages:      pages,
		flags:      flags,
		fileOffset: offset,
		pageStates: make([]pageState, pages),
	}
	switch {
	case flags&MapHardware != 0:
		e.kind = kindHardware
		for i := range e.pageStates {
			e.pageStates[i].frame = pmm.FrameFromAddress(physHint + uintptr(i)*PageSize)
			e.pageStates[i].resident = true
		}
	case flags&File != 0:
		e.kind = kindFile
		e.file = file
		if flags&Relocatable != 0 {
			e.reloc = reloc
		}
	default:
		e.kind = kindAnonymous
	}

	*listPtr = insertSorted(*listPtr, e)

	if flags&MapHardware != 0 {
		if err := m.installArch(vas, e); err != nil {
			*listPtr = removeEntryPtr(*listPtr, e)
			return 0, err
		}
	} else if flags&Lock != 0 {
		// loadPage takes this same list lock, so drop it while populating.
		lock.Release()
		for i := 0; i < int(pages); i++ {
			if err := m.populatePage(vas, e, i); err != nil {
				lock.Acquire()
				*listPtr = removeEntryPtr(*listPtr, e)
				return 0, err
			}
		}
		lock.Acquire()
	}

	return virt, nil
}

func removeEntryPtr(list []*MappingEntry, target *MappingEntry) []*MappingEntry {
	for i, e := range list {
		if e == target {
			return removeAt(list, i)
		}
	}
	return list
}

// reserveVirt hands out the next free range from the bump allocator. Real
// hardware would search existing holes first; spec.md §4.5 only requires
// that map relocate when the hint is unavailable, so a monotonically
// increasing cursor satisfies that without needing a free-range search.
func (m *Manager) reserveVirt(pages uintptr) uintptr {
	m.frameMu.Lock()
	v := m.nextVirt
	m.nextVirt += pages * PageSize
	m.frameMu.Unlock()
	return v
}

// installArch programs the arch page tables for every page of e in one
// shot. Used for hardware mappings, which are resident from the moment
// Map returns.
func (m *Manager) installArch(vas *VAS, e *MappingEntry) *kernel.Error {
	return m.arch.AddMapping(vas.arch, archshim.Entry{
		VirtAddr: e.virtStart,
		PhysAddr: e.pageStates[0].frame.Address(),
		Pages:    e.pages,
		Read:     e.flags&Read != 0,
		Write:    e.flags&Write != 0,
		Exec:     e.flags&Exec != 0,
		User:     e.flags&User != 0,
	})
}

// Unmap implements spec.md §4.5's unmap operation: ref-counts down to
// zero, free the underlying resource, unlink the arch mapping, remove the
// entry.
func (m *Manager) Unmap(vas *VAS, virt uintptr, pages uintptr) *kernel.Error {
	lock, listPtr := m.listFor(vas, true)
	lock.Acquire()
	e, idx := findEntry(*listPtr, virt)
	if e == nil {
		lock.Release()
		lock, listPtr = m.listFor(vas, false)
		lock.Acquire()
		e, idx = findEntry(*listPtr, virt)
	}
	if e == nil {
		lock.Release()
		return kernel.ErrInvalid.WithMessage("vmm", "unmap of an unmapped address")
	}

	if e.kind != kindHardware {
		for i := range e.pageStates {
			ps := &e.pageStates[i]
			if e.kind == kindFile && ps.resident {
				m.writeBackIfDirty(vas, e, i)
			}
			m.releasePage(ps)
		}
	}
	*listPtr = removeAt(*listPtr, idx)
	lock.Release()

	err := m.arch.Unmap(vas.arch, archshim.Entry{VirtAddr: e.virtStart, Pages: e.pages})
	m.arch.FlushTLB(vas.arch)
	return err
}

// writeBackIfDirty flushes a resident file-backed page to its vnode if
// the arch dirty bit is set.
func (m *Manager) writeBackIfDirty(vas *VAS, e *MappingEntry, pageIdx int) {
	virt := e.virtStart + uintptr(pageIdx)*PageSize
	bits, err := m.arch.GetPageUsageBits(vas.arch, virt)
	if err != nil || !bits.Dirty {
		return
	}
	ps := &e.pageStates[pageIdx]
	buf := make([]byte, PageSize)
	kernel.Memcopy(m.mem.Addr(ps.frame.Address()), addrOf(buf), PageSize)
	e.file.Write(e.fileOffset+int64(pageIdx)*PageSize, buf)
}

// SetPermissions implements spec.md §4.5's set_permissions: split the
// containing entry to a single page, apply the change, update the arch
// PTE. Adding write access to a read-only file-backed mapping requires
// the file be writable, except for a relocatable entry receiving loader
// fixups.
func (m *Manager) SetPermissions(vas *VAS, virt uintptr, set, clear Flag, forRelocFixup bool) *kernel.Error {
	lock, listPtr := m.listFor(vas, true)
	lock.Acquire()
	e, idx := findEntry(*listPtr, virt)
	if e == nil {
		lock.Release()
		lock, listPtr = m.listFor(vas, false)
		lock.Acquire()
		e, idx = findEntry(*listPtr, virt)
	}
	defer lock.Release()
	if e == nil {
		return kernel.ErrInvalid.WithMessage("vmm", "set_permissions on an unmapped address")
	}

	single, rest := splitOffPage(e, virt)
	*listPtr = removeAt(*listPtr, idx)
	for _, r := range rest {
		*listPtr = insertSorted(*listPtr, r)
	}

	newFlags := (single.flags | set) &^ clear
	if newFlags&Write != 0 && single.kind == kindFile && !forRelocFixup {
		_, writable := single.file.Stat()
		if !writable {
			*listPtr = insertSorted(*listPtr, single)
			return kernel.ErrAccess.WithMessage("vmm", "cannot add write to a read-only file-backed mapping")
		}
	}
	single.flags = newFlags
	*listPtr = insertSorted(*listPtr, single)

	if single.pageStates[0].resident {
		return m.arch.UpdateMapping(vas.arch, archshim.Entry{
			VirtAddr: single.virtStart,
			PhysAddr: single.pageStates[0].frame.Address(),
			Pages:    1,
			Read:     newFlags&Read != 0,
			Write:    newFlags&Write != 0,
			Exec:     newFlags&Exec != 0,
			User:     newFlags&User != 0,
		})
	}
	return nil
}

// splitOffPage extracts the single page covering virt out of e, returning
// it along with whatever remains of e (zero, one or two entries, for a
// page at an edge or in the middle of e respectively). e itself is
// consumed; callers must not reuse it.
func splitOffPage(e *MappingEntry, virt uintptr) (*MappingEntry, []*MappingEntry) {
	idx := e.pageIndex(virt)
	if e.pages == 1 {
		return e, nil
	}

	single := &MappingEntry{
		virtStart:  e.virtStart + uintptr(idx)*PageSize,
		pages:      1,
		flags:      e.flags,
		kind:       e.kind,
		file:       e.file,
		fileOffset: e.fileOffset + int64(idx)*PageSize,
		reloc:      e.reloc,
		pageStates: []pageState{e.pageStates[idx]},
	}

	var rest []*MappingEntry
	if idx > 0 {
		rest = append(rest, &MappingEntry{
			virtStart:  e.virtStart,
			pages:      uintptr(idx),
			flags:      e.flags,
			kind:       e.kind,
			file:       e.file,
			fileOffset: e.fileOffset,
			reloc:      e.reloc,
			pageStates: append([]pageState(nil), e.pageStates[:idx]...),
		})
	}
	if idx+1 < int(e.pages) {
		rest = append(rest, &MappingEntry{
			virtStart:  e.virtStart + uintptr(idx+1)*PageSize,
			pages:      e.pages - uintptr(idx) - 1,
			flags:      e.flags,
			kind:       e.kind,
			file:       e.file,
			fileOffset: e.fileOffset + int64(idx+1)*PageSize,
			reloc:      e.reloc,
			pageStates: append([]pageState(nil), e.pageStates[idx+1:]...),
		})
	}
	return single, rest
}

// Lock forces the page at virt resident and pins it so eviction skips it.
func (m *Manager) Lock(vas *VAS, virt uintptr) *kernel.Error {
	lock, listPtr := m.listFor(vas, true)
	lock.Acquire()
	e, _ := findEntry(*listPtr, virt)
	if e == nil {
		lock.Release()
		lock, listPtr = m.listFor(vas, false)
		lock.Acquire()
		e, _ = findEntry(*listPtr, virt)
	}
	if e == nil {
		lock.Release()
		return kernel.ErrInvalid.WithMessage("vmm", "lock of an unmapped address")
	}
	e.flags |= Lock
	idx := e.pageIndex(virt)
	resident := e.pageStates[idx].resident
	lock.Release()

	if !resident {
		return m.populatePage(vas, e, idx)
	}
	return nil
}

// Unlock reverses Lock, allowing the page to be evicted again.
func (m *Manager) Unlock(vas *VAS, virt uintptr) *kernel.Error {
	lock, listPtr := m.listFor(vas, true)
	lock.Acquire()
	e, _ := findEntry(*listPtr, virt)
	if e == nil {
		lock.Release()
		lock, listPtr = m.listFor(vas, false)
		lock.Acquire()
		e, _ = findEntry(*listPtr, virt)
	}
	defer lock.Release()
	if e == nil {
		return kernel.ErrInvalid.WithMessage("vmm", "unlock of an unmapped address")
	}
	e.flags &^= Lock
	return nil
}

// heapProvider adapts a VAS into heap.PageProvider: AcquirePages maps a
// fresh locked anonymous range (so the heap never faults on its own
// backing pages) and ReleasePages unmaps it.
type heapProvider struct {
	vas *VAS
}

// HeapProvider returns the heap.PageProvider the kernel-space non-pageable
// and pageable heaps grow against.
func (vas *VAS) HeapProvider() *heapProvider {
	return &heapProvider{vas: vas}
}

func (h *heapProvider) AcquirePages(n uintptr) (uintptr, *kernel.Error) {
	return h.vas.mgr.Map(h.vas, 0, 0, n, Read|Write|Lock, nil, 0, nil)
}

func (h *heapProvider) ReleasePages(addr uintptr, n uintptr) {
	h.vas.mgr.Unmap(h.vas, addr, n)
}
