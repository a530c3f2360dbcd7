package vmm

import (
	"corekernel/kernel"
	"corekernel/kernel/archshim"
)

// Fork implements spec.md §4.5's fork: locked mappings are deep-copied
// into the child with a fresh frame and a memcpy; share-on-fork mappings
// are handed to the child still pointing at the same frames, not made
// COW, so writes on either side stay visible to both; everything else
// (including file-backed mappings, a documented limitation until shared
// mappings exist) becomes copy-on-write in both VASes with the shared
// frame's reference count incremented.
func (m *Manager) Fork(src *VAS) (*VAS, *kernel.Error) {
	child, err := m.NewVAS()
	if err != nil {
		return nil, err
	}

	src.lock.Acquire()
	srcEntries := append([]*MappingEntry(nil), src.entries...)
	src.lock.Release()

	for _, e := range srcEntries {
		var clone *MappingEntry
		var kerr *kernel.Error

		switch {
		case e.kind == kindHardware:
			// Device memory is not PPA-owned and is never copied; the
			// child gets its own entry pointing at the same device
			// address, outside the frame reference-counting scheme.
			clone = cloneEntryShell(e)
			clone.pageStates = append([]pageState(nil), e.pageStates...)
		case e.flags&Lock != 0:
			clone, kerr = m.deepCopyEntry(e)
		case e.flags&ShareOnFork != 0:
			clone = m.shareEntry(e)
		default:
			clone = m.cowCloneEntry(e)
			kerr = m.reprotectCOW(src, e)
		}
		if kerr == nil {
			kerr = m.installResidentMappings(child, clone)
		}
		if kerr != nil {
			return nil, kerr
		}

		child.lock.Acquire()
		child.entries = insertSorted(child.entries, clone)
		child.lock.Release()
	}

	return child, nil
}

func cloneEntryShell(e *MappingEntry) *MappingEntry {
	return &MappingEntry{
		virtStart:  e.virtStart,
		pages:      e.pages,
		flags:      e.flags,
		kind:       e.kind,
		file:       e.file,
		fileOffset: e.fileOffset,
		reloc:      e.reloc,
	}
}

// deepCopyEntry allocates a fresh frame and copies the contents of every
// resident page of e, independent of the parent's frames.
func (m *Manager) deepCopyEntry(e *MappingEntry) (*MappingEntry, *kernel.Error) {
	clone := cloneEntryShell(e)
	clone.pageStates = make([]pageState, e.pages)

	for i := range e.pageStates {
		ps := &e.pageStates[i]
		if !ps.resident {
			continue
		}
		newFrame, kerr := m.ppa.Alloc()
		if kerr != nil {
			return nil, kerr
		}
		buf := make([]byte, PageSize)
		kernel.Memcopy(m.mem.Addr(ps.frame.Address()), addrOf(buf), PageSize)
		kernel.Memcopy(addrOf(buf), m.mem.Addr(newFrame.Address()), PageSize)
		clone.pageStates[i] = pageState{resident: true, frame: newFrame}
		m.addFrameRef(newFrame)
	}
	return clone, nil
}

// shareEntry gives the child an entry referencing the exact same frames
// as e, incrementing their reference count, without marking either side
// COW.
func (m *Manager) shareEntry(e *MappingEntry) *MappingEntry {
	clone := cloneEntryShell(e)
	clone.pageStates = append([]pageState(nil), e.pageStates...)
	for i := range clone.pageStates {
		if clone.pageStates[i].resident {
			m.addFrameRef(clone.pageStates[i].frame)
		}
	}
	return clone
}

// cowCloneEntry gives the child an entry referencing the same frames as
// e, marking every resident page COW on both sides and incrementing the
// shared frame's reference count.
func (m *Manager) cowCloneEntry(e *MappingEntry) *MappingEntry {
	clone := cloneEntryShell(e)
	clone.pageStates = append([]pageState(nil), e.pageStates...)
	for i := range clone.pageStates {
		if clone.pageStates[i].resident {
			clone.pageStates[i].cow = true
			e.pageStates[i].cow = true
			m.addFrameRef(clone.pageStates[i].frame)
		}
	}
	return clone
}

// reprotectCOW clears the write bit on every resident page of e in src's
// arch page table, now that those pages are shared COW with a child.
func (m *Manager) reprotectCOW(src *VAS, e *MappingEntry) *kernel.Error {
	for i := range e.pageStates {
		ps := &e.pageStates[i]
		if !ps.resident {
			continue
		}
		virt := e.virtStart + uintptr(i)*PageSize
		if err := m.arch.UpdateMapping(src.arch, archshim.Entry{
			VirtAddr: virt,
			PhysAddr: ps.frame.Address(),
			Pages:    1,
			Read:     e.flags&Read != 0,
			Write:    false,
			Exec:     e.flags&Exec != 0,
			User:     e.flags&User != 0,
		}); err != nil {
			return err
		}
	}
	return nil
}

// installResidentMappings programs the arch page table for every
// currently resident page of e in vas. Non-resident pages are left for
// Fault to bring in on demand.
func (m *Manager) installResidentMappings(vas *VAS, e *MappingEntry) *kernel.Error {
	for i := range e.pageStates {
		ps := &e.pageStates[i]
		if !ps.resident {
			continue
		}
		virt := e.virtStart + uintptr(i)*PageSize
		writable := e.flags&Write != 0 && !ps.cow
		if err := m.arch.AddMapping(vas.arch, archshim.Entry{
			VirtAddr: virt,
			PhysAddr: ps.frame.Address(),
			Pages:    1,
			Read:     e.flags&Read != 0,
			Write:    writable,
			Exec:     e.flags&Exec != 0,
			User:     e.flags&User != 0,
		}); err != nil {
			return err
		}
	}
	return nil
}
