package vmm

import (
	"fmt"
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/archshim"
	"corekernel/kernel/driverabi"
	"corekernel/kernel/kfmt"
	ksync "corekernel/kernel/sync"
)

// permitsAccess reports whether flags' logical permission bits allow an
// access of the given kind. This is checked against the mapping's
// intended permissions, not the arch PTE's current bits, since a COW
// entry is deliberately mapped read-only at the arch level even though
// its logical Write bit is set.
func permitsAccess(flags Flag, access AccessKind) bool {
	switch access {
	case AccessRead:
		return flags&Read != 0
	case AccessWrite:
		return flags&Write != 0
	case AccessExec:
		return flags&Exec != 0
	}
	return false
}

// Fault implements spec.md §4.5's fault dispatcher.
func (m *Manager) Fault(vas *VAS, virt uintptr, access AccessKind) *kernel.Error {
	lock, listPtr := m.listFor(vas, true)
	lock.Acquire()
	e, _ := findEntry(*listPtr, virt)
	if e == nil {
		lock.Release()
		lock, listPtr = m.listFor(vas, false)
		lock.Acquire()
		e, _ = findEntry(*listPtr, virt)
	}
	if e == nil || !permitsAccess(e.flags, access) {
		lock.Release()
		return kernel.ErrAccess.WithMessage("vmm", "unhandled page fault")
	}

	idx := e.pageIndex(virt)
	ps := &e.pageStates[idx]
	resident, cow := ps.resident, ps.cow
	lock.Release()

	switch {
	case resident && cow && access == AccessWrite:
		return m.resolveCOW(vas, e, idx)
	case !resident:
		return m.populatePage(vas, e, idx)
	default:
		return nil
	}
}

// populatePage brings page idx of e resident, coalescing concurrent
// faults on the same (vas, page) through a singleflight group instead of
// the hand-rolled "mark load-in-progress, yield, retry" loop spec.md
// describes -- the two are equivalent, singleflight is just the idiomatic
// form of it.
func (m *Manager) populatePage(vas *VAS, e *MappingEntry, idx int) *kernel.Error {
	key := fmt.Sprintf("%p:%d", vas, e.virtStart+uintptr(idx)*PageSize)
	_, err, _ := m.sf.Do(key, func() (interface{}, error) {
		if kerr := m.loadPage(vas, e, idx); kerr != nil {
			return nil, kerr
		}
		return nil, nil
	})
	if err != nil {
		return err.(*kernel.Error)
	}
	return nil
}

func (m *Manager) entryLock(vas *VAS, e *MappingEntry) *ksync.Spinlock {
	lock, _ := m.listFor(vas, e.flags&Local != 0 || e.flags&User != 0)
	return lock
}

// loadPage does the actual resolution work for a not-yet-resident page:
// allocate a frame, fill it from the right source for e's kind, install
// the arch mapping. Called only through populatePage's singleflight group.
func (m *Manager) loadPage(vas *VAS, e *MappingEntry, idx int) *kernel.Error {
	virt := e.virtStart + uintptr(idx)*PageSize
	lock := m.entryLock(vas, e)

	lock.Acquire()
	ps := &e.pageStates[idx]
	if ps.resident {
		lock.Release()
		return nil
	}
	ps.loadInProgress = true
	wasSwapped, swapSlot := ps.swapped, ps.swapSlot
	lock.Release()

	frame, kerr := m.ppa.Alloc()
	if kerr != nil {
		return kerr
	}

	switch e.kind {
	case kindAnonymous:
		if wasSwapped {
			buf := make([]byte, PageSize)
			if err := m.swap.ReadPage(swapSlot, buf); err != nil {
				// spec.md §6: "failure reading swap is fatal (the
				// original page content is irretrievable)" -- this is
				// unconditional, the hard-io-fail exception below only
				// ever applies to ordinary file-backed mappings.
				kernel.Panic(kernel.PanicDiskFailureOnSwap, "vmm: swap read failed: "+err.Error())
			}
			kernel.Memcopy(addrOf(buf), m.mem.Addr(frame.Address()), PageSize)
			m.swap.DeallocSlot(swapSlot)
			lock.Acquire()
			ps.swapped = false
			ps.timesSwapped++
			lock.Release()
		} else {
			kernel.Memset(m.mem.Addr(frame.Address()), 0, PageSize)
		}
	case kindFile:
		buf := make([]byte, PageSize)
		n, err := e.file.Read(e.fileOffset+int64(idx)*PageSize, buf)
		if err != nil && e.flags&HardIOFail != 0 {
			m.ppa.Free(frame.Address())
			kernel.Panic(kernel.PanicUnknown, "vmm: hard-io-fail file read failed: "+err.Error())
		}
		// spec.md §7: "Disk errors on file-backed read-in fill the
		// unread portion of the page with zeros and proceed, matching
		// POSIX semantics for reading past EOF" -- this covers both a
		// short read (n < len(buf), no error) and a genuine read error
		// with no hard-io-fail flag: either way, whatever wasn't read
		// is zeroed rather than failing the fault.
		if n < len(buf) {
			kfmt.Fprintf(vasLogger(vas), "short file read at virt=%x (file offset %d): got %d of %d bytes, zero-filling remainder\n",
				virt, e.fileOffset+int64(idx)*PageSize, n, len(buf))
			for i := n; i < len(buf); i++ {
				buf[i] = 0
			}
		}
		kernel.Memcopy(addrOf(buf), m.mem.Addr(frame.Address()), PageSize)
		if e.reloc != nil && m.resolver != nil {
			base := m.mem.Addr(frame.Address())
			if rerr := driverabi.ApplyRelocations(e.reloc, m.resolver, func(offset, value uintptr, kind driverabi.RelocKind) {
				patchReloc(base, offset, value, kind)
			}); rerr != nil {
				m.ppa.Free(frame.Address())
				return rerr
			}
		}
	}

	lock.Acquire()
	ps.frame = frame
	ps.resident = true
	ps.loadInProgress = false
	lock.Release()
	m.addFrameRef(frame)

	writable := e.flags&Write != 0 && !ps.cow
	return m.arch.AddMapping(vas.arch, archshim.Entry{
		VirtAddr: virt,
		PhysAddr: frame.Address(),
		Pages:    1,
		Read:     e.flags&Read != 0,
		Write:    writable,
		Exec:     e.flags&Exec != 0,
		User:     e.flags&User != 0,
	})
}

// resolveCOW implements the write-fault branch of the COW resolution
// table entry: if this is the last reference to the frame, the copy is
// dropped in place; otherwise a fresh frame is copied and this entry is
// re-pointed to it, decrementing the old frame's reference.
func (m *Manager) resolveCOW(vas *VAS, e *MappingEntry, idx int) *kernel.Error {
	virt := e.virtStart + uintptr(idx)*PageSize
	lock := m.entryLock(vas, e)

	lock.Acquire()
	ps := &e.pageStates[idx]
	oldFrame := ps.frame
	lock.Release()

	if m.frameRefCount(oldFrame) <= 1 {
		lock.Acquire()
		ps.cow = false
		lock.Release()
		return m.arch.UpdateMapping(vas.arch, archshim.Entry{
			VirtAddr: virt, PhysAddr: oldFrame.Address(), Pages: 1,
			Read: true, Write: true, Exec: e.flags&Exec != 0, User: e.flags&User != 0,
		})
	}

	newFrame, kerr := m.ppa.Alloc()
	if kerr != nil {
		return kerr
	}
	buf := make([]byte, PageSize)
	kernel.Memcopy(m.mem.Addr(oldFrame.Address()), addrOf(buf), PageSize)
	kernel.Memcopy(addrOf(buf), m.mem.Addr(newFrame.Address()), PageSize)

	lock.Acquire()
	ps.frame = newFrame
	ps.cow = false
	lock.Release()

	m.addFrameRef(newFrame)
	m.dropFrameRef(oldFrame)

	return m.arch.AddMapping(vas.arch, archshim.Entry{
		VirtAddr: virt, PhysAddr: newFrame.Address(), Pages: 1,
		Read: true, Write: true, Exec: e.flags&Exec != 0, User: e.flags&User != 0,
	})
}

// patchReloc writes a resolved relocation value into the page that was
// just brought in, at base+offset.
func patchReloc(base uintptr, offset uintptr, value uintptr, kind driverabi.RelocKind) {
	p := (*uintptr)(unsafe.Pointer(base + offset))
	switch kind {
	case driverabi.RelocAbsolute:
		*p = value
	case driverabi.RelocRelative:
		*p = value - (base + offset)
	}
}
