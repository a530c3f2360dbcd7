// Package vmm implements the L5 virtual memory manager described in
// spec.md §4.5: per-VAS mapping trees plus a global mapping tree, the
// map/unmap/set_permissions/lock/unlock operations, the page fault
// dispatcher, eviction and fork. It sits directly on kernel/pmm (frames),
// kernel/swapfile (the swap backing store), kernel/vnode (file-backed
// mappings) and kernel/archshim (arch page tables), and in turn satisfies
// kernel/heap's PageProvider so the heap grows against real VMM mappings
// instead of a test fake once the two are wired together in cmd/kcore.
package vmm

import (
	"sync"
	"unsafe"

	"golang.org/x/sync/singleflight"

	"corekernel/kernel"
	"corekernel/kernel/archshim"
	"corekernel/kernel/driverabi"
	"corekernel/kernel/irql"
	"corekernel/kernel/pmm"
	"corekernel/kernel/swapfile"
	ksync "corekernel/kernel/sync"
	"corekernel/kernel/vnode"
)

// Flag is a bitmask over the closed flag set spec.md §4.5 defines for map.
type Flag uint32

const (
	Read Flag = 1 << iota
	Write
	Exec
	User
	Lock
	File
	MapHardware
	Local
	FixedVirt
	ShareOnFork
	EvictFirst
	Relocatable
	Recursive
	HardIOFail
)

// AccessKind identifies the kind of access that caused a page fault.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExec
)

// PageSize is the granularity at which the VMM maps memory.
const PageSize = pmm.PageSize

type entryKind int

const (
	kindAnonymous entryKind = iota
	kindFile
	kindHardware
)

// pageState is the per-page residency state of one page within a
// MappingEntry. Tracking this per page, rather than collapsing a
// multi-page entry down to a single page on first fault, gets spec.md
// §4.5's "splits on first per-page demand" optimisation for free: the
// entry never actually needs to split, because every page already has
// independent state.
type pageState struct {
	resident       bool
	frame          pmm.Frame
	cow            bool
	loadInProgress bool
	swapped        bool
	swapSlot       swapfile.Slot
	timesSwapped   int
}

// MappingEntry is one mapped virtual range, covering one or more pages
// with uniform flags and backing. Fork may give the same *MappingEntry
// pointer to more than one VAS (a shared COW mapping); the frame-level
// reference count that fault's COW resolution consults lives on
// Manager.frameRefs, not on the entry, since spec.md's "ref-count" tracks
// how many mappings point at one physical frame, not how many VASes hold
// one entry struct.
type MappingEntry struct {
	virtStart  uintptr
	pages      uintptr
	flags      Flag
	kind       entryKind
	file       vnode.Vnode
	fileOffset int64
	reloc      *driverabi.Image
	pageStates []pageState
}

func (e *MappingEntry) end() uintptr { return e.virtStart + e.pages*PageSize }

func (e *MappingEntry) contains(virt uintptr) bool {
	return virt >= e.virtStart && virt < e.end()
}

func (e *MappingEntry) pageIndex(virt uintptr) int {
	return int((virt - e.virtStart) / PageSize)
}

// PhysMemory gives the VMM byte-level access to simulated physical memory
// for COW copies and zero-fills; archshim/sim.RAM implements it.
type PhysMemory interface {
	Addr(physAddr uintptr) uintptr
}

// SymbolResolver is re-exported so callers can wire driverabi without a
// second import; see driverabi.SymbolResolver.
type SymbolResolver = driverabi.SymbolResolver

type victimKey struct {
	vas  *VAS
	virt uintptr
}

// Manager owns the resources shared by every VAS it creates: the
// collaborators from lower layers, the global (non-local) mapping list,
// per-frame reference counts for COW sharing, and the fault-coalescing
// and eviction-history state spec.md §4.5 requires.
type Manager struct {
	arch       archshim.Arch
	mem        PhysMemory
	ppa        *pmm.PPA
	swap       *swapfile.File
	dispatcher *irql.Dispatcher
	resolver   SymbolResolver

	globalLock *ksync.Spinlock
	global     []*MappingEntry

	frameMu   sync.Mutex
	frameRefs map[pmm.Frame]int32

	nextVirt uintptr

	victimMu sync.Mutex
	victims  []victimKey

	sf singleflight.Group
}

// NewManager wires together the collaborators a VMM needs. firstFreeVirt
// seeds the bump allocator Map uses when the caller does not request a
// fixed virtual address.
func NewManager(arch archshim.Arch, mem PhysMemory, ppa *pmm.PPA, swap *swapfile.File, dispatcher *irql.Dispatcher, firstFreeVirt uintptr) *Manager {
	return &Manager{
		arch:       arch,
		mem:        mem,
		ppa:        ppa,
		swap:       swap,
		dispatcher: dispatcher,
		globalLock: ksync.NewSpinlock(dispatcher, irql.PageFault),
		frameRefs:  make(map[pmm.Frame]int32),
		nextVirt:   firstFreeVirt,
	}
}

// SetSymbolResolver installs the collaborator ApplyRelocations uses to
// resolve a relocatable driver image's symbols on page-in.
func (m *Manager) SetSymbolResolver(r SymbolResolver) {
	m.resolver = r
}

// VAS is one address space: an arch-opaque page table root plus the list
// of mapping entries local to it.
type VAS struct {
	mgr     *Manager
	arch    archshim.VAS
	lock    *ksync.Spinlock
	entries []*MappingEntry
}

// NewVAS creates a fresh, empty address space.
func (m *Manager) NewVAS() (*VAS, *kernel.Error) {
	archVAS, err := m.arch.NewVAS()
	if err != nil {
		return nil, err
	}
	return &VAS{
		mgr:  m,
		arch: archVAS,
		lock: ksync.NewSpinlock(m.dispatcher, irql.PageFault),
	}, nil
}

// DestroyVAS tears down vas and every mapping and frame it owns.
func (m *Manager) DestroyVAS(vas *VAS) {
	vas.lock.Acquire()
	entries := vas.entries
	vas.entries = nil
	vas.lock.Release()

	for _, e := range entries {
		if e.kind == kindHardware {
			continue
		}
		for i := range e.pageStates {
			m.releasePage(&e.pageStates[i])
		}
	}
	m.arch.DestroyVAS(vas.arch)
}

// listFor returns the entry list an entry with the given flags belongs
// to, and the lock protecting it.
func (m *Manager) listFor(vas *VAS, local bool) (*ksync.Spinlock, *[]*MappingEntry) {
	if local {
		return vas.lock, &vas.entries
	}
	return m.globalLock, &m.global
}

// findEntry returns the entry covering virt in list, already sorted
// by virtStart, along with its index.
func findEntry(list []*MappingEntry, virt uintptr) (*MappingEntry, int) {
	for i, e := range list {
		if e.contains(virt) {
			return e, i
		}
	}
	return nil, -1
}

func insertSorted(list []*MappingEntry, e *MappingEntry) []*MappingEntry {
	i := 0
	for i < len(list) && list[i].virtStart < e.virtStart {
		i++
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

func removeAt(list []*MappingEntry, i int) []*MappingEntry {
	return append(list[:i], list[i+1:]...)
}

// rangeFree reports whether [virt, virt+pages*PageSize) is unoccupied in
// list.
func rangeFree(list []*MappingEntry, virt uintptr, pages uintptr) bool {
	end := virt + pages*PageSize
	for _, e := range list {
		if virt < e.end() && e.virtStart < end {
			return false
		}
	}
	return true
}

// releasePage frees whatever backing resource a resident or swapped page
// state holds, decrementing the shared frame ref-count rather than
// unconditionally freeing, since a COW sibling may still reference the
// same frame.
func (m *Manager) releasePage(ps *pageState) {
	if ps.resident && ps.frame.Valid() {
		m.dropFrameRef(ps.frame)
		ps.resident = false
	}
	if ps.swapped {
		m.swap.DeallocSlot(ps.swapSlot)
		ps.swapped = false
	}
}

func (m *Manager) addFrameRef(f pmm.Frame) {
	m.frameMu.Lock()
	m.frameRefs[f]++
	m.frameMu.Unlock()
}

// dropFrameRef decrements f's reference count and, once it reaches zero,
// returns the frame to the PPA.
func (m *Manager) dropFrameRef(f pmm.Frame) {
	m.frameMu.Lock()
	m.frameRefs[f]--
	n := m.frameRefs[f]
	if n <= 0 {
		delete(m.frameRefs, f)
	}
	m.frameMu.Unlock()
	if n <= 0 {
		m.ppa.Free(f.Address())
	}
}

func (m *Manager) frameRefCount(f pmm.Frame) int32 {
	m.frameMu.Lock()
	defer m.frameMu.Unlock()
	return m.frameRefs[f]
}

// addrOf returns the address of b's backing array, for passing a Go slice
// to kernel.Memcopy/Memset as a raw uintptr.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
