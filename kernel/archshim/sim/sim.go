// Package sim is a hosted, software-only implementation of archshim.Arch. It
// stands in for real page tables, TLB flushes and context switches so that
// the rest of the core can be exercised by go test without real hardware --
// the same role the teacher's cpu/irq/gate packages play between the core
// and amd64 assembly, just implemented entirely in Go.
//
// Physical RAM is backed by a single anonymous mmap obtained through
// golang.org/x/sys/unix so that frame reads/writes go through a real
// syscall-backed mapping rather than a bare []byte, which is the point of
// keeping this package hosted instead of purely in-memory.
package sim

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"corekernel/kernel"
	"corekernel/kernel/archshim"
)

// RAM is a simulated physical memory backing store. PageSize-sized frames
// within it are addressed by physical frame number, matching pmm.Frame.
type RAM struct {
	bytes []byte
}

// NewRAM mmaps an anonymous, zero-filled region of the given size (rounded
// up to a page) to serve as simulated physical memory.
func NewRAM(size int, pageSize int) (*RAM, error) {
	size = (size + pageSize - 1) &^ (pageSize - 1)
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &RAM{bytes: b}, nil
}

// Addr returns a uintptr into the simulated RAM for physical address
// physAddr, for use with kernel.Memset/kernel.Memcopy.
func (r *RAM) Addr(physAddr uintptr) uintptr {
	return uintptr(unsafe.Pointer(&r.bytes[0])) + physAddr
}

// Close releases the backing mmap.
func (r *RAM) Close() error {
	return unix.Munmap(r.bytes)
}

type vasTable struct {
	entries map[uintptr]archshim.Entry
}

// Sim is a software Arch implementation. One Sim instance corresponds to
// one simulated CPU; it tracks the active VAS, the current IRQL and the
// outstanding software page tables for every VAS created through it.
type Sim struct {
	mu         sync.Mutex
	ram        *RAM
	pageSize   uintptr
	active     archshim.VAS
	irql       uint8
	interrupts bool
}

// New returns a Sim backed by ram, with pages of size pageSize.
func New(ram *RAM, pageSize uintptr) *Sim {
	return &Sim{ram: ram, pageSize: pageSize, interrupts: true}
}

// NewVAS implements archshim.Arch.
func (s *Sim) NewVAS() (archshim.VAS, *kernel.Error) {
	return &vasTable{entries: make(map[uintptr]archshim.Entry)}, nil
}

// DestroyVAS implements archshim.Arch.
func (s *Sim) DestroyVAS(vas archshim.VAS) {
	if t, ok := vas.(*vasTable); ok {
		t.entries = nil
	}
}

func (s *Sim) table(vas archshim.VAS) (*vasTable, *kernel.Error) {
	t, ok := vas.(*vasTable)
	if !ok || t.entries == nil {
		return nil, kernel.ErrInvalid.WithMessage("archshim/sim", "unknown or destroyed VAS")
	}
	return t, nil
}

// AddMapping implements archshim.Arch.
func (s *Sim) AddMapping(vas archshim.VAS, e archshim.Entry) *kernel.Error {
	t, err := s.table(vas)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := uintptr(0); i < e.Pages; i++ {
		pe := e
		pe.VirtAddr = e.VirtAddr + i*s.pageSize
		pe.PhysAddr = e.PhysAddr + i*s.pageSize
		pe.Pages = 1
		t.entries[pe.VirtAddr] = pe
	}
	return nil
}

// UpdateMapping implements archshim.Arch.
func (s *Sim) UpdateMapping(vas archshim.VAS, e archshim.Entry) *kernel.Error {
	return s.AddMapping(vas, e)
}

// Unmap implements archshim.Arch.
func (s *Sim) Unmap(vas archshim.VAS, e archshim.Entry) *kernel.Error {
	t, err := s.table(vas)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := uintptr(0); i < e.Pages; i++ {
		delete(t.entries, e.VirtAddr+i*s.pageSize)
	}
	return nil
}

// FlushTLB implements archshim.Arch. The sim has no TLB to flush; this is a
// no-op kept only to satisfy the interface contract every caller relies on.
func (s *Sim) FlushTLB(archshim.VAS) {}

// GetPageUsageBits implements archshim.Arch.
func (s *Sim) GetPageUsageBits(vas archshim.VAS, virtAddr uintptr) (archshim.UsageBits, *kernel.Error) {
	t, err := s.table(vas)
	if err != nil {
		return archshim.UsageBits{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := t.entries[virtAddr&^(s.pageSize-1)]
	if !ok {
		return archshim.UsageBits{}, archshim.ErrNoSuchMapping
	}
	return e.Usage, nil
}

// ClearPageUsageBits implements archshim.Arch.
func (s *Sim) ClearPageUsageBits(vas archshim.VAS, virtAddr uintptr) *kernel.Error {
	t, err := s.table(vas)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := virtAddr &^ (s.pageSize - 1)
	e, ok := t.entries[key]
	if !ok {
		return archshim.ErrNoSuchMapping
	}
	e.Usage = archshim.UsageBits{}
	t.entries[key] = e
	return nil
}

// MarkAccessed flags a page as accessed/dirty. Tests use this to simulate
// hardware setting the bits on a real load/store.
func (s *Sim) MarkAccessed(vas archshim.VAS, virtAddr uintptr, dirty bool) {
	t, err := s.table(vas)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := virtAddr &^ (s.pageSize - 1)
	e, ok := t.entries[key]
	if !ok {
		return
	}
	e.Usage.Accessed = true
	e.Usage.Dirty = e.Usage.Dirty || dirty
	t.entries[key] = e
}

// SwitchThread implements archshim.Arch. The sim never actually transfers
// control -- kernel/sched drives concurrency with goroutines and channels,
// using SwitchThread purely as a bookkeeping hook so the interface contract
// stays exercised end to end.
func (s *Sim) SwitchThread(from, to *archshim.ThreadContext) {
	if to != nil {
		to.MarkRun()
	}
}

// PrepareStack implements archshim.Arch.
func (s *Sim) PrepareStack(top uintptr, entryPoint uintptr) uintptr {
	return top
}

// SetVAS implements archshim.Arch.
func (s *Sim) SetVAS(vas archshim.VAS) {
	s.mu.Lock()
	s.active = vas
	s.mu.Unlock()
}

// SwitchToUser implements archshim.Arch. Not meaningful in a hosted
// simulation; kept as a recorded no-op.
func (s *Sim) SwitchToUser(entry, stack, arg uintptr) {}

// DisableInterrupts implements archshim.Arch.
func (s *Sim) DisableInterrupts() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.interrupts
	s.interrupts = false
	return was
}

// RestoreInterrupts implements archshim.Arch.
func (s *Sim) RestoreInterrupts(previouslyEnabled bool) {
	s.mu.Lock()
	s.interrupts = previouslyEnabled
	s.mu.Unlock()
}

// SetIRQL implements archshim.Arch.
func (s *Sim) SetIRQL(level uint8) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.irql
	s.irql = level
	return prev
}
