// Package archshim defines the thin arch-specific interface the rest of the
// core calls (spec.md §6 "Arch shim"). Everything on the other side of this
// interface -- page-table shape, TLB flush instructions, register
// save/restore -- is explicitly out of scope per spec.md §1; the core only
// ever speaks to an Arch implementation.
package archshim

import "corekernel/kernel"

// Entry is the arch-opaque description of one mapping the core asks the
// architecture layer to install, update or remove. It mirrors the subset of
// a vmm.MappingEntry the arch page tables need to know about.
type Entry struct {
	VirtAddr uintptr
	PhysAddr uintptr
	Pages    uintptr
	Read     bool
	Write    bool
	Exec     bool
	User     bool

	// Usage holds the simulated accessed/dirty bits for this mapping.
	// Real arch backends keep these in the hardware PTE instead.
	Usage UsageBits
}

// UsageBits reports the hardware accessed/dirty bits for a mapping, as read
// from the arch page table entry.
type UsageBits struct {
	Accessed bool
	Dirty    bool
}

// ThreadContext is the arch-opaque saved register/stack state for one
// kernel thread. The core never inspects its contents; it only ever hands
// it back to SwitchThread.
type ThreadContext struct {
	// StackPointer is the saved stack pointer for a suspended thread.
	StackPointer uintptr
	// EntryPoint is used only the first time a freshly created thread is
	// switched to: the arch shim must make the new thread resume at the
	// kernel-side bootstrap trampoline rather than at a saved SP, exactly
	// as spec.md §6 requires.
	EntryPoint uintptr
	ran        bool
}

// MarkRun records that this context has been switched to at least once, so
// a subsequent SwitchThread call knows to resume at StackPointer rather
// than re-bootstrapping at EntryPoint.
func (t *ThreadContext) MarkRun() {
	t.ran = true
}

// HasRun reports whether MarkRun has ever been called on t.
func (t *ThreadContext) HasRun() bool {
	return t.ran
}

// VAS is the arch-opaque handle for one address space's page table root
// (CR3-equivalent). It is produced by Arch.NewVAS and consumed by every
// other Arch method that takes a VAS.
type VAS interface{}

// Arch is the interface every other package in this module programs
// against instead of touching hardware directly. archshim/sim provides a
// hosted implementation suitable for tests; a bare-metal build would
// provide one backed by real page tables and assembly trampolines, exactly
// as the teacher's cpu/irq/gate packages do for amd64.
type Arch interface {
	// NewVAS allocates a fresh, empty page-table root.
	NewVAS() (VAS, *kernel.Error)
	// DestroyVAS releases a page-table root and everything it owns.
	DestroyVAS(vas VAS)
	// AddMapping installs a new page table entry for e in vas.
	AddMapping(vas VAS, e Entry) *kernel.Error
	// UpdateMapping changes the permission bits of an already-installed
	// mapping without touching its physical address.
	UpdateMapping(vas VAS, e Entry) *kernel.Error
	// Unmap removes the page table entries covering e.
	Unmap(vas VAS, e Entry) *kernel.Error
	// FlushTLB invalidates any cached translations for vas. Passing the
	// zero VAS flushes the whole TLB.
	FlushTLB(vas VAS)

	// GetPageUsageBits returns the hardware accessed/dirty bits for the
	// page at virtAddr in vas.
	GetPageUsageBits(vas VAS, virtAddr uintptr) (UsageBits, *kernel.Error)
	// ClearPageUsageBits clears the accessed/dirty bits for the page at
	// virtAddr in vas so a later read reflects only new activity.
	ClearPageUsageBits(vas VAS, virtAddr uintptr) *kernel.Error

	// SwitchThread saves the state of from (ignored if nil, i.e. the
	// very first switch) and restores the state of to, returning control
	// at the instruction after the call that originally suspended to (or
	// at to.EntryPoint, if to has never run before).
	SwitchThread(from, to *ThreadContext)
	// PrepareStack lays out the initial stack frame for a new kernel
	// thread whose stack spans [top-size, top) and returns the stack
	// pointer SwitchThread should restore on first run.
	PrepareStack(top uintptr, entryPoint uintptr) uintptr

	// SetVAS makes vas the active address space for subsequent memory
	// accesses and page table walks.
	SetVAS(vas VAS)
	// SwitchToUser transfers control to user mode at entry with the
	// given stack and first argument register. Does not return until the
	// next trap/interrupt re-enters the kernel.
	SwitchToUser(entry, stack, arg uintptr)

	// DisableInterrupts masks all maskable interrupts and returns whether
	// they were previously enabled.
	DisableInterrupts() bool
	// RestoreInterrupts restores the previous interrupt-enable state
	// returned by a prior DisableInterrupts call.
	RestoreInterrupts(previouslyEnabled bool)
	// SetIRQL programs the CPU's hardware IRQL register (on platforms
	// that have one; the sim backend just records the value) and
	// returns the previous level.
	SetIRQL(level uint8) uint8
}
