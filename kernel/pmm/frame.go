// Package pmm implements the L2 physical page allocator described in
// spec.md §4.2: a bitmap-scan allocator usable before the free-index stack
// exists, and an O(1) free-index stack allocator for steady-state use, with
// the bitmap kept alongside the stack so double-frees are still detectable
// (spec.md §9's first Open Question -- the teacher itself ships both a
// bitmap allocator, mem/pmm/allocator/bitmap_allocator.go, and a bootmem
// scanner, mem/pfn/bootmem_allocator.go, so keeping both here follows the
// teacher's own structure).
package pmm

// PageSize is the size in bytes of one physical frame / virtual page.
const PageSize = 4096

// Frame identifies one physical memory frame by index. Frame 0 refers to
// physical address 0.
type Frame uint64

// InvalidFrame is returned by allocation paths that fail to reserve a
// frame.
const InvalidFrame = Frame(^uint64(0))

// Valid reports whether f is a real frame (as opposed to InvalidFrame).
func (f Frame) Valid() bool { return f != InvalidFrame }

// Address returns the physical address of the start of frame f.
func (f Frame) Address() uintptr { return uintptr(f) * PageSize }

// FrameFromAddress returns the frame containing the given physical address.
// It does not validate alignment; callers that must reject misaligned
// addresses (e.g. Free) check explicitly so they can raise the correct
// PanicReason.
func FrameFromAddress(addr uintptr) Frame {
	return Frame(addr / PageSize)
}

// aligned reports whether addr is frame-aligned.
func aligned(addr uintptr) bool {
	return addr%PageSize == 0
}
