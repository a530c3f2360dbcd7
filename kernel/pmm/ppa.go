package pmm

import (
	"sync"

	"corekernel/kernel"
	"corekernel/kernel/irql"
)

// PPA is the physical page allocator. Before BootstrapStack is called it
// serves allocations via an O(n) bitmap scan (the only option before the
// stack buffer itself can be allocated, per spec.md §4.2); afterwards it
// serves them via an O(1) free-index stack, while still maintaining the
// bitmap so a double-free can be detected rather than silently corrupting
// the free list.
type PPA struct {
	mu sync.Mutex

	bm    *bitmap
	stack []Frame
	// useStack is true once BootstrapStack has run.
	useStack bool

	total     uint64
	free      uint64
	reserve   uint64
	watermark uint64

	dispatcher *irql.Dispatcher
	evictFn    func()
}

// New creates a PPA able to manage `total` frames, all initially free
// except for the ones in `reserved` (typically the kernel image itself and
// early boot structures).
func New(total uint64, reserved []Frame, watermark, reserve uint64, dispatcher *irql.Dispatcher) *PPA {
	p := &PPA{
		bm:         newBitmap(total),
		total:      total,
		free:       total,
		reserve:    reserve,
		watermark:  watermark,
		dispatcher: dispatcher,
	}
	for _, f := range reserved {
		if !p.bm.isSet(f) {
			p.bm.set(f)
			p.free--
		}
	}
	return p
}

// SetEvictFn installs the callback invoked (via irql.Defer at Standard
// IRQL) when the free frame count drops below the configured watermark.
// The VMM installs its eviction walk here during boot.
func (p *PPA) SetEvictFn(fn func()) {
	p.evictFn = fn
}

// BootstrapStack populates the O(1) free-index stack from the current
// bitmap state and switches Alloc/Free over to the stack path. Called once
// the heap/VMM can provide the backing storage for the stack slice.
func (p *PPA) BootstrapStack() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stack = make([]Frame, 0, p.free)
	for f := Frame(0); uint64(f) < p.total; f++ {
		if !p.bm.isSet(f) {
			p.stack = append(p.stack, f)
		}
	}
	p.useStack = true
}

// FreeCount returns the number of currently free frames.
func (p *PPA) FreeCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// TotalCount returns the total number of frames under management.
func (p *PPA) TotalCount() uint64 {
	return p.total
}

// Alloc reserves a single frame. It fails with ErrNoMem as soon as no
// frame is free: it does not run eviction itself and does not consult the
// emergency reserve. Once the free count falls below the watermark it
// schedules eviction (at Standard IRQL, via the installed evictFn) without
// failing the current request.
func (p *PPA) Alloc() (Frame, *kernel.Error) {
	p.mu.Lock()
	var f Frame
	var ok bool

	if p.free == 0 {
		p.mu.Unlock()
		return InvalidFrame, kernel.ErrNoMem.WithMessage("pmm", "no free frames")
	}

	if p.useStack {
		f = p.stack[len(p.stack)-1]
		p.stack = p.stack[:len(p.stack)-1]
	} else {
		f, ok = p.bm.scanFirstFree()
		if !ok {
			p.mu.Unlock()
			return InvalidFrame, kernel.ErrNoMem.WithMessage("pmm", "no free frames")
		}
	}

	p.bm.set(f)
	p.free--
	low := p.free < p.watermark
	p.mu.Unlock()

	if low {
		p.triggerEviction()
	}

	return f, nil
}

// Free releases a previously allocated frame. Calling Free with a
// misaligned address, or on a frame that is not currently allocated, is a
// contract violation (spec.md §7 class 1) and panics.
func (p *PPA) Free(addr uintptr) {
	if !aligned(addr) {
		kernel.Panic(kernel.PanicMisalignedFree, "pmm.Free: address is not page aligned")
	}

	f := FrameFromAddress(addr)

	p.mu.Lock()
	defer p.mu.Unlock()

	if uint64(f) >= p.total || !p.bm.isSet(f) {
		kernel.Panic(kernel.PanicDoubleFree, "pmm.Free: frame was not allocated")
	}

	p.bm.clear(f)
	p.free++
	if p.useStack {
		p.stack = append(p.stack, f)
	}
}

// AllocContiguous searches for a run of `pages` frames such that the run's
// start address is a multiple of `align` bytes and the run does not cross
// any multiple of `boundary` bytes (0 disables the boundary check). It is
// only available once BootstrapStack has run, matching spec.md §4.2.
func (p *PPA) AllocContiguous(pages uint64, align, boundary uintptr) (Frame, *kernel.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.useStack {
		return InvalidFrame, kernel.ErrInvalid.WithMessage("pmm", "AllocContiguous requires the stack allocator to be bootstrapped")
	}
	if p.free < pages+p.reserve {
		return InvalidFrame, kernel.ErrNoMem.WithMessage("pmm", "not enough free frames above the reserve for a contiguous run")
	}

	alignFrames := uint64(align) / PageSize
	boundaryFrames := uint64(boundary) / PageSize

	start, ok := p.bm.scanRun(pages, alignFrames, boundaryFrames)
	if !ok {
		return InvalidFrame, kernel.ErrNoMem.WithMessage("pmm", "no run of contiguous frames satisfies the alignment/boundary constraints")
	}

	for i := uint64(0); i < pages; i++ {
		f := start + Frame(i)
		p.bm.set(f)
		p.removeFromStack(f)
	}
	p.free -= pages

	return start, nil
}

// removeFromStack deletes frame f from the free-index stack in place. It is
// only called while holding p.mu, immediately after marking f allocated in
// the bitmap, so the linear scan is over a list that shrinks monotonically
// across a single AllocContiguous call.
func (p *PPA) removeFromStack(f Frame) {
	for i, sf := range p.stack {
		if sf == f {
			p.stack[i] = p.stack[len(p.stack)-1]
			p.stack = p.stack[:len(p.stack)-1]
			return
		}
	}
}

// triggerEviction schedules the VMM's eviction walk at Standard IRQL
// (spec.md §4.2: "it schedules eviction at standard IRQL"), rather than
// running it inline, since Alloc may itself be called above Standard IRQL.
func (p *PPA) triggerEviction() {
	if p.evictFn == nil || p.dispatcher == nil {
		return
	}
	p.dispatcher.Defer(irql.Standard, func(interface{}) { p.evictFn() }, nil)
}
