package heap

import "corekernel/kernel"

// takeFree finds a free block able to hold size, searching class's free
// list first and then progressively larger buckets (first fit), since
// coalescing can leave oversized blocks filed under a smaller bucket's
// neighbour but re-bucketed into a larger one; it never looks at a
// smaller bucket than class, since classFor(size) already rounded up.
func (h *Heap) takeFree(class int, size uintptr) (uintptr, bool) {
	for c := class; c < len(h.freeHeads); c++ {
		for off := h.freeHeads[c]; off != noNeighbor; off = h.blocks[off].freeNext {
			if h.blocks[off].size >= size {
				h.removeFromFreeList(h.blocks[off])
				return off, true
			}
		}
	}
	return 0, false
}

// insertFree pushes t onto the head of its class's free list. t.class
// must already be set to the class it belongs to.
func (h *Heap) insertFree(t *tag) {
	if t.class < 0 {
		return
	}
	head := h.freeHeads[t.class]
	t.freePrev = noNeighbor
	t.freeNext = head
	if head != noNeighbor {
		h.blocks[head].freePrev = t.start
	}
	h.freeHeads[t.class] = t.start
}

// removeFromFreeList unlinks t from whichever free list it is currently
// threaded through.
func (h *Heap) removeFromFreeList(t *tag) {
	if t.class < 0 {
		return
	}
	if t.freePrev != noNeighbor {
		h.blocks[t.freePrev].freeNext = t.freeNext
	} else {
		h.freeHeads[t.class] = t.freeNext
	}
	if t.freeNext != noNeighbor {
		h.blocks[t.freeNext].freePrev = t.freePrev
	}
	t.freePrev, t.freeNext = noNeighbor, noNeighbor
}

// grow requests a batch of pages from the provider and carves them into
// same-class blocks, physically linked to each other (but not to any
// earlier growth batch) so intra-batch coalescing is still meaningful.
func (h *Heap) grow(classSize uintptr) *kernel.Error {
	const batch = 8
	totalBytes := classSize * batch
	pages := (totalBytes + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}

	addr, err := h.provider.AcquirePages(pages)
	if err != nil {
		return err
	}
	totalBytes = pages * PageSize

	class, _ := classFor(classSize)
	count := totalBytes / classSize
	if count == 0 {
		count = 1
		classSize = totalBytes
	}

	offset := addr
	prev := noNeighbor
	for i := uintptr(0); i < count; i++ {
		t := &tag{start: offset, size: classSize, prev: prev, next: noNeighbor, class: class}
		if prev != noNeighbor {
			h.blocks[prev].next = offset
		}
		h.blocks[offset] = t
		h.insertFree(t)
		prev = offset
		offset += classSize
	}
	return nil
}

// allocLargeRun satisfies an allocation too big for any size class with a
// dedicated page run that is never split or coalesced; it is returned
// directly to the provider on Free.
func (h *Heap) allocLargeRun(size uintptr, flags Flag) (uintptr, *kernel.Error) {
	pages := (size + PageSize - 1) / PageSize
	addr, err := h.provider.AcquirePages(pages)
	if err != nil {
		return 0, err
	}
	h.blocks[addr] = &tag{
		start:     addr,
		size:      pages * PageSize,
		allocated: true,
		pageable:  flags&FlagPageable != 0,
		prev:      noNeighbor,
		next:      noNeighbor,
		class:     classLarge,
	}
	return addr, nil
}

// coalesceAndInsert merges t with any free physical neighbours and
// threads the (possibly grown) result onto the appropriate free list, or
// releases it straight back to the provider if it is a dedicated large
// run.
func (h *Heap) coalesceAndInsert(t *tag) {
	if t.class < 0 {
		h.provider.ReleasePages(t.start, (t.size+PageSize-1)/PageSize)
		delete(h.blocks, t.start)
		return
	}

	if t.next != noNeighbor {
		if next, ok := h.blocks[t.next]; ok && !next.allocated && next.class >= 0 {
			h.removeFromFreeList(next)
			t.size += next.size
			h.relinkAfterMerge(t, next)
			delete(h.blocks, next.start)
		}
	}
	if t.prev != noNeighbor {
		if prev, ok := h.blocks[t.prev]; ok && !prev.allocated && prev.class >= 0 {
			h.removeFromFreeList(prev)
			prev.size += t.size
			h.relinkAfterMerge(prev, t)
			delete(h.blocks, t.start)
			t = prev
		}
	}
	t.class = bucketFor(t.size)
	h.insertFree(t)
}

// relinkAfterMerge absorbs `removed`'s physical-neighbour links into
// `survivor` after survivor has grown to cover removed's former space.
func (h *Heap) relinkAfterMerge(survivor, removed *tag) {
	survivor.next = removed.next
	if removed.next != noNeighbor {
		if n, ok := h.blocks[removed.next]; ok {
			n.prev = survivor.start
		}
	}
}
