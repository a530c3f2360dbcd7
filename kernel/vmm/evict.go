package vmm

import (
	"math/rand"

	"corekernel/kernel"
	"corekernel/kernel/archshim"
	"corekernel/kernel/kfmt"
)

// victimHistorySize bounds how many recently evicted pages are remembered
// to avoid immediately re-selecting one that just faulted back in.
const victimHistorySize = 8

// candidate is one resident, unlocked page eligible for eviction.
type candidate struct {
	vas *VAS
	e   *MappingEntry
	idx int
}

// Evict runs one pass of spec.md §4.5's eviction walk over vas's local
// entries and the global mapping tree, choosing the lowest-scoring
// resident, unlocked page and reclaiming it.
func (m *Manager) Evict(vas *VAS) *kernel.Error {
	candidates := m.collectCandidates(vas)
	if len(candidates) == 0 {
		return kernel.ErrNoMem.WithMessage("vmm", "no evictable page found")
	}

	best := candidates[0]
	bestScore := m.score(best)
	for _, c := range candidates[1:] {
		if s := m.score(c); s < bestScore {
			best, bestScore = c, s
		}
	}
	return m.evictOne(best)
}

func (m *Manager) collectCandidates(vas *VAS) []candidate {
	var out []candidate

	vas.lock.Acquire()
	out = appendCandidates(out, vas, vas.entries)
	vas.lock.Release()

	m.globalLock.Acquire()
	out = appendCandidates(out, vas, m.global)
	m.globalLock.Release()

	return out
}

func appendCandidates(out []candidate, vas *VAS, list []*MappingEntry) []candidate {
	for _, e := range list {
		if e.flags&Lock != 0 || e.kind == kindHardware {
			continue
		}
		for i := range e.pageStates {
			if e.pageStates[i].resident {
				out = append(out, candidate{vas: vas, e: e, idx: i})
			}
		}
	}
	return out
}

// score ranks a candidate for eviction; lower scores are evicted first.
// Recently accessed or dirty pages, COW pages, relocatable images and
// pages that have already been swapped out once score higher (kept
// longer); evict-first mappings and file-backed pages (cheap to bring
// back) score lower. A small random term breaks exact ties instead of
// always picking in list order.
func (m *Manager) score(c candidate) int {
	ps := &c.e.pageStates[c.idx]
	virt := c.e.virtStart + uintptr(c.idx)*PageSize

	score := 0
	if bits, err := c.vas.mgr.arch.GetPageUsageBits(c.vas.arch, virt); err == nil {
		if bits.Accessed {
			score += 100
		}
		if bits.Dirty {
			score += 20
		}
	}
	if ps.cow {
		score += 10
	}
	if c.e.reloc != nil {
		score += 50
	}
	if c.e.kind == kindFile {
		score -= 5
	}
	score += ps.timesSwapped * 10
	if c.e.flags&EvictFirst != 0 {
		score -= 1000
	}
	if m.recentlyEvicted(c.vas, virt) {
		score += 200
	}
	score += rand.Intn(10)
	return score
}

func (m *Manager) recentlyEvicted(vas *VAS, virt uintptr) bool {
	m.victimMu.Lock()
	defer m.victimMu.Unlock()
	for _, v := range m.victims {
		if v.vas == vas && v.virt == virt {
			return true
		}
	}
	return false
}

func (m *Manager) recordVictim(vas *VAS, virt uintptr) {
	m.victimMu.Lock()
	defer m.victimMu.Unlock()
	m.victims = append(m.victims, victimKey{vas: vas, virt: virt})
	if len(m.victims) > victimHistorySize {
		m.victims = m.victims[len(m.victims)-victimHistorySize:]
	}
}

// evictOne reclaims the physical frame backing c, writing the page back
// to its file (if file-backed and dirty) or to a fresh swap slot (if
// anonymous) before clearing the arch mapping and returning the frame to
// the PPA.
func (m *Manager) evictOne(c candidate) *kernel.Error {
	lock := m.entryLock(c.vas, c.e)
	virt := c.e.virtStart + uintptr(c.idx)*PageSize

	lock.Acquire()
	ps := &c.e.pageStates[c.idx]
	frame := ps.frame
	ps.resident = false
	lock.Release()

	restore := func() {
		lock.Acquire()
		ps.resident = true
		lock.Release()
	}

	switch c.e.kind {
	case kindFile:
		bits, _ := m.arch.GetPageUsageBits(c.vas.arch, virt)
		if bits.Dirty {
			buf := make([]byte, PageSize)
			kernel.Memcopy(m.mem.Addr(frame.Address()), addrOf(buf), PageSize)
			if _, err := c.e.file.Write(c.e.fileOffset+int64(c.idx)*PageSize, buf); err != nil {
				restore()
				return err
			}
		}
	case kindAnonymous:
		slot, err := m.swap.AllocSlot()
		if err != nil {
			restore()
			return err
		}
		buf := make([]byte, PageSize)
		kernel.Memcopy(m.mem.Addr(frame.Address()), addrOf(buf), PageSize)
		if werr := m.swap.WritePage(slot, buf); werr != nil {
			// spec.md §6: "Disk failure writing swap is fatal" -- the
			// swap file is the only copy of this page's content, so
			// there is nothing to fall back to.
			kernel.Panic(kernel.PanicDiskFailureOnSwap, "vmm: swap write failed: "+werr.Error())
		}
		lock.Acquire()
		ps.swapped = true
		ps.swapSlot = slot
		lock.Release()
		kfmt.Fprintf(vasLogger(c.vas), "evicted virt=%x to swap slot %d\n", virt, uint64(slot))
	}

	m.arch.Unmap(c.vas.arch, archshim.Entry{VirtAddr: virt, Pages: 1})
	m.arch.FlushTLB(c.vas.arch)
	m.dropFrameRef(frame)
	m.recordVictim(c.vas, virt)
	return nil
}
