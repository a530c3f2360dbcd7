package vmm

import "corekernel/kernel"

// WipeUser removes every user-accessible mapping local to vas, implementing
// the mapping-side half of spec.md §4.7's exec: "wipes user-range mappings
// in the current VAS". Kernel-side mappings (the VAS's own page tables,
// any non-pageable kernel heap range mapped into this VAS) carry no User
// flag and are left untouched, since exec only replaces the user image.
func (m *Manager) WipeUser(vas *VAS) *kernel.Error {
	vas.lock.Acquire()
	victims := make([]*MappingEntry, 0, len(vas.entries))
	for _, e := range vas.entries {
		if e.flags&User != 0 {
			victims = append(victims, e)
		}
	}
	vas.lock.Release()

	for _, e := range victims {
		if err := m.Unmap(vas, e.virtStart, e.pages); err != nil {
			return err
		}
	}
	return nil
}
