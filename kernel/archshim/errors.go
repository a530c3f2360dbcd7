package archshim

import "corekernel/kernel"

// ErrNoSuchMapping is returned when an Arch method is asked to operate on a
// virtual address that has no installed page table entry.
var ErrNoSuchMapping = kernel.ErrInvalid.WithMessage("archshim", "no page table entry for address")
