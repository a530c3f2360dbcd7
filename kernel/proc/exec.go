package proc

import (
	"corekernel/kernel"
	"corekernel/kernel/vmm"
)

// ImageLoader maps a new program image into an already-wiped VAS and
// reports where execution should begin. The real loader (ELF parsing,
// segment placement) is the out-of-scope collaborator spec.md §1 names;
// proc only needs the contract exec consumes.
type ImageLoader func(vas *vmm.VAS) (entry, stack uintptr, err *kernel.Error)

// Exec implements spec.md §4.7's exec: wipe every user-range mapping in
// the current VAS, then let loader install the new image. The kernel
// stack and kernel-side thread state are untouched -- exec runs on the
// calling thread and that thread keeps running afterwards, just with a
// new user-mode entry point and stack.
func (t *Table) Exec(p *Process, loader ImageLoader) (entry, stack uintptr, err *kernel.Error) {
	if err := t.mgr.WipeUser(p.VAS); err != nil {
		return 0, 0, err
	}
	return loader(p.VAS)
}
