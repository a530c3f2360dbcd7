package proc

import (
	"corekernel/kernel"
	"corekernel/kernel/sched"
)

// Fork implements spec.md §4.7's fork: the child gets a VAS copied per
// kernel/vmm's §4.5 rules (locked mappings deep-copied, everything else
// COW) and a cloned FD table, and starts with a single thread running
// trampoline. Real fork() appears to return twice -- the child PID in the
// parent, zero in the child; here that is modelled the same way
// archshim.Arch.SwitchToUser always models "return a value to newly
// entered code": trampoline is invoked with childArg, conventionally the
// value the child's return-to-user path should treat as its fork return
// value (0 for an ordinary fork child), while Fork's normal Go return value
// carries the child PID back to the calling (parent) thread.
func (t *Table) Fork(parent *Process, policy sched.Policy, priority int, childArg uintptr, trampoline func(self *sched.Thread, arg uintptr)) (*Process, *kernel.Error) {
	childVAS, err := t.mgr.Fork(parent.VAS)
	if err != nil {
		return nil, err
	}

	pid := t.allocPID()
	child := newProcess(pid, parent.PID, childVAS, parent.FDs.Clone())
	child.PGID = parent.PGID
	t.register(child)
	parent.addChild(pid)

	th := t.sched.CreateThread(pid, policy, priority, func(self *sched.Thread) {
		trampoline(self, childArg)
	})
	child.AddThread(th)

	return child, nil
}
