package proc

import (
	"corekernel/kernel"
	"corekernel/kernel/sched"
	ksync "corekernel/kernel/sync"
)

// Exit implements the process-table half of spec.md §4.6/§4.7 termination:
// mark the process a zombie, reparent every surviving child to PID 1
// (handing init any child that is itself already a zombie so init's own
// Wait can reap it), wake the parent's Wait via the zombie-children
// semaphore, and terminate every thread the process still owns.
func (t *Table) Exit(p *Process, status int) {
	p.mu.Lock()
	p.exitStatus = status
	p.terminated = true
	threads := make([]*sched.Thread, 0, len(p.threads))
	for _, th := range p.threads {
		threads = append(threads, th)
	}
	p.mu.Unlock()

	t.reparentChildren(p)

	if parent, ok := t.Lookup(p.ParentPID); ok {
		parent.ZombieChildren.Release(1)
	}

	for _, th := range threads {
		t.sched.Terminate(th)
	}
}

// reparentChildren hands every child of p to init (spec.md §4.7's "orphans
// are reparented to PID 1 before the parent is reaped"). A child that is
// already a zombie donates a unit to init's own zombie-children semaphore
// so init's Wait notices it without needing a second termination event.
func (t *Table) reparentChildren(p *Process) {
	init, hasInit := t.Lookup(InitPID)

	for _, pid := range p.childPIDs() {
		child, ok := t.Lookup(pid)
		if !ok {
			continue
		}
		child.mu.Lock()
		child.ParentPID = InitPID
		alreadyZombie := child.terminated
		child.mu.Unlock()

		p.removeChild(pid)
		if hasInit {
			init.addChild(pid)
			if alreadyZombie {
				init.ZombieChildren.Release(1)
			}
		}
	}
}

// Wait implements spec.md §4.7's wait(pid, status, flags): block on the
// zombie-children semaphore, then scan children for one terminated child
// matching pid (any terminated child if pid < 0), reaping it -- freeing its
// VAS, FD table and process-table slot. waiter supplies the interruptible
// context kernel/sync.Semaphore.Acquire consults, per spec.md §4.4/§4.6.
func (t *Table) Wait(parent *Process, waiter *sched.Thread, pid int64) (uint64, int, *kernel.Error) {
	for {
		if len(parent.childPIDs()) == 0 {
			return 0, 0, kernel.ErrInvalid.WithMessage("proc", "wait with no children")
		}

		res := parent.ZombieChildren.Acquire(waiter.Context(), -1)
		switch res {
		case ksync.Interrupted:
			return 0, 0, kernel.ErrInterrupted
		case ksync.Cancelled:
			return 0, 0, kernel.ErrInvalid.WithMessage("proc", "zombie-children semaphore destroyed")
		}

		reaped, status, ok := t.reapMatching(parent, pid)
		if ok {
			return reaped, status, nil
		}
		// The unit we consumed belongs to a different, not-yet-matching
		// child; return it and try again.
		parent.ZombieChildren.Release(1)
	}
}

// reapMatching scans parent's children for a terminated one matching pid
// (pid < 0 matches any) and reaps it if found.
func (t *Table) reapMatching(parent *Process, pid int64) (uint64, int, bool) {
	for _, childPID := range parent.childPIDs() {
		if pid >= 0 && uint64(pid) != childPID {
			continue
		}
		child, ok := t.Lookup(childPID)
		if !ok {
			continue
		}
		status, terminated := child.Terminated()
		if !terminated {
			continue
		}

		t.mgr.DestroyVAS(child.VAS)
		parent.removeChild(childPID)
		t.unregister(childPID)
		return childPID, status, true
	}
	return 0, 0, false
}
