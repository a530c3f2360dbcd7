// Package proc implements the L7 process layer described in spec.md §4.7:
// a process table sitting above kernel/sched's threads and kernel/vmm's
// address spaces, plus fork/wait/exec and zombie reaping. Cyclic
// parent/child ownership is broken exactly as spec.md §9 prescribes: a
// Process stores its parent's PID, not a pointer, and the Table resolves
// PID to Process on demand.
package proc

import (
	"sync"

	"corekernel/kernel"
	"corekernel/kernel/sched"
	ksync "corekernel/kernel/sync"
	"corekernel/kernel/vmm"
	"corekernel/kernel/vnode"
)

// InitPID is the PID orphaned children are reparented to (spec.md §4.7).
const InitPID = 1

// FDTable is a process's open-file-descriptor table. Fork clones it
// (new table, same underlying vnodes); exec leaves it untouched, since
// spec.md §4.7 only has exec replace the VAS image.
type FDTable struct {
	mu    sync.Mutex
	files map[int]vnode.Vnode
	next  int
}

// NewFDTable returns an empty file-descriptor table.
func NewFDTable() *FDTable {
	return &FDTable{files: make(map[int]vnode.Vnode)}
}

// Install adds v to the table and returns its descriptor number.
func (t *FDTable) Install(v vnode.Vnode) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.files[fd] = v
	return fd
}

// Get returns the vnode installed at fd, if any.
func (t *FDTable) Get(fd int) (vnode.Vnode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.files[fd]
	return v, ok
}

// Close removes fd from the table.
func (t *FDTable) Close(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, fd)
}

// Clone returns a new table referencing the same vnodes under the same
// descriptor numbers, for a fork child (spec.md §3 "Process" holds "a
// file-descriptor table"; POSIX fork duplicates the table, not the files).
func (t *FDTable) Clone() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &FDTable{files: make(map[int]vnode.Vnode, len(t.files)), next: t.next}
	for fd, v := range t.files {
		c.files[fd] = v
	}
	return c
}

// Process is one process table entry (spec.md §3). Every field a sibling
// or the Table might touch concurrently is guarded by mu; ParentPID and
// PGID are read far more often than written, but spec.md's "child list is
// only mutated under the parent's lock" note applies to the same lock.
type Process struct {
	PID       uint64
	ParentPID uint64
	PGID      uint64

	VAS *vmm.VAS
	FDs *FDTable

	mu       sync.Mutex
	children map[uint64]struct{}
	threads  map[uint64]*sched.Thread

	// ZombieChildren is the counting semaphore Wait blocks on: Release(1)
	// each time a child terminates, so a parent with N terminated-but-
	// unreaped children can Wait N times without blocking.
	ZombieChildren *ksync.Semaphore

	exitStatus int
	terminated bool
}

func newProcess(pid, parentPID uint64, vas *vmm.VAS, fds *FDTable) *Process {
	return &Process{
		PID:            pid,
		ParentPID:      parentPID,
		PGID:           parentPID,
		VAS:            vas,
		FDs:            fds,
		children:       make(map[uint64]struct{}),
		threads:        make(map[uint64]*sched.Thread),
		ZombieChildren: ksync.NewSemaphore(0, 1<<30),
	}
}

// AddThread records t as belonging to this process. sched.Scheduler is the
// authority on a thread's scheduling state; Process only needs to know
// which threads to account for at termination.
func (p *Process) AddThread(t *sched.Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads[t.ID] = t
}

// Threads returns a snapshot of this process's threads.
func (p *Process) Threads() []*sched.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*sched.Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	return out
}

func (p *Process) addChild(pid uint64) {
	p.mu.Lock()
	p.children[pid] = struct{}{}
	p.mu.Unlock()
}

func (p *Process) removeChild(pid uint64) {
	p.mu.Lock()
	delete(p.children, pid)
	p.mu.Unlock()
}

func (p *Process) childPIDs() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, 0, len(p.children))
	for pid := range p.children {
		out = append(out, pid)
	}
	return out
}

// Terminated reports whether the process has exited (is a zombie awaiting
// reaping).
func (p *Process) Terminated() (status int, terminated bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus, p.terminated
}

// Table is the process table: PID-indexed, guarded by its own lock so
// Fork/Wait/Exec never need to lock more than one process at a time plus
// the table (spec.md §9's PID-indirection note -- a Process never holds a
// pointer to another Process, only a PID the Table resolves).
type Table struct {
	mgr   *vmm.Manager
	sched *sched.Scheduler

	mu      sync.Mutex
	procs   map[uint64]*Process
	nextPID uint64
}

// NewTable creates an empty process table wired to the VMM and scheduler
// every process's VAS and threads live in.
func NewTable(mgr *vmm.Manager, s *sched.Scheduler) *Table {
	return &Table{
		mgr:     mgr,
		sched:   s,
		procs:   make(map[uint64]*Process),
		nextPID: InitPID,
	}
}

// Lookup returns the process registered under pid, if any.
func (t *Table) Lookup(pid uint64) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

func (t *Table) allocPID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid := t.nextPID
	t.nextPID++
	return pid
}

func (t *Table) register(p *Process) {
	t.mu.Lock()
	t.procs[p.PID] = p
	t.mu.Unlock()
}

func (t *Table) unregister(pid uint64) {
	t.mu.Lock()
	delete(t.procs, pid)
	t.mu.Unlock()
}

// CreateInit creates process 1, the root of the reparenting tree every
// orphan is handed to (spec.md §4.7). It has no parent of its own.
func (t *Table) CreateInit() (*Process, *kernel.Error) {
	vas, err := t.mgr.NewVAS()
	if err != nil {
		return nil, err
	}
	p := newProcess(InitPID, 0, vas, NewFDTable())
	t.mu.Lock()
	t.procs[InitPID] = p
	if t.nextPID <= InitPID {
		t.nextPID = InitPID + 1
	}
	t.mu.Unlock()
	return p, nil
}
