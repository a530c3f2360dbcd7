package proc

import (
	"testing"

	"corekernel/kernel/sched"
)

func TestWaitReapsTerminatedChild(t *testing.T) {
	tbl, s, _ := newTestTable(t)
	init, _ := tbl.CreateInit()

	child, err := tbl.Fork(init, sched.PolicyFixed, 120, 0, func(*sched.Thread, uintptr) {})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	tbl.Exit(child, 42)

	waiter := s.CreateThread(init.PID, sched.PolicyFixed, 100, func(*sched.Thread) {})

	pid, status, werr := tbl.Wait(init, waiter, -1)
	if werr != nil {
		t.Fatalf("Wait: %v", werr)
	}
	if pid != child.PID {
		t.Fatalf("expected to reap PID %d, got %d", child.PID, pid)
	}
	if status != 42 {
		t.Fatalf("expected exit status 42, got %d", status)
	}

	if _, ok := tbl.Lookup(child.PID); ok {
		t.Fatal("expected the reaped child to be removed from the process table")
	}
	for _, p := range init.childPIDs() {
		if p == child.PID {
			t.Fatal("expected the reaped child's PID to be removed from the parent's child set")
		}
	}
}

func TestWaitMatchesSpecificPID(t *testing.T) {
	tbl, s, _ := newTestTable(t)
	init, _ := tbl.CreateInit()

	a, _ := tbl.Fork(init, sched.PolicyFixed, 120, 0, func(*sched.Thread, uintptr) {})
	b, _ := tbl.Fork(init, sched.PolicyFixed, 120, 0, func(*sched.Thread, uintptr) {})
	tbl.Exit(b, 7)

	waiter := s.CreateThread(init.PID, sched.PolicyFixed, 100, func(*sched.Thread) {})

	pid, status, werr := tbl.Wait(init, waiter, int64(b.PID))
	if werr != nil {
		t.Fatalf("Wait: %v", werr)
	}
	if pid != b.PID || status != 7 {
		t.Fatalf("expected to reap b (PID %d, status 7), got PID %d status %d", b.PID, pid, status)
	}
	if _, ok := tbl.Lookup(a.PID); !ok {
		t.Fatal("expected the still-running sibling to remain in the process table")
	}
}

func TestExitReparentsOrphansToInit(t *testing.T) {
	tbl, s, _ := newTestTable(t)
	init, _ := tbl.CreateInit()

	parent, err := tbl.Fork(init, sched.PolicyFixed, 120, 0, func(*sched.Thread, uintptr) {})
	if err != nil {
		t.Fatalf("Fork parent: %v", err)
	}
	grandchild, err := tbl.Fork(parent, sched.PolicyFixed, 130, 0, func(*sched.Thread, uintptr) {})
	if err != nil {
		t.Fatalf("Fork grandchild: %v", err)
	}

	tbl.Exit(parent, 0)

	if grandchild.ParentPID != InitPID {
		t.Fatalf("expected orphan's parent to become init (%d), got %d", InitPID, grandchild.ParentPID)
	}

	found := false
	for _, pid := range init.childPIDs() {
		if pid == grandchild.PID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected init to have inherited the orphaned grandchild")
	}

	waiter := s.CreateThread(init.PID, sched.PolicyFixed, 100, func(*sched.Thread) {})
	reaped, status, werr := tbl.Wait(init, waiter, int64(parent.PID))
	if werr != nil {
		t.Fatalf("Wait for the exited parent: %v", werr)
	}
	if reaped != parent.PID || status != 0 {
		t.Fatalf("expected init to reap the exited parent (PID %d, status 0), got PID %d status %d", parent.PID, reaped, status)
	}
}
