package proc

import (
	"testing"

	"corekernel/kernel/sched"
)

func TestForkRegistersChildUnderParent(t *testing.T) {
	tbl, _, _ := newTestTable(t)
	init, err := tbl.CreateInit()
	if err != nil {
		t.Fatalf("CreateInit: %v", err)
	}

	child, err := tbl.Fork(init, sched.PolicyFixed, 120, 0, func(*sched.Thread, uintptr) {})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	if child.ParentPID != init.PID {
		t.Fatalf("expected child's parent PID to be %d, got %d", init.PID, child.ParentPID)
	}
	if got, ok := tbl.Lookup(child.PID); !ok || got != child {
		t.Fatal("expected the child to be registered in the process table")
	}

	found := false
	for _, pid := range init.childPIDs() {
		if pid == child.PID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the parent's child set to contain the new child's PID")
	}
	if child.VAS == init.VAS {
		t.Fatal("expected the child to get its own VAS, not share the parent's")
	}
}

func TestForkClonesFDTableIndependently(t *testing.T) {
	tbl, _, _ := newTestTable(t)
	init, _ := tbl.CreateInit()
	fd := init.FDs.Install(nil)

	child, err := tbl.Fork(init, sched.PolicyFixed, 120, 0, func(*sched.Thread, uintptr) {})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	if _, ok := child.FDs.Get(fd); !ok {
		t.Fatal("expected the child to inherit the parent's open descriptors")
	}

	child.FDs.Install(nil)
	if len(init.FDs.files) != 1 {
		t.Fatalf("expected the parent's FD table to be unaffected by the child's new installs, got %d entries", len(init.FDs.files))
	}
}
