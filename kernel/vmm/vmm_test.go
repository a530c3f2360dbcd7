package vmm

import (
	"os"
	"testing"
	"unsafe"

	"corekernel/kernel/archshim/sim"
	"corekernel/kernel/irql"
	"corekernel/kernel/pmm"
	"corekernel/kernel/swapfile"
	"corekernel/kernel/vnode"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	ram, err := sim.NewRAM(256*PageSize, PageSize)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	t.Cleanup(func() { ram.Close() })

	arch := sim.New(ram, PageSize)
	dispatcher := irql.NewDispatcher()
	ppa := pmm.New(256, nil, 4, 0, dispatcher)
	ppa.BootstrapStack()

	f, err := os.CreateTemp("", "vmm-swap-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	t.Cleanup(func() { f.Close(); os.Remove(f.Name()) })
	if err := f.Truncate(32 * swapfile.PageSize); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	swap := swapfile.Open(int(f.Fd()), 32)

	return NewManager(arch, ram, ppa, swap, dispatcher, 0x10000)
}

func TestMapRejectsHardwareWithoutLock(t *testing.T) {
	m := newTestManager(t)
	vas, _ := m.NewVAS()

	if _, err := m.Map(vas, 0x1000, 0, 1, MapHardware, nil, 0, nil); err == nil {
		t.Fatal("expected map-hardware without lock to fail validation")
	}
}

func TestMapRejectsFileFlagMismatch(t *testing.T) {
	m := newTestManager(t)
	vas, _ := m.NewVAS()

	if _, err := m.Map(vas, 0, 0, 1, File, nil, 0, nil); err == nil {
		t.Fatal("expected file flag without a file handle to fail validation")
	}
}

func TestMapRejectsRelocatableUserMapping(t *testing.T) {
	m := newTestManager(t)
	vas, _ := m.NewVAS()
	v := vnode.NewMemVnode(make([]byte, PageSize), false)

	if _, err := m.Map(vas, 0, 0, 1, File|Relocatable|User, v, 0, nil); err == nil {
		t.Fatal("expected a user-accessible relocatable mapping to fail validation")
	}
}

func TestMapRejectsLockedShareOnFork(t *testing.T) {
	m := newTestManager(t)
	vas, _ := m.NewVAS()

	if _, err := m.Map(vas, 0, 0, 1, Read|Write|Lock|ShareOnFork, nil, 0, nil); err == nil {
		t.Fatal("expected lock combined with share-on-fork to fail validation")
	}
}

func TestAnonymousDemandZeroFault(t *testing.T) {
	m := newTestManager(t)
	vas, _ := m.NewVAS()

	virt, err := m.Map(vas, 0, 0, 1, Read|Write, nil, 0, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := m.Fault(vas, virt, AccessWrite); err != nil {
		t.Fatalf("Fault: %v", err)
	}

	bits, err := m.arch.GetPageUsageBits(vas.arch, virt)
	if err != nil {
		t.Fatalf("GetPageUsageBits: %v", err)
	}
	_ = bits

	e, _ := findEntry(m.global, virt)
	page := unsafe.Slice((*byte)(unsafe.Pointer(m.mem.Addr(e.pageStates[0].frame.Address()))), PageSize)
	for i, b := range page {
		if b != 0 {
			t.Fatalf("expected a demand-zero page, byte %d was %#x", i, b)
		}
	}
}

func TestLockEagerlyResolvesPage(t *testing.T) {
	m := newTestManager(t)
	vas, _ := m.NewVAS()

	virt, err := m.Map(vas, 0, 0, 1, Read|Write|Lock, nil, 0, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if _, err := m.arch.GetPageUsageBits(vas.arch, virt); err != nil {
		t.Fatalf("expected a locked mapping to be resident immediately: %v", err)
	}
}

func TestUnlockedPageIsNotResidentUntilFaulted(t *testing.T) {
	m := newTestManager(t)
	vas, _ := m.NewVAS()

	virt, err := m.Map(vas, 0, 0, 1, Read|Write, nil, 0, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if _, err := m.arch.GetPageUsageBits(vas.arch, virt); err == nil {
		t.Fatal("expected a non-locked mapping to not be resident before any fault")
	}
}

func TestSetPermissionsSplitsEntry(t *testing.T) {
	m := newTestManager(t)
	vas, _ := m.NewVAS()

	virt, err := m.Map(vas, 0, 0, 4, Read|Write|Lock|Local, nil, 0, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	target := virt + 2*PageSize
	if err := m.SetPermissions(vas, target, 0, Write, false); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}

	vas.lock.Acquire()
	defer vas.lock.Release()
	if len(vas.entries) != 3 {
		t.Fatalf("expected the 4-page entry to split into 3 entries, got %d", len(vas.entries))
	}
	e, _ := findEntry(vas.entries, target)
	if e == nil || e.pages != 1 {
		t.Fatalf("expected a single-page entry at the modified address")
	}
	if e.flags&Write != 0 {
		t.Fatal("expected Write to be cleared on the split-off page")
	}
}
