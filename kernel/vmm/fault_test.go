package vmm

import (
	"bytes"
	"testing"
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/archshim/sim"
	"corekernel/kernel/swapfile"
	"corekernel/kernel/vnode"
)

// failingVnode always fails Read/Write, for exercising spec.md §7's
// file-backed read-error paths; Stat reports one page of content and the
// configured writability, which Map's validation consults for write
// mappings.
type failingVnode struct {
	writable bool
}

func (failingVnode) Read(offset int64, buf []byte) (int, *kernel.Error) {
	return 0, kernel.ErrAccess.WithMessage("vnode", "simulated read failure")
}

func (v failingVnode) Write(offset int64, buf []byte) (int, *kernel.Error) {
	return 0, kernel.ErrAccess.WithMessage("vnode", "simulated write failure")
}

func (v failingVnode) Stat() (int64, bool) { return PageSize, v.writable }

func pageContent(m *Manager, vas *VAS, virt uintptr) []byte {
	e, _ := findEntry(vas.entries, virt)
	ps := &e.pageStates[e.pageIndex(virt)]
	src := unsafe.Slice((*byte)(unsafe.Pointer(m.mem.Addr(ps.frame.Address()))), PageSize)
	buf := make([]byte, PageSize)
	copy(buf, src)
	return buf
}

func TestFileBackedFaultLoadsFileContent(t *testing.T) {
	m := newTestManager(t)
	vas, _ := m.NewVAS()

	want := bytes.Repeat([]byte{0x42}, PageSize)
	v := vnode.NewMemVnode(want, true)

	virt, err := m.Map(vas, 0, 0, 1, Read|Write|File|Local, v, 0, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.Fault(vas, virt, AccessRead); err != nil {
		t.Fatalf("Fault: %v", err)
	}

	got := pageContent(m, vas, virt)
	if !bytes.Equal(got, want) {
		t.Fatalf("page content after file-backed fault does not match the file")
	}
}

func TestUnmapWritesBackDirtyFilePage(t *testing.T) {
	m := newTestManager(t)
	vas, _ := m.NewVAS()

	v := vnode.NewMemVnode(make([]byte, PageSize), true)
	virt, err := m.Map(vas, 0, 0, 1, Read|Write|File, v, 0, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.Fault(vas, virt, AccessWrite); err != nil {
		t.Fatalf("Fault: %v", err)
	}

	e, _ := findEntry(m.global, virt)
	setPageByte(m, e.pageStates[0].frame, 0, 0x5c)

	s := m.arch.(*sim.Sim)
	s.MarkAccessed(vas.arch, virt, true)

	if err := m.Unmap(vas, virt, 1); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	size, _ := v.Stat()
	if size != PageSize {
		t.Fatalf("expected the vnode to still hold one page after write-back, got size %d", size)
	}
	got := make([]byte, 1)
	v.Read(0, got)
	if got[0] != 0x5c {
		t.Fatalf("expected the dirty page to be written back to the vnode, got first byte %#x", got[0])
	}
}

func TestFaultOnUnmappedAddressFails(t *testing.T) {
	m := newTestManager(t)
	vas, _ := m.NewVAS()

	if err := m.Fault(vas, 0x9999000, AccessRead); err == nil {
		t.Fatal("expected fault on an unmapped address to fail")
	}
}

func TestFaultPermissionMismatchFails(t *testing.T) {
	m := newTestManager(t)
	vas, _ := m.NewVAS()

	virt, err := m.Map(vas, 0, 0, 1, Read, nil, 0, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.Fault(vas, virt, AccessWrite); err == nil {
		t.Fatal("expected a write fault against a read-only mapping to fail")
	}
}

// TestHardIOFailPanicsOnFileReadError exercises spec.md §4.5's hard-io-fail
// flag: "File-read failure panics (swap) rather than returning zeros".
func TestHardIOFailPanicsOnFileReadError(t *testing.T) {
	m := newTestManager(t)
	vas, _ := m.NewVAS()

	virt, err := m.Map(vas, 0, 0, 1, Read|Write|File|HardIOFail, failingVnode{writable: true}, 0, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected a hard-io-fail file read error to panic")
		}
	}()
	m.Fault(vas, virt, AccessRead)
}

// TestFileBackedReadErrorZeroFillsByDefault exercises spec.md §7: absent
// hard-io-fail, a file-backed read error zero-fills the page and the fault
// proceeds rather than surfacing an unhandled-fault-shaped error.
func TestFileBackedReadErrorZeroFillsByDefault(t *testing.T) {
	m := newTestManager(t)
	vas, _ := m.NewVAS()

	virt, err := m.Map(vas, 0, 0, 1, Read|Write|File, failingVnode{writable: true}, 0, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := m.Fault(vas, virt, AccessRead); err != nil {
		t.Fatalf("expected the fault to proceed via zero-fill, got error: %v", err)
	}

	got := pageContent(m, vas, virt)
	for i, b := range got {
		if b != 0 {
			t.Fatalf("expected the page to be zero-filled after a read error, byte %d was %#x", i, b)
		}
	}
}

// TestSwapReadFailurePanics exercises spec.md §6's "failure reading swap is
// fatal (the original page content is irretrievable)" -- unconditional,
// unlike the file-backed hard-io-fail exception.
func TestSwapReadFailurePanics(t *testing.T) {
	m := newTestManager(t)
	vas, _ := m.NewVAS()

	virt, err := m.Map(vas, 0, 0, 1, Read|Write|Local, nil, 0, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.Fault(vas, virt, AccessWrite); err != nil {
		t.Fatalf("Fault: %v", err)
	}
	if err := m.Evict(vas); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	e, _ := findEntry(vas.entries, virt)
	if !e.pageStates[0].swapped {
		t.Fatal("expected the page to be swapped out before the read-failure check")
	}

	m.swap = swapfile.Open(-1, 32)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a swap read failure to panic")
		}
	}()
	m.Fault(vas, virt, AccessRead)
}
