package sim

import (
	"testing"

	"corekernel/kernel/archshim"
)

func TestMapAndUnmap(t *testing.T) {
	ram, err := NewRAM(64*4096, 4096)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	defer ram.Close()

	s := New(ram, 4096)
	vas, kerr := s.NewVAS()
	if kerr != nil {
		t.Fatalf("NewVAS: %v", kerr)
	}

	if err := s.AddMapping(vas, archshim.Entry{VirtAddr: 0x1000, PhysAddr: 0x2000, Pages: 2, Read: true, Write: true}); err != nil {
		t.Fatalf("AddMapping: %v", err)
	}

	if _, err := s.GetPageUsageBits(vas, 0x1000); err != nil {
		t.Fatalf("GetPageUsageBits: %v", err)
	}

	s.MarkAccessed(vas, 0x1000, true)
	bits, err := s.GetPageUsageBits(vas, 0x1000)
	if err != nil {
		t.Fatalf("GetPageUsageBits after mark: %v", err)
	}
	if !bits.Accessed || !bits.Dirty {
		t.Errorf("expected accessed+dirty, got %+v", bits)
	}

	if err := s.Unmap(vas, archshim.Entry{VirtAddr: 0x1000, Pages: 2}); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if _, err := s.GetPageUsageBits(vas, 0x1000); err == nil {
		t.Error("expected error reading usage bits of unmapped page")
	}
}

func TestIRQLRecording(t *testing.T) {
	s := New(nil, 4096)
	prev := s.SetIRQL(3)
	if prev != 0 {
		t.Errorf("expected initial IRQL 0, got %d", prev)
	}
	prev = s.SetIRQL(1)
	if prev != 3 {
		t.Errorf("expected previous IRQL 3, got %d", prev)
	}
}

func TestDisableRestoreInterrupts(t *testing.T) {
	s := New(nil, 4096)
	was := s.DisableInterrupts()
	if !was {
		t.Error("expected interrupts to have been enabled initially")
	}
	was = s.DisableInterrupts()
	if was {
		t.Error("expected interrupts to already be disabled")
	}
	s.RestoreInterrupts(true)
	was = s.DisableInterrupts()
	if !was {
		t.Error("expected RestoreInterrupts(true) to re-enable interrupts")
	}
}
