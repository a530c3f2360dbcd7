// Command kcore is the hosted boot-sequence demo SPEC_FULL.md's MODULE MAP
// describes: it wires every core layer together in the same order the
// teacher's kmain.Kmain does (allocator init, then vmm, then the runtime),
// substituting the scheduler and process layers spec.md adds on top, and
// runs them against archshim/sim instead of real hardware.
//
// It is not a bootable kernel image -- the bootloader, ELF loader and
// device drivers that would produce one are the out-of-scope collaborators
// spec.md §1 names. This binary exists to exercise the wiring end to end:
// map a demand-zero page and fault it in, fork a child process, have the
// child exit, and have the parent reap it, printing each step through the
// same kfmt formatter every subsystem logs through.
package main

import (
	"os"

	"corekernel/kernel"
	"corekernel/kernel/archshim/sim"
	"corekernel/kernel/irql"
	"corekernel/kernel/kfmt"
	"corekernel/kernel/pmm"
	"corekernel/kernel/proc"
	"corekernel/kernel/sched"
	"corekernel/kernel/swapfile"
	"corekernel/kernel/vmm"
)

func main() {
	kfmt.SetOutputSink(os.Stdout)
	cfg := kernel.DefaultConfig()

	ram, err := sim.NewRAM(int(cfg.RAMPages)*int(vmm.PageSize), int(vmm.PageSize))
	if err != nil {
		kernel.Panic(kernel.PanicUnknown, "kcore: sim.NewRAM: "+err.Error())
	}
	defer ram.Close()
	arch := sim.New(ram, vmm.PageSize)

	dispatcher := irql.NewDispatcher()
	ppa := pmm.New(cfg.RAMPages, nil, cfg.LowMemoryWatermark, cfg.EmergencyReserve, dispatcher)
	ppa.BootstrapStack()
	kfmt.Printf("kcore: physical page allocator up, %d frames free\n", ppa.FreeCount())

	swapTmp, err := os.CreateTemp("", "kcore-swap-*")
	if err != nil {
		kernel.Panic(kernel.PanicUnknown, "kcore: CreateTemp: "+err.Error())
	}
	defer os.Remove(swapTmp.Name())
	defer swapTmp.Close()
	if err := swapTmp.Truncate(int64(cfg.SwapSlots) * int64(swapfile.PageSize)); err != nil {
		kernel.Panic(kernel.PanicUnknown, "kcore: Truncate: "+err.Error())
	}
	swap := swapfile.Open(int(swapTmp.Fd()), cfg.SwapSlots)

	mgr := vmm.NewManager(arch, ram, ppa, swap, dispatcher, 0x10000)
	s := sched.NewScheduler(dispatcher, cfg)
	dispatcher.SetRescheduleFunc(func() {})
	tbl := proc.NewTable(mgr, s)

	initProc, kerr := tbl.CreateInit()
	if kerr != nil {
		kernel.Panic(kernel.PanicUnknown, "kcore: CreateInit: "+kerr.Error())
	}
	ppa.SetEvictFn(func() { mgr.Evict(initProc.VAS) })
	initThread := s.CreateThread(initProc.PID, sched.PolicyFixed, 100, func(*sched.Thread) {})
	initProc.AddThread(initThread)
	kfmt.Printf("kcore: init process up, pid=%d\n", initProc.PID)

	// Demonstrate a demand-zero fault (spec.md §8 boundary scenario 1):
	// map one anonymous read/write page, touch it, observe the free-page
	// count drop by exactly one frame.
	before := ppa.FreeCount()
	virt, kerr := mgr.Map(initProc.VAS, 0, 0, 1, vmm.Read|vmm.Write, nil, 0, nil)
	if kerr != nil {
		kernel.Panic(kernel.PanicUnknown, "kcore: Map: "+kerr.Error())
	}
	if kerr := mgr.Fault(initProc.VAS, virt, vmm.AccessWrite); kerr != nil {
		kernel.Panic(kernel.PanicUnknown, "kcore: Fault: "+kerr.Error())
	}
	kfmt.Printf("kcore: demand-zero fault resolved, free pages %d -> %d\n", before, ppa.FreeCount())

	child, kerr := tbl.Fork(initProc, sched.PolicyFixed, 120, 0, func(self *sched.Thread, arg uintptr) {
		kfmt.Printf("kcore: child pid running, exiting with status 42\n")
		p, _ := tbl.Lookup(self.ProcessID)
		tbl.Exit(p, 42)
	})
	if kerr != nil {
		kernel.Panic(kernel.PanicUnknown, "kcore: Fork: "+kerr.Error())
	}
	kfmt.Printf("kcore: forked child pid=%d\n", child.PID)

	// Run a scheduler dispatch loop on its own goroutine, standing in for
	// the timer-driven reschedule spec.md §4.1/§4.6 describe, so init's
	// and the child's trampolines actually get the floor. init is
	// higher-priority (100 < 120) and runs first, then the child.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 64; i++ {
			if !s.Schedule() {
				return
			}
		}
	}()

	reaped, status, kerr := tbl.Wait(initProc, initThread, int64(child.PID))
	if kerr != nil {
		kernel.Panic(kernel.PanicUnknown, "kcore: Wait: "+kerr.Error())
	}
	kfmt.Printf("kcore: reaped pid=%d status=%d\n", reaped, status)

	<-done
}
