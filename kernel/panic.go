package kernel

import "corekernel/kernel/kfmt"

// PanicReason is a numeric code identifying a contract violation (spec
// error class 1: programmer error). Unlike Error, a PanicReason never
// propagates as a return value -- reaching one of these conditions halts
// the kernel.
type PanicReason uint32

const (
	// PanicUnknown is used when Panic is called with a value that does
	// not map to any other reason (e.g. a redirected runtime panic).
	PanicUnknown PanicReason = iota
	// PanicWrongIRQL is raised when an operation runs at a higher IRQL
	// than its contract allows.
	PanicWrongIRQL
	// PanicDoubleFree is raised when the physical page allocator is asked
	// to free an already-free frame.
	PanicDoubleFree
	// PanicMisalignedFree is raised when Free is called with an address
	// that is not page aligned.
	PanicMisalignedFree
	// PanicUnheldRelease is raised when a spinlock is released while free,
	// and when a semaphore or mutex is destroyed in DestroyAssertNoHolders
	// mode while units are still held. Semaphore.Release does not raise it.
	PanicUnheldRelease
	// PanicExecWithVASLocked names the violation of invoking Exec while the
	// caller already holds its own VAS lock. No code path raises it: Exec
	// takes the VAS lock through vmm.WipeUser, which spins if the caller
	// already holds it.
	PanicExecWithVASLocked
	// PanicDeferTooHigh is raised when Defer is asked to schedule work at
	// an IRQL higher than the caller's current IRQL.
	PanicDeferTooHigh
	// PanicStackCanaryCorrupt is raised when a thread's kernel stack
	// canary no longer matches, indicating an overflow.
	PanicStackCanaryCorrupt
	// PanicDiskFailureOnSwap is raised when the swap file fails a read or
	// write: the swap file is the only copy of that page's content, so
	// unlike an ordinary file-backed mapping there is no zero-fill
	// fallback to fall back to.
	PanicDiskFailureOnSwap
)

var panicReasonText = map[PanicReason]string{
	PanicUnknown:            "unknown cause",
	PanicWrongIRQL:          "operation invoked at an illegal IRQL",
	PanicDoubleFree:         "physical frame freed twice",
	PanicMisalignedFree:     "free() called with a misaligned address",
	PanicUnheldRelease:      "release of a lock/semaphore/mutex not held by the caller",
	PanicExecWithVASLocked:  "exec() called while holding the VAS lock",
	PanicDeferTooHigh:       "defer() requested an IRQL higher than the current one",
	PanicStackCanaryCorrupt: "kernel stack canary corrupted",
	PanicDiskFailureOnSwap:  "disk failure reading or writing the swap file",
}

// Panic reports a contract violation and halts the kernel. It is the sole
// entry point for spec error class 1 (wrong IRQL, double-free, releasing an
// unheld lock, and so on). On bare metal this would halt the CPU, the way
// the teacher's kernel.Panic/cpu.Halt does; hosted, halting the kernel
// means terminating the current goroutine with a real Go panic carrying the
// formatted reason, so that callers exercising the contract-violation paths
// in tests can assert on it with recover().
func Panic(reason PanicReason, detail string) {
	text, ok := panicReasonText[reason]
	if !ok {
		text = panicReasonText[PanicUnknown]
	}

	msg := "kernel panic: " + text
	if detail != "" {
		msg += " (" + detail + ")"
	}

	kfmt.Printf("\n-----------------------------------\n")
	kfmt.Printf("%s", msg)
	kfmt.Printf("\n-----------------------------------\n")

	panicFn(msg)
}

// panicFn is a package-level indirection, in the teacher's mocking idiom,
// so tests can intercept a call to Panic. The default halts the goroutine
// with a real Go panic.
var panicFn = func(msg string) {
	panic(msg)
}
