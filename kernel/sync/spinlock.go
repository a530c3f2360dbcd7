// Package sync provides the L3 synchronization primitives described in
// spec.md §4.4: an IRQL-aware spinlock, counting semaphores/mutexes with
// timeout and signal-interrupt semantics, and a bounded mailbox built on
// top of them.
package sync

import (
	"sync/atomic"

	"corekernel/kernel"
	"corekernel/kernel/irql"
)

// yieldFn is substituted with runtime.Gosched in tests, following the
// teacher's own mocking idiom in spinlock.go, so busy-wait loops make
// progress under the Go scheduler instead of starving other goroutines.
var yieldFn func()

// Spinlock raises the caller's IRQL to a fixed target level, busy-waits for
// the lock, and restores the previous IRQL on release. It is the only
// primitive in this package safe to use above Standard IRQL (spec.md §4.4:
// "semaphores are never acquired while spinlocks are held").
type Spinlock struct {
	state uint32
	level irql.Level

	dispatcher *irql.Dispatcher
	saved      irql.Level
}

// NewSpinlock returns a spinlock that, once acquired, holds the dispatcher
// at level until Release.
func NewSpinlock(dispatcher *irql.Dispatcher, level irql.Level) *Spinlock {
	return &Spinlock{dispatcher: dispatcher, level: level}
}

// Acquire raises IRQL to the lock's target level and busy-waits until the
// lock is free. Re-acquiring a lock already held by the caller deadlocks;
// the raw spinlock is intentionally non-recursive (spec.md §4.4).
func (l *Spinlock) Acquire() {
	l.saved = l.dispatcher.Raise(l.level)
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock without blocking. On success it
// still raises IRQL to the lock's level, exactly as Acquire does; the
// caller must Release regardless of whether it spun.
func (l *Spinlock) TryToAcquire() bool {
	saved := l.dispatcher.Raise(l.level)
	if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		l.saved = saved
		return true
	}
	l.dispatcher.Lower(saved)
	return false
}

// Release relinquishes a held lock and restores the IRQL in effect before
// Acquire. Calling Release while the lock is free is a contract violation
// and panics with kernel.PanicUnheldRelease.
func (l *Spinlock) Release() {
	if !atomic.CompareAndSwapUint32(&l.state, 1, 0) {
		kernel.Panic(kernel.PanicUnheldRelease, "spinlock released while free")
	}
	l.dispatcher.Lower(l.saved)
}
