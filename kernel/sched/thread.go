// Package sched implements the L6 preemptive scheduler described in
// spec.md §4.6: threads, scheduling policies with priority drift, a
// priority-ordered ready list, a sleep queue, signal delivery and
// termination. It sits above kernel/irql (the scheduler's own lock runs at
// irql.Scheduler) and kernel/sync (blocking primitives a thread suspends
// inside).
//
// A hosted simulation cannot reproduce real hardware preemption (a timer
// interrupt forcing control away from whatever instruction a thread is
// mid-executing): archshim/sim's SwitchThread is a bookkeeping-only no-op
// for exactly this reason. Instead, kernel/sched drives concurrency with
// one goroutine per thread and a per-thread gate channel the scheduler
// signals to hand control over; a thread keeps that control until it
// cooperates by calling Yield, Block, Sleep or returning, at which point
// the scheduler regains the floor. Timeslice expiry is still tracked and
// still drives the priority-drift and gift formulas spec.md §4.6
// describes; it is simply honoured at the thread's next cooperative
// checkpoint rather than by literally interrupting a running goroutine.
package sched

import (
	"context"
	"sync"
	"time"

	"corekernel/kernel"
)

// State is one of the thread states spec.md §3 lists.
type State int

const (
	StateReady State = iota
	StateRunning
	StateSleeping
	StateWaitingSem
	StateWaitingSemTimed
	StateStopped
	StateWaitingSignal
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateWaitingSem:
		return "waiting-sem"
	case StateWaitingSemTimed:
		return "waiting-sem-timed"
	case StateStopped:
		return "stopped"
	case StateWaitingSignal:
		return "waiting-signal"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Policy selects how a thread's priority behaves across schedule
// decisions (spec.md §4.6).
type Policy int

const (
	// PolicyFixed never drifts.
	PolicyFixed Policy = iota
	// PolicyUserHigher drifts within the 50-150 band.
	PolicyUserHigher
	// PolicyUserNormal drifts within the 100-200 band.
	PolicyUserNormal
	// PolicyUserLower drifts within the 150-250 band.
	PolicyUserLower
)

func band(p Policy) (min, max int) {
	switch p {
	case PolicyUserHigher:
		return 50, 150
	case PolicyUserNormal:
		return 100, 200
	case PolicyUserLower:
		return 150, 250
	default:
		return 0, 0
	}
}

// Signal identifies one of the small, fixed set of signals this kernel
// core delivers (spec.md §4.6, §7's SIGSEGV-equivalent).
type Signal uint32

const (
	SignalKill Signal = 1 << iota
	SignalStop
	SignalCont
	// SignalSegv is delivered to a thread that took an unhandled page
	// fault (spec.md §7 class 3), never raised as a Go panic.
	SignalSegv
	SignalUser1
)

const canarySize = 8

var canaryPattern = [canarySize]byte{0xc0, 0xde, 0xca, 0xfe, 0xc0, 0xde, 0xca, 0xfe}

type parkReason int

const (
	parkYield parkReason = iota
	parkBlock
	parkSleep
	parkWaitSignal
	parkExit
	parkPreempt
)

type parkEvent struct {
	reason parkReason
}

// Thread is one schedulable unit of execution (spec.md §3). Every field
// that the scheduler or another thread can touch is guarded by the owning
// Scheduler's lock; fields only the thread's own goroutine reads after
// being scheduled in (ProcessID, Policy) are safe unguarded.
type Thread struct {
	ID        uint64
	ProcessID uint64
	Policy    Policy

	sched *Scheduler

	priority int
	state    State

	pendingSignals uint32
	blockedSignals uint32

	timesliceDeadline time.Time
	giftedTimeslice   time.Duration
	wakeAt            time.Time
	waitSince         time.Time

	canaryHead [canarySize]byte
	canaryTail [canarySize]byte

	entry              func(*Thread)
	gate               chan struct{}
	parked             chan parkEvent
	terminateRequested bool
	blockReason        string

	heapIdx int

	ctxMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	handlerAddr uintptr
}

// Priority returns the thread's current scheduling priority. Lower values
// run first.
func (t *Thread) Priority() int {
	t.sched.lock.Acquire()
	defer t.sched.lock.Release()
	return t.priority
}

// State returns the thread's current state.
func (t *Thread) State() State {
	t.sched.lock.Acquire()
	defer t.sched.lock.Release()
	return t.state
}

// SetHandlerAddr records the user-installed common signal handler address
// (spec.md §4.6's "the user-installed common handler"). A zero address
// means the process has no handler installed.
func (t *Thread) SetHandlerAddr(addr uintptr) {
	t.sched.lock.Acquire()
	t.handlerAddr = addr
	t.sched.lock.Release()
}

// HandlerAddr returns the address installed by SetHandlerAddr.
func (t *Thread) HandlerAddr() uintptr {
	t.sched.lock.Acquire()
	defer t.sched.lock.Release()
	return t.handlerAddr
}

// Context returns the context a blocking call (kernel/sync's Semaphore,
// Mailbox) should pass so a delivered, unblocked signal interrupts it.
// DeliverPending installs a fresh context each time it takes a pending
// signal, so the same Thread can be interrupted more than once over its
// lifetime; until then a cancelled context stays cancelled.
func (t *Thread) Context() context.Context {
	t.ctxMu.Lock()
	defer t.ctxMu.Unlock()
	return t.ctx
}

func (t *Thread) resetContext() {
	t.ctxMu.Lock()
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.ctxMu.Unlock()
}

func (t *Thread) interrupt() {
	t.ctxMu.Lock()
	cancel := t.cancel
	t.ctxMu.Unlock()
	cancel()
}

// Remaining returns how much of the current timeslice is left, for a
// releaser that wants to gift it to a thread it is about to unblock
// (spec.md §4.6's "released-with-timeslice-gift").
func (t *Thread) Remaining() time.Duration {
	d := time.Until(t.timesliceDeadline)
	if d < 0 {
		return 0
	}
	return d
}

// CorruptCanaryForTest overwrites the tail canary, for tests exercising
// CheckCanary's panic path.
func (t *Thread) CorruptCanaryForTest() {
	t.canaryTail[0] ^= 0xff
}

// CheckCanary panics with PanicStackCanaryCorrupt if either canary no
// longer matches its expected pattern.
func (t *Thread) CheckCanary() {
	if t.canaryHead != canaryPattern || t.canaryTail != canaryPattern {
		kernel.Panic(kernel.PanicStackCanaryCorrupt, "thread canary mismatch")
	}
}

// checkTerminateAfterResume runs at every point a thread's goroutine
// regains control after being rescheduled in, implementing spec.md
// §4.6's "next time that thread runs, self-terminates" for a foreign
// termination request.
func (t *Thread) checkTerminateAfterResume() {
	t.sched.lock.Acquire()
	req := t.terminateRequested
	t.sched.lock.Release()
	if req {
		t.sched.Terminate(t)
	}
}

// Yield voluntarily gives up the remainder of the current timeslice. The
// caller's priority improves by one step under a drifting policy (spec.md
// §4.6: "yielded early drops (better)").
func (t *Thread) Yield() {
	t.parked <- parkEvent{reason: parkYield}
	<-t.gate
	t.checkTerminateAfterResume()
}

// Block marks the caller non-runnable for reason and suspends it until a
// matching Unblock call. Block takes the scheduler lock itself, so the
// caller must not already hold it (the lock is not recursive).
func (t *Thread) Block(reason string) {
	t.sched.lock.Acquire()
	t.state = StateWaitingSem
	t.blockReason = reason
	t.waitSince = nowFn()
	t.sched.lock.Release()

	t.parked <- parkEvent{reason: parkBlock}
	<-t.gate
	t.checkTerminateAfterResume()
}

// Sleep suspends the caller until d has elapsed, placing it on the
// scheduler's sleep queue (spec.md §4.6).
func (t *Thread) Sleep(d time.Duration) {
	t.sched.lock.Acquire()
	t.state = StateSleeping
	t.wakeAt = nowFn().Add(d)
	t.waitSince = nowFn()
	t.sched.lock.Release()

	t.parked <- parkEvent{reason: parkSleep}
	<-t.gate
	t.checkTerminateAfterResume()
}

// WaitSignal suspends the caller until a signal it is not blocking is
// delivered.
func (t *Thread) WaitSignal() Signal {
	t.sched.lock.Acquire()
	t.state = StateWaitingSignal
	t.waitSince = nowFn()
	t.sched.lock.Release()

	t.parked <- parkEvent{reason: parkWaitSignal}
	<-t.gate
	t.checkTerminateAfterResume()

	sig, _ := t.DeliverPending()
	return sig
}
