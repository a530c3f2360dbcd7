// Package irql implements the L1 IRQL dispatcher described in spec.md §4.1:
// a totally ordered set of interrupt priority levels, and the deferred
// procedure mechanism that is the only way to run work at a lower IRQL than
// the caller.
package irql

import "corekernel/kernel"

// Level is one of the totally ordered IRQL levels. Higher numeric values
// are higher priority/more restrictive.
type Level uint8

const (
	// Standard is the level normal kernel and user code runs at. The
	// scheduler may preempt freely at this level.
	Standard Level = iota
	// PageFault is the level the VMM fault handler runs at; it may still
	// block on disk I/O (spec.md §4.5 "Fault handling runs below
	// scheduler IRQL").
	PageFault
	// Scheduler is the level the scheduler's own data structures are
	// protected at; code running here must not block or fault.
	Scheduler
	// Driver is the level device interrupt handlers run at.
	Driver
	// Timer is the level the periodic timer tick runs at.
	Timer
	// High is the highest level, reserved for non-maskable conditions.
	High
)

func (l Level) String() string {
	switch l {
	case Standard:
		return "standard"
	case PageFault:
		return "page-fault"
	case Scheduler:
		return "scheduler"
	case Driver:
		return "driver"
	case Timer:
		return "timer"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// Dispatcher holds one CPU's IRQL state: the current level, the deferred
// work queue and the latched reschedule flag. A real multi-CPU kernel
// would have one Dispatcher per CPU; spec.md §1 assumes a single CPU, so a
// single Dispatcher from NewDispatcher, shared by every layer, is normally
// all callers need.
type Dispatcher struct {
	current           Level
	queue             deferredQueue
	reschedulePending bool

	// rescheduleFn is invoked when IRQL returns to Standard and a
	// reschedule was latched while running at or above Scheduler. It is
	// a function variable, in the teacher's mocking idiom, so kernel/sched
	// can install itself without irql importing sched (which would be a
	// layering violation -- sched sits above irql).
	rescheduleFn func()
}

// NewDispatcher returns a Dispatcher starting at Standard IRQL.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// SetRescheduleFunc installs the callback invoked when a latched reschedule
// request is honoured. cmd/kcore's boot sequence calls this after creating
// the scheduler; sched.NewScheduler does not.
func (d *Dispatcher) SetRescheduleFunc(fn func()) {
	d.rescheduleFn = fn
}

// Current returns the dispatcher's current IRQL.
func (d *Dispatcher) Current() Level {
	return d.current
}

// Raise sets the current IRQL to at least level and returns the previous
// IRQL. Raising to a level lower than the current one is a contract
// violation -- callers that might already be higher should use
// RaiseAtLeast-style checks before calling Raise; a call that would lower
// the level panics via kernel.Panic(PanicWrongIRQL), exactly as spec.md §4.1
// requires ("violating this is a fatal condition").
func (d *Dispatcher) Raise(level Level) Level {
	if level < d.current {
		kernel.Panic(kernel.PanicWrongIRQL, "Raise called with a level below the current IRQL")
	}
	prev := d.current
	d.current = level
	return prev
}

// Lower restores the IRQL to a previously-saved level, draining any
// deferred work whose target level is >= the new level (greatest first),
// and honouring a latched reschedule once IRQL reaches Standard.
func (d *Dispatcher) Lower(to Level) {
	if to > d.current {
		kernel.Panic(kernel.PanicWrongIRQL, "Lower called with a level above the current IRQL")
	}

	d.current = to
	d.drain(to)

	if to == Standard && d.reschedulePending {
		d.reschedulePending = false
		if d.rescheduleFn != nil {
			d.rescheduleFn()
		}
	}
}

// RequestReschedule latches a reschedule request raised above Scheduler
// IRQL so it is honoured the next time IRQL reaches Standard (spec.md
// §4.1's "A reschedule request arriving above the scheduler level is
// latched").
func (d *Dispatcher) RequestReschedule() {
	if d.current > Scheduler {
		d.reschedulePending = true
		return
	}
	// At or below Scheduler IRQL, honour it immediately: the scheduler
	// lock (held at Scheduler IRQL) is not a barrier for requests coming
	// from the same or a lower level.
	if d.rescheduleFn != nil {
		d.rescheduleFn()
	}
}
