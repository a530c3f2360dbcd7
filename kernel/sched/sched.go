package sched

import (
	"runtime"
	"sync"
	"time"

	"corekernel/kernel"
	"corekernel/kernel/irql"
	"corekernel/kernel/kfmt"
	ksync "corekernel/kernel/sync"
)

// nowFn is the clock sleep/wake, timeslice-deadline and profiling
// arithmetic reads, a function variable in the teacher's own mocking idiom
// (see sync/spinlock.go's yieldFn) so a fake clock could replace it. No
// test in this package replaces it, and Remaining and Schedule's timeslice
// timer read the wall clock directly.
var nowFn = time.Now

// Scheduler owns the ready list, sleep queue and every thread's lifecycle
// state (spec.md §4.6). Its own lock runs at irql.Scheduler; code holding
// it must not block or fault.
type Scheduler struct {
	dispatcher *irql.Dispatcher
	lock       *ksync.Spinlock

	ready    []*Thread
	sleeping sleepHeap
	current  *Thread
	nextID   uint64

	timesliceBase    time.Duration
	timesliceDivisor int

	statsMu sync.Mutex
	stats   map[uint64]*threadStats
}

// NewScheduler returns an empty scheduler. Callers install it as the
// dispatcher's reschedule target so a latched reschedule request (spec.md
// §4.1) causes the next Schedule call to reconsider the ready list.
func NewScheduler(dispatcher *irql.Dispatcher, cfg kernel.Config) *Scheduler {
	s := &Scheduler{
		dispatcher:       dispatcher,
		lock:             ksync.NewSpinlock(dispatcher, irql.Scheduler),
		timesliceBase:    cfg.DefaultTimesliceBase,
		timesliceDivisor: cfg.DefaultTimesliceDivisor,
	}
	if s.timesliceDivisor == 0 {
		s.timesliceDivisor = 1
	}
	return s
}

func (s *Scheduler) timesliceFor(t *Thread) time.Duration {
	return s.timesliceBase + time.Duration(t.priority/s.timesliceDivisor)*time.Microsecond
}

// CreateThread builds a new thread belonging to processID, running entry
// once scheduled in, and adds it to the ready list. entry is invoked on a
// dedicated goroutine that does not start running until the scheduler
// first hands it the floor via Schedule.
func (s *Scheduler) CreateThread(processID uint64, policy Policy, priority int, entry func(*Thread)) *Thread {
	s.lock.Acquire()
	id := s.nextID
	s.nextID++

	t := &Thread{
		ID:         id,
		ProcessID:  processID,
		Policy:     policy,
		sched:      s,
		priority:   priority,
		state:      StateReady,
		canaryHead: canaryPattern,
		canaryTail: canaryPattern,
		entry:      entry,
		gate:       make(chan struct{}),
		parked:     make(chan parkEvent, 1),
	}
	t.resetContext()
	s.ready = insertReadyLocked(s.ready, t)
	s.lock.Release()

	go s.driveThread(t)
	return t
}

func (s *Scheduler) driveThread(t *Thread) {
	<-t.gate
	t.entry(t)

	s.lock.Acquire()
	t.state = StateTerminated
	s.lock.Release()
	t.parked <- parkEvent{reason: parkExit}
}

// Schedule runs one step of the scheduler: pick the ready list's head and
// give it the floor for up to one timeslice (or a gifted remainder),
// until it parks. Returns false if there was nothing runnable.
func (s *Scheduler) Schedule() bool {
	s.wakeExpiredSleepers()

	s.lock.Acquire()
	if len(s.ready) == 0 {
		s.lock.Release()
		return false
	}
	t := s.ready[0]
	s.ready = s.ready[1:]
	t.state = StateRunning
	s.current = t

	timeslice := t.giftedTimeslice
	if timeslice <= 0 {
		timeslice = s.timesliceFor(t)
	}
	t.giftedTimeslice = 0
	t.timesliceDeadline = nowFn().Add(timeslice)
	s.lock.Release()

	runStart := nowFn()
	t.gate <- struct{}{}

	var ev parkEvent
	select {
	case ev = <-t.parked:
	case <-time.After(timeslice):
		ev = parkEvent{reason: parkPreempt}
	}
	s.recordRun(t, nowFn().Sub(runStart))

	s.handlePark(t, ev)
	return true
}

func (s *Scheduler) handlePark(t *Thread, ev parkEvent) {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.current == t {
		s.current = nil
	}

	switch ev.reason {
	case parkExit:
		// state already set to StateTerminated by driveThread.
	case parkPreempt:
		s.driftPriorityLocked(t, true)
		t.state = StateReady
		s.ready = insertReadyLocked(s.ready, t)
	case parkYield:
		s.driftPriorityLocked(t, false)
		t.state = StateReady
		s.ready = insertReadyLocked(s.ready, t)
	case parkBlock:
		// state already set by Block; thread stays off every queue
		// until a matching Unblock.
	case parkSleep:
		s.pushSleepLocked(t)
	case parkWaitSignal:
		// left parked until a signal wakes it via Unblock.
	}
}

func (s *Scheduler) driftPriorityLocked(t *Thread, worse bool) {
	if t.Policy == PolicyFixed {
		return
	}
	min, max := band(t.Policy)
	if worse {
		if t.priority < max {
			t.priority++
		}
	} else {
		if t.priority > min {
			t.priority--
		}
	}
}

func (s *Scheduler) wakeExpiredSleepers() {
	now := nowFn()
	s.lock.Acquire()
	woken := s.popExpiredSleepersLocked(now)
	for _, t := range woken {
		t.state = StateReady
		s.ready = insertReadyLocked(s.ready, t)
	}
	s.lock.Release()

	for _, t := range woken {
		s.recordWait(t, now.Sub(t.waitSince))
	}
}

// Unblock returns t to the ready list and, if t now outranks the
// currently running thread, requests a reschedule (spec.md §4.6).
func (s *Scheduler) Unblock(t *Thread) {
	s.unblock(t, 0)
}

// UnblockWithGift is Unblock plus a donation of the caller's remaining
// timeslice to t, for a releaser wanting to shorten wake-up latency
// (spec.md §4.6's "timeslice gift").
func (s *Scheduler) UnblockWithGift(t *Thread, remaining time.Duration) {
	s.unblock(t, remaining)
}

func (s *Scheduler) unblock(t *Thread, gift time.Duration) {
	s.lock.Acquire()
	if t.state == StateTerminated {
		s.lock.Release()
		return
	}
	t.state = StateReady
	t.giftedTimeslice = gift
	s.ready = insertReadyLocked(s.ready, t)
	needsReschedule := s.current != nil && t.priority < s.current.priority
	s.lock.Release()

	if needsReschedule {
		s.dispatcher.RequestReschedule()
	}
}

// Terminate implements spec.md §4.6's terminate: on the currently
// running thread it never returns (the goroutine exits via
// runtime.Goexit after reporting itself parked); on any other thread it
// latches a request that Thread.checkTerminateAfterResume honours the
// next time that thread is scheduled in.
func (s *Scheduler) Terminate(t *Thread) {
	s.lock.Acquire()
	self := s.current == t
	s.lock.Release()

	if !self {
		s.lock.Acquire()
		t.terminateRequested = true
		s.lock.Release()
		kfmt.Fprintf(threadLogger(t), "termination requested\n")
		return
	}

	s.lock.Acquire()
	t.state = StateTerminated
	s.lock.Release()
	kfmt.Fprintf(threadLogger(t), "self-terminating\n")
	t.parked <- parkEvent{reason: parkExit}
	runtime.Goexit()
}

// Current returns the thread currently holding the floor, or nil if the
// scheduler is idle.
func (s *Scheduler) Current() *Thread {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.current
}

// ReadyLen returns the number of threads waiting on the ready list, for
// tests and diagnostics.
func (s *Scheduler) ReadyLen() int {
	s.lock.Acquire()
	defer s.lock.Release()
	return len(s.ready)
}
