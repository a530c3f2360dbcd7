package sync

import (
	"context"
	"sync"
	"time"

	"corekernel/kernel"
)

// Result is the outcome of a Semaphore.Acquire call (spec.md §4.4).
type Result int

const (
	// Success means the semaphore was decremented and the caller now
	// holds one unit.
	Success Result = iota
	// TimedOut means the timeout elapsed before a unit became available.
	TimedOut
	// Interrupted means a signal was delivered to the waiting thread
	// before a unit became available, and the caller did not opt out of
	// signal interruption.
	Interrupted
	// Cancelled means the semaphore was destroyed (in abort mode) while
	// the caller was waiting.
	Cancelled
)

// DestroyMode selects how Destroy treats outstanding holders.
type DestroyMode int

const (
	// DestroyAbort wakes every pending waiter with Cancelled, regardless
	// of how many units are currently held.
	DestroyAbort DestroyMode = iota
	// DestroyAssertNoHolders is a contract that every unit has been
	// returned; calling it while units are still held is a programmer
	// error and panics.
	DestroyAssertNoHolders
)

type waiter struct {
	ch chan Result
}

// Semaphore is a counter with a maximum, max, which
// Destroy(DestroyAssertNoHolders) checks the count against; Release does
// not check the count against max. Acquire(timeout) decrements when
// the counter is positive, otherwise blocks until Release, a signal, or
// the timeout elapses; Release(n) increments by n and wakes up to n
// waiters in FIFO order (spec.md §4.4).
type Semaphore struct {
	mu      sync.Mutex
	count   int
	max     int
	waiters []*waiter
}

// NewSemaphore returns a semaphore with the given initial count and
// maximum.
func NewSemaphore(initial, max int) *Semaphore {
	return &Semaphore{count: initial, max: max}
}

// NewMutex returns a semaphore of max 1, initially unheld -- spec.md
// §4.4's "a mutex is a semaphore of max 1".
func NewMutex() *Semaphore {
	return NewSemaphore(1, 1)
}

// Acquire attempts to decrement the semaphore. timeoutMs follows spec.md
// §4.4: 0 is a non-blocking try, negative waits forever, positive is a
// millisecond budget. ctx.Done() models signal delivery to the calling
// thread; pass context.Background() for a call that does not want to be
// interruptible by signals.
func (s *Semaphore) Acquire(ctx context.Context, timeoutMs int64) Result {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return Success
	}
	if timeoutMs == 0 {
		s.mu.Unlock()
		return TimedOut
	}

	w := &waiter{ch: make(chan Result, 1)}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeoutMs > 0 {
		timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-w.ch:
		return r
	case <-timeoutCh:
		if !s.removeWaiter(w) {
			return <-w.ch
		}
		return TimedOut
	case <-ctx.Done():
		if !s.removeWaiter(w) {
			return <-w.ch
		}
		return Interrupted
	}
}

// removeWaiter deletes w from the waiter queue and reports whether it was
// still present. It returns false if Release or Destroy already claimed w,
// in which case a result is already buffered on w.ch.
func (s *Semaphore) removeWaiter(w *waiter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.waiters {
		if q == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Release increments the counter by n and wakes up to n waiters in FIFO
// order. A waiter whose timeout or signal fires either leaves the queue
// before Release reaches it, or, if Release claimed it first, still
// returns the unit it was handed, so every wake here corresponds to a real
// unit transfer.
func (s *Semaphore) Release(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count += n
	for n > 0 && len(s.waiters) > 0 && s.count > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.count--
		n--
		w.ch <- Success
	}
}

// Destroy releases the semaphore's waiters according to mode. In
// DestroyAssertNoHolders mode, destroying a semaphore with outstanding
// holders (count below max) is a contract violation and panics.
func (s *Semaphore) Destroy(mode DestroyMode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == DestroyAssertNoHolders && s.count < s.max {
		kernel.Panic(kernel.PanicUnheldRelease, "Destroy(DestroyAssertNoHolders) called with outstanding holders")
	}

	for _, w := range s.waiters {
		w.ch <- Cancelled
	}
	s.waiters = nil
}
