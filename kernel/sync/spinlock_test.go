package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"corekernel/kernel/irql"
)

func TestSpinlock(t *testing.T) {
	// Substitute the yieldFn with runtime.Gosched to avoid deadlocks while testing
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		wg         sync.WaitGroup
		numWorkers = 10
	)
	sl := NewSpinlock(irql.NewDispatcher(), irql.Driver)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()
}

func TestSpinlockRaisesAndRestoresIRQL(t *testing.T) {
	d := irql.NewDispatcher()
	sl := NewSpinlock(d, irql.Driver)

	if d.Current() != irql.Standard {
		t.Fatalf("dispatcher should start at Standard, got %v", d.Current())
	}
	sl.Acquire()
	if d.Current() != irql.Driver {
		t.Fatalf("Acquire should raise IRQL to Driver, got %v", d.Current())
	}
	sl.Release()
	if d.Current() != irql.Standard {
		t.Fatalf("Release should restore IRQL to Standard, got %v", d.Current())
	}
}

func TestSpinlockTryToAcquireFailsWhenHeld(t *testing.T) {
	d := irql.NewDispatcher()
	sl := NewSpinlock(d, irql.Driver)

	sl.Acquire()
	if sl.TryToAcquire() {
		t.Fatal("TryToAcquire should fail while the lock is already held")
	}
	if d.Current() != irql.Driver {
		t.Fatalf("a failed TryToAcquire should leave IRQL exactly where Acquire left it, got %v", d.Current())
	}
	sl.Release()
	if d.Current() != irql.Standard {
		t.Fatalf("Release should restore IRQL to Standard, got %v", d.Current())
	}
}

func TestSpinlockTryToAcquireSucceedsWhenFree(t *testing.T) {
	d := irql.NewDispatcher()
	sl := NewSpinlock(d, irql.Driver)

	if !sl.TryToAcquire() {
		t.Fatal("TryToAcquire should succeed on a free lock")
	}
	if d.Current() != irql.Driver {
		t.Fatalf("successful TryToAcquire should raise IRQL to Driver, got %v", d.Current())
	}
	sl.Release()
}
