package irql

import "testing"

func TestDeferRunsImmediatelyAtSameLevel(t *testing.T) {
	d := NewDispatcher()
	d.Raise(Scheduler)
	ran := false
	d.Defer(Scheduler, func(interface{}) { ran = true }, nil)
	if !ran {
		t.Error("expected fn to run immediately when level == current IRQL")
	}
}

func TestDeferThenLowerRunsExactlyOnce(t *testing.T) {
	d := NewDispatcher()
	d.Raise(Driver)
	count := 0
	d.Defer(Standard, func(interface{}) { count++ }, nil)
	d.Lower(Standard)
	if count != 1 {
		t.Errorf("expected deferred fn to run exactly once, ran %d times", count)
	}
}

func TestIRQLOrderingOfDeferredWork(t *testing.T) {
	d := NewDispatcher()
	d.Raise(High)

	var order []string
	d.Defer(Timer, func(interface{}) { order = append(order, "f3") }, nil)
	d.Defer(Driver, func(interface{}) { order = append(order, "f2") }, nil)
	d.Defer(Standard, func(interface{}) { order = append(order, "f1") }, nil)

	d.Lower(Standard)

	want := []string{"f3", "f2", "f1"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("at %d: got %s, want %s", i, order[i], want[i])
		}
	}
}

func TestDeferAboveCurrentIRQLPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected Defer to panic when level is above the current IRQL")
		}
	}()
	d := NewDispatcher()
	d.Defer(Driver, func(interface{}) {}, nil)
}

func TestRaiseBelowCurrentPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected Raise to panic when level is below the current IRQL")
		}
	}()
	d := NewDispatcher()
	d.Raise(Driver)
	d.Raise(Standard)
}

func TestFIFOWithinSameLevel(t *testing.T) {
	d := NewDispatcher()
	d.Raise(Driver)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		d.Defer(Standard, func(interface{}) { order = append(order, i) }, nil)
	}
	d.Lower(Standard)

	for i, v := range order {
		if v != i {
			t.Errorf("expected FIFO order, got %v", order)
			break
		}
	}
}

func TestRequestRescheduleLatchedUntilStandard(t *testing.T) {
	d := NewDispatcher()
	fired := 0
	d.SetRescheduleFunc(func() { fired++ })

	d.Raise(Driver)
	d.RequestReschedule()
	if fired != 0 {
		t.Error("reschedule should be latched, not fired immediately, above Scheduler IRQL")
	}

	d.Lower(Scheduler)
	if fired != 0 {
		t.Error("reschedule should not fire before IRQL reaches Standard")
	}

	d.Lower(Standard)
	if fired != 1 {
		t.Errorf("expected reschedule to fire once IRQL reached Standard, fired=%d", fired)
	}
}
