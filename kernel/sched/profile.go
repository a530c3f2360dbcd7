package sched

import (
	"fmt"
	"time"

	"github.com/google/pprof/profile"
)

// threadStats accumulates the run time and wait (sleep-queue) time a
// thread has spent, for Scheduler.Profile's pprof export.
type threadStats struct {
	runNanos  int64
	waitNanos int64
}

// recordRun is called from Schedule after every run with how long t just
// held the floor, crediting run time whatever the park reason.
func (s *Scheduler) recordRun(t *Thread, d time.Duration) {
	s.statsMu.Lock()
	if s.stats == nil {
		s.stats = make(map[uint64]*threadStats)
	}
	st := s.stats[t.ID]
	if st == nil {
		st = &threadStats{}
		s.stats[t.ID] = st
	}
	st.runNanos += int64(d)
	s.statsMu.Unlock()
}

// recordWait credits d to t's accumulated wait time. Its only caller is
// wakeExpiredSleepers, so only time on the sleep queue is counted; time
// spent in Block or WaitSignal is not.
func (s *Scheduler) recordWait(t *Thread, d time.Duration) {
	s.statsMu.Lock()
	if s.stats == nil {
		s.stats = make(map[uint64]*threadStats)
	}
	st := s.stats[t.ID]
	if st == nil {
		st = &threadStats{}
		s.stats[t.ID] = st
	}
	st.waitNanos += int64(d)
	s.statsMu.Unlock()
}

// Profile renders the accumulated per-thread run/wait time as a
// *profile.Profile, so a postmortem tool can load it with standard pprof
// tooling instead of a bespoke dump format (see DOMAIN STACK). Each
// thread becomes one Sample labelled with its thread ID; the two value
// types are "cpu" (run time) and "wait" (sleep-queue time; time blocked
// in Block or WaitSignal is not included), both in nanoseconds.
func (s *Scheduler) Profile() *profile.Profile {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "cpu", Unit: "nanoseconds"},
			{Type: "wait", Unit: "nanoseconds"},
		},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     1,
		TimeNanos:  nowFn().UnixNano(),
	}

	for id, st := range s.stats {
		fn := &profile.Function{
			ID:   uint64(len(p.Function)) + 1,
			Name: fmt.Sprintf("thread-%d", id),
		}
		p.Function = append(p.Function, fn)

		loc := &profile.Location{
			ID:   uint64(len(p.Location)) + 1,
			Line: []profile.Line{{Function: fn}},
		}
		p.Location = append(p.Location, loc)

		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{st.runNanos, st.waitNanos},
			Label:    map[string][]string{"thread_id": {fmt.Sprintf("%d", id)}},
		})
	}

	return p
}
