package sched

import (
	"container/heap"
	"time"
)

// insertReadyLocked inserts t into the priority-ordered ready list. The
// caller must hold the scheduler lock. Lower priority values run first;
// ties preserve insertion order, matching spec.md §4.6's "the scheduler
// always picks the head" over a stable priority ordering.
func insertReadyLocked(ready []*Thread, t *Thread) []*Thread {
	i := 0
	for i < len(ready) && ready[i].priority <= t.priority {
		i++
	}
	ready = append(ready, nil)
	copy(ready[i+1:], ready[i:])
	ready[i] = t
	return ready
}

// sleepHeap is a container/heap priority queue of sleeping threads,
// ordered by wake time (spec.md §4.6's "per-CPU priority queue keyed by
// expiry").
type sleepHeap []*Thread

func (h sleepHeap) Len() int { return len(h) }

func (h sleepHeap) Less(i, j int) bool { return h[i].wakeAt.Before(h[j].wakeAt) }

func (h sleepHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *sleepHeap) Push(x interface{}) {
	t := x.(*Thread)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

func (h *sleepHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

func (s *Scheduler) pushSleepLocked(t *Thread) {
	heap.Push(&s.sleeping, t)
}

func (s *Scheduler) popExpiredSleepersLocked(now time.Time) []*Thread {
	var woken []*Thread
	for s.sleeping.Len() > 0 && !s.sleeping[0].wakeAt.After(now) {
		woken = append(woken, heap.Pop(&s.sleeping).(*Thread))
	}
	return woken
}
