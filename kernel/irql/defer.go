package irql

import (
	"container/heap"

	"corekernel/kernel"
)

// DeferredFunc is a unit of work scheduled to run at a strictly lower IRQL
// than the level it was deferred from.
type DeferredFunc func(ctx interface{})

type deferredWork struct {
	level Level
	seq   uint64
	fn    DeferredFunc
	ctx   interface{}
}

// deferredQueue is a priority queue ordered by (level desc, seq asc) so
// that Lower drains the highest-level work first and, within one level,
// preserves FIFO order -- exactly spec.md §5's ordering rule ("Deferred
// work at the same IRQL level runs FIFO; across levels, highest IRQL
// first").
type deferredQueue struct {
	items  []*deferredWork
	nextSeq uint64
}

func (q *deferredQueue) Len() int { return len(q.items) }

func (q *deferredQueue) Less(i, j int) bool {
	if q.items[i].level != q.items[j].level {
		return q.items[i].level > q.items[j].level
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *deferredQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *deferredQueue) Push(x interface{}) {
	q.items = append(q.items, x.(*deferredWork))
}

func (q *deferredQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

// Defer is the sole mechanism for running work at a lower IRQL than the
// caller (spec.md §4.1). If level equals the dispatcher's current IRQL,
// fn runs immediately (inline, synchronously). If level is higher than
// current, this is a programmer error and panics. If level is lower, fn
// is queued and runs during a future Lower call that reaches level.
func (d *Dispatcher) Defer(level Level, fn DeferredFunc, ctx interface{}) {
	switch {
	case level == d.current:
		fn(ctx)
	case level > d.current:
		kernel.Panic(kernel.PanicDeferTooHigh, "defer() requested an IRQL higher than the current one")
	default:
		d.nextSeqAndPush(level, fn, ctx)
	}
}

func (d *Dispatcher) nextSeqAndPush(level Level, fn DeferredFunc, ctx interface{}) {
	seq := d.queue.nextSeq
	d.queue.nextSeq++
	heap.Push(&d.queue, &deferredWork{level: level, seq: seq, fn: fn, ctx: ctx})
}

// drain runs every queued deferred entry whose level is >= floor, greatest
// level first, FIFO within a level. Entries below floor are left queued.
func (d *Dispatcher) drain(floor Level) {
	for d.queue.Len() > 0 && d.queue.items[0].level >= floor {
		w := heap.Pop(&d.queue).(*deferredWork)
		w.fn(w.ctx)
	}
}

// Pending returns the number of deferred entries still queued.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}
