package sync

import "context"

// Mailbox is a bounded byte stream backed by three inner semaphores (full
// slots, empty slots, an internal mutex guarding the ring indices) and two
// outer mutexes that serialize producer-side and consumer-side bulk
// transfers so a multi-byte Add/Get never interleaves with another one
// (spec.md §4.4).
type Mailbox struct {
	buf      []byte
	capacity int
	head     int
	tail     int

	full     *Semaphore
	empty    *Semaphore
	internal *Semaphore

	producerMu *Semaphore
	consumerMu *Semaphore
}

// NewMailbox returns an empty mailbox with room for capacity bytes.
func NewMailbox(capacity int) *Mailbox {
	return &Mailbox{
		buf:        make([]byte, capacity),
		capacity:   capacity,
		full:       NewSemaphore(0, capacity),
		empty:      NewSemaphore(capacity, capacity),
		internal:   NewMutex(),
		producerMu: NewMutex(),
		consumerMu: NewMutex(),
	}
}

// Add blocks (subject to ctx/timeoutMs) until there is room for one byte,
// then writes it.
func (m *Mailbox) Add(ctx context.Context, b byte, timeoutMs int64) Result {
	r := m.producerMu.Acquire(ctx, timeoutMs)
	if r != Success {
		return r
	}
	defer m.producerMu.Release(1)
	return m.addLocked(ctx, b, timeoutMs)
}

// Get blocks (subject to ctx/timeoutMs) until a byte is available, then
// returns it.
func (m *Mailbox) Get(ctx context.Context, timeoutMs int64) (byte, Result) {
	r := m.consumerMu.Acquire(ctx, timeoutMs)
	if r != Success {
		return 0, r
	}
	defer m.consumerMu.Release(1)
	return m.getLocked(ctx, timeoutMs)
}

// AddBulk writes as many bytes of data as currently fit without blocking
// for more room, returning the count actually written (spec.md §4.4:
// "transfer as many bytes as currently fit").
func (m *Mailbox) AddBulk(data []byte) int {
	m.producerMu.Acquire(context.Background(), -1)
	defer m.producerMu.Release(1)

	n := 0
	for _, b := range data {
		if m.addLocked(context.Background(), b, 0) != Success {
			break
		}
		n++
	}
	return n
}

// GetBulk reads as many bytes into data as are currently available without
// blocking for more, returning the count actually read.
func (m *Mailbox) GetBulk(data []byte) int {
	m.consumerMu.Acquire(context.Background(), -1)
	defer m.consumerMu.Release(1)

	n := 0
	for i := range data {
		b, r := m.getLocked(context.Background(), 0)
		if r != Success {
			break
		}
		data[i] = b
		n++
	}
	return n
}

// TransferDirection selects which side of the mailbox a Transfer moves
// data through.
type TransferDirection int

const (
	TransferOut TransferDirection = iota
	TransferIn
)

// Transfer moves up to len(buf) bytes through the mailbox (writing buf for
// TransferOut, filling buf for TransferIn), serialized against other bulk
// transfers on the same side. Unlike AddBulk/GetBulk it blocks per byte
// according to ctx/timeoutMs, and supports partial success: if some bytes
// have already transferred when a signal interrupts the call, the count
// transferred so far is returned alongside Interrupted rather than
// discarding the partial progress (spec.md §4.4).
func (m *Mailbox) Transfer(ctx context.Context, dir TransferDirection, buf []byte, timeoutMs int64) (int, Result) {
	outer := m.producerMu
	if dir == TransferIn {
		outer = m.consumerMu
	}

	if r := outer.Acquire(ctx, timeoutMs); r != Success {
		return 0, r
	}
	defer outer.Release(1)

	n := 0
	for i := range buf {
		var r Result
		if dir == TransferOut {
			r = m.addLocked(ctx, buf[i], timeoutMs)
		} else {
			var b byte
			b, r = m.getLocked(ctx, timeoutMs)
			if r == Success {
				buf[i] = b
			}
		}
		if r != Success {
			if n > 0 {
				return n, r
			}
			return 0, r
		}
		n++
	}
	return n, Success
}

// addLocked performs the empty-slot wait / ring write / full-slot signal
// sequence. The caller must already hold producerMu (or be the sole writer
// for bulk paths).
func (m *Mailbox) addLocked(ctx context.Context, b byte, timeoutMs int64) Result {
	if r := m.empty.Acquire(ctx, timeoutMs); r != Success {
		return r
	}
	m.internal.Acquire(context.Background(), -1)
	m.buf[m.tail] = b
	m.tail = (m.tail + 1) % m.capacity
	m.internal.Release(1)
	m.full.Release(1)
	return Success
}

// getLocked performs the full-slot wait / ring read / empty-slot signal
// sequence. The caller must already hold consumerMu (or be the sole reader
// for bulk paths).
func (m *Mailbox) getLocked(ctx context.Context, timeoutMs int64) (byte, Result) {
	if r := m.full.Acquire(ctx, timeoutMs); r != Success {
		return 0, r
	}
	m.internal.Acquire(context.Background(), -1)
	b := m.buf[m.head]
	m.head = (m.head + 1) % m.capacity
	m.internal.Release(1)
	m.empty.Release(1)
	return b, Success
}
