package sync

import (
	"context"
	"testing"
	"time"
)

func TestMailboxAddGetRoundTrip(t *testing.T) {
	mb := NewMailbox(4)
	if r := mb.Add(context.Background(), 'a', -1); r != Success {
		t.Fatalf("Add = %v, want Success", r)
	}
	b, r := mb.Get(context.Background(), -1)
	if r != Success || b != 'a' {
		t.Fatalf("Get = (%v, %v), want ('a', Success)", b, r)
	}
}

func TestMailboxAddBlocksWhenFull(t *testing.T) {
	mb := NewMailbox(1)
	if r := mb.Add(context.Background(), 'x', -1); r != Success {
		t.Fatalf("Add = %v, want Success", r)
	}
	if r := mb.Add(context.Background(), 'y', 0); r != TimedOut {
		t.Fatalf("Add on full mailbox = %v, want TimedOut", r)
	}
}

func TestMailboxGetBlocksWhenEmpty(t *testing.T) {
	mb := NewMailbox(1)
	if _, r := mb.Get(context.Background(), 0); r != TimedOut {
		t.Fatalf("Get on empty mailbox = %v, want TimedOut", r)
	}
}

func TestMailboxFIFOOrdering(t *testing.T) {
	mb := NewMailbox(4)
	for _, b := range []byte("abc") {
		mb.Add(context.Background(), b, -1)
	}
	for _, want := range []byte("abc") {
		b, r := mb.Get(context.Background(), -1)
		if r != Success || b != want {
			t.Fatalf("Get = (%v, %v), want (%v, Success)", b, r, want)
		}
	}
}

func TestMailboxBulkTransfersWhatCurrentlyFits(t *testing.T) {
	mb := NewMailbox(3)
	n := mb.AddBulk([]byte("abcdef"))
	if n != 3 {
		t.Fatalf("AddBulk wrote %d bytes, want 3", n)
	}

	out := make([]byte, 6)
	n = mb.GetBulk(out)
	if n != 3 {
		t.Fatalf("GetBulk read %d bytes, want 3", n)
	}
	if string(out[:3]) != "abc" {
		t.Fatalf("GetBulk contents = %q, want %q", out[:3], "abc")
	}
}

func TestMailboxTransferPartialSuccessOnInterrupt(t *testing.T) {
	mb := NewMailbox(8)
	ctx, cancel := context.WithCancel(context.Background())

	buf := []byte("hello world")
	done := make(chan struct {
		n int
		r Result
	}, 1)
	go func() {
		n, r := mb.Transfer(ctx, TransferOut, buf, -1)
		done <- struct {
			n int
			r Result
		}{n, r}
	}()

	// Nothing drains the mailbox: the transfer fills its 8 bytes, making
	// partial progress, then blocks and is cancelled before it can push the
	// rest through.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case result := <-done:
		if result.r != Interrupted && result.r != Success {
			t.Fatalf("Transfer result = %v, want Interrupted or Success", result.r)
		}
		if result.r == Interrupted && result.n == 0 {
			t.Fatal("Transfer reported Interrupted with zero partial progress, expected the mailbox to have absorbed some bytes")
		}
	case <-time.After(time.Second):
		t.Fatal("Transfer never returned after cancellation")
	}
}

func TestMailboxTransferInFillsBuffer(t *testing.T) {
	mb := NewMailbox(8)
	mb.AddBulk([]byte("abcd"))

	buf := make([]byte, 4)
	n, r := mb.Transfer(context.Background(), TransferIn, buf, -1)
	if r != Success || n != 4 {
		t.Fatalf("Transfer(In) = (%d, %v), want (4, Success)", n, r)
	}
	if string(buf) != "abcd" {
		t.Fatalf("Transfer(In) contents = %q, want %q", buf, "abcd")
	}
}
