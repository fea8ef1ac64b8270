package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/roomcast/roomcast/internal/message"
)

type recordingWriter struct {
	mu      sync.Mutex
	batches [][]message.Envelope
	block   chan struct{}
}

func (w *recordingWriter) WriteBatch(ctx context.Context, batch []message.Envelope) {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	copied := make([]message.Envelope, len(batch))
	copy(copied, batch)
	w.batches = append(w.batches, copied)
}

func (w *recordingWriter) snapshot() [][]message.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]message.Envelope, len(w.batches))
	copy(out, w.batches)
	return out
}

func (w *recordingWriter) total() int {
	n := 0
	for _, b := range w.snapshot() {
		n += len(b)
	}
	return n
}

func env(i int) message.Envelope {
	return message.Envelope{MessageID: fmt.Sprintf("m%d", i), RoomID: "1"}
}

func newCoordinator(w BatchWriter, batchSize int) *Coordinator {
	return NewCoordinator(w, Options{
		BatchSize:      batchSize,
		FlushInterval:  10 * time.Millisecond,
		BufferCapacity: 64,
		WriterPoolSize: 2,
	}, slog.Default())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestFlushesBufferedItemsAsOneBatch(t *testing.T) {
	w := &recordingWriter{}
	c := newCoordinator(w, 10)

	for i := 0; i < 5; i++ {
		if !c.Offer(env(i)) {
			t.Fatalf("Offer(%d) rejected", i)
		}
	}
	c.Start()

	waitFor(t, func() bool { return w.total() == 5 })
	if batches := w.snapshot(); len(batches) != 1 {
		t.Errorf("batches = %d, want 1 batch of 5", len(batches))
	}
}

func TestBatchSizeBoundsFlush(t *testing.T) {
	w := &recordingWriter{}
	c := newCoordinator(w, 3)

	for i := 0; i < 7; i++ {
		c.Offer(env(i))
	}
	c.Start()

	waitFor(t, func() bool { return w.total() == 7 })
	for i, b := range w.snapshot() {
		if len(b) > 3 {
			t.Errorf("batch %d has %d items, want at most 3", i, len(b))
		}
	}
}

func TestOfferNeverBlocksWhenFull(t *testing.T) {
	w := &recordingWriter{}
	c := NewCoordinator(w, Options{
		BatchSize:      10,
		FlushInterval:  time.Hour,
		BufferCapacity: 2,
		WriterPoolSize: 1,
	}, slog.Default())
	// Loop intentionally not started: the buffer can only fill.

	if !c.Offer(env(1)) || !c.Offer(env(2)) {
		t.Fatal("offers under capacity must succeed")
	}

	done := make(chan bool, 1)
	go func() { done <- c.Offer(env(3)) }()
	select {
	case accepted := <-done:
		if accepted {
			t.Error("Offer over capacity = true, want silent rejection")
		}
	case <-time.After(time.Second):
		t.Fatal("Offer blocked on a full buffer")
	}
}

func TestStopDrainsRemainingBuffer(t *testing.T) {
	w := &recordingWriter{}
	c := newCoordinator(w, 4)
	c.Start()

	for i := 0; i < 10; i++ {
		c.Offer(env(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if w.total() != 10 {
		t.Errorf("persisted %d items across shutdown, want 10", w.total())
	}
}

func TestStopHonoursDeadlineWithStuckWriter(t *testing.T) {
	w := &recordingWriter{block: make(chan struct{})}
	c := newCoordinator(w, 4)
	c.Start()
	c.Offer(env(1))

	waitFor(t, func() bool {
		// The stuck writer holds a pool slot once dispatched.
		return len(c.pool) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Stop(ctx); err == nil {
		t.Error("Stop() = nil with a stuck writer, want deadline error")
	}
	close(w.block)
}
