// Package persist buffers accepted messages and flushes them to the batch
// writer in bounded batches on a time or size trigger.
package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roomcast/roomcast/internal/message"
)

// BatchWriter receives the formed batches. Implementations own their failure
// handling; the coordinator never waits on a write result.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batch []message.Envelope)
}

// Coordinator owns the bounded intake buffer and the single flush loop.
// Producers push without blocking the consume path: when the buffer is full
// the offer fails silently instead of backpressuring the broker ack path.
type Coordinator struct {
	buf           chan message.Envelope
	writer        BatchWriter
	batchSize     int
	flushInterval time.Duration

	pool chan struct{}
	wg   sync.WaitGroup

	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once

	logger *slog.Logger
}

// Options tunes the coordinator.
type Options struct {
	BatchSize      int
	FlushInterval  time.Duration
	BufferCapacity int
	WriterPoolSize int
}

// NewCoordinator builds a coordinator; call Start to launch the flush loop.
func NewCoordinator(writer BatchWriter, opts Options, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		buf:           make(chan message.Envelope, opts.BufferCapacity),
		writer:        writer,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		pool:          make(chan struct{}, opts.WriterPoolSize),
		done:          make(chan struct{}),
		loopDone:      make(chan struct{}),
		logger:        logger.With("component", "persistence"),
	}
}

// Start launches the flush loop.
func (c *Coordinator) Start() {
	go c.flushLoop()
}

// Offer enqueues an envelope for persistence. It never blocks; false means
// the buffer was full and the message was not accepted.
func (c *Coordinator) Offer(env message.Envelope) bool {
	select {
	case c.buf <- env:
		return true
	default:
		c.logger.Warn("intake buffer full, dropping message", "message_id", env.MessageID)
		return false
	}
}

// Stop shuts the loop down cooperatively: the loop drains the remaining
// buffer, then in-flight writer tasks are awaited up to the context deadline.
// Running tasks are never force-cancelled.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.done) })

	select {
	case <-c.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	writersIdle := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(writersIdle)
	}()
	select {
	case <-writersIdle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) flushLoop() {
	defer close(c.loopDone)

	timer := time.NewTimer(c.flushInterval)
	defer timer.Stop()

	for {
		timer.Reset(c.flushInterval)
		select {
		case env := <-c.buf:
			batch := make([]message.Envelope, 0, c.batchSize)
			batch = append(batch, env)
			batch = c.drainInto(batch)
			c.dispatch(batch)

		case <-timer.C:
			// Empty wait period: no flush.

		case <-c.done:
			c.drainRemaining()
			return
		}
	}
}

// drainInto takes up to batchSize-1 additional buffered items without
// blocking.
func (c *Coordinator) drainInto(batch []message.Envelope) []message.Envelope {
	for len(batch) < c.batchSize {
		select {
		case env := <-c.buf:
			batch = append(batch, env)
		default:
			return batch
		}
	}
	return batch
}

func (c *Coordinator) drainRemaining() {
	for {
		batch := c.drainInto(make([]message.Envelope, 0, c.batchSize))
		if len(batch) == 0 {
			return
		}
		c.dispatch(batch)
	}
}

// dispatch hands a batch to the writer pool. The pool bound is the only
// point where the loop may wait, keeping the number of concurrent store
// writes fixed while the loop keeps draining ahead of completions.
func (c *Coordinator) dispatch(batch []message.Envelope) {
	c.pool <- struct{}{}
	c.wg.Add(1)
	go func() {
		defer func() {
			<-c.pool
			c.wg.Done()
		}()
		c.writer.WriteBatch(context.Background(), batch)
	}()
}
