// Package dlq implements the in-process dead-letter sink: the durability
// backstop for batches that could not be persisted.
package dlq

import (
	"errors"
	"log/slog"

	"github.com/roomcast/roomcast/internal/message"
	"github.com/roomcast/roomcast/internal/metrics"
)

// ErrSinkFull is the drop outcome when the sink is at capacity. Offer never
// blocks; overflow is an explicit data-loss boundary.
var ErrSinkFull = errors.New("roomcast: dead-letter sink is full")

// Sink is a bounded buffer of messages that could not be persisted. It is
// drained on demand for operator-triggered reprocessing.
type Sink struct {
	buf     chan message.Envelope
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewSink creates a sink holding at most capacity messages.
func NewSink(capacity int, logger *slog.Logger, m *metrics.Metrics) *Sink {
	return &Sink{
		buf:     make(chan message.Envelope, capacity),
		logger:  logger.With("component", "dlq"),
		metrics: m,
	}
}

// Offer enqueues a message, or logs and drops it when the sink is full.
func (s *Sink) Offer(env message.Envelope) error {
	select {
	case s.buf <- env:
		s.metrics.DeadLettered.Inc()
		s.metrics.DLQDepth.Inc()
		return nil
	default:
		s.logger.Error("dead-letter sink full, dropping message",
			"message_id", env.MessageID, "room_id", env.RoomID)
		s.metrics.DLQDropped.Inc()
		return ErrSinkFull
	}
}

// OfferAll enqueues a whole failed batch, dropping individual messages that
// do not fit.
func (s *Sink) OfferAll(envs []message.Envelope) {
	for _, env := range envs {
		_ = s.Offer(env)
	}
}

// DrainAll returns and removes everything currently buffered.
func (s *Sink) DrainAll() []message.Envelope {
	var out []message.Envelope
	for {
		select {
		case env := <-s.buf:
			out = append(out, env)
			s.metrics.DLQDepth.Dec()
			s.metrics.DLQDrained.Inc()
		default:
			return out
		}
	}
}

// Size reports the number of messages currently buffered.
func (s *Sink) Size() int {
	return len(s.buf)
}
