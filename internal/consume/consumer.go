// Package consume implements the work-path consumer: it drains room queues,
// drops duplicate deliveries, and hands each message to the broadcast fanout
// and the persistence buffer.
package consume

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	"github.com/roomcast/roomcast/internal/broker"
	"github.com/roomcast/roomcast/internal/jsoncodec"
	"github.com/roomcast/roomcast/internal/message"
	"github.com/roomcast/roomcast/internal/metrics"
)

// Broadcaster republishes a message on the cluster-wide fanout.
type Broadcaster interface {
	Publish(ctx context.Context, env message.Envelope) error
}

// Buffer accepts messages for asynchronous persistence. Offer reports false
// when the buffer is full.
type Buffer interface {
	Offer(env message.Envelope) bool
}

// Consumer processes room-queue deliveries exactly once per message identity.
// At-least-once delivery from the broker is reconciled with an in-process
// dedupe set keyed by server-assigned message ID.
type Consumer struct {
	broadcaster Broadcaster
	buffer      Buffer
	seen        sync.Map
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func New(broadcaster Broadcaster, buffer Buffer, logger *slog.Logger, m *metrics.Metrics) *Consumer {
	return &Consumer{
		broadcaster: broadcaster,
		buffer:      buffer,
		logger:      logger.With("component", "consumer"),
		metrics:     m,
	}
}

// Register adds one handler per room topic, spread round-robin across the
// configured number of consumer groups.
func (c *Consumer) Register(router *wmmessage.Router, sub wmmessage.Subscriber, roomCount, groupCount int) {
	for groupID, topics := range broker.GroupTopics(roomCount, groupCount) {
		for _, topic := range topics {
			name := fmt.Sprintf("room-consumer-g%d-%s", groupID, topic)
			router.AddNoPublisherHandler(name, topic, sub, c.Handle)
		}
	}
}

// Handle processes one delivery. A nil return acks the message; an error
// nacks it for redelivery. Undecodable payloads are acked and counted as
// failed so they cannot poison the queue.
func (c *Consumer) Handle(msg *wmmessage.Message) error {
	var env message.Envelope
	if err := jsoncodec.Unmarshal(msg.Payload, &env); err != nil {
		c.metrics.FailedMessages.Inc()
		c.logger.Error("dropping undecodable delivery", "error", err, "message_uuid", msg.UUID)
		return nil
	}

	dedupeID := env.DedupeID()
	if _, loaded := c.seen.LoadOrStore(dedupeID, struct{}{}); loaded {
		c.metrics.DuplicateMessages.Inc()
		c.logger.Debug("dropping duplicate delivery",
			"message_id", env.MessageID, "room_id", env.RoomID)
		return nil
	}

	if err := c.broadcaster.Publish(msg.Context(), env); err != nil {
		// Forget the ID so the redelivery is not mistaken for a duplicate.
		c.seen.Delete(dedupeID)
		c.metrics.FailedMessages.Inc()
		return fmt.Errorf("broadcast message %s: %w", env.MessageID, err)
	}

	if !c.buffer.Offer(env) {
		c.logger.Warn("persistence buffer full, message not persisted",
			"message_id", env.MessageID, "room_id", env.RoomID)
	}

	c.metrics.MessagesProcessed.Inc()
	return nil
}
