// Package broadcast implements cluster-wide fan-out: every accepted message
// is republished on a single broadcast destination that every server instance
// subscribes to, and on receipt is delivered to the locally-held sessions of
// the message's room.
package broadcast

import (
	"context"
	"log/slog"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	"github.com/roomcast/roomcast/internal/broker"
	"github.com/roomcast/roomcast/internal/jsoncodec"
	"github.com/roomcast/roomcast/internal/message"
	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/session"
)

// Publisher republishes accepted envelopes onto the broadcast destination.
// The destination is not room-scoped: every instance sees every message
// regardless of which instance's clients are in the room.
type Publisher struct {
	pub wmmessage.Publisher
}

// NewPublisher binds the fanout publisher.
func NewPublisher(pub wmmessage.Publisher) *Publisher {
	return &Publisher{pub: pub}
}

// Publish sends the envelope to the broadcast topic.
func (p *Publisher) Publish(ctx context.Context, env message.Envelope) error {
	payload, err := jsoncodec.Marshal(env)
	if err != nil {
		return err
	}
	msg := wmmessage.NewMessage(env.MessageID, payload)
	msg.SetContext(ctx)
	return p.pub.Publish(broker.BroadcastTopic, msg)
}

// Deliverer is the per-instance broadcast consumer. It looks up the local
// sessions for the envelope's room and delivers to each one.
type Deliverer struct {
	registry *session.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewDeliverer builds the local delivery handler.
func NewDeliverer(registry *session.Registry, logger *slog.Logger, m *metrics.Metrics) *Deliverer {
	return &Deliverer{
		registry: registry,
		logger:   logger.With("component", "broadcast"),
		metrics:  m,
	}
}

// Register attaches the deliverer to the router on the broadcast topic.
func (d *Deliverer) Register(router *wmmessage.Router, sub wmmessage.Subscriber) {
	router.AddNoPublisherHandler("broadcast-deliverer", broker.BroadcastTopic, sub, d.Handle)
}

// Handle delivers one broadcast to every open session of its room. Chat
// delivery is best-effort: a failing send is logged and does not affect
// sibling sessions, and the handler never asks for redelivery.
func (d *Deliverer) Handle(msg *wmmessage.Message) error {
	var env message.Envelope
	if err := jsoncodec.Unmarshal(msg.Payload, &env); err != nil {
		d.logger.Error("dropping undecodable broadcast", "error", err, "message_uuid", msg.UUID)
		return nil
	}

	for _, s := range d.registry.List(env.RoomID) {
		if err := s.Send(msg.Payload); err != nil {
			d.metrics.BroadcastFailures.Inc()
			d.logger.Error("failed to send broadcast to session",
				"error", err, "session_id", s.ID(), "room_id", env.RoomID)
			continue
		}
		d.metrics.BroadcastDelivered.Inc()
	}
	return nil
}
