// Package publish sends validated messages to the room-scoped broker
// destination. A circuit breaker isolates transient broker outages: while
// the broker is down the edge drops messages instead of queueing them
// locally, an accepted at-most-once risk that ends once a message is
// admitted to the broker.
package publish

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker/v2"

	"github.com/roomcast/roomcast/internal/broker"
	"github.com/roomcast/roomcast/internal/jsoncodec"
	"github.com/roomcast/roomcast/internal/message"
	"github.com/roomcast/roomcast/internal/metrics"
)

const (
	consecutiveFailureLimit = 3
	openTimeout             = 20 * time.Second
)

// Publisher routes envelopes to their room destination.
type Publisher struct {
	pub     wmmessage.Publisher
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New wraps a Watermill publisher with the breaker policy.
func New(pub wmmessage.Publisher, logger *slog.Logger, m *metrics.Metrics) *Publisher {
	p := &Publisher{
		pub:     pub,
		logger:  logger.With("component", "publisher"),
		metrics: m,
	}

	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "broker-publish",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailureLimit
		},
		// Only connectivity-class errors trip the breaker; other publish
		// failures still fail the call but are not evidence of an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || !isConnectivityError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("publish breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return p
}

// Publish sends the envelope to its room topic. On failure the message is
// dropped with a logged and counted failure, never re-queued locally.
func (p *Publisher) Publish(ctx context.Context, env message.Envelope) error {
	payload, err := jsoncodec.Marshal(env)
	if err != nil {
		return err
	}

	_, err = p.breaker.Execute(func() (struct{}, error) {
		msg := wmmessage.NewMessage(env.MessageID, payload)
		msg.SetContext(ctx)
		return struct{}{}, p.pub.Publish(broker.RoomTopic(env.RoomID), msg)
	})
	if err != nil {
		p.metrics.PublishDropped.Inc()
		p.logger.Error("failed to publish message, dropping",
			"error", err, "message_id", env.MessageID, "room_id", env.RoomID)
		return err
	}
	return nil
}

// isConnectivityError reports whether the error looks like the broker being
// unreachable rather than a bad message.
func isConnectivityError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		return true
	}
	return errors.Is(err, amqp091.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded)
}
