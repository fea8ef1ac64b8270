package broker

import (
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/roomcast/roomcast/internal/config"
)

// Transport bundles the publisher/subscriber pairs for the two paths. The
// work pair speaks to the room queues; the broadcast pair speaks to the
// cluster-wide fanout destination.
type Transport struct {
	WorkPublisher       message.Publisher
	WorkSubscriber      message.Subscriber
	BroadcastPublisher  message.Publisher
	BroadcastSubscriber message.Subscriber

	closers []func() error
}

// Close releases the underlying connections.
func (t *Transport) Close() error {
	var firstErr error
	for _, close := range t.closers {
		if err := close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Build constructs the transport selected by the configuration. serverID
// becomes the per-instance broadcast queue suffix on AMQP.
func Build(conf *config.Config, serverID string, logger watermill.LoggerAdapter) (*Transport, error) {
	switch strings.ToLower(conf.PubSubSystem) {
	case "amqp":
		return amqpTransport(conf, serverID, logger)
	case "channel":
		return channelTransport(logger), nil
	default:
		return nil, fmt.Errorf("roomcast: unsupported pubsub system %q", conf.PubSubSystem)
	}
}

// channelTransport wires the whole pipeline over in-memory Pub/Sub: same code
// paths, no broker. Used for local development and tests.
func channelTransport(logger watermill.LoggerAdapter) *Transport {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1024}, logger)

	return &Transport{
		WorkPublisher:       pubSub,
		WorkSubscriber:      pubSub,
		BroadcastPublisher:  pubSub,
		BroadcastSubscriber: pubSub,
		closers:             []func() error{pubSub.Close},
	}
}
