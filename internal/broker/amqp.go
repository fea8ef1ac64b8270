package broker

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/roomcast/roomcast/internal/config"
)

const (
	// roomQueueTTLMillis drops messages that sit unconsumed in a room queue.
	roomQueueTTLMillis = 360000
	// roomQueueMaxLength bounds each room queue.
	roomQueueMaxLength = 5000
)

var (
	// Factories are variables so transport tests can substitute fakes
	// without a live broker.
	amqpConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	amqpPublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (*amqp.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	amqpSubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (*amqp.Subscriber, error) {
		return amqp.NewSubscriberWithConnection(cfg, logger, conn)
	}
)

// amqpTransport builds both paths over a single RabbitMQ connection.
//
// Work path: a durable queue per room, named after the topic, published via
// the default exchange with the queue name as routing key. Nack requeues, so
// redelivery gives at-least-once consumption behind the edge.
//
// Broadcast path: a fanout exchange per the broadcast topic with one
// transient queue per server instance, suffixed with the server id.
func amqpTransport(conf *config.Config, serverID string, logger watermill.LoggerAdapter) (*Transport, error) {
	conn, err := amqpConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   conf.AMQPURL,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, err
	}

	workCfg := workQueueConfig(conf)
	broadcastCfg := broadcastConfig(conf, serverID)

	workPub, err := amqpPublisherFactory(workCfg, logger, conn)
	if err != nil {
		return nil, err
	}
	workSub, err := amqpSubscriberFactory(workCfg, logger, conn)
	if err != nil {
		return nil, err
	}
	broadcastPub, err := amqpPublisherFactory(broadcastCfg, logger, conn)
	if err != nil {
		return nil, err
	}
	broadcastSub, err := amqpSubscriberFactory(broadcastCfg, logger, conn)
	if err != nil {
		return nil, err
	}

	return &Transport{
		WorkPublisher:       workPub,
		WorkSubscriber:      workSub,
		BroadcastPublisher:  broadcastPub,
		BroadcastSubscriber: broadcastSub,
		closers: []func() error{
			workPub.Close, workSub.Close,
			broadcastPub.Close, broadcastSub.Close,
			conn.Close,
		},
	}, nil
}

func workQueueConfig(conf *config.Config) amqp.Config {
	cfg := amqp.NewDurableQueueConfig(conf.AMQPURL)
	cfg.Queue.Arguments = amqp091.Table{
		"x-message-ttl": int32(roomQueueTTLMillis),
		"x-max-length":  int32(roomQueueMaxLength),
	}
	cfg.Consume.Qos.PrefetchCount = conf.PrefetchCount
	// Negative acknowledgment must requeue for redelivery.
	cfg.Consume.NoRequeueOnNack = false
	return cfg
}

func broadcastConfig(conf *config.Config, serverID string) amqp.Config {
	cfg := amqp.NewNonDurablePubSubConfig(
		conf.AMQPURL,
		amqp.GenerateQueueNameTopicNameWithSuffix("-"+serverID),
	)
	cfg.Queue.AutoDelete = true
	cfg.Consume.Qos.PrefetchCount = conf.PrefetchCount
	return cfg
}

// SetupTopology declares the static room queues and the broadcast binding
// before the router starts consuming. Declarations are idempotent, so running
// this on every boot is safe.
func SetupTopology(t *Transport, conf *config.Config) error {
	if init, ok := t.WorkSubscriber.(message.SubscribeInitializer); ok {
		for _, topic := range RoomTopics(conf.RoomCount) {
			if err := init.SubscribeInitialize(topic); err != nil {
				return err
			}
		}
	}
	if init, ok := t.BroadcastSubscriber.(message.SubscribeInitializer); ok {
		if err := init.SubscribeInitialize(BroadcastTopic); err != nil {
			return err
		}
	}
	return nil
}
