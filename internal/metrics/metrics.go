// Package metrics holds the Prometheus collectors shared by the pipeline
// stages. Errors in the asynchronous pipeline are never surfaced to a
// connection, so these counters are the primary operational signal.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roomcast"

// Metrics bundles every pipeline collector. A single instance is constructed
// at startup and handed to each component.
type Metrics struct {
	MessagesProcessed prometheus.Counter
	DuplicateMessages prometheus.Counter
	FailedMessages    prometheus.Counter

	PublishDropped prometheus.Counter

	RecordsWritten     prometheus.Counter
	BatchWriteFailures prometheus.Counter
	PartialFailures    prometheus.Counter

	DeadLettered  prometheus.Counter
	DLQDropped    prometheus.Counter
	DLQDepth      prometheus.Gauge
	DLQDrained    prometheus.Counter

	BroadcastDelivered prometheus.Counter
	BroadcastFailures  prometheus.Counter

	ConnectionsActive prometheus.Gauge
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// New creates the collector set and registers it. Passing nil uses the
// default registerer; tests pass a private registry.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		MessagesProcessed:  newCounter("consumer", "messages_processed_total", "Messages processed by the work consumer"),
		DuplicateMessages:  newCounter("consumer", "duplicate_messages_total", "Deliveries acknowledged as duplicates without side effects"),
		FailedMessages:     newCounter("consumer", "failed_messages_total", "Deliveries that failed processing, whether acked as poison or nacked for redelivery"),
		PublishDropped:     newCounter("publisher", "dropped_total", "Messages dropped at the edge because the broker was unreachable"),
		RecordsWritten:     newCounter("store", "records_written_total", "Records submitted to the store in batch writes"),
		BatchWriteFailures: newCounter("store", "batch_write_failures_total", "Logical batches that exhausted retries or hit an open breaker"),
		PartialFailures:    newCounter("store", "partial_failures_total", "Store chunks reporting unprocessed items"),
		DeadLettered:       newCounter("dlq", "messages_total", "Messages routed to the dead-letter sink"),
		DLQDropped:         newCounter("dlq", "dropped_total", "Messages dropped because the dead-letter sink was full"),
		DLQDrained:         newCounter("dlq", "drained_total", "Messages drained from the dead-letter sink"),
		DLQDepth:           newGauge("dlq", "depth", "Current number of messages held by the dead-letter sink"),
		BroadcastDelivered: newCounter("broadcast", "delivered_total", "Per-session broadcast deliveries"),
		BroadcastFailures:  newCounter("broadcast", "failures_total", "Per-session broadcast sends that failed"),
		ConnectionsActive:  newGauge("edge", "connections_active", "Currently registered WebSocket sessions"),
	}

	registerer.MustRegister(
		m.MessagesProcessed, m.DuplicateMessages, m.FailedMessages,
		m.PublishDropped,
		m.RecordsWritten, m.BatchWriteFailures, m.PartialFailures,
		m.DeadLettered, m.DLQDropped, m.DLQDrained, m.DLQDepth,
		m.BroadcastDelivered, m.BroadcastFailures,
		m.ConnectionsActive,
	)

	return m
}

// NewForTesting returns an unshared collector set backed by a throwaway
// registry.
func NewForTesting() *Metrics {
	return New(prometheus.NewRegistry())
}
