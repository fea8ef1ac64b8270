package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"

	"github.com/roomcast/roomcast/internal/dlq"
	"github.com/roomcast/roomcast/internal/message"
	"github.com/roomcast/roomcast/internal/metrics"
)

// MaxBatchWriteChunk is the store's per-call item limit.
const MaxBatchWriteChunk = 25

// WriterOptions tunes the retry and breaker policies. Zero values fall back
// to defaults.
type WriterOptions struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	BreakerTimeout  time.Duration
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 50 * time.Millisecond
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	return o
}

// Writer persists logical batches. Each batch is split into store-sized
// chunks; transient failures are retried, sustained failure trips a circuit
// breaker, and a batch that still cannot be written goes to the dead-letter
// sink instead of being dropped.
type Writer struct {
	client     DynamoDBAPI
	table      string
	shardCount int
	sink       *dlq.Sink
	opts       WriterOptions
	breaker    *gobreaker.CircuitBreaker[struct{}]
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// shardOf draws the write shard; a field so tests can pin it.
	shardOf func() string
}

// NewWriter builds the batch writer.
func NewWriter(client DynamoDBAPI, table string, shardCount int, sink *dlq.Sink, opts WriterOptions, logger *slog.Logger, m *metrics.Metrics) *Writer {
	w := &Writer{
		client:     client,
		table:      table,
		shardCount: shardCount,
		sink:       sink,
		opts:       opts.withDefaults(),
		logger:     logger.With("component", "batch_writer"),
		metrics:    m,
	}
	w.shardOf = func() string {
		return strconv.Itoa(rand.IntN(w.shardCount))
	}

	w.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "dynamodb-write",
		MaxRequests: 1,
		Timeout:     w.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn("store breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return w
}

// WriteBatch writes one logical batch. On breaker-open or retry exhaustion
// the entire batch is routed to the dead-letter sink.
func (w *Writer) WriteBatch(ctx context.Context, batch []message.Envelope) {
	if len(batch) == 0 {
		return
	}

	_, err := w.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, w.writeLogicalBatch(ctx, batch)
	})
	if err != nil {
		w.metrics.BatchWriteFailures.Inc()
		w.logger.Error("batch write failed, routing to dead-letter sink",
			"error", err, "batch_size", len(batch))
		w.sink.OfferAll(batch)
		return
	}

	w.metrics.RecordsWritten.Add(float64(len(batch)))
}

func (w *Writer) writeLogicalBatch(ctx context.Context, batch []message.Envelope) error {
	for start := 0; start < len(batch); start += MaxBatchWriteChunk {
		end := min(start+MaxBatchWriteChunk, len(batch))
		if err := w.writeChunk(ctx, batch[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeChunk(ctx context.Context, chunk []message.Envelope) error {
	requests := make([]types.WriteRequest, 0, len(chunk))
	for _, env := range chunk {
		item, err := attributevalue.MarshalMap(message.NewStoredRecord(env, w.shardOf()))
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		requests = append(requests, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: item},
		})
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = w.opts.InitialInterval

	operation := func() (struct{}, error) {
		out, err := w.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{w.table: requests},
		})
		if err != nil {
			if isTransient(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}

		// Partial failures are logged and considered otherwise successful;
		// the remainder is not automatically re-submitted.
		if unprocessed := out.UnprocessedItems[w.table]; len(unprocessed) > 0 {
			w.metrics.PartialFailures.Inc()
			w.logger.Warn("partial batch failure",
				"unprocessed_items", len(unprocessed), "chunk_size", len(chunk))
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(w.opts.MaxAttempts),
	)
	return err
}

// isTransient reports whether the store error is worth retrying.
func isTransient(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException",
			"ThrottlingException",
			"RequestLimitExceeded",
			"InternalServerError",
			"ServiceUnavailable":
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
