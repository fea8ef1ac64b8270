package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/roomcast/roomcast/internal/dlq"
	"github.com/roomcast/roomcast/internal/message"
	"github.com/roomcast/roomcast/internal/metrics"
)

type fakeDynamo struct {
	mu         sync.Mutex
	batchCalls []*dynamodb.BatchWriteItemInput
	batchErr   error
	// unprocessedOnce returns unprocessed items on the first call only.
	unprocessedOnce bool

	queryCalls []*dynamodb.QueryInput
	queryErr   error
	queryItems []map[string]types.AttributeValue
}

func (f *fakeDynamo) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls = append(f.batchCalls, params)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := &dynamodb.BatchWriteItemOutput{}
	if f.unprocessedOnce {
		f.unprocessedOnce = false
		for table, reqs := range params.RequestItems {
			out.UnprocessedItems = map[string][]types.WriteRequest{table: reqs[:1]}
		}
	}
	return out, nil
}

func (f *fakeDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls = append(f.queryCalls, params)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &dynamodb.QueryOutput{Items: f.queryItems}, nil
}

func (f *fakeDynamo) batchCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batchCalls)
}

type throttlingError struct{}

func (throttlingError) Error() string                 { return "throttled" }
func (throttlingError) ErrorCode() string             { return "ThrottlingException" }
func (throttlingError) ErrorMessage() string          { return "throttled" }
func (throttlingError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

type validationError struct{}

func (validationError) Error() string                 { return "validation failed" }
func (validationError) ErrorCode() string             { return "ValidationException" }
func (validationError) ErrorMessage() string          { return "validation failed" }
func (validationError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func makeBatch(n int) []message.Envelope {
	batch := make([]message.Envelope, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, message.Envelope{
			MessageID: fmt.Sprintf("m%d", i),
			RoomID:    "1",
			UserID:    "42",
			Username:  "alice",
			Body:      "hi",
			Timestamp: "2026-08-30T12:00:00Z",
			Type:      message.TypeText,
		})
	}
	return batch
}

func newTestWriter(client DynamoDBAPI, sink *dlq.Sink, opts WriterOptions) *Writer {
	return NewWriter(client, "ChatMessages", 5, sink, opts, slog.Default(), metrics.NewForTesting())
}

func newTestSink() *dlq.Sink {
	return dlq.NewSink(1000, slog.Default(), metrics.NewForTesting())
}

func fastOpts() WriterOptions {
	return WriterOptions{MaxAttempts: 1, InitialInterval: time.Millisecond}
}

func TestBatchSplitsIntoStoreSizedChunks(t *testing.T) {
	fake := &fakeDynamo{}
	w := newTestWriter(fake, newTestSink(), fastOpts())

	w.WriteBatch(context.Background(), makeBatch(57))

	if got := fake.batchCallCount(); got != 3 {
		t.Fatalf("store calls = %d, want 3", got)
	}
	wantSizes := []int{25, 25, 7}
	for i, call := range fake.batchCalls {
		if got := len(call.RequestItems["ChatMessages"]); got != wantSizes[i] {
			t.Errorf("chunk %d size = %d, want %d", i, got, wantSizes[i])
		}
	}
}

func TestShardAssignmentWithinRange(t *testing.T) {
	fake := &fakeDynamo{}
	w := newTestWriter(fake, newTestSink(), fastOpts())

	w.WriteBatch(context.Background(), makeBatch(25))

	for _, req := range fake.batchCalls[0].RequestItems["ChatMessages"] {
		attr, ok := req.PutRequest.Item["bucketId"].(*types.AttributeValueMemberS)
		if !ok {
			t.Fatal("bucketId attribute missing or not a string")
		}
		if attr.Value < "0" || attr.Value > "4" {
			t.Errorf("bucketId = %q, want within [0,5)", attr.Value)
		}
	}
}

func TestSortKeyStoredAlongsideFields(t *testing.T) {
	fake := &fakeDynamo{}
	w := newTestWriter(fake, newTestSink(), fastOpts())

	w.WriteBatch(context.Background(), makeBatch(1))

	item := fake.batchCalls[0].RequestItems["ChatMessages"][0].PutRequest.Item
	sk, ok := item["timestampSk"].(*types.AttributeValueMemberS)
	if !ok || sk.Value != "2026-08-30T12:00:00Z#m0" {
		t.Errorf("timestampSk = %v, want 2026-08-30T12:00:00Z#m0", item["timestampSk"])
	}
}

func TestTransientFailureRetriesThenDeadLetters(t *testing.T) {
	fake := &fakeDynamo{batchErr: throttlingError{}}
	sink := newTestSink()
	w := newTestWriter(fake, sink, WriterOptions{MaxAttempts: 3, InitialInterval: time.Millisecond})

	w.WriteBatch(context.Background(), makeBatch(5))

	if got := fake.batchCallCount(); got != 3 {
		t.Errorf("store attempts = %d, want 3 (bounded retries)", got)
	}
	if sink.Size() != 5 {
		t.Errorf("dead-lettered = %d, want the whole batch of 5", sink.Size())
	}
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	fake := &fakeDynamo{batchErr: validationError{}}
	sink := newTestSink()
	w := newTestWriter(fake, sink, WriterOptions{MaxAttempts: 3, InitialInterval: time.Millisecond})

	w.WriteBatch(context.Background(), makeBatch(2))

	if got := fake.batchCallCount(); got != 1 {
		t.Errorf("store attempts = %d, want 1 (no retry on permanent error)", got)
	}
	if sink.Size() != 2 {
		t.Errorf("dead-lettered = %d, want 2", sink.Size())
	}
}

func TestBreakerShortCircuitsAfterSustainedFailure(t *testing.T) {
	fake := &fakeDynamo{batchErr: throttlingError{}}
	sink := newTestSink()
	w := newTestWriter(fake, sink, fastOpts())

	for i := 0; i < 3; i++ {
		w.WriteBatch(context.Background(), makeBatch(1))
	}
	attemptsBefore := fake.batchCallCount()
	if attemptsBefore != 3 {
		t.Fatalf("store attempts = %d, want 3", attemptsBefore)
	}

	// Fourth call must short-circuit with no network attempt and still
	// route its batch to the sink.
	w.WriteBatch(context.Background(), makeBatch(4))

	if got := fake.batchCallCount(); got != attemptsBefore {
		t.Errorf("store attempts after trip = %d, want still %d", got, attemptsBefore)
	}
	if sink.Size() != 3+4 {
		t.Errorf("dead-lettered = %d, want 7", sink.Size())
	}
}

func TestPartialFailureIsNotFatal(t *testing.T) {
	fake := &fakeDynamo{unprocessedOnce: true}
	sink := newTestSink()
	w := newTestWriter(fake, sink, fastOpts())

	w.WriteBatch(context.Background(), makeBatch(30))

	if got := fake.batchCallCount(); got != 2 {
		t.Errorf("store calls = %d, want 2 (batch continues past partial failure)", got)
	}
	if sink.Size() != 0 {
		t.Errorf("dead-lettered = %d, want 0 for a partial failure", sink.Size())
	}
}

func TestEmptyBatchIsNoop(t *testing.T) {
	fake := &fakeDynamo{}
	w := newTestWriter(fake, newTestSink(), fastOpts())

	w.WriteBatch(context.Background(), nil)

	if got := fake.batchCallCount(); got != 0 {
		t.Errorf("store calls = %d, want 0", got)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"throttling", throttlingError{}, true},
		{"validation", validationError{}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
