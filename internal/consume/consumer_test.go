package consume

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/roomcast/roomcast/internal/jsoncodec"
	"github.com/roomcast/roomcast/internal/message"
	"github.com/roomcast/roomcast/internal/metrics"
)

type fakeBroadcaster struct {
	mu       sync.Mutex
	envs     []message.Envelope
	failWith error
}

func (f *fakeBroadcaster) Publish(ctx context.Context, env message.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envs)
}

type fakeBuffer struct {
	mu   sync.Mutex
	envs []message.Envelope
	full bool
}

func (f *fakeBuffer) Offer(env message.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.envs = append(f.envs, env)
	return true
}

func (f *fakeBuffer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envs)
}

func delivery(t *testing.T, env message.Envelope) *wmmessage.Message {
	t.Helper()
	payload, err := jsoncodec.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return wmmessage.NewMessage(env.MessageID, payload)
}

func testEnvelope(id string) message.Envelope {
	return message.Envelope{
		MessageID: id,
		RoomID:    "3",
		UserID:    "42",
		Username:  "alice",
		Body:      "hi",
		Timestamp: "2026-08-30T12:00:00Z",
		Type:      message.TypeText,
		ServerID:  "server-abcd1234",
	}
}

func TestHandleBroadcastsAndBuffers(t *testing.T) {
	bc := &fakeBroadcaster{}
	buf := &fakeBuffer{}
	m := metrics.NewForTesting()
	c := New(bc, buf, slog.Default(), m)

	if err := c.Handle(delivery(t, testEnvelope("m1"))); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if bc.count() != 1 || buf.count() != 1 {
		t.Errorf("broadcasts = %d, buffered = %d, want 1 and 1", bc.count(), buf.count())
	}
	if got := testutil.ToFloat64(m.MessagesProcessed); got != 1 {
		t.Errorf("processed counter = %v, want 1", got)
	}
}

func TestHandleDropsDuplicateDelivery(t *testing.T) {
	bc := &fakeBroadcaster{}
	buf := &fakeBuffer{}
	m := metrics.NewForTesting()
	c := New(bc, buf, slog.Default(), m)

	env := testEnvelope("m1")
	for i := 0; i < 3; i++ {
		if err := c.Handle(delivery(t, env)); err != nil {
			t.Fatalf("Handle #%d: %v", i, err)
		}
	}

	if bc.count() != 1 {
		t.Errorf("broadcasts = %d, want exactly 1 despite redelivery", bc.count())
	}
	if buf.count() != 1 {
		t.Errorf("buffered = %d, want exactly 1 despite redelivery", buf.count())
	}
	if got := testutil.ToFloat64(m.DuplicateMessages); got != 2 {
		t.Errorf("duplicate counter = %v, want 2", got)
	}
}

func TestHandleDistinctMessagesAllPass(t *testing.T) {
	bc := &fakeBroadcaster{}
	buf := &fakeBuffer{}
	c := New(bc, buf, slog.Default(), metrics.NewForTesting())

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := c.Handle(delivery(t, testEnvelope(id))); err != nil {
			t.Fatalf("Handle(%s): %v", id, err)
		}
	}

	if bc.count() != 3 || buf.count() != 3 {
		t.Errorf("broadcasts = %d, buffered = %d, want 3 and 3", bc.count(), buf.count())
	}
}

func TestHandleAcksUndecodablePayload(t *testing.T) {
	bc := &fakeBroadcaster{}
	m := metrics.NewForTesting()
	c := New(bc, &fakeBuffer{}, slog.Default(), m)

	err := c.Handle(wmmessage.NewMessage("bad", []byte("{not json")))
	if err != nil {
		t.Fatalf("Handle = %v, want nil so the poison message is acked", err)
	}
	if bc.count() != 0 {
		t.Errorf("broadcasts = %d, want 0", bc.count())
	}
	if got := testutil.ToFloat64(m.FailedMessages); got != 1 {
		t.Errorf("failed counter = %v, want 1", got)
	}
}

func TestHandleBroadcastFailureNacksAndForgets(t *testing.T) {
	bc := &fakeBroadcaster{failWith: errors.New("fanout unavailable")}
	buf := &fakeBuffer{}
	c := New(bc, buf, slog.Default(), metrics.NewForTesting())

	env := testEnvelope("m1")
	if err := c.Handle(delivery(t, env)); err == nil {
		t.Fatal("Handle = nil, want error so the delivery is nacked")
	}
	if buf.count() != 0 {
		t.Errorf("buffered = %d, want 0 after broadcast failure", buf.count())
	}

	// Redelivery after the fanout recovers must be processed, not treated
	// as a duplicate.
	bc.failWith = nil
	if err := c.Handle(delivery(t, env)); err != nil {
		t.Fatalf("Handle after recovery: %v", err)
	}
	if bc.count() != 1 || buf.count() != 1 {
		t.Errorf("broadcasts = %d, buffered = %d, want 1 and 1", bc.count(), buf.count())
	}
}

func TestHandleFullBufferStillAcks(t *testing.T) {
	bc := &fakeBroadcaster{}
	c := New(bc, &fakeBuffer{full: true}, slog.Default(), metrics.NewForTesting())

	if err := c.Handle(delivery(t, testEnvelope("m1"))); err != nil {
		t.Fatalf("Handle = %v, want nil when only persistence is degraded", err)
	}
	if bc.count() != 1 {
		t.Errorf("broadcasts = %d, want 1", bc.count())
	}
}
