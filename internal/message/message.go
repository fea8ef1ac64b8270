// Package message defines the units that move through the pipeline: the
// client inbound payload, the broker envelope, the stored record, and the
// synchronous responses sent back over the socket.
package message

import (
	"time"

	"github.com/roomcast/roomcast/internal/ids"
)

// Type enumerates the inbound message kinds.
type Type string

const (
	TypeText  Type = "TEXT"
	TypeJoin  Type = "JOIN"
	TypeLeave Type = "LEAVE"
)

// Inbound is the client-submitted unit. MessageID is generated client-side so
// the client can correlate the OK response and later broadcast deliveries.
type Inbound struct {
	MessageID string `json:"messageId" validate:"required"`
	UserID    string `json:"userId" validate:"required,user_id"`
	Username  string `json:"username" validate:"required,chat_username"`
	Body      string `json:"message" validate:"required,min=1,max=500"`
	Timestamp string `json:"timestamp" validate:"required,iso8601"`
	Type      Type   `json:"messageType" validate:"required,oneof=TEXT JOIN LEAVE"`
}

// Envelope is the broker-transport record. It is immutable after creation;
// MessageID doubles as the de-duplication id on the consumer side.
type Envelope struct {
	MessageID       string `json:"messageId"`
	RoomID          string `json:"roomId"`
	UserID          string `json:"userId"`
	Username        string `json:"username"`
	Body            string `json:"message"`
	Timestamp       string `json:"timestamp"`
	Type            Type   `json:"messageType"`
	ServerID        string `json:"serverId"`
	ClientAddress   string `json:"clientAddress"`
	ClientMessageID string `json:"clientMessageId"`
}

// NewEnvelope wraps a validated inbound message for transport, stamping the
// originating server and remote address. A fresh ULID becomes the envelope's
// own id so redeliveries of the same publish share one dedupe id.
func NewEnvelope(roomID, serverID, clientAddr string, in Inbound) Envelope {
	return Envelope{
		MessageID:       ids.NewULID(),
		RoomID:          roomID,
		UserID:          in.UserID,
		Username:        in.Username,
		Body:            in.Body,
		Timestamp:       in.Timestamp,
		Type:            in.Type,
		ServerID:        serverID,
		ClientAddress:   clientAddr,
		ClientMessageID: in.MessageID,
	}
}

// DedupeID identifies the envelope at the idempotency boundary.
func (e Envelope) DedupeID() string { return e.MessageID }

// Response is the synchronous acknowledgment sent back on the socket. An OK
// status confirms the message was accepted for processing, not that it is
// durable yet.
type Response struct {
	Status            string `json:"status"`
	ServerTimestamp   string `json:"serverTimestamp"`
	OriginalMessageID string `json:"originalMessageId,omitempty"`
	Message           any    `json:"message,omitempty"`
}

// OK builds the success acknowledgment, echoing the original payload.
func OK(originalMessageID string, echo any) Response {
	return Response{
		Status:            "OK",
		ServerTimestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		OriginalMessageID: originalMessageID,
		Message:           echo,
	}
}

// Error builds the failure response carrying the rejection reason.
func Error(reason string) Response {
	return Response{
		Status:          "ERROR",
		ServerTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Message:         reason,
	}
}
