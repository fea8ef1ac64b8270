// Package ws implements the WebSocket ingress: connection lifecycle, edge
// validation, and handoff of accepted messages to the room publisher.
package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufferSize = 256
)

// ErrSlowConsumer is returned by Send when a client's outbound buffer is
// full. The message is dropped for that client only.
var ErrSlowConsumer = errors.New("roomcast: client send buffer full")

// Client is one WebSocket connection. All writes to the socket go through
// the send channel; the write pump is the only goroutine touching the
// connection's write side.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newClient(id string, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger.With("session_id", id),
	}
}

// ID identifies the session within its room.
func (c *Client) ID() string { return c.id }

// Send queues a frame for delivery. It never blocks; a full buffer drops
// the frame and reports the client as slow.
func (c *Client) Send(p []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	case c.send <- p:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case p := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, p); err != nil {
				c.logger.Debug("write failed, closing connection", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
