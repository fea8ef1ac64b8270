package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomcast/roomcast/internal/ids"
	"github.com/roomcast/roomcast/internal/jsoncodec"
	"github.com/roomcast/roomcast/internal/message"
	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/session"
)

// Publisher accepts a validated message for room delivery.
type Publisher interface {
	Publish(ctx context.Context, env message.Envelope) error
}

// Handler upgrades /chat/{roomID} requests and runs the per-connection
// read loop.
type Handler struct {
	upgrader  websocket.Upgrader
	registry  *session.Registry
	validator *message.Validator
	publisher Publisher
	serverID  string
	roomCount int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewHandler(registry *session.Registry, validator *message.Validator, publisher Publisher, serverID string, roomCount int, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		registry:  registry,
		validator: validator,
		publisher: publisher,
		serverID:  serverID,
		roomCount: roomCount,
		logger:    logger.With("component", "ws"),
		metrics:   m,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.logger.Debug("upgrade rejected", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := newClient(ids.NewULID(), conn, h.logger)
	h.registry.Add(roomID, client)
	h.metrics.ConnectionsActive.Inc()
	h.logger.Info("connection opened",
		"room_id", roomID, "session_id", client.ID(), "remote", r.RemoteAddr)

	go client.writePump()
	h.readLoop(client, conn, roomID, r.RemoteAddr)

	h.registry.Remove(roomID, client)
	client.close()
	h.metrics.ConnectionsActive.Dec()
	h.logger.Info("connection closed", "room_id", roomID, "session_id", client.ID())
}

// roomFromPath accepts the numeric room id as the last path segment and
// bounds it to the configured room count.
func (h *Handler) roomFromPath(path string) (string, bool) {
	seg := path[strings.LastIndexByte(path, '/')+1:]
	n, err := strconv.Atoi(seg)
	if err != nil || n < 1 || n > h.roomCount {
		return "", false
	}
	return seg, true
}

func (h *Handler) readLoop(client *Client, conn *websocket.Conn, roomID, remoteAddr string) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				client.logger.Debug("read failed", "error", err)
			}
			return
		}

		var in message.Inbound
		if err := jsoncodec.Unmarshal(data, &in); err != nil {
			h.reply(client, message.Error("malformed JSON payload"))
			continue
		}

		if err := h.validator.Validate(in); err != nil {
			var ve *message.ValidationError
			if errors.As(err, &ve) {
				h.reply(client, message.Error(ve.Reason))
			} else {
				h.reply(client, message.Error("invalid message"))
			}
			continue
		}

		env := message.NewEnvelope(roomID, h.serverID, remoteAddr, in)
		if err := h.publisher.Publish(context.Background(), env); err != nil {
			h.reply(client, message.Error("message not accepted, retry later"))
			continue
		}

		h.reply(client, message.OK(in.MessageID, in))
	}
}

func (h *Handler) reply(client *Client, resp message.Response) {
	payload, err := jsoncodec.Marshal(resp)
	if err != nil {
		h.logger.Error("marshal response", "error", err)
		return
	}
	if err := client.Send(payload); err != nil {
		h.logger.Warn("response dropped", "session_id", client.ID(), "error", err)
	}
}
