// Package api serves the REST surface: room and user history, windowed
// analytics, dead-letter inspection, and health.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/roomcast/roomcast/internal/analytics"
	"github.com/roomcast/roomcast/internal/dlq"
	"github.com/roomcast/roomcast/internal/jsoncodec"
)

const defaultWindow = time.Hour

// Server holds the handlers behind the REST routes.
type Server struct {
	engine *analytics.Engine
	sink   *dlq.Sink
	logger *slog.Logger
}

func NewServer(engine *analytics.Engine, sink *dlq.Sink, logger *slog.Logger) *Server {
	return &Server{
		engine: engine,
		sink:   sink,
		logger: logger.With("component", "api"),
	}
}

// Routes builds the HTTP router. The WebSocket ingress is mounted under
// /chat/{roomID}; everything else is plain JSON over GET and POST.
func (s *Server) Routes(wsHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/chat/{roomID}", wsHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/rooms/{roomID}/messages", s.handleRoomHistory)
		r.Get("/users/{userID}/messages", s.handleUserHistory)
		r.Get("/users/{userID}/rooms", s.handleUserRooms)
		r.Get("/analytics", s.handleAnalytics)
		r.Get("/dlq", s.handleDLQSize)
		r.Post("/dlq/drain", s.handleDLQDrain)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleRoomHistory(w http.ResponseWriter, r *http.Request) {
	start, end, err := window(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.engine.RoomHistory(r.Context(), chi.URLParam(r, "roomID"), start, end)
	if err != nil {
		s.logger.Error("room history query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"windowStart": start,
		"windowEnd":   end,
		"messages":    records,
	})
}

func (s *Server) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	start, end, err := window(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.engine.UserHistory(r.Context(), chi.URLParam(r, "userID"), start, end)
	if err != nil {
		s.logger.Error("user history query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"windowStart": start,
		"windowEnd":   end,
		"messages":    records,
	})
}

func (s *Server) handleUserRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.engine.RoomsForUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.logger.Error("user rooms query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "rooms query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	start, end, err := window(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := s.engine.WindowStats(r.Context(), start, end)
	if err != nil {
		s.logger.Error("analytics query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "analytics query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDLQSize(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{"size": s.sink.Size()})
}

func (s *Server) handleDLQDrain(w http.ResponseWriter, r *http.Request) {
	drained := s.sink.DrainAll()
	s.logger.Info("dead-letter sink drained", "count", len(drained))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"drained":  len(drained),
		"messages": drained,
	})
}

// window resolves the start and end query parameters. Missing boundaries
// default to the trailing hour; all boundaries are truncated to the minute
// so that repeated dashboard polls hit the analytics caches.
func window(r *http.Request) (string, string, error) {
	now := time.Now().UTC().Truncate(time.Minute)
	start := now.Add(-defaultWindow)
	end := now

	if raw := r.URL.Query().Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return "", "", &paramError{"start", raw}
		}
		start = t.UTC().Truncate(time.Minute)
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return "", "", &paramError{"end", raw}
		}
		end = t.UTC().Truncate(time.Minute)
	}
	if end.Before(start) {
		return "", "", &paramError{"window", "end precedes start"}
	}
	return start.Format(time.RFC3339), end.Format(time.RFC3339), nil
}

type paramError struct {
	param string
	value string
}

func (e *paramError) Error() string {
	return "invalid " + e.param + " parameter: " + e.value
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
