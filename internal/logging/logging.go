// Package logging wires slog into the rest of the service, including the
// Watermill router and transports, so all components emit through one logger.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
)

var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// New builds the service logger. LOG_FORMAT=json selects the JSON handler;
// anything else falls back to text output for development. LOG_LEVEL accepts
// debug, info, warn, or error.
func New() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	var handler slog.Handler
	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// NewWatermillAdapter converts a slog logger into a Watermill LoggerAdapter so
// the router and AMQP transport log through the service logger.
func NewWatermillAdapter(log *slog.Logger) watermill.LoggerAdapter {
	if log == nil {
		panic("roomcast: slog logger cannot be nil")
	}
	return watermill.NewSlogLoggerWithLevelMapping(log, logLevelMapping)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
