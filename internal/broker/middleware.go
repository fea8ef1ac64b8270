package broker

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roomcast/roomcast/internal/ids"
)

const correlationIDKey = "correlation_id"

// NewRouter builds the consumer router with the standard middleware chain.
// Handler errors propagate to the subscriber, which nacks with requeue; the
// recoverer converts panics into errors so a poisonous payload cannot kill
// the consuming goroutine.
func NewRouter(logger watermill.LoggerAdapter) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, err
	}

	router.AddMiddleware(
		CorrelationIDMiddleware(),
		TracerMiddleware(),
		middleware.Recoverer,
	)
	return router, nil
}

// CorrelationIDMiddleware injects a correlation identifier into the message
// metadata when missing.
func CorrelationIDMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if _, ok := msg.Metadata[correlationIDKey]; !ok {
				msg.Metadata[correlationIDKey] = ids.NewULID()
			}
			return h(msg)
		}
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() message.HandlerMiddleware {
	tracer := otel.Tracer("roomcast/consumer")
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := tracer.Start(msg.Context(), "consume",
				trace.WithAttributes(
					attribute.String("message.uuid", msg.UUID),
					attribute.String("message.correlation_id", msg.Metadata[correlationIDKey]),
				))
			msg.SetContext(ctx)
			defer span.End()

			produced, err := h(msg)
			if err != nil {
				span.RecordError(err)
			}
			return produced, err
		}
	}
}
