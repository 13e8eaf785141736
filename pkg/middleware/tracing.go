package middleware

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"example.com/reliable-messaging/pkg/bus"
	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
)

const tracerName = "reliable-messaging/bus"

// Tracing извлекает контекст трейса и correlation_id из заголовков сообщения
// и открывает span обработчика. Если CorrelationId нет, генерируется новый UUID.
func Tracing() bus.Middleware {
	tracer := otel.Tracer(tracerName)

	return func(next bus.Handler) bus.Handler {
		return func(ctx context.Context, msg *bus.Message) error {
			ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))

			correlationID := msg.CorrelationID()
			if correlationID == "" {
				correlationID = uuid.New().String()
			}

			ctx, span := tracer.Start(ctx, "bus.handle "+msg.Topic,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.destination.name", msg.Topic),
					attribute.String("messaging.message.type", msg.Type),
					attribute.String("messaging.message.id", msg.ID),
					attribute.String("messaging.message.conversation_id", correlationID),
				),
			)
			defer span.End()

			ctx = logger.WithCorrelationID(ctx, correlationID)
			if sc := span.SpanContext(); sc.HasTraceID() {
				ctx = logger.WithTraceID(ctx, sc.TraceID().String())
			}
			if msg.ID != "" {
				ctx = logger.WithMessageID(ctx, msg.ID)
			}

			err := next(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// InjectHeaders добавляет в заголовки исходящего сообщения контекст трейса
// и correlation_id из ctx (если в заголовках его ещё нет).
func InjectHeaders(ctx context.Context, headers map[string]string) map[string]string {
	headers = messaging.CopyHeaders(headers)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	if _, ok := headers[messaging.HeaderCorrelationID]; !ok {
		if id := logger.CorrelationIDFromContext(ctx); id != "" {
			headers[messaging.HeaderCorrelationID] = id
		}
	}
	return headers
}
