package logger

import (
	"context"

	"github.com/rs/zerolog"
)

// ctxKey - приватный тип ключей контекста, исключает коллизии с другими пакетами.
type ctxKey string

const (
	traceIDKey       ctxKey = "trace_id"
	correlationIDKey ctxKey = "correlation_id"
	messageIDKey     ctxKey = "message_id"
	loggerKey        ctxKey = "logger"
)

// WithTraceID кладёт trace_id в контекст.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext возвращает trace_id или пустую строку.
func TraceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// WithCorrelationID кладёт correlation_id в контекст.
// Correlation ID связывает записи outbox/inbox разных сервисов и запрос с ответом.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext возвращает correlation_id или пустую строку.
func CorrelationIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

// WithMessageID кладёт id обрабатываемой записи в контекст.
func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, messageIDKey, messageID)
}

// MessageIDFromContext возвращает id обрабатываемой записи или пустую строку.
func MessageIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(messageIDKey).(string)
	return v
}

// WithLogger кладёт настроенный логгер в контекст.
func WithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext возвращает логгер из контекста (или глобальный) и добавляет
// trace_id, correlation_id и message_id, если они есть в контексте.
//
//	func (p *Publisher) publish(ctx context.Context, rec *Message) {
//	    log := logger.FromContext(ctx)
//	    log.Info().Str("topic", topic).Msg("Сообщение опубликовано")
//	}
func FromContext(ctx context.Context) zerolog.Logger {
	l, ok := ctx.Value(loggerKey).(zerolog.Logger)
	if !ok {
		l = log
	}

	fields := l.With()
	if v := TraceIDFromContext(ctx); v != "" {
		fields = fields.Str("trace_id", v)
	}
	if v := CorrelationIDFromContext(ctx); v != "" {
		fields = fields.Str("correlation_id", v)
	}
	if v := MessageIDFromContext(ctx); v != "" {
		fields = fields.Str("message_id", v)
	}
	return fields.Logger()
}

// Ctx - то же, что FromContext, но возвращает указатель (совместимо с zerolog.Ctx).
func Ctx(ctx context.Context) *zerolog.Logger {
	l := FromContext(ctx)
	return &l
}

// NewContextWithIDs добавляет в контекст непустые trace_id и correlation_id.
func NewContextWithIDs(ctx context.Context, traceID, correlationID string) context.Context {
	if traceID != "" {
		ctx = WithTraceID(ctx, traceID)
	}
	if correlationID != "" {
		ctx = WithCorrelationID(ctx, correlationID)
	}
	return ctx
}
