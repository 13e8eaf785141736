package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"example.com/reliable-messaging/pkg/bus"
	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
)

// Recovery превращает панику обработчика в ProcessingError.
// Паника логируется с полным stack trace.
func Recovery() bus.Middleware {
	return func(next bus.Handler) bus.Handler {
		return func(ctx context.Context, msg *bus.Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Ctx(ctx).Error().
						Str("topic", msg.Topic).
						Str("message_type", msg.Type).
						Interface("panic", r).
						Str("stack", string(debug.Stack())).
						Msg("Перехвачена паника в обработчике шины")

					err = messaging.NewProcessingError(msg.ID, fmt.Errorf("паника: %v", r))
				}
			}()

			return next(ctx, msg)
		}
	}
}
