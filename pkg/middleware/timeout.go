package middleware

import (
	"context"
	"time"

	"example.com/reliable-messaging/pkg/bus"
)

// Timeout ограничивает контекст обработчика. Обработчик обязан уважать ctx:
// middleware не прерывает его принудительно.
func Timeout(d time.Duration) bus.Middleware {
	return func(next bus.Handler) bus.Handler {
		return func(ctx context.Context, msg *bus.Message) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, msg)
		}
	}
}
