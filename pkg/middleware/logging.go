package middleware

import (
	"context"
	"time"

	"example.com/reliable-messaging/pkg/bus"
	"example.com/reliable-messaging/pkg/logger"
)

// Logging логирует доставку сообщения обработчику: топик, тип, длительность.
// Ошибка логируется на уровне Error, успех на уровне Debug.
func Logging() bus.Middleware {
	return func(next bus.Handler) bus.Handler {
		return func(ctx context.Context, msg *bus.Message) error {
			start := time.Now()
			log := logger.FromContext(ctx)

			log.Debug().
				Str("topic", msg.Topic).
				Str("message_type", msg.Type).
				Msg("Получено сообщение шины")

			err := next(ctx, msg)
			duration := time.Since(start)

			if err != nil {
				log.Error().
					Err(err).
					Str("topic", msg.Topic).
					Str("message_type", msg.Type).
					Dur("duration", duration).
					Msg("Обработчик шины завершился с ошибкой")
				return err
			}

			log.Debug().
				Str("topic", msg.Topic).
				Str("message_type", msg.Type).
				Dur("duration", duration).
				Msg("Сообщение шины обработано")
			return nil
		}
	}
}
