package middleware

import (
	"context"
	"time"

	"example.com/reliable-messaging/pkg/bus"
	"example.com/reliable-messaging/pkg/metrics"
)

// Metrics пишет messaging_bus_handler_duration_seconds{topic,status}.
func Metrics() bus.Middleware {
	return func(next bus.Handler) bus.Handler {
		return func(ctx context.Context, msg *bus.Message) error {
			start := time.Now()
			err := next(ctx, msg)

			status := "success"
			if err != nil {
				status = "error"
			}
			metrics.RecordBusHandler(msg.Topic, status, time.Since(start))
			return err
		}
	}
}
