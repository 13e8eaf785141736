// Package middleware предоставляет middleware обработчиков шины:
// восстановление после паники, трейсинг, логирование, метрики и таймаут.
package middleware

import (
	"time"

	"example.com/reliable-messaging/pkg/bus"
)

// Default возвращает рекомендуемую цепочку в правильном порядке:
// 1. Recovery - ловит паники (должен быть первым)
// 2. Tracing - извлекает correlation_id и контекст трейса из заголовков
// 3. Logging - логирует доставку с trace информацией
// 4. Metrics - пишет длительность обработчика
// 5. Timeout - ограничивает время обработчика (если timeout > 0)
func Default(timeout time.Duration) []bus.Middleware {
	mws := []bus.Middleware{
		Recovery(),
		Tracing(),
		Logging(),
		Metrics(),
	}
	if timeout > 0 {
		mws = append(mws, Timeout(timeout))
	}
	return mws
}
