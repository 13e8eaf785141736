// Package circuitbreaker предоставляет Circuit Breaker для защиты от каскадных сбоев.
// Используется при пересылке сообщений во внешний брокер: пока брокер недоступен,
// отправка отклоняется мгновенно, а запись outbox уходит в Failed и ждёт повтора.
//
// Состояния Circuit Breaker:
//   - Closed: нормальная работа, вызовы проходят
//   - Open: зависимость недоступна, вызовы отклоняются мгновенно (без ожидания timeout)
//   - Half-Open: пробный период, пропускаем часть вызовов для проверки восстановления
//
// Использование:
//
//	cb := circuitbreaker.New("kafka")
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return producer.SendMessage(ctx, msg)
//	})
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"example.com/reliable-messaging/pkg/logger"
)

// ErrOpen - breaker открыт или в Half-Open исчерпан лимит пробных вызовов.
var ErrOpen = errors.New("circuit breaker открыт")

// Settings - настройки Circuit Breaker.
type Settings struct {
	MaxRequests  uint32        // Макс. вызовов в Half-Open состоянии (по умолчанию 1)
	Interval     time.Duration // Интервал сброса счётчика в Closed (по умолчанию 60s)
	Timeout      time.Duration // Время в Open до перехода в Half-Open (по умолчанию 30s)
	FailureRatio float64       // Доля ошибок для перехода в Open (по умолчанию 0.5)
	MinRequests  uint32        // Мин. вызовов для расчёта ratio (по умолчанию 5)

	// IsFailure решает, учитывается ли ошибка как сбой зависимости.
	// По умолчанию сбой - любая ошибка, кроме отмены контекста вызывающим.
	IsFailure func(err error) bool
}

// DefaultSettings возвращает настройки по умолчанию.
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// Breaker - обёртка над gobreaker с логированием.
type Breaker struct {
	cb        *gobreaker.CircuitBreaker[struct{}]
	name      string
	isFailure func(err error) bool
}

// New создаёт новый Circuit Breaker с настройками по умолчанию.
func New(name string) *Breaker {
	return NewWithSettings(name, DefaultSettings())
}

// NewWithSettings создаёт Circuit Breaker с пользовательскими настройками.
func NewWithSettings(name string, s Settings) *Breaker {
	isFailure := s.IsFailure
	if isFailure == nil {
		isFailure = defaultIsFailure
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,

		// Открываем если доля ошибок >= FailureRatio и было >= MinRequests вызовов.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= s.FailureRatio
		},

		IsSuccessful: func(err error) bool {
			return err == nil || !isFailure(err)
		},

		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log := logger.With().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Logger()

			switch to {
			case gobreaker.StateOpen:
				log.Warn().Msg("Circuit Breaker ОТКРЫТ - зависимость недоступна")
			case gobreaker.StateHalfOpen:
				log.Info().Msg("Circuit Breaker ПОЛУОТКРЫТ - пробуем восстановить")
			case gobreaker.StateClosed:
				log.Info().Msg("Circuit Breaker ЗАКРЫТ - зависимость восстановлена")
			}
		},
	})

	return &Breaker{cb: cb, name: name, isFailure: isFailure}
}

// Execute выполняет fn через breaker. Если breaker открыт, fn не вызывается
// и возвращается ErrOpen. Ошибка fn возвращается как есть.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	}
	return err
}

// State возвращает текущее состояние breaker.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name возвращает имя breaker.
func (b *Breaker) Name() string {
	return b.name
}

// defaultIsFailure не учитывает отмену контекста: это решение вызывающего,
// а не сбой зависимости.
func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}
