// Package bus реализует шину сообщений: publish/subscribe по топикам
// и request/reply с корреляцией по CorrelationId.
//
// Шина используется в обе стороны: Publisher раздаёт через неё записи outbox,
// Consumer доставляет через неё записи inbox локальным обработчикам.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/reliable-messaging/pkg/messaging"
)

// DefaultRequestTimeout - таймаут Request, если передан timeout <= 0
// и шина создана без WithRequestTimeout.
const DefaultRequestTimeout = 30 * time.Second

var (
	// ErrBusStopped - шина остановлена во время ожидания ответа.
	// Оборачивает context.Canceled: ожидание завершается как отменённое, а не зависшее.
	ErrBusStopped = fmt.Errorf("шина остановлена: %w", context.Canceled)

	// ErrRemoteHandler - ответ получен, но обработчик запроса вернул ошибку.
	ErrRemoteHandler = errors.New("обработчик запроса вернул ошибку")

	ErrTopicRequired = errors.New("не указан топик")
	ErrNoReplyTo     = errors.New("в запросе нет заголовка ReplyTo")
)

// Message - сообщение шины.
type Message struct {
	ID      string
	Type    string
	Topic   string
	Payload []byte
	Headers map[string]string
}

// Clone возвращает копию сообщения с собственной картой заголовков.
// Payload не копируется: обработчики не должны его изменять.
func (m *Message) Clone() *Message {
	if m == nil {
		return &Message{Headers: map[string]string{}}
	}
	c := *m
	c.Headers = messaging.CopyHeaders(m.Headers)
	return &c
}

// Header возвращает значение заголовка или пустую строку.
func (m *Message) Header(key string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// CorrelationID возвращает значение заголовка CorrelationId.
func (m *Message) CorrelationID() string {
	return m.Header(messaging.HeaderCorrelationID)
}

// Handler обрабатывает сообщение топика. Ошибка логируется шиной
// и не мешает доставке другим подписчикам.
type Handler func(ctx context.Context, msg *Message) error

// Middleware оборачивает обработчик. Цепочка собирается при старте явно,
// каждое звено получает next как продолжение.
type Middleware func(next Handler) Handler

// Chain собирает middleware: первое в списке - внешнее.
func Chain(mws ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			if mws[i] != nil {
				next = mws[i](next)
			}
		}
		return next
	}
}

// Bus - транспорт доставки сообщений.
type Bus interface {
	// Start открывает окно работы шины.
	Start(ctx context.Context) error

	// Stop отменяет ожидающие Request и очищает подписки.
	Stop(ctx context.Context) error

	// Publish доставляет сообщение всем подписчикам топика.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe добавляет обработчик топика. Обработчики накапливаются.
	Subscribe(topic string, handler Handler) error

	// Unsubscribe удаляет все обработчики топика.
	Unsubscribe(topic string) error

	// Request публикует запрос и ждёт ответ не дольше timeout.
	Request(ctx context.Context, topic string, msg *Message, timeout time.Duration) (*Message, error)
}

// HandlerCounter реализуется шинами, умеющими сообщить число подписчиков топика.
type HandlerCounter interface {
	HandlerCount(topic string) int
}
