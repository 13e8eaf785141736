package kafka

import (
	"context"
	"fmt"

	"example.com/reliable-messaging/pkg/bus"
	"example.com/reliable-messaging/pkg/circuitbreaker"
	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
)

// Sender отправляет сообщение в Kafka (Producer).
type Sender interface {
	SendMessage(ctx context.Context, msg *Message) error
}

// Forwarder пересылает сообщения шины в топики Kafka.
// Подписывается на топик шины как обычный обработчик: ошибка отправки
// возвращается в Publish, и запись outbox уходит в Failed до следующего повтора.
type Forwarder struct {
	sender  Sender
	breaker *circuitbreaker.Breaker
}

// NewForwarder создаёт Forwarder. breaker может быть nil.
func NewForwarder(sender Sender, breaker *circuitbreaker.Breaker) *Forwarder {
	return &Forwarder{sender: sender, breaker: breaker}
}

// Route подписывает пересылку топика шины busTopic в топик Kafka kafkaTopic.
func (f *Forwarder) Route(b bus.Bus, busTopic, kafkaTopic string) error {
	if err := b.Subscribe(busTopic, f.Handler(kafkaTopic)); err != nil {
		return fmt.Errorf("маршрут %s -> kafka %s: %w", busTopic, kafkaTopic, err)
	}
	logger.Info().Str("bus_topic", busTopic).Str("kafka_topic", kafkaTopic).Msg("Маршрут в Kafka подключён")
	return nil
}

// Handler возвращает обработчик шины, отправляющий сообщение в kafkaTopic.
// Ключ Kafka - группа сообщения (порядок внутри группы сохраняется партицией)
// или id сообщения.
func (f *Forwarder) Handler(kafkaTopic string) bus.Handler {
	return func(ctx context.Context, m *bus.Message) error {
		headers := messaging.CopyHeaders(m.Headers)
		if m.ID != "" {
			headers[messaging.HeaderMessageID] = m.ID
		}
		if m.Type != "" {
			headers[messaging.HeaderMessageType] = m.Type
		}

		key := headers[messaging.HeaderMessageGroup]
		if key == "" {
			key = m.ID
		}

		msg := &Message{
			Topic:   kafkaTopic,
			Key:     []byte(key),
			Value:   m.Payload,
			Headers: headers,
		}

		if f.breaker == nil {
			return f.sender.SendMessage(ctx, msg)
		}
		return f.breaker.Execute(ctx, func(ctx context.Context) error {
			return f.sender.SendMessage(ctx, msg)
		})
	}
}
