package bus

import (
	"context"
	"fmt"

	"example.com/reliable-messaging/pkg/messaging"
)

// Dispatcher доставляет записи inbox локальным обработчикам через шину:
// топик совпадает с типом сообщения.
type Dispatcher struct {
	bus Bus
}

// NewDispatcher создаёт Dispatcher поверх шины.
func NewDispatcher(b Bus) *Dispatcher {
	return &Dispatcher{bus: b}
}

// Dispatch публикует содержимое в топик messageType.
// Если шина умеет считать подписчиков и их нет, возвращает
// ErrUnknownMessageType: запись без обработчика не должна считаться обработанной.
func (d *Dispatcher) Dispatch(ctx context.Context, messageType string, content []byte, headers map[string]string) error {
	if counter, ok := d.bus.(HandlerCounter); ok && counter.HandlerCount(messageType) == 0 {
		return fmt.Errorf("%w: %s", messaging.ErrUnknownMessageType, messageType)
	}

	return d.bus.Publish(ctx, messageType, &Message{
		ID:      headers[messaging.HeaderMessageID],
		Type:    messageType,
		Payload: content,
		Headers: headers,
	})
}

// SubscribeRegistry подписывает на шину все типы реестра:
// топик - тип сообщения, обработчик - типизированный обработчик реестра.
func SubscribeRegistry(b Bus, reg *messaging.Registry) error {
	for _, messageType := range reg.Types() {
		h, _ := reg.Handler(messageType)
		err := b.Subscribe(messageType, func(ctx context.Context, msg *Message) error {
			return h(ctx, msg.Payload, msg.Headers)
		})
		if err != nil {
			return fmt.Errorf("подписка %s: %w", messageType, err)
		}
	}
	return nil
}
