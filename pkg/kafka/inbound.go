package kafka

import (
	"context"
	"errors"
	"fmt"

	"example.com/reliable-messaging/pkg/inbox"
	"example.com/reliable-messaging/pkg/messaging"
)

// Receiver принимает сообщение в inbox (inbox.Receiver).
type Receiver interface {
	Receive(ctx context.Context, msg *inbox.Message) error
}

// ErrMissingMessageID - у сообщения Kafka нет ни заголовка MessageId, ни ключа.
var ErrMissingMessageID = errors.New("у сообщения Kafka нет id")

// Inbound принимает сообщения Kafka в inbox.
// Id для дедупликации берётся из заголовка MessageId, иначе из ключа Kafka.
// Тип берётся из заголовка MessageType, иначе равен топику.
type Inbound struct {
	receiver Receiver
}

// NewInbound создаёт Inbound.
func NewInbound(r Receiver) *Inbound {
	return &Inbound{receiver: r}
}

// Handle - MessageHandler для Consumer. Повторная доставка не считается ошибкой:
// offset коммитится, сообщение повторно не применяется.
func (in *Inbound) Handle(ctx context.Context, msg *Message) error {
	id := msg.Headers[messaging.HeaderMessageID]
	if id == "" {
		id = string(msg.Key)
	}
	if id == "" {
		return fmt.Errorf("%w: %s/%d@%d", ErrMissingMessageID, msg.Topic, msg.Partition, msg.Offset)
	}

	messageType := msg.Headers[messaging.HeaderMessageType]
	if messageType == "" {
		messageType = msg.Topic
	}

	record := inbox.FromHeaders(id, messageType, msg.Value, msg.Headers)
	if err := in.receiver.Receive(ctx, record); err != nil && !errors.Is(err, messaging.ErrDuplicateKey) {
		return err
	}
	return nil
}
