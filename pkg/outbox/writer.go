package outbox

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
	"example.com/reliable-messaging/pkg/serializer"
)

// Writer пишет типизированные сообщения в outbox в транзакции бизнес-операции.
//
//	err := gdb.Transaction(func(tx *gorm.DB) error {
//	    if err := tx.Create(&order).Error; err != nil {
//	        return err
//	    }
//	    _, err := writer.Enqueue(ctx, tx, "order.created", OrderCreated{ID: order.ID})
//	    return err
//	})
type Writer struct {
	store Store
	codec serializer.Serializer
}

// NewWriter создаёт Writer. codec == nil означает JSON.
func NewWriter(store Store, codec serializer.Serializer) *Writer {
	if codec == nil {
		codec = serializer.NewJSON()
	}
	return &Writer{store: store, codec: codec}
}

// EnqueueOption настраивает создаваемую запись.
type EnqueueOption func(*Message)

// WithDestination задаёт топик доставки вместо типа сообщения.
func WithDestination(topic string) EnqueueOption {
	return func(m *Message) { m.Destination = topic }
}

func WithCorrelationID(id string) EnqueueOption {
	return func(m *Message) { m.CorrelationID = id }
}

// WithHeaders добавляет заголовки к записи.
func WithHeaders(headers map[string]string) EnqueueOption {
	return func(m *Message) {
		for k, v := range headers {
			m.Headers[k] = v
		}
	}
}

func WithMaxRetryCount(n int) EnqueueOption {
	return func(m *Message) { m.MaxRetryCount = n }
}

// WithMessageID задаёт id записи (например, для идемпотентной повторной записи).
func WithMessageID(id string) EnqueueOption {
	return func(m *Message) { m.ID = id }
}

// Enqueue сериализует payload и сохраняет запись в транзакции tx.
// Если CorrelationID не задан опцией, берётся из контекста.
func (w *Writer) Enqueue(ctx context.Context, tx *gorm.DB, messageType string, payload any, opts ...EnqueueOption) (*Message, error) {
	content, err := w.codec.Serialize(payload)
	if err != nil {
		return nil, fmt.Errorf("сериализация %s: %w", messageType, err)
	}

	msg := NewMessage(messageType, content)
	msg.Headers[messaging.HeaderContentType] = w.codec.ContentType()
	for _, opt := range opts {
		opt(msg)
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = logger.CorrelationIDFromContext(ctx)
	}

	if err := w.store.AddTx(ctx, tx, msg); err != nil {
		return nil, err
	}

	logger.Ctx(ctx).Debug().
		Str("outbox_id", msg.ID).
		Str("message_type", msg.MessageType).
		Msg("Сообщение записано в outbox")

	return msg, nil
}
