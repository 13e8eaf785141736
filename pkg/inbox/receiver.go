package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/reliable-messaging/pkg/bus"
	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
)

const (
	// DefaultDedupTTL - сколько живёт отметка Redis о принятом сообщении.
	DefaultDedupTTL = 24 * time.Hour

	dedupKeyPrefix = "inbox:seen:"
)

// Receiver принимает входящие сообщения в inbox.
//
// Дедупликация двухслойная. Первый слой (опциональный) - отметка в Redis:
// если она есть, сообщение отбрасывается без обращения к БД. Второй слой -
// первичный ключ inbox_messages. Отметка ставится только после успешной
// вставки, поэтому сбой между приёмом и вставкой не теряет сообщение.
type Receiver struct {
	store Store
	redis redis.UniversalClient
	ttl   time.Duration
}

// ReceiverOption настраивает Receiver.
type ReceiverOption func(*Receiver)

// WithRedisDedup включает быстрый слой дедупликации в Redis.
func WithRedisDedup(client redis.UniversalClient, ttl time.Duration) ReceiverOption {
	return func(r *Receiver) {
		if ttl <= 0 {
			ttl = DefaultDedupTTL
		}
		r.redis = client
		r.ttl = ttl
	}
}

// NewReceiver создаёт Receiver.
func NewReceiver(store Store, opts ...ReceiverOption) *Receiver {
	r := &Receiver{store: store}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Receive сохраняет сообщение в inbox.
// Для уже принятого id возвращает messaging.ErrDuplicateKey: вызывающий
// должен считать доставку успешной и не применять сообщение повторно.
func (r *Receiver) Receive(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	ctx = logger.WithMessageID(ctx, msg.ID)
	log := logger.FromContext(ctx)

	if r.seen(ctx, msg.ID) {
		log.Debug().Str("message_type", msg.MessageType).Msg("Дубликат отсечён по отметке Redis")
		return messaging.ErrDuplicateKey
	}

	err := r.store.Add(ctx, msg)
	switch {
	case errors.Is(err, messaging.ErrDuplicateKey):
		log.Debug().Str("message_type", msg.MessageType).Msg("Дубликат отсечён по первичному ключу inbox")
		r.markSeen(ctx, msg.ID)
		return err
	case err != nil:
		return err
	}

	r.markSeen(ctx, msg.ID)
	log.Debug().
		Str("message_type", msg.MessageType).
		Str("message_group", msg.MessageGroup).
		Msg("Сообщение принято в inbox")
	return nil
}

// BusHandler возвращает обработчик шины, принимающий сообщения топика в inbox.
// Дубликаты не считаются ошибкой доставки.
func (r *Receiver) BusHandler() bus.Handler {
	return func(ctx context.Context, m *bus.Message) error {
		msg := FromHeaders(m.ID, m.Type, m.Payload, m.Headers)
		if err := r.Receive(ctx, msg); err != nil && !errors.Is(err, messaging.ErrDuplicateKey) {
			return err
		}
		return nil
	}
}

// seen проверяет отметку Redis. Недоступный Redis не мешает приёму:
// решение принимает первичный ключ.
func (r *Receiver) seen(ctx context.Context, id string) bool {
	if r.redis == nil {
		return false
	}
	n, err := r.redis.Exists(ctx, dedupKeyPrefix+id).Result()
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("Redis недоступен, дедупликация только по БД")
		return false
	}
	return n > 0
}

func (r *Receiver) markSeen(ctx context.Context, id string) {
	if r.redis == nil {
		return
	}
	if err := r.redis.SetNX(ctx, dedupKeyPrefix+id, 1, r.ttl).Err(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("Не удалось записать отметку дедупликации в Redis")
	}
}
