// Package relay содержит собственные сообщения процесса relay:
// heartbeat инстанса, записанный через outbox в одной транзакции
// с таблицей relay_instances, и responder relay.ping для request/reply.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/reliable-messaging/pkg/bus"
	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
	"example.com/reliable-messaging/pkg/outbox"
	"example.com/reliable-messaging/pkg/serializer"
)

const (
	// TypeHeartbeat - тип записи outbox с heartbeat инстанса.
	TypeHeartbeat = "relay.heartbeat"

	// TopicPing - топик request/reply для проверки живости relay.
	TopicPing = "relay.ping"
)

// Heartbeat - содержимое сообщения relay.heartbeat.
type Heartbeat struct {
	Instance string    `json:"instance"`
	SentAt   time.Time `json:"sent_at"`
}

// Pong - ответ на relay.ping.
type Pong struct {
	Instance string `json:"instance"`
	Uptime   string `json:"uptime"`
}

// InstanceModel - GORM модель таблицы relay_instances.
type InstanceModel struct {
	Instance   string    `gorm:"column:instance;type:varchar(255);primaryKey"`
	LastBeatAt time.Time `gorm:"column:last_beat_at;not null"`
}

// TableName возвращает имя таблицы в БД.
func (InstanceModel) TableName() string {
	return "relay_instances"
}

// Enqueuer пишет запись outbox в транзакции вызывающего (outbox.Writer).
type Enqueuer interface {
	Enqueue(ctx context.Context, tx *gorm.DB, messageType string, payload any, opts ...outbox.EnqueueOption) (*outbox.Message, error)
}

// Service - heartbeat и ping одного инстанса relay.
type Service struct {
	instance string
	started  time.Time
	db       *gorm.DB
	writer   Enqueuer
	now      func() time.Time

	mu       sync.RWMutex
	lastSeen map[string]time.Time
}

// New создаёт Service для инстанса instance.
func New(instance string, gdb *gorm.DB, writer Enqueuer) *Service {
	now := func() time.Time { return time.Now().UTC() }
	return &Service{
		instance: instance,
		started:  now(),
		db:       gdb,
		writer:   writer,
		now:      now,
		lastSeen: make(map[string]time.Time),
	}
}

// Register регистрирует обработчик relay.heartbeat в реестре.
func (s *Service) Register(reg *messaging.Registry) error {
	return messaging.Register(reg, TypeHeartbeat, s.handleHeartbeat)
}

func (s *Service) handleHeartbeat(ctx context.Context, hb Heartbeat, _ map[string]string) error {
	s.mu.Lock()
	if prev, ok := s.lastSeen[hb.Instance]; !ok || hb.SentAt.After(prev) {
		s.lastSeen[hb.Instance] = hb.SentAt
	}
	s.mu.Unlock()

	logger.Ctx(ctx).Debug().
		Str("instance", hb.Instance).
		Time("sent_at", hb.SentAt).
		Msg("Получен heartbeat relay")
	return nil
}

// LastSeen возвращает время последнего heartbeat инстанса.
func (s *Service) LastSeen(instance string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastSeen[instance]
	return t, ok
}

// Respond подписывает responder relay.ping на шину.
func (s *Service) Respond(b bus.Bus, codec serializer.Serializer) error {
	return bus.Respond(b, TopicPing, func(ctx context.Context, req *bus.Message) (*bus.Message, error) {
		payload, err := codec.Serialize(Pong{
			Instance: s.instance,
			Uptime:   s.now().Sub(s.started).Round(time.Second).String(),
		})
		if err != nil {
			return nil, fmt.Errorf("сериализация pong: %w", err)
		}
		return &bus.Message{Type: TopicPing, Payload: payload}, nil
	})
}

// Beat обновляет relay_instances и пишет heartbeat в outbox одной транзакцией.
func (s *Service) Beat(ctx context.Context) (*outbox.Message, error) {
	now := s.now()
	ctx = logger.WithCorrelationID(ctx, uuid.NewString())

	var msg *outbox.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := InstanceModel{Instance: s.instance, LastBeatAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "instance"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_beat_at"}),
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("обновление relay_instances: %w", err)
		}

		var err error
		msg, err = s.writer.Enqueue(ctx, tx, TypeHeartbeat, Heartbeat{Instance: s.instance, SentAt: now})
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// RunHeartbeat вызывает Beat каждые interval до отмены ctx.
// Ошибка одного heartbeat не останавливает цикл.
func (s *Service) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Beat(ctx); err != nil {
				logger.Warn().Err(err).Str("instance", s.instance).Msg("Не удалось записать heartbeat")
			}
		}
	}
}
