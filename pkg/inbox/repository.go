package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"example.com/reliable-messaging/pkg/db"
	"example.com/reliable-messaging/pkg/messaging"
)

const (
	// DefaultBatchSize - размер пачки, если передан batchSize <= 0.
	DefaultBatchSize = 100

	cleanupBatchSize = 1000
)

// unorderedCond отбирает записи вне упорядоченных групп.
const unorderedCond = "(message_group = '' OR sequence_number IS NULL)"

// Store определяет операции над записями inbox.
type Store interface {
	// Add сохраняет входящую запись. messaging.ErrDuplicateKey, если id уже есть:
	// это второй слой идемпотентности.
	Add(ctx context.Context, msg *Message) error

	// GetPending возвращает до batchSize неупорядоченных Pending записей,
	// старые первыми. Только чтение.
	GetPending(ctx context.Context, batchSize int) ([]*Message, error)

	// GetPendingGroup возвращает Pending записи группы по возрастанию
	// sequence_number, но только те, что стоят раньше первой блокирующей
	// (Failed или Processing) записи группы.
	GetPendingGroup(ctx context.Context, group string) ([]*Message, error)

	// PendingGroups возвращает группы, в которых есть Pending записи.
	PendingGroups(ctx context.Context) ([]string, error)

	Claim(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
	RetryEligible(ctx context.Context, maxRetryCount int) (int64, error)
	ReleaseStale(ctx context.Context, before time.Time) (int64, error)
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)

	Get(ctx context.Context, id string) (*Message, error)
	ListByStatus(ctx context.Context, status messaging.Status, limit int) ([]*Message, error)

	// ResetForRetry - ручной возврат Failed записи в Pending с обнулением retry_count.
	ResetForRetry(ctx context.Context, id, actor string) error

	// Skip - ручной пропуск Pending или Failed записи.
	// Снимает блокировку упорядоченной группы.
	Skip(ctx context.Context, id, actor, reason string) error
}

// gormStore - GORM реализация Store.
type gormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore создаёт GORM хранилище inbox.
func NewStore(gdb *gorm.DB) Store {
	return &gormStore{
		db:  gdb,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *gormStore) Add(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	if msg.Status == "" {
		msg.Status = messaging.StatusPending
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now()
	}
	if msg.MaxRetryCount <= 0 {
		msg.MaxRetryCount = DefaultMaxRetryCount
	}
	if msg.Content == nil {
		msg.Content = []byte{}
	}

	model, err := ModelFromDomain(msg)
	if err != nil {
		return fmt.Errorf("сериализация заголовков inbox: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		if db.IsDuplicateKey(err) {
			return fmt.Errorf("%w: inbox %s", messaging.ErrDuplicateKey, msg.ID)
		}
		return fmt.Errorf("вставка записи inbox: %w", err)
	}
	return nil
}

func (s *gormStore) GetPending(ctx context.Context, batchSize int) ([]*Message, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(messaging.StatusPending)).
		Where(unorderedCond).
		Order("received_at ASC, id ASC").
		Limit(batchSize).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("чтение pending inbox: %w", err)
	}
	return toDomain(models), nil
}

func (s *gormStore) GetPendingGroup(ctx context.Context, group string) ([]*Message, error) {
	var blocking sql.NullInt64
	row := s.db.WithContext(ctx).Model(&MessageModel{}).
		Select("MIN(sequence_number)").
		Where("message_group = ? AND sequence_number IS NOT NULL AND status IN ?", group,
			messaging.StatusStrings([]messaging.Status{messaging.StatusFailed, messaging.StatusProcessing})).
		Row()
	if err := row.Scan(&blocking); err != nil {
		return nil, fmt.Errorf("поиск блокирующей записи группы %s: %w", group, err)
	}

	q := s.db.WithContext(ctx).
		Where("message_group = ? AND sequence_number IS NOT NULL AND status = ?", group, string(messaging.StatusPending))
	if blocking.Valid {
		q = q.Where("sequence_number < ?", blocking.Int64)
	}

	var models []MessageModel
	if err := q.Order("sequence_number ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("чтение группы inbox %s: %w", group, err)
	}
	return toDomain(models), nil
}

func (s *gormStore) PendingGroups(ctx context.Context) ([]string, error) {
	var groups []string
	if err := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("status = ? AND message_group <> '' AND sequence_number IS NOT NULL", string(messaging.StatusPending)).
		Distinct().
		Order("message_group ASC").
		Pluck("message_group", &groups).Error; err != nil {
		return nil, fmt.Errorf("чтение групп inbox: %w", err)
	}
	return groups, nil
}

func (s *gormStore) Claim(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("id = ? AND status = ?", id, string(messaging.StatusPending)).
		Updates(map[string]any{
			"status":     string(messaging.StatusProcessing),
			"started_at": s.now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("захват записи inbox %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *gormStore) MarkProcessed(ctx context.Context, id string) error {
	return s.transition(ctx, id, messaging.StatusProcessed, map[string]any{
		"processed_at": s.now(),
		"error":        nil,
	})
}

func (s *gormStore) MarkFailed(ctx context.Context, id string, cause error) error {
	return s.transition(ctx, id, messaging.StatusFailed, map[string]any{
		"retry_count": gorm.Expr("retry_count + 1"),
		"error":       messaging.ErrorText(cause),
	})
}

func (s *gormStore) RetryEligible(ctx context.Context, maxRetryCount int) (int64, error) {
	q := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("status = ? AND retry_count < max_retry_count", string(messaging.StatusFailed))
	if maxRetryCount > 0 {
		q = q.Where("retry_count < ?", maxRetryCount)
	}

	result := q.Updates(map[string]any{
		"status":       string(messaging.StatusPending),
		"error":        nil,
		"processed_at": nil,
		"started_at":   nil,
	})
	if result.Error != nil {
		return 0, fmt.Errorf("сброс inbox для повтора: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *gormStore) ReleaseStale(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("status = ? AND started_at < ?", string(messaging.StatusProcessing), before).
		Updates(map[string]any{
			"status":     string(messaging.StatusPending),
			"started_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("освобождение зависших записей inbox: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *gormStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	var total int64
	for {
		result := s.db.WithContext(ctx).
			Where("status = ? AND processed_at < ?", string(messaging.StatusProcessed), olderThan).
			Limit(cleanupBatchSize).
			Delete(&MessageModel{})
		if result.Error != nil {
			return total, fmt.Errorf("очистка inbox: %w", result.Error)
		}
		total += result.RowsAffected

		if result.RowsAffected < cleanupBatchSize {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func (s *gormStore) Get(ctx context.Context, id string) (*Message, error) {
	var model MessageModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: inbox %s", messaging.ErrNotFound, id)
		}
		return nil, fmt.Errorf("чтение записи inbox %s: %w", id, err)
	}
	return model.ToDomain(), nil
}

func (s *gormStore) ListByStatus(ctx context.Context, status messaging.Status, limit int) ([]*Message, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: %q", messaging.ErrInvalidStatus, status)
	}
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("received_at ASC, id ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("чтение inbox по статусу %s: %w", status, err)
	}
	return toDomain(models), nil
}

func (s *gormStore) ResetForRetry(ctx context.Context, id, actor string) error {
	if strings.TrimSpace(actor) == "" {
		return messaging.ErrActorRequired
	}

	result := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("id = ? AND status = ?", id, string(messaging.StatusFailed)).
		Updates(map[string]any{
			"status":       string(messaging.StatusPending),
			"retry_count":  0,
			"error":        nil,
			"processed_at": nil,
			"started_at":   nil,
			"updated_by":   actor,
		})
	if result.Error != nil {
		return fmt.Errorf("ручной сброс inbox %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return s.transitionError(ctx, id, messaging.StatusPending)
	}
	return nil
}

func (s *gormStore) Skip(ctx context.Context, id, actor, reason string) error {
	if strings.TrimSpace(actor) == "" {
		return messaging.ErrActorRequired
	}

	updates := map[string]any{"updated_by": actor}
	if reason != "" {
		updates["error"] = "пропущено: " + reason
	}
	return s.transition(ctx, id, messaging.StatusSkipped, updates)
}

// transition выполняет переход в next одним UPDATE с условием
// status IN (допустимые исходные статусы).
func (s *gormStore) transition(ctx context.Context, id string, next messaging.Status, updates map[string]any) error {
	updates["status"] = string(next)

	result := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("id = ? AND status IN ?", id, messaging.StatusStrings(messaging.SourcesFor(next))).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("переход inbox %s в %s: %w", id, next, result.Error)
	}
	if result.RowsAffected == 0 {
		return s.transitionError(ctx, id, next)
	}
	return nil
}

func (s *gormStore) transitionError(ctx context.Context, id string, next messaging.Status) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := messaging.ValidateTransition(current.Status, next); err != nil {
		return fmt.Errorf("inbox %s: %w", id, err)
	}
	// Статус допускает переход: строку изменили между UPDATE и чтением.
	return fmt.Errorf("%w: inbox %s изменена конкурентно, статус %s", messaging.ErrInvalidTransition, id, current.Status)
}

func toDomain(models []MessageModel) []*Message {
	result := make([]*Message, len(models))
	for i := range models {
		result[i] = models[i].ToDomain()
	}
	return result
}
