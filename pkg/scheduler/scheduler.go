// Package scheduler запускает фоновый цикл доставки: разбор inbox,
// публикацию outbox, упорядоченные группы, очистку и повторы.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"example.com/reliable-messaging/pkg/inbox"
	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/metrics"
	"example.com/reliable-messaging/pkg/outbox"
)

// Config - настройки Scheduler.
type Config struct {
	// PollInterval - пауза между тиками.
	PollInterval time.Duration

	// MaxRetries - общий предел повторов поверх max_retry_count записи. 0 - только предел записи.
	MaxRetries int

	// Retention - сколько хранятся обработанные записи.
	Retention time.Duration

	// OrderedGroups - группы inbox для упорядоченной обработки.
	// Пустой список - группы определяются по Pending записям.
	OrderedGroups []string

	OrderedEnabled bool
	CleanupEnabled bool
	RetryEnabled   bool

	// StaleAfter - через сколько захваченная запись считается зависшей. 0 - не освобождать.
	StaleAfter time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		PollInterval:   30 * time.Second,
		Retention:      7 * 24 * time.Hour,
		OrderedEnabled: true,
		CleanupEnabled: true,
		RetryEnabled:   true,
		StaleAfter:     5 * time.Minute,
	}
}

// InboxConsumer - обработчик inbox (inbox.Consumer).
type InboxConsumer interface {
	ProcessPending(ctx context.Context) (inbox.Result, error)
	ProcessGroup(ctx context.Context, group string) (inbox.Result, error)
}

// OutboxPublisher - публикатор outbox (outbox.Publisher).
type OutboxPublisher interface {
	ProcessPending(ctx context.Context) (outbox.Result, error)
}

// Maintainer - обслуживающие операции хранилища, общие для inbox и outbox.
type Maintainer interface {
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
	RetryEligible(ctx context.Context, maxRetryCount int) (int64, error)
	ReleaseStale(ctx context.Context, before time.Time) (int64, error)
}

// InboxStore - обслуживание inbox и поиск упорядоченных групп.
type InboxStore interface {
	Maintainer
	PendingGroups(ctx context.Context) ([]string, error)
}

// Scheduler - один долгоживущий цикл на пару хранилищ inbox+outbox.
// Тики не пересекаются: следующий начинается после завершения предыдущего.
type Scheduler struct {
	cfg Config

	consumer    InboxConsumer
	inboxStore  InboxStore
	publisher   OutboxPublisher
	outboxStore Maintainer

	now func() time.Time
}

// Option настраивает Scheduler.
type Option func(*Scheduler)

// WithInbox подключает обработку inbox.
func WithInbox(consumer InboxConsumer, store InboxStore) Option {
	return func(s *Scheduler) {
		s.consumer = consumer
		s.inboxStore = store
	}
}

// WithOutbox подключает публикацию outbox.
func WithOutbox(publisher OutboxPublisher, store Maintainer) Option {
	return func(s *Scheduler) {
		s.publisher = publisher
		s.outboxStore = store
	}
}

// New создаёт Scheduler.
func New(cfg Config, opts ...Option) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	s := &Scheduler{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run выполняет тики до отмены контекста. Первый тик выполняется сразу,
// каждый следующий - через PollInterval после завершения предыдущего.
// Отмена прерывает и паузу между тиками, и текущий тик (после текущей записи).
func (s *Scheduler) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Bool("ordered_enabled", s.cfg.OrderedEnabled).
		Bool("cleanup_enabled", s.cfg.CleanupEnabled).
		Bool("retry_enabled", s.cfg.RetryEnabled).
		Msg("Запуск планировщика")

	// Пауза отсчитывается от конца тика: долгий тик не сокращает её.
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		s.Tick(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.PollInterval)

		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка планировщика")
			return nil
		case <-timer.C:
		}
	}
}

// Tick выполняет один проход по шагам в фиксированном порядке.
// Сбой шага логируется и не мешает следующим. Возвращает число упавших шагов.
func (s *Scheduler) Tick(ctx context.Context) int {
	failed := 0
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"inbox", s.drainInbox},
		{"outbox", s.drainOutbox},
		{"ordered", s.drainGroups},
		{"cleanup", s.cleanup},
		{"retry", s.retry},
	}

	for _, st := range steps {
		if ctx.Err() != nil {
			break
		}
		if err := s.runStep(ctx, st.name, st.fn); err != nil {
			failed++
		}
	}

	status := "success"
	if failed > 0 {
		status = "error"
	}
	metrics.RecordSchedulerTick(status)
	return failed
}

// runStep выполняет шаг, превращая панику в ошибку.
func (s *Scheduler) runStep(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	log := logger.FromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("step", name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Перехвачена паника в шаге планировщика")
			err = fmt.Errorf("паника в шаге %s: %v", name, r)
		}
	}()

	if err = fn(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("step", name).Msg("Ошибка шага планировщика")
	}
	return err
}

func (s *Scheduler) drainInbox(ctx context.Context) error {
	if s.consumer == nil {
		return nil
	}
	res, err := s.consumer.ProcessPending(ctx)
	logInboxResult(ctx, "", res)
	return err
}

func (s *Scheduler) drainOutbox(ctx context.Context) error {
	if s.publisher == nil {
		return nil
	}
	res, err := s.publisher.ProcessPending(ctx)
	if res.Processed+res.Failed > 0 {
		logger.Ctx(ctx).Info().
			Int("processed", res.Processed).
			Int("failed", res.Failed).
			Int("skipped", res.Skipped).
			Msg("Цикл публикации outbox завершён")
	}
	return err
}

func (s *Scheduler) drainGroups(ctx context.Context) error {
	if s.consumer == nil || !s.cfg.OrderedEnabled {
		return nil
	}

	groups := s.cfg.OrderedGroups
	if len(groups) == 0 {
		if s.inboxStore == nil {
			return nil
		}
		found, err := s.inboxStore.PendingGroups(ctx)
		if err != nil {
			return err
		}
		groups = found
	}

	var firstErr error
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.consumer.ProcessGroup(ctx, group)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("message_group", group).Msg("Ошибка обработки группы inbox")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logInboxResult(ctx, group, res)
	}
	return firstErr
}

func (s *Scheduler) cleanup(ctx context.Context) error {
	if !s.cfg.CleanupEnabled || s.cfg.Retention <= 0 {
		return nil
	}
	olderThan := s.now().Add(-s.cfg.Retention)

	return s.eachStore(ctx, func(name string, m Maintainer) error {
		deleted, err := m.Cleanup(ctx, olderThan)
		if err != nil {
			return fmt.Errorf("очистка %s: %w", name, err)
		}
		if deleted > 0 {
			logger.Ctx(ctx).Info().Str("store", name).Int64("deleted", deleted).Msg("Очистка обработанных записей")
		}
		return nil
	})
}

// retry возвращает в Pending сбойные записи и освобождает зависшие захваты.
func (s *Scheduler) retry(ctx context.Context) error {
	var staleBefore time.Time
	if s.cfg.StaleAfter > 0 {
		staleBefore = s.now().Add(-s.cfg.StaleAfter)
	}

	return s.eachStore(ctx, func(name string, m Maintainer) error {
		log := logger.FromContext(ctx)

		if !staleBefore.IsZero() {
			released, err := m.ReleaseStale(ctx, staleBefore)
			if err != nil {
				return fmt.Errorf("освобождение зависших %s: %w", name, err)
			}
			if released > 0 {
				log.Warn().Str("store", name).Int64("released", released).Msg("Зависшие записи возвращены в Pending")
			}
		}

		if !s.cfg.RetryEnabled {
			return nil
		}
		reset, err := m.RetryEligible(ctx, s.cfg.MaxRetries)
		if err != nil {
			return fmt.Errorf("повтор %s: %w", name, err)
		}
		if reset > 0 {
			log.Info().Str("store", name).Int64("reset", reset).Msg("Сбойные записи возвращены в Pending")
		}
		return nil
	})
}

// eachStore вызывает fn для inbox и outbox. Ошибка одного хранилища не мешает другому.
func (s *Scheduler) eachStore(ctx context.Context, fn func(name string, m Maintainer) error) error {
	var firstErr error
	stores := []struct {
		name string
		m    Maintainer
	}{
		{metrics.StoreInbox, s.inboxStore},
		{metrics.StoreOutbox, s.outboxStore},
	}

	for _, st := range stores {
		if st.m == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(st.name, st.m); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("store", st.name).Msg("Ошибка обслуживания хранилища")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func logInboxResult(ctx context.Context, group string, res inbox.Result) {
	if res.Processed+res.Failed == 0 {
		return
	}
	logger.Ctx(ctx).Info().
		Str("message_group", group).
		Int("processed", res.Processed).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Msg("Цикл обработки inbox завершён")
}
