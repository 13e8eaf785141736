package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
	"example.com/reliable-messaging/pkg/metrics"
)

// MessageHandler - функция обработки сообщений.
// Получает context с correlation_id и контекстом трейса из заголовков.
// Должна вернуть nil при успешной обработке.
type MessageHandler func(ctx context.Context, msg *Message) error

// messageReader - часть kafka.Reader, нужная Consumer.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
	Stats() kafka.ReaderStats
}

// dlqSender отправляет необработанные сообщения в DLQ (Producer).
type dlqSender interface {
	SendToDLQ(ctx context.Context, originalMsg *Message, processingError error) error
}

// ErrHandlerFailed - обработчик не справился после всех попыток, а DLQ не настроен.
// Offset не закоммичен: после перезапуска сообщение будет прочитано снова.
var ErrHandlerFailed = errors.New("сообщение Kafka не обработано")

// Consumer читает сообщения из Kafka и передаёт их обработчику.
// Offset коммитится только после успешной обработки или отправки в DLQ.
type Consumer struct {
	mu     sync.Mutex
	reader messageReader

	// open создаёт новый reader при перезапуске. nil - reader не пересоздаётся.
	open func() messageReader

	dlq        dlqSender
	topic      string
	maxRetries int
	retryDelay time.Duration

	restartDelay    time.Duration
	maxRestartDelay time.Duration
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDLQ включает отправку необработанных сообщений в DLQ.
func WithDLQ(p *Producer) ConsumerOption {
	return func(c *Consumer) {
		if p != nil {
			c.dlq = p
		}
	}
}

// WithRetry задаёт число повторов обработчика и начальную задержку
// (удваивается с каждой попыткой).
func WithRetry(maxRetries int, delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.maxRetries = maxRetries
		c.retryDelay = delay
	}
}

// WithRestartDelay задаёт паузу перед перезапуском Consumer в Run
// (растёт экспоненциально до maxDelay).
func WithRestartDelay(delay, maxDelay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.restartDelay = delay
		c.maxRestartDelay = maxDelay
	}
}

// NewConsumer создаёт новый Consumer для чтения сообщений из топика.
// groupID используется для consumer group - несколько инстансов с одним groupID
// будут распределять партиции между собой.
func NewConsumer(cfg Config, topic string, groupID string, opts ...ConsumerOption) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("не указаны брокеры Kafka")
	}
	if topic == "" {
		return nil, fmt.Errorf("не указан топик")
	}
	if groupID == "" {
		return nil, fmt.Errorf("не указан group ID")
	}

	open := func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     groupID,
			MinBytes:    1,
			MaxBytes:    10e6, // 10MB максимум
			MaxWait:     100 * time.Millisecond,
			StartOffset: kafka.FirstOffset,
		})
	}

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", topic).
		Str("group_id", groupID).
		Msg("Создан Kafka Consumer")

	c := newConsumer(open(), topic, opts...)
	c.open = open
	return c, nil
}

func newConsumer(reader messageReader, topic string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		reader:     reader,
		topic:      topic,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,

		restartDelay:    time.Second,
		maxRestartDelay: time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consume запускает чтение сообщений из топика.
// Блокирует выполнение до отмены context. Возвращает ErrHandlerFailed, если
// сообщение не удалось ни обработать, ни отправить в DLQ.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	reader := c.currentReader()

	logger.Info().
		Str("topic", c.topic).
		Msg("Запуск чтения сообщений из Kafka")

	for {
		if err := ctx.Err(); err != nil {
			logger.Info().
				Str("topic", c.topic).
				Msg("Получен сигнал завершения, остановка Consumer")
			return err
		}

		kafkaMsg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			logger.Error().
				Err(err).
				Str("topic", c.topic).
				Msg("Ошибка чтения сообщения из Kafka")
			continue
		}
		msg := fromKafkaMessage(kafkaMsg)

		if err := c.processWithRetry(ctx, msg, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !c.deadLetter(ctx, msg, err) {
				return fmt.Errorf("%w: %s/%d@%d: %v", ErrHandlerFailed, msg.Topic, msg.Partition, msg.Offset, err)
			}
		}

		if err := reader.CommitMessages(ctx, kafkaMsg); err != nil {
			logger.Error().
				Err(err).
				Str("topic", c.topic).
				Int64("offset", msg.Offset).
				Msg("Ошибка коммита offset")
		}
	}
}

// Run выполняет Consume до отмены context. Если Consume остановился на
// необработанном сообщении, reader пересоздаётся после паузы: новый reader
// продолжает с последнего закоммиченного offset, и сообщение читается снова.
// Остальные компоненты процесса при этом продолжают работу.
func (c *Consumer) Run(ctx context.Context, handler MessageHandler) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.restartDelay
	b.MaxInterval = c.maxRestartDelay
	b.Reset()

	for {
		started := time.Now()
		err := c.Consume(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > c.maxRestartDelay {
			b.Reset()
		}

		delay := b.NextBackOff()
		metrics.RecordKafkaConsumerRestart(c.topic)
		logger.Error().
			Err(err).
			Str("topic", c.topic).
			Dur("delay", delay).
			Msg("Kafka Consumer остановлен, перезапуск после паузы")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		if err := c.reopen(); err != nil {
			logger.Error().Err(err).Str("topic", c.topic).Msg("Ошибка закрытия reader при перезапуске")
		}
	}
}

// reopen закрывает текущий reader и создаёт новый.
func (c *Consumer) reopen() error {
	if c.open == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.reader.Close()
	c.reader = c.open()
	return err
}

func (c *Consumer) currentReader() messageReader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader
}

// processWithRetry вызывает обработчик с экспоненциальной задержкой между попытками.
func (c *Consumer) processWithRetry(ctx context.Context, msg *Message, handler MessageHandler) error {
	msgCtx := contextFromMessage(ctx, msg)
	log := logger.FromContext(msgCtx)

	log.Debug().
		Str("topic", msg.Topic).
		Str("key", string(msg.Key)).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("Получено сообщение из Kafka")

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			log.Warn().
				Int("attempt", attempt).
				Str("key", string(msg.Key)).
				Dur("delay", delay).
				Msg("Повторная попытка обработки сообщения")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if lastErr = handler(msgCtx, msg); lastErr == nil {
			return nil
		}
	}

	log.Error().
		Err(lastErr).
		Str("topic", msg.Topic).
		Int64("offset", msg.Offset).
		Msg("Исчерпаны попытки обработки сообщения")
	return lastErr
}

// deadLetter отправляет сообщение в DLQ. false - DLQ не настроен или недоступен.
func (c *Consumer) deadLetter(ctx context.Context, msg *Message, cause error) bool {
	if c.dlq == nil {
		return false
	}

	logger.Warn().
		Str("topic", msg.Topic).
		Str("key", string(msg.Key)).
		Err(cause).
		Msg("Отправка сообщения в DLQ")

	if err := c.dlq.SendToDLQ(ctx, msg, cause); err != nil {
		logger.Error().Err(err).Msg("Ошибка отправки в DLQ")
		return false
	}
	return true
}

// contextFromMessage переносит в context correlation_id и контекст трейса из заголовков.
func contextFromMessage(ctx context.Context, msg *Message) context.Context {
	if correlationID := msg.Headers[messaging.HeaderCorrelationID]; correlationID != "" {
		ctx = logger.WithCorrelationID(ctx, correlationID)
	}
	if id := msg.Headers[messaging.HeaderMessageID]; id != "" {
		ctx = logger.WithMessageID(ctx, id)
	}

	carrier := make(HeaderCarrier, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		carrier.Set(k, v)
	}
	return otel.GetTextMapPropagator().Extract(ctx, &carrier)
}

// Close закрывает Consumer.
func (c *Consumer) Close() error {
	logger.Info().
		Str("topic", c.topic).
		Msg("Закрытие Kafka Consumer")

	if err := c.currentReader().Close(); err != nil {
		logger.Error().
			Err(err).
			Str("topic", c.topic).
			Msg("Ошибка при закрытии Kafka Consumer")
		return fmt.Errorf("ошибка закрытия consumer: %w", err)
	}
	return nil
}

// Lag возвращает текущее отставание Consumer от конца топика.
func (c *Consumer) Lag() int64 {
	return c.currentReader().Stats().Lag
}

// ReportLag раз в interval публикует Lag в метрику messaging_kafka_consumer_lag.
// Блокирует до отмены context.
func (c *Consumer) ReportLag(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		metrics.SetKafkaConsumerLag(c.topic, c.Lag())

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
