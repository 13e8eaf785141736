package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
)

// messageWriter - часть kafka.Writer, нужная Producer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer отправляет сообщения в Kafka с поддержкой headers и трассировки.
type Producer struct {
	writer messageWriter
	cfg    Config
}

// NewProducer создаёт Producer. Отправка синхронная: ошибка брокера
// возвращается вызывающему, и запись outbox уходит в Failed.
func NewProducer(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("не указаны брокеры Kafka")
	}
	if cfg.DLQTopic == "" {
		cfg.DLQTopic = DefaultDLQTopic
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{}, // Один ключ - одна партиция, порядок внутри группы
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Msg("Создан Kafka Producer")

	return &Producer{writer: writer, cfg: cfg}, nil
}

// SendMessage отправляет подготовленный Message.
// Добавляет CorrelationId из context (если не задан), Timestamp
// и контекст трейса OpenTelemetry.
func (p *Producer) SendMessage(ctx context.Context, msg *Message) error {
	headers := messaging.CopyHeaders(msg.Headers)

	if _, ok := headers[messaging.HeaderCorrelationID]; !ok {
		if correlationID := logger.CorrelationIDFromContext(ctx); correlationID != "" {
			headers[messaging.HeaderCorrelationID] = correlationID
		}
	}
	if _, ok := headers[messaging.HeaderTimestamp]; !ok {
		headers[messaging.HeaderTimestamp] = messaging.FormatTimestamp(time.Now())
	}

	out := *msg
	out.Headers = headers
	if out.Time.IsZero() {
		out.Time = time.Now()
	}

	kafkaMsg := out.toKafkaMessage()
	carrier := HeaderCarrier(kafkaMsg.Headers)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	kafkaMsg.Headers = carrier

	log := logger.FromContext(ctx)
	if err := p.writer.WriteMessages(ctx, kafkaMsg); err != nil {
		log.Error().
			Err(err).
			Str("topic", msg.Topic).
			Str("key", string(msg.Key)).
			Msg("Ошибка отправки сообщения в Kafka")
		return fmt.Errorf("ошибка отправки в Kafka: %w", err)
	}

	log.Debug().
		Str("topic", msg.Topic).
		Str("key", string(msg.Key)).
		Msg("Сообщение отправлено в Kafka")
	return nil
}

// SendToDLQ отправляет сообщение в Dead Letter Queue с информацией об ошибке.
func (p *Producer) SendToDLQ(ctx context.Context, originalMsg *Message, processingError error) error {
	headers := messaging.CopyHeaders(originalMsg.Headers)
	headers[HeaderDLQError] = messaging.ErrorText(processingError)
	headers[HeaderDLQOriginalTopic] = originalMsg.Topic
	headers[HeaderDLQTimestamp] = messaging.FormatTimestamp(time.Now())

	return p.SendMessage(ctx, &Message{
		Topic:   p.cfg.DLQTopic,
		Key:     originalMsg.Key,
		Value:   originalMsg.Value,
		Headers: headers,
	})
}

// Close закрывает соединение с Kafka.
func (p *Producer) Close() error {
	logger.Info().Msg("Закрытие Kafka Producer")

	if err := p.writer.Close(); err != nil {
		logger.Error().Err(err).Msg("Ошибка при закрытии Kafka Producer")
		return fmt.Errorf("ошибка закрытия producer: %w", err)
	}

	logger.Info().Msg("Kafka Producer закрыт")
	return nil
}
