package outbox

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"example.com/reliable-messaging/pkg/bus"
	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
	"example.com/reliable-messaging/pkg/metrics"
	"example.com/reliable-messaging/pkg/middleware"
)

const tracerName = "reliable-messaging/outbox"

// PublisherConfig - настройки Publisher.
type PublisherConfig struct {
	// BatchSize - сколько записей забирается за один цикл.
	BatchSize int

	// PublishRate - предел публикаций в секунду. 0 - без ограничения.
	PublishRate float64
}

// DefaultPublisherConfig возвращает конфигурацию по умолчанию.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{BatchSize: DefaultBatchSize}
}

// Result - итог одного цикла обработки.
type Result struct {
	Processed int
	Failed    int
	Skipped   int // Захвачены другим обработчиком или не удалось захватить
}

// Publisher раздаёт записи outbox через шину.
// Между циклами состояния не хранит: всё состояние живёт в Store.
type Publisher struct {
	store   Store
	bus     bus.Bus
	cfg     PublisherConfig
	limiter *rate.Limiter
	tracer  trace.Tracer
}

// NewPublisher создаёт Publisher.
func NewPublisher(store Store, b bus.Bus, cfg PublisherConfig) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	p := &Publisher{
		store:  store,
		bus:    b,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
	}
	if cfg.PublishRate > 0 {
		burst := int(math.Ceil(cfg.PublishRate))
		p.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), burst)
	}
	return p
}

// ProcessPending выполняет один цикл: забирает пачку Pending записей
// и публикует каждую независимо. Ошибка одной записи не прерывает пачку.
// Отмена ctx проверяется между записями: текущая запись доводится до конца.
func (p *Publisher) ProcessPending(ctx context.Context) (Result, error) {
	var res Result
	log := logger.FromContext(ctx)

	records, err := p.store.GetPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	if len(records) == 0 {
		return res, nil
	}

	log.Debug().Int("count", len(records)).Msg("Обработка записей outbox")

	for _, msg := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return res, err
			}
		}

		switch p.publishOne(ctx, msg) {
		case metrics.OutcomeProcessed:
			res.Processed++
		case metrics.OutcomeFailed:
			res.Failed++
		default:
			res.Skipped++
		}
	}

	return res, nil
}

// publishOne захватывает запись, публикует её и отмечает исход.
// Возвращает исход для метки outcome.
func (p *Publisher) publishOne(ctx context.Context, msg *Message) string {
	start := time.Now()

	ctx = logger.WithMessageID(ctx, msg.ID)
	if msg.CorrelationID != "" {
		ctx = logger.WithCorrelationID(ctx, msg.CorrelationID)
	}
	log := logger.FromContext(ctx)

	claimed, err := p.store.Claim(ctx, msg.ID)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка захвата записи outbox")
		return metrics.OutcomeSkipped
	}
	if !claimed {
		log.Debug().Msg("Запись outbox уже захвачена")
		return metrics.OutcomeSkipped
	}

	topic := msg.Topic()
	ctx, span := p.tracer.Start(ctx, "outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", msg.ID),
			attribute.String("messaging.message.type", msg.MessageType),
			attribute.String("messaging.destination.name", topic),
			attribute.Int("messaging.retry_count", msg.RetryCount),
		),
	)
	defer span.End()

	// Отметка исхода не должна прерываться отменой цикла.
	markCtx := context.WithoutCancel(ctx)

	err = p.deliver(ctx, topic, &bus.Message{
		ID:      msg.ID,
		Type:    msg.MessageType,
		Payload: msg.Content,
		Headers: p.headersFor(ctx, msg),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordRecord(metrics.StoreOutbox, metrics.OutcomeFailed, time.Since(start))

		if markErr := p.store.MarkFailed(markCtx, msg.ID, err); markErr != nil {
			log.Error().Err(markErr).Msg("Ошибка пометки outbox как failed")
		}

		if msg.RetryCount+1 >= msg.MaxRetryCount {
			log.Error().
				Err(err).
				Str("topic", topic).
				Int("retry_count", msg.RetryCount+1).
				Msg("Исчерпан лимит попыток публикации, нужна ручная обработка")
		} else {
			log.Warn().
				Err(err).
				Str("topic", topic).
				Int("retry_count", msg.RetryCount+1).
				Msg("Ошибка публикации записи outbox")
		}
		return metrics.OutcomeFailed
	}

	if err := p.store.MarkProcessed(markCtx, msg.ID); err != nil {
		// Сообщение доставлено, но запись осталась Processing:
		// ReleaseStale вернёт её в Pending, и доставка повторится.
		span.RecordError(err)
		log.Error().Err(err).Msg("Ошибка пометки outbox как обработанной")
		metrics.RecordRecord(metrics.StoreOutbox, metrics.OutcomeFailed, time.Since(start))
		return metrics.OutcomeFailed
	}

	metrics.RecordRecord(metrics.StoreOutbox, metrics.OutcomeProcessed, time.Since(start))
	log.Debug().
		Str("topic", topic).
		Str("message_type", msg.MessageType).
		Msg("Сообщение outbox опубликовано")

	return metrics.OutcomeProcessed
}

// deliver публикует сообщение, превращая панику шины в ошибку.
func (p *Publisher) deliver(ctx context.Context, topic string, m *bus.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника при публикации: %v", r)
		}
	}()
	return p.bus.Publish(ctx, topic, m)
}

// headersFor собирает заголовки доставки: сохранённые заголовки записи,
// служебные ключи и контекст трассировки.
func (p *Publisher) headersFor(ctx context.Context, msg *Message) map[string]string {
	headers := messaging.CopyHeaders(msg.Headers)
	headers[messaging.HeaderMessageType] = msg.MessageType
	headers[messaging.HeaderMessageID] = msg.ID
	headers[messaging.HeaderTimestamp] = messaging.FormatTimestamp(time.Now())
	if msg.CorrelationID != "" {
		headers[messaging.HeaderCorrelationID] = msg.CorrelationID
	}

	return middleware.InjectHeaders(ctx, headers)
}
