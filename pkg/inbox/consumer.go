package inbox

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
	"example.com/reliable-messaging/pkg/metrics"
)

const tracerName = "reliable-messaging/inbox"

// Dispatcher доставляет содержимое записи локальным обработчикам.
// Реализуется messaging.Registry (прямой вызов) и bus.Dispatcher (через шину).
type Dispatcher interface {
	Dispatch(ctx context.Context, messageType string, content []byte, headers map[string]string) error
}

// ConsumerConfig - настройки Consumer.
type ConsumerConfig struct {
	BatchSize int
}

// Result - итог одного прохода.
type Result struct {
	Processed int
	Failed    int
	Skipped   int
}

// Consumer обрабатывает записи inbox.
type Consumer struct {
	store      Store
	dispatcher Dispatcher
	cfg        ConsumerConfig
	tracer     trace.Tracer
}

// NewConsumer создаёт Consumer.
func NewConsumer(store Store, dispatcher Dispatcher, cfg ConsumerConfig) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Consumer{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		tracer:     otel.Tracer(tracerName),
	}
}

// ProcessPending обрабатывает пачку неупорядоченных записей.
// Записи независимы: сбой одной не прерывает остальные.
func (c *Consumer) ProcessPending(ctx context.Context) (Result, error) {
	var res Result

	records, err := c.store.GetPending(ctx, c.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	if len(records) == 0 {
		return res, nil
	}

	logger.Ctx(ctx).Debug().Int("count", len(records)).Msg("Обработка записей inbox")

	for _, msg := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.add(c.consumeOne(ctx, msg))
	}
	return res, nil
}

// ProcessGroup обрабатывает упорядоченную группу строго по sequence_number.
// На первом сбое проход по группе останавливается: следующие записи
// ждут, пока сбойная не будет обработана или пропущена оператором.
func (c *Consumer) ProcessGroup(ctx context.Context, group string) (Result, error) {
	var res Result

	records, err := c.store.GetPendingGroup(ctx, group)
	if err != nil {
		return res, err
	}

	for _, msg := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		outcome := c.consumeOne(ctx, msg)
		res.add(outcome)
		if outcome != metrics.OutcomeProcessed {
			logger.Ctx(ctx).Info().
				Str("message_group", group).
				Str("message_id", msg.ID).
				Int64("sequence_number", *msg.SequenceNumber).
				Msg("Группа остановлена до разрешения записи")
			break
		}
	}
	return res, nil
}

func (r *Result) add(outcome string) {
	switch outcome {
	case metrics.OutcomeProcessed:
		r.Processed++
	case metrics.OutcomeFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

// consumeOne захватывает запись, доставляет её обработчикам и отмечает исход.
func (c *Consumer) consumeOne(ctx context.Context, msg *Message) string {
	start := time.Now()

	ctx = logger.WithMessageID(ctx, msg.ID)
	if msg.CorrelationID != "" {
		ctx = logger.WithCorrelationID(ctx, msg.CorrelationID)
	}
	log := logger.FromContext(ctx)

	claimed, err := c.store.Claim(ctx, msg.ID)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка захвата записи inbox")
		return metrics.OutcomeSkipped
	}
	if !claimed {
		log.Debug().Msg("Запись inbox уже захвачена")
		return metrics.OutcomeSkipped
	}

	// Родительский span приходит из заголовков отправителя.
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	attrs := []attribute.KeyValue{
		attribute.String("messaging.message.id", msg.ID),
		attribute.String("messaging.message.type", msg.MessageType),
		attribute.Int("messaging.retry_count", msg.RetryCount),
	}
	if msg.IsOrdered() {
		attrs = append(attrs,
			attribute.String("messaging.message.group", msg.MessageGroup),
			attribute.Int64("messaging.message.sequence", *msg.SequenceNumber))
	}
	ctx, span := c.tracer.Start(ctx, "inbox.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	markCtx := context.WithoutCancel(ctx)

	if err := c.dispatch(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordRecord(metrics.StoreInbox, metrics.OutcomeFailed, time.Since(start))

		if markErr := c.store.MarkFailed(markCtx, msg.ID, err); markErr != nil {
			log.Error().Err(markErr).Msg("Ошибка пометки inbox как failed")
		}

		ev := log.Warn()
		if msg.RetryCount+1 >= msg.MaxRetryCount {
			ev = log.Error()
		}
		ev.Err(err).
			Str("message_type", msg.MessageType).
			Int("retry_count", msg.RetryCount+1).
			Int("max_retry_count", msg.MaxRetryCount).
			Msg("Ошибка обработки записи inbox")
		return metrics.OutcomeFailed
	}

	if err := c.store.MarkProcessed(markCtx, msg.ID); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("Ошибка пометки inbox как обработанной")
		metrics.RecordRecord(metrics.StoreInbox, metrics.OutcomeFailed, time.Since(start))
		return metrics.OutcomeFailed
	}

	metrics.RecordRecord(metrics.StoreInbox, metrics.OutcomeProcessed, time.Since(start))
	log.Debug().Str("message_type", msg.MessageType).Msg("Запись inbox обработана")
	return metrics.OutcomeProcessed
}

// dispatch вызывает обработчики, превращая панику в ошибку обработки.
func (c *Consumer) dispatch(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Ctx(ctx).Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Перехвачена паника в обработчике inbox")
			err = messaging.NewProcessingError(msg.ID, fmt.Errorf("паника: %v", r))
		}
	}()

	headers := messaging.CopyHeaders(msg.Headers)
	headers[messaging.HeaderMessageID] = msg.ID
	headers[messaging.HeaderMessageType] = msg.MessageType
	if msg.CorrelationID != "" {
		headers[messaging.HeaderCorrelationID] = msg.CorrelationID
	}

	return c.dispatcher.Dispatch(ctx, msg.MessageType, msg.Content, headers)
}
