package middleware

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"example.com/reliable-messaging/pkg/bus"
	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
	"example.com/reliable-messaging/pkg/metrics"
)

func testMessage() *bus.Message {
	return &bus.Message{
		ID:      "m-1",
		Type:    "payment.captured",
		Topic:   "payments",
		Payload: []byte(`{}`),
		Headers: map[string]string{},
	}
}

// setupTracing ставит SDK провайдер с записью span'ов и W3C propagator.
func setupTracing(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return sr
}

// =============================================================================
// Recovery
// =============================================================================

func TestRecovery(t *testing.T) {
	t.Run("паника превращается в ошибку обработки", func(t *testing.T) {
		h := Recovery()(func(context.Context, *bus.Message) error {
			panic("сломалось")
		})

		var err error
		require.NotPanics(t, func() { err = h(context.Background(), testMessage()) })

		assert.ErrorIs(t, err, messaging.ErrProcessingFailure)
		assert.Contains(t, err.Error(), "сломалось")
	})

	t.Run("ошибка проходит без изменений", func(t *testing.T) {
		want := errors.New("handler down")
		h := Recovery()(func(context.Context, *bus.Message) error { return want })

		assert.Equal(t, want, h(context.Background(), testMessage()))
	})
}

// =============================================================================
// Tracing
// =============================================================================

func TestTracing_CorrelationID(t *testing.T) {
	t.Run("берётся из заголовка", func(t *testing.T) {
		msg := testMessage()
		msg.Headers[messaging.HeaderCorrelationID] = "c-1"

		var got, messageID string
		h := Tracing()(func(ctx context.Context, _ *bus.Message) error {
			got = logger.CorrelationIDFromContext(ctx)
			messageID = logger.MessageIDFromContext(ctx)
			return nil
		})

		require.NoError(t, h(context.Background(), msg))
		assert.Equal(t, "c-1", got)
		assert.Equal(t, "m-1", messageID)
	})

	t.Run("генерируется при отсутствии", func(t *testing.T) {
		var got string
		h := Tracing()(func(ctx context.Context, _ *bus.Message) error {
			got = logger.CorrelationIDFromContext(ctx)
			return nil
		})

		require.NoError(t, h(context.Background(), testMessage()))
		assert.Len(t, got, 36)
	})
}

func TestTracing_PropagatesParentSpan(t *testing.T) {
	sr := setupTracing(t)

	ctx, parent := otel.Tracer("test").Start(context.Background(), "publish")
	msg := testMessage()
	msg.Headers = InjectHeaders(logger.WithCorrelationID(ctx, "c-9"), msg.Headers)
	parent.End()

	assert.Equal(t, "c-9", msg.Headers[messaging.HeaderCorrelationID])
	assert.NotEmpty(t, msg.Headers["traceparent"])

	var traceID string
	h := Tracing()(func(ctx context.Context, _ *bus.Message) error {
		traceID = logger.TraceIDFromContext(ctx)
		return errors.New("handler down")
	})
	require.Error(t, h(context.Background(), msg))

	assert.Equal(t, parent.SpanContext().TraceID().String(), traceID)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	handled := spans[1]
	assert.Equal(t, "bus.handle payments", handled.Name())
	assert.Equal(t, parent.SpanContext().SpanID(), handled.Parent().SpanID())
	assert.Len(t, handled.Events(), 1, "ошибка записана в span")
}

func TestInjectHeaders_KeepsExistingCorrelation(t *testing.T) {
	src := map[string]string{messaging.HeaderCorrelationID: "own"}

	got := InjectHeaders(logger.WithCorrelationID(context.Background(), "ctx"), src)

	assert.Equal(t, "own", got[messaging.HeaderCorrelationID])
	got["x"] = "y"
	assert.NotContains(t, src, "x", "исходная карта не меняется")
}

// =============================================================================
// Logging / Metrics / Timeout
// =============================================================================

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	ctx := logger.WithLogger(context.Background(), zerolog.New(&buf))

	h := Logging()(func(context.Context, *bus.Message) error { return errors.New("handler down") })
	require.Error(t, h(ctx, testMessage()))

	out := buf.String()
	assert.Contains(t, out, "Обработчик шины завершился с ошибкой")
	assert.Contains(t, out, `"topic":"payments"`)
	assert.Contains(t, out, `"error":"handler down"`)
}

func TestMetrics(t *testing.T) {
	msg := testMessage()
	msg.Topic = "metrics-test-topic"

	before := testutil.CollectAndCount(metrics.BusHandlerDuration)

	h := Metrics()(func(context.Context, *bus.Message) error { return nil })
	require.NoError(t, h(context.Background(), msg))

	assert.Equal(t, before+1, testutil.CollectAndCount(metrics.BusHandlerDuration), "появилась серия нового топика")
}

func TestTimeout(t *testing.T) {
	h := Timeout(50 * time.Millisecond)(func(ctx context.Context, _ *bus.Message) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	err := h(context.Background(), testMessage())

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

// =============================================================================
// Цепочка на шине
// =============================================================================

func TestDefault_OnBus(t *testing.T) {
	b := bus.NewInMemoryBus(bus.WithMiddleware(Default(time.Second)...))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	var correlationID string
	require.NoError(t, b.Subscribe("payments", func(ctx context.Context, _ *bus.Message) error {
		correlationID = logger.CorrelationIDFromContext(ctx)
		_, hasDeadline := ctx.Deadline()
		if !hasDeadline {
			return errors.New("нет дедлайна")
		}
		return nil
	}))
	require.NoError(t, b.Subscribe("panics", func(context.Context, *bus.Message) error {
		panic("сломалось")
	}))

	msg := testMessage()
	msg.Headers[messaging.HeaderCorrelationID] = "c-1"
	require.NoError(t, b.Publish(context.Background(), "payments", msg))
	assert.Equal(t, "c-1", correlationID)

	err := b.Publish(context.Background(), "panics", testMessage())
	assert.ErrorIs(t, err, messaging.ErrProcessingFailure)

	assert.Len(t, Default(0), 4, "без таймаута цепочка из четырёх звеньев")
}

func TestDefault_OnBus_SingleErrorLogPerFailure(t *testing.T) {
	b := bus.NewInMemoryBus(bus.WithMiddleware(Default(time.Second)...))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	require.NoError(t, b.Subscribe("payments", func(context.Context, *bus.Message) error {
		return errors.New("handler down")
	}))

	var buf bytes.Buffer
	ctx := logger.WithLogger(context.Background(), zerolog.New(&buf))
	require.Error(t, b.Publish(ctx, "payments", testMessage()))

	errorLines := 0
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, `"level":"error"`) {
			errorLines++
		}
	}
	assert.Equal(t, 1, errorLines, "сбой обработчика логируется на уровне error один раз")
	assert.Contains(t, buf.String(), "Обработчик шины завершился с ошибкой")
}
