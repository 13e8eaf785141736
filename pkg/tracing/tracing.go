// Package tracing настраивает OpenTelemetry с экспортом в Jaeger по OTLP gRPC.
//
// Контекст трейса путешествует вместе с сообщением: Publisher кладёт его
// в заголовки записи outbox, обработчики шины и Consumer продолжают тот же trace.
// Поэтому propagator устанавливается глобально даже при выключенном экспорте.
//
// Использование:
//
//	shutdown, err := tracing.InitTracer(tracing.Config{
//	    ServiceName: "messaging-relay",
//	    Endpoint:    "localhost:4317",
//	    Enabled:     true,
//	})
//	if err != nil { ... }
//	defer shutdown(context.Background())
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"example.com/reliable-messaging/pkg/logger"
)

// Config содержит настройки tracing.
type Config struct {
	ServiceName string  // Имя сервиса в Jaeger UI
	Environment string  // development / production
	Endpoint    string  // OTLP gRPC endpoint, например "localhost:4317"
	Enabled     bool    // false - только propagator, без экспорта
	SampleRatio float64 // Доля семплируемых корневых трейсов, 0 - как 1
}

// ShutdownFunc - функция для graceful shutdown трейсера.
type ShutdownFunc func(ctx context.Context) error

// InitTracer инициализирует OpenTelemetry. Возвращает shutdown функцию,
// которая сбрасывает накопленные spans и закрывает соединение.
func InitTracer(cfg Config) (ShutdownFunc, error) {
	log := logger.With().Str("service", cfg.ServiceName).Logger()

	SetPropagator()

	if !cfg.Enabled || cfg.Endpoint == "" {
		log.Info().Msg("Экспорт трейсов отключен")
		return func(context.Context) error { return nil }, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := grpc.NewClient(
		cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("подключение к OTLP %s: %w", cfg.Endpoint, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("создание OTLP exporter: %w", err)
	}

	res, err := newResource(cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Float64("sample_ratio", cfg.SampleRatio).
		Msg("Tracing инициализирован (Jaeger OTLP)")

	return func(ctx context.Context) error {
		log.Info().Msg("Завершение Tracing...")

		// Сначала flush spans, потом соединение
		if err := tp.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Ошибка завершения TracerProvider")
		}
		if err := conn.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия gRPC соединения к Jaeger")
			return err
		}
		return nil
	}, nil
}

// SetPropagator устанавливает W3C TraceContext + Baggage: в таком формате
// контекст трейса записывается в заголовки сообщений.
func SetPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// Sampler уважает решение родителя, а корневые трейсы семплирует с долей ratio.
// Обработка сообщения продолжает trace отправителя, поэтому решение не меняется по дороге.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func newResource(cfg Config) (*resource.Resource, error) {
	env := cfg.Environment
	if env == "" {
		env = "development"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironmentName(env),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("описание ресурса трейсов: %w", err)
	}
	return res, nil
}
