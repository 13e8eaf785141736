// Package metrics предоставляет Prometheus метрики ядра сообщений
// и HTTP сервер для /metrics, /healthz и /readyz.
//
// Метрики регистрируются через promauto в реестре по умолчанию:
//   - messaging_records_total{store,outcome} - исходы обработки записей;
//   - messaging_record_duration_seconds{store} - время обработки записи;
//   - messaging_scheduler_ticks_total{status} - циклы планировщика;
//   - messaging_bus_deliveries_total{status} - доставки шины;
//   - messaging_bus_handler_duration_seconds{topic,status} - время обработчиков;
//   - messaging_bus_requests_total{outcome} - исходы Request;
//   - messaging_http_requests_total / messaging_http_request_duration_seconds - admin API.
//
// Использование:
//
//	srv := metrics.NewServer(":9090", "relay", metrics.WithReadinessCheck(check))
//	go srv.Start()
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/reliable-messaging/pkg/logger"
)

// Хранилища для метки store.
const (
	StoreOutbox = "outbox"
	StoreInbox  = "inbox"
)

// Исходы обработки записи для метки outcome.
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// =============================================================================
// Метрики
// =============================================================================

var (
	// RecordsTotal - сколько записей обработано и с каким исходом.
	// PromQL: rate(messaging_records_total{store="outbox",outcome="failed"}[5m])
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_records_total",
			Help: "Количество обработанных записей outbox/inbox по исходу",
		},
		[]string{"store", "outcome"},
	)

	RecordDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messaging_record_duration_seconds",
			Help:    "Время обработки одной записи в секундах",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"store"},
	)

	SchedulerTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_scheduler_ticks_total",
			Help: "Количество циклов фонового планировщика по статусу",
		},
		[]string{"status"},
	)

	BusDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_bus_deliveries_total",
			Help: "Количество доставок сообщений обработчикам шины",
		},
		[]string{"status"},
	)

	// BusHandlerDuration - время работы обработчика подписки (middleware.Metrics).
	BusHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messaging_bus_handler_duration_seconds",
			Help:    "Время работы обработчика подписки шины в секундах",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"topic", "status"},
	)

	// BusRequestsTotal - исходы request/reply: success, remote_error,
	// handler_error, timeout, cancelled.
	BusRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_bus_requests_total",
			Help: "Количество запросов request/reply по исходу",
		},
		[]string{"outcome"},
	)

	KafkaConsumerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_kafka_consumer_restarts_total",
			Help: "Количество перезапусков Kafka Consumer после необработанного сообщения",
		},
		[]string{"topic"},
	)

	// KafkaConsumerLag - отставание consumer group от конца топика в сообщениях.
	KafkaConsumerLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messaging_kafka_consumer_lag",
			Help: "Отставание Kafka Consumer от конца топика",
		},
		[]string{"topic"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_http_requests_total",
			Help: "Количество запросов к admin API",
		},
		[]string{"service", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messaging_http_request_duration_seconds",
			Help:    "Время выполнения запроса к admin API в секундах",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "path"},
	)
)

// =============================================================================
// HTTP Server для /metrics endpoint
// =============================================================================

// ReadinessChecker - функция проверки готовности сервиса.
// Возвращает nil если сервис готов принимать трафик.
type ReadinessChecker func(ctx context.Context) error

// Server - HTTP сервер для экспорта метрик Prometheus.
type Server struct {
	httpServer     *http.Server
	service        string
	readinessCheck ReadinessChecker
}

// Option - функциональная опция для настройки Server.
type Option func(*Server)

// WithReadinessCheck добавляет проверку готовности для /readyz.
// Если checker возвращает ошибку, /readyz отвечает 503.
func WithReadinessCheck(checker ReadinessChecker) Option {
	return func(s *Server) {
		s.readinessCheck = checker
	}
}

// NewServer создаёт metrics server на addr.
func NewServer(addr, service string, opts ...Option) *Server {
	s := &Server{service: service}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler возвращает mux с /metrics, /healthz и /readyz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	// liveness: процесс отвечает, значит жив
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if s.readinessCheck == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ready"}`))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.readinessCheck(ctx); err != nil {
			// детали ошибки наружу не отдаём
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not_ready"}`))
			logger.Warn().Err(err).Str("service", s.service).Msg("Readiness check failed")
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	return mux
}

// Start запускает HTTP сервер. Блокирующий вызов.
func (s *Server) Start() error {
	logger.Info().Str("service", s.service).Str("addr", s.httpServer.Addr).Msg("Запуск Metrics Server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown останавливает сервер, дожидаясь активных запросов.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// Запись метрик
// =============================================================================

// RecordRecord записывает исход обработки одной записи хранилища.
func RecordRecord(store, outcome string, duration time.Duration) {
	RecordsTotal.WithLabelValues(store, outcome).Inc()
	RecordDuration.WithLabelValues(store).Observe(duration.Seconds())
}

// RecordSchedulerTick записывает завершённый цикл планировщика: "success" или "error".
func RecordSchedulerTick(status string) {
	SchedulerTicksTotal.WithLabelValues(status).Inc()
}

func RecordBusDelivery(status string) {
	BusDeliveriesTotal.WithLabelValues(status).Inc()
}

// RecordBusHandler записывает длительность обработчика топика: status "success" или "error".
func RecordBusHandler(topic, status string, duration time.Duration) {
	BusHandlerDuration.WithLabelValues(topic, status).Observe(duration.Seconds())
}

func RecordBusRequest(outcome string) {
	BusRequestsTotal.WithLabelValues(outcome).Inc()
}

func RecordKafkaConsumerRestart(topic string) {
	KafkaConsumerRestarts.WithLabelValues(topic).Inc()
}

// SetKafkaConsumerLag обновляет отставание Consumer топика.
func SetKafkaConsumerLag(topic string, lag int64) {
	KafkaConsumerLag.WithLabelValues(topic).Set(float64(lag))
}

// RecordHTTPRequest записывает метрики запроса к admin API.
func RecordHTTPRequest(service, path, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(service, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(service, path).Observe(duration.Seconds())
}

// =============================================================================
// Gin Middleware
// =============================================================================

// GinMetricsMiddleware возвращает Gin middleware, который записывает
// messaging_http_requests_total и messaging_http_request_duration_seconds.
func GinMetricsMiddleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := "success"
		if c.Writer.Status() >= 400 {
			status = "error"
		}

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(service, path, status, time.Since(start))
	}
}
