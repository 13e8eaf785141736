// Relay - процесс надёжной доставки сообщений.
// Publisher раздаёт записи outbox через шину, Consumer применяет записи inbox,
// Scheduler повторяет упавшие записи и чистит обработанные. Мост в Kafka
// пересылает настроенные топики шины наружу и принимает входящие топики в inbox.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"example.com/reliable-messaging/pkg/admin"
	"example.com/reliable-messaging/pkg/bus"
	"example.com/reliable-messaging/pkg/circuitbreaker"
	"example.com/reliable-messaging/pkg/config"
	dbpkg "example.com/reliable-messaging/pkg/db"
	"example.com/reliable-messaging/pkg/healthcheck"
	"example.com/reliable-messaging/pkg/inbox"
	"example.com/reliable-messaging/pkg/kafka"
	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
	"example.com/reliable-messaging/pkg/metrics"
	"example.com/reliable-messaging/pkg/middleware"
	"example.com/reliable-messaging/pkg/outbox"
	"example.com/reliable-messaging/pkg/scheduler"
	"example.com/reliable-messaging/pkg/serializer"
	"example.com/reliable-messaging/pkg/tracing"
	"example.com/reliable-messaging/services/relay/internal/relay"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})

	log := logger.With().Str("service", cfg.App.Name).Logger()

	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = cfg.App.Name
	}

	log.Info().
		Str("env", cfg.App.Env).
		Str("instance", instance).
		Msg("Запуск Relay")

	// === Observability: Tracing ===

	shutdownTracing, err := tracing.InitTracer(tracing.Config{
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Env,
		Endpoint:    cfg.Jaeger.OTLPEndpoint(),
		Enabled:     cfg.Jaeger.Enabled,
		SampleRatio: cfg.Jaeger.SampleRatio,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tracing")
	}

	// === Подключение к зависимостям ===

	db, err := dbpkg.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = dbpkg.Migrate(migrateCtx, db, &outbox.MessageModel{}, &inbox.MessageModel{}, &relay.InstanceModel{})
	migrateCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка миграции схемы")
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err = dbpkg.ConnectRedis(pingCtx, cfg.Redis)
		if err != nil {
			// Redis - только быстрый слой дедупликации, без него работает первичный ключ inbox
			log.Warn().Err(err).Msg("Redis недоступен, дедупликация только по inbox")
		} else {
			log.Info().Msg("Подключение к Redis установлено")
		}
		pingCancel()
	}

	codec, err := serializer.New(cfg.Messaging.Serializer)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания сериализатора")
	}

	// === Шина и обработчики ===

	b := bus.NewInMemoryBus(
		bus.WithMiddleware(middleware.Default(cfg.Messaging.HandlerTimeout)...),
		bus.WithRequestTimeout(cfg.Messaging.RequestTimeout),
	)

	outboxStore := outbox.NewStore(db)
	inboxStore := inbox.NewStore(db)
	writer := outbox.NewWriter(outboxStore, codec)

	relaySvc := relay.New(instance, db, writer)
	registry := messaging.NewRegistry(codec)
	if err := relaySvc.Register(registry); err != nil {
		log.Fatal().Err(err).Msg("Ошибка регистрации обработчиков")
	}
	if err := bus.SubscribeRegistry(b, registry); err != nil {
		log.Fatal().Err(err).Msg("Ошибка подписки обработчиков")
	}
	if err := relaySvc.Respond(b, registry.Codec()); err != nil {
		log.Fatal().Err(err).Msg("Ошибка подписки relay.ping")
	}

	receiverOpts := []inbox.ReceiverOption{}
	if rdb != nil {
		receiverOpts = append(receiverOpts, inbox.WithRedisDedup(rdb, cfg.Redis.DedupTTL))
	}
	receiver := inbox.NewReceiver(inboxStore, receiverOpts...)
	for _, topic := range cfg.Messaging.InboxTopics {
		if err := b.Subscribe(topic, receiver.BusHandler()); err != nil {
			log.Fatal().Err(err).Str("topic", topic).Msg("Ошибка подписки inbox на топик шины")
		}
	}

	publisher := outbox.NewPublisher(outboxStore, b, outbox.PublisherConfig{
		BatchSize:   cfg.Messaging.BatchSize,
		PublishRate: cfg.Messaging.PublishRate,
	})
	consumer := inbox.NewConsumer(inboxStore, bus.NewDispatcher(b), inbox.ConsumerConfig{
		BatchSize: cfg.Messaging.BatchSize,
	})

	sched := scheduler.New(scheduler.Config{
		PollInterval:   cfg.Messaging.PollInterval,
		MaxRetries:     cfg.Messaging.MaxRetries,
		Retention:      cfg.Messaging.Retention,
		OrderedGroups:  cfg.Messaging.OrderedGroups,
		OrderedEnabled: cfg.Messaging.OrderedEnabled,
		CleanupEnabled: cfg.Messaging.CleanupEnabled,
		RetryEnabled:   cfg.Messaging.RetryEnabled,
		StaleAfter:     cfg.Messaging.StaleAfter,
	},
		scheduler.WithInbox(consumer, inboxStore),
		scheduler.WithOutbox(publisher, outboxStore),
	)

	// === Мост в Kafka ===

	var (
		kafkaProducer  *kafka.Producer
		kafkaConsumers []*kafka.Consumer
	)
	if cfg.Kafka.Enabled {
		kafkaProducer, kafkaConsumers = setupKafka(cfg, b, receiver)
	} else {
		log.Info().Msg("Мост в Kafka выключен")
	}

	// === Readiness ===

	checks := []healthcheck.Check{
		func(ctx context.Context) error { return healthcheck.CheckMySQL(ctx, db) },
	}
	if rdb != nil {
		checks = append(checks, func(ctx context.Context) error { return healthcheck.CheckRedis(ctx, rdb) })
	}
	if cfg.Kafka.Enabled {
		checks = append(checks, func(ctx context.Context) error { return healthcheck.CheckKafka(ctx, cfg.Kafka.Brokers) })
	}
	readinessCheck := healthcheck.Composite(checks...)

	// === Запуск ===

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Ошибка запуска шины")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return relaySvc.RunHeartbeat(gctx, cfg.Messaging.PollInterval) })

	// Consumer перезапускается сам и не останавливает остальные компоненты.
	for _, c := range kafkaConsumers {
		inbound := kafka.NewInbound(receiver)
		g.Go(func() error { return c.Run(gctx, inbound.Handle) })
		g.Go(func() error { return c.ReportLag(gctx, cfg.Kafka.LagInterval) })
	}

	var servers []*http.Server
	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Addr(), cfg.App.Name, metrics.WithReadinessCheck(metrics.ReadinessChecker(readinessCheck)))
		g.Go(metricsServer.Start)
		g.Go(func() error {
			<-gctx.Done()
			return shutdownWithTimeout(metricsServer.Shutdown)
		})
	}
	if cfg.Admin.Enabled {
		adminServer := admin.NewRouter(admin.RouterConfig{
			Outbox:  outboxStore,
			Inbox:   inboxStore,
			Service: cfg.App.Name + "-admin",
			Debug:   cfg.IsDevelopment(),
			Codec:   codec,
		}).NewServer(cfg.Admin.Addr())
		servers = append(servers, adminServer)

		g.Go(func() error {
			log.Info().Str("addr", adminServer.Addr).Msg("Запуск Admin API")
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin API: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, srv := range servers {
			if err := shutdownWithTimeout(srv.Shutdown); err != nil {
				log.Error().Err(err).Msg("Ошибка остановки HTTP сервера")
			}
		}
		return nil
	})

	log.Info().Msg("Relay запущен")

	runErr := g.Wait()
	if runErr != nil {
		log.Error().Err(runErr).Msg("Relay остановлен с ошибкой")
	} else {
		log.Info().Msg("Получен сигнал завершения, останавливаем Relay...")
	}

	// === Остановка: сначала источники сообщений, потом хранилища ===

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	for _, c := range kafkaConsumers {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka Consumer")
		}
	}
	if err := b.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки шины")
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka Producer")
		}
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Redis")
		}
	}
	closeDB(db)

	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Tracing")
		}
	}

	log.Info().Msg("Relay остановлен")

	if runErr != nil {
		stop()
		os.Exit(1)
	}
}

// setupKafka создаёт топики, подключает маршруты шины в Kafka и
// Consumer'ы входящих топиков.
func setupKafka(cfg *config.Config, b bus.Bus, receiver *inbox.Receiver) (*kafka.Producer, []*kafka.Consumer) {
	log := logger.With().Strs("brokers", cfg.Kafka.Brokers).Logger()
	log.Info().Msg("Инициализация Kafka")

	kcfg := kafka.Config{
		Brokers:       cfg.Kafka.Brokers,
		ConsumerGroup: cfg.Kafka.ConsumerGroup,
		DLQTopic:      cfg.Kafka.DLQTopic,
	}

	specs := []kafka.TopicSpec{{Name: kcfg.DLQTopic, Partitions: 1, ReplicationFactor: cfg.Kafka.ReplicationFactor}}
	for _, kafkaTopic := range cfg.Kafka.Routes {
		specs = append(specs, kafka.TopicSpec{Name: kafkaTopic, Partitions: cfg.Kafka.Partitions, ReplicationFactor: cfg.Kafka.ReplicationFactor})
	}
	for _, topic := range cfg.Kafka.InboundTopics {
		specs = append(specs, kafka.TopicSpec{Name: topic, Partitions: cfg.Kafka.Partitions, ReplicationFactor: cfg.Kafka.ReplicationFactor})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := kafka.EnsureTopics(ctx, cfg.Kafka.Brokers, specs...); err != nil {
		log.Warn().Err(err).Msg("Не удалось создать топики (возможно Kafka недоступна)")
	}
	cancel()

	producer, err := kafka.NewProducer(kcfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания Kafka Producer")
	}

	forwarder := kafka.NewForwarder(producer, circuitbreaker.New("kafka"))
	for busTopic, kafkaTopic := range cfg.Kafka.Routes {
		if err := forwarder.Route(b, busTopic, kafkaTopic); err != nil {
			log.Fatal().Err(err).Msg("Ошибка подключения маршрута в Kafka")
		}
	}

	consumers := make([]*kafka.Consumer, 0, len(cfg.Kafka.InboundTopics))
	for _, topic := range cfg.Kafka.InboundTopics {
		c, err := kafka.NewConsumer(kcfg, topic, cfg.Kafka.ConsumerGroup,
			kafka.WithDLQ(producer),
			kafka.WithRestartDelay(cfg.Kafka.RestartDelay, cfg.Kafka.MaxRestartDelay),
		)
		if err != nil {
			log.Fatal().Err(err).Str("topic", topic).Msg("Ошибка создания Kafka Consumer")
		}
		consumers = append(consumers, c)
	}

	return producer, consumers
}

func shutdownWithTimeout(shutdown func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return shutdown(ctx)
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil && sqlDB != nil {
		if err := sqlDB.Close(); err != nil {
			logger.Error().Err(err).Msg("Ошибка закрытия MySQL")
		}
	}
}
