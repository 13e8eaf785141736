// Package config предоставляет загрузку конфигурации из переменных окружения.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config содержит полную конфигурацию приложения.
type Config struct {
	App       AppConfig
	MySQL     MySQLConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Messaging MessagingConfig
	Jaeger    JaegerConfig
	Metrics   MetricsConfig
	Admin     AdminConfig
}

// AppConfig содержит общие настройки приложения.
type AppConfig struct {
	Name      string `env:"APP_NAME" envDefault:"messaging-relay" validate:"required"`
	Env       string `env:"APP_ENV" envDefault:"development" validate:"oneof=development staging production test"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// MySQLConfig содержит настройки подключения к MySQL.
type MySQLConfig struct {
	Host            string        `env:"MYSQL_HOST" envDefault:"localhost" validate:"required"`
	Port            int           `env:"MYSQL_PORT" envDefault:"3306" validate:"min=1,max=65535"`
	User            string        `env:"MYSQL_USER" envDefault:"root" validate:"required"`
	Password        string        `env:"MYSQL_PASSWORD" envDefault:"root"`
	Database        string        `env:"MYSQL_DATABASE" envDefault:"messaging" validate:"required"`
	MaxOpenConns    int           `env:"MYSQL_MAX_OPEN_CONNS" envDefault:"25" validate:"min=1"`
	MaxIdleConns    int           `env:"MYSQL_MAX_IDLE_CONNS" envDefault:"10" validate:"min=0"`
	ConnMaxLifetime time.Duration `env:"MYSQL_CONN_MAX_LIFETIME" envDefault:"5m"`
}

// DSN возвращает строку подключения к MySQL.
// Время хранится в UTC: на нём построены выборки Cleanup и ReleaseStale.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig содержит настройки подключения к Redis.
// Redis используется только как быстрый слой дедупликации inbox.
type RedisConfig struct {
	Enabled  bool          `env:"REDIS_ENABLED" envDefault:"true"`
	Host     string        `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int           `env:"REDIS_PORT" envDefault:"6379" validate:"min=1,max=65535"`
	Password string        `env:"REDIS_PASSWORD" envDefault:""`
	DB       int           `env:"REDIS_DB" envDefault:"0" validate:"min=0"`
	DedupTTL time.Duration `env:"REDIS_DEDUP_TTL" envDefault:"24h" validate:"min=0"`

	DialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"2s"`
	OpTimeout   time.Duration `env:"REDIS_OP_TIMEOUT" envDefault:"500ms"`
}

// Addr возвращает адрес Redis сервера.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig содержит настройки моста в Kafka.
type KafkaConfig struct {
	Enabled       bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers       []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	ConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"messaging-relay"`
	DLQTopic      string   `env:"KAFKA_DLQ_TOPIC" envDefault:"messaging.dlq"`

	// InboundTopics - топики Kafka, сообщения которых принимаются в inbox.
	InboundTopics []string `env:"KAFKA_INBOUND_TOPICS" envSeparator:","`

	// Routes - пересылка топиков шины в Kafka: "bus.topic=kafka.topic".
	Routes map[string]string `env:"KAFKA_ROUTES" envSeparator:"," envKeyValSeparator:"="`

	Partitions        int `env:"KAFKA_PARTITIONS" envDefault:"3" validate:"min=1"`
	ReplicationFactor int `env:"KAFKA_REPLICATION_FACTOR" envDefault:"1" validate:"min=1"`

	// RestartDelay - начальная пауза перед перезапуском Consumer, растёт до MaxRestartDelay.
	RestartDelay    time.Duration `env:"KAFKA_RESTART_DELAY" envDefault:"1s" validate:"min=10ms"`
	MaxRestartDelay time.Duration `env:"KAFKA_MAX_RESTART_DELAY" envDefault:"1m" validate:"gtefield=RestartDelay"`
	LagInterval     time.Duration `env:"KAFKA_LAG_INTERVAL" envDefault:"15s" validate:"min=1s"`
}

// MessagingConfig содержит настройки outbox, inbox и планировщика.
type MessagingConfig struct {
	BatchSize      int           `env:"MESSAGING_BATCH_SIZE" envDefault:"100" validate:"min=1,max=10000"`
	PollInterval   time.Duration `env:"MESSAGING_POLL_INTERVAL" envDefault:"30s" validate:"min=100ms"`
	MaxRetries     int           `env:"MESSAGING_MAX_RETRIES" envDefault:"0" validate:"min=0"`
	Retention      time.Duration `env:"MESSAGING_RETENTION" envDefault:"168h" validate:"min=0"`
	OrderedGroups  []string      `env:"MESSAGING_ORDERED_GROUPS" envSeparator:","`
	OrderedEnabled bool          `env:"MESSAGING_ORDERED_ENABLED" envDefault:"true"`
	CleanupEnabled bool          `env:"MESSAGING_CLEANUP_ENABLED" envDefault:"true"`
	RetryEnabled   bool          `env:"MESSAGING_RETRY_ENABLED" envDefault:"true"`
	StaleAfter     time.Duration `env:"MESSAGING_STALE_AFTER" envDefault:"5m" validate:"min=0"`
	PublishRate    float64       `env:"MESSAGING_PUBLISH_RATE" envDefault:"0" validate:"min=0"`
	Serializer     string        `env:"MESSAGING_SERIALIZER" envDefault:"json" validate:"oneof=json zstd"`
	HandlerTimeout time.Duration `env:"MESSAGING_HANDLER_TIMEOUT" envDefault:"30s" validate:"min=0"`
	RequestTimeout time.Duration `env:"MESSAGING_REQUEST_TIMEOUT" envDefault:"5s" validate:"min=0"`

	// InboxTopics - топики шины, сообщения которых принимаются в inbox.
	InboxTopics []string `env:"MESSAGING_INBOX_TOPICS" envSeparator:","`
}

// JaegerConfig содержит настройки трассировки Jaeger.
type JaegerConfig struct {
	Enabled     bool    `env:"JAEGER_ENABLED" envDefault:"true"`
	Host        string  `env:"JAEGER_HOST" envDefault:"localhost"`
	OTLPPort    int     `env:"JAEGER_OTLP_PORT" envDefault:"4317" validate:"min=1,max=65535"` // OTLP gRPC порт
	SampleRatio float64 `env:"JAEGER_SAMPLE_RATIO" envDefault:"1" validate:"min=0,max=1"`
}

// OTLPEndpoint возвращает OTLP gRPC endpoint для Jaeger.
func (c JaegerConfig) OTLPEndpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.OTLPPort)
}

// MetricsConfig содержит настройки Prometheus метрик.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"`                        // Включить metrics endpoint
	Port    int  `env:"METRICS_PORT" envDefault:"9090" validate:"min=1,max=65535"` // Порт для /metrics
}

// Addr возвращает адрес для Metrics HTTP сервера.
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// AdminConfig содержит настройки операторского API.
type AdminConfig struct {
	Enabled bool `env:"ADMIN_ENABLED" envDefault:"true"`
	Port    int  `env:"ADMIN_PORT" envDefault:"8081" validate:"min=1,max=65535"`
}

// Addr возвращает адрес admin HTTP сервера.
func (c AdminConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load загружает конфигурацию из переменных окружения.
// Опционально загружает .env файл, если он существует.
func Load() (*Config, error) {
	// Пытаемся загрузить .env файл (игнорируем ошибку, если файл не найден)
	_ = godotenv.Load()

	return parse()
}

// LoadFromFile загружает конфигурацию из указанного .env файла.
func LoadFromFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("ошибка загрузки .env файла %s: %w", path, err)
	}

	return parse()
}

func parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет значения по тегам validate и связи между секциями.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("некорректная конфигурация: %w", err)
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("некорректная конфигурация: KAFKA_BROKERS пуст")
		}
		for busTopic, kafkaTopic := range c.Kafka.Routes {
			if strings.TrimSpace(busTopic) == "" || strings.TrimSpace(kafkaTopic) == "" {
				return fmt.Errorf("некорректная конфигурация: пустой маршрут KAFKA_ROUTES %q=%q", busTopic, kafkaTopic)
			}
		}
	}

	return nil
}

// IsDevelopment возвращает true, если приложение запущено в development режиме.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction возвращает true, если приложение запущено в production режиме.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
