// Package logger предоставляет структурированное логирование на базе zerolog.
// JSON для production, цветной вывод для разработки (LOG_PRETTY=true).
// Сообщения логов пишутся на русском языке, поля - в snake_case.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// log - глобальный логгер процесса.
// Настраивается в init() из LOG_LEVEL/LOG_PRETTY и повторно в Init() из main.
var log zerolog.Logger

// Config - настройки логгера.
type Config struct {
	// Level - минимальный уровень: "trace", "debug", "info", "warn", "error".
	// По умолчанию info.
	Level string

	// Pretty включает zerolog.ConsoleWriter: читаемый вывод с цветами.
	// При Pretty=false записи пишутся в JSON.
	Pretty bool

	// Output - куда писать. По умолчанию os.Stdout.
	Output io.Writer

	// Service добавляется полем service в каждую запись, если задан.
	Service string
}

// init настраивает логгер по переменным окружения, чтобы пакеты и тесты,
// не вызывающие Init, писали с разумным уровнем.
func init() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	Init(Config{
		Level:  level,
		Pretty: strings.ToLower(os.Getenv("LOG_PRETTY")) == "true",
	})
}

// Init настраивает глобальный логгер. Вызывается в начале main
// после загрузки конфигурации.
func Init(cfg Config) {
	var output io.Writer = os.Stdout
	if cfg.Output != nil {
		output = cfg.Output
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	level := parseLevel(cfg.Level)

	// Каждая запись получает timestamp и caller (файл:строка).
	lctx := zerolog.New(output).Level(level).With().Timestamp().Caller()
	if cfg.Service != "" {
		lctx = lctx.Str("service", cfg.Service)
	}
	log = lctx.Logger()

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// parseLevel переводит строку в zerolog.Level. Неизвестное значение - InfoLevel.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debug создаёт событие уровня debug.
// Для подробностей доставки: полученные сообщения, пустые топики, повторы.
// Пример: logger.Debug().Str("topic", "orders.created").Msg("Нет подписчиков на топик")
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info создаёт событие уровня info.
// Для событий нормальной работы: запуск компонентов, итоги пакетов.
// Пример: logger.Info().Int("processed", 42).Msg("Пакет outbox опубликован")
func Info() *zerolog.Event {
	return log.Info()
}

// Warn создаёт событие уровня warn.
// Для сбоев, которые будут повторены: упавшая публикация, недоступный Redis.
// Пример: logger.Warn().Int("retry_count", 2).Msg("Ошибка публикации записи outbox")
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error создаёт событие уровня error.
// Для ошибок, которые не останавливают процесс, но требуют внимания.
// Пример: logger.Error().Err(err).Str("step", "cleanup").Msg("Ошибка шага планировщика")
func Error() *zerolog.Event {
	return log.Error()
}

// Fatal создаёт событие уровня fatal.
// Только для ошибок запуска, после которых работать нельзя.
// ВНИМАНИЕ: после Msg() процесс завершится с кодом 1, defer не выполнятся.
func Fatal() *zerolog.Event {
	return log.Fatal()
}

// With возвращает контекст для построения дочернего логгера с полями.
// Пример:
//
//	schedLog := logger.With().Str("component", "scheduler").Logger()
//	schedLog.Info().Msg("Запуск планировщика")
func With() zerolog.Context {
	return log.With()
}

// Logger возвращает глобальный логгер, когда нужен сам zerolog.Logger
// (например, для WithLogger в тестах).
func Logger() zerolog.Logger {
	return log
}

// SetGlobalLogger подменяет глобальный логгер.
// Используется в тестах, чтобы перехватить вывод.
func SetGlobalLogger(l zerolog.Logger) {
	log = l
}
