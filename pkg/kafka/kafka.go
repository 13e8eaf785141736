// Package kafka предоставляет обёртки над kafka-go для связи шины с другими сервисами:
// Forwarder пересылает сообщения шины в топики Kafka, Inbound принимает
// сообщения Kafka в inbox. Producer и Consumer поддерживают заголовки,
// распространение контекста трейса и graceful shutdown.
package kafka

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// Ключи заголовков, специфичные для Kafka.
const (
	// HeaderDLQError, HeaderDLQOriginalTopic, HeaderDLQTimestamp добавляются при отправке в DLQ.
	HeaderDLQError         = "dlq_error"
	HeaderDLQOriginalTopic = "dlq_original_topic"
	HeaderDLQTimestamp     = "dlq_timestamp"
)

// DefaultDLQTopic - Dead Letter Queue для сообщений, которые не удалось принять.
const DefaultDLQTopic = "messaging.dlq"

// Config содержит настройки для подключения к Kafka.
type Config struct {
	// Brokers - список адресов брокеров Kafka.
	Brokers []string

	// ConsumerGroup - имя consumer group для Consumer.
	ConsumerGroup string

	// DLQTopic - топик для сообщений, которые не удалось обработать.
	DLQTopic string
}

// Message представляет сообщение Kafka с метаданными.
type Message struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
	Headers   map[string]string
	Time      time.Time
}

// fromKafkaMessage конвертирует kafka.Message в Message.
func fromKafkaMessage(m kafka.Message) *Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}

	return &Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Headers:   headers,
		Time:      m.Time,
	}
}

// toKafkaMessage конвертирует Message в kafka.Message.
func (m *Message) toKafkaMessage() kafka.Message {
	headers := make(HeaderCarrier, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers.Set(k, v)
	}

	return kafka.Message{
		Key:     m.Key,
		Value:   m.Value,
		Topic:   m.Topic,
		Headers: headers,
		Time:    m.Time,
	}
}

// HeaderCarrier реализует propagation.TextMapCarrier поверх заголовков kafka-go:
// через него контекст трейса попадает в заголовки сообщения и читается из них.
type HeaderCarrier []kafka.Header

// Get возвращает значение заголовка или пустую строку.
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set заменяет значение заголовка или добавляет новый.
func (c *HeaderCarrier) Set(key, value string) {
	for i := range *c {
		if (*c)[i].Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

// Keys возвращает ключи всех заголовков.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
