// Package outbox реализует исходящую половину Outbox Pattern.
//
// Бизнес-транзакция пишет изменение домена и запись outbox в одной
// транзакции (Writer.Enqueue). Publisher забирает записи в статусе Pending,
// раздаёт их через шину и отмечает исход. Доставка at-least-once:
// упавшая запись возвращается в Pending планировщиком, пока не исчерпан
// max_retry_count.
package outbox

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"example.com/reliable-messaging/pkg/messaging"
)

// DefaultMaxRetryCount - лимит попыток для новых записей.
const DefaultMaxRetryCount = 3

// Message - запись outbox.
type Message struct {
	ID            string            // UUID записи, неизменяем
	MessageType   string            // Тип сообщения (order.created)
	Content       []byte            // Сериализованное содержимое
	Headers       map[string]string // Метаданные (trace, correlation)
	Status        messaging.Status
	CreatedAt     time.Time
	StartedAt     *time.Time // Время захвата Publisher
	ProcessedAt   *time.Time // Устанавливается один раз при успехе
	RetryCount    int
	MaxRetryCount int
	Error         string // Текст последней ошибки
	CorrelationID string
	Destination   string // Топик вместо MessageType
	UpdatedBy     string // Оператор последнего ручного действия
}

// NewMessage создаёт запись в статусе Pending.
func NewMessage(messageType string, content []byte) *Message {
	return &Message{
		ID:            uuid.New().String(),
		MessageType:   messageType,
		Content:       content,
		Headers:       map[string]string{},
		Status:        messaging.StatusPending,
		CreatedAt:     time.Now().UTC(),
		MaxRetryCount: DefaultMaxRetryCount,
	}
}

// Validate проверяет обязательные поля перед вставкой.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.MessageType) == "" {
		return messaging.ErrMessageTypeRequired
	}
	return nil
}

// Topic возвращает топик доставки: Destination, если задан, иначе MessageType.
func (m *Message) Topic() string {
	if m.Destination != "" {
		return m.Destination
	}
	return m.MessageType
}

// IsRetryExhausted сообщает, что запись окончательно упала
// и вернуть её в работу может только оператор.
func (m *Message) IsRetryExhausted() bool {
	return m.Status == messaging.StatusFailed && m.RetryCount >= m.MaxRetryCount
}

// HeadersJSON возвращает заголовки в формате JSON для БД.
func (m *Message) HeadersJSON() ([]byte, error) {
	if len(m.Headers) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m.Headers)
}

// SetHeadersFromJSON устанавливает заголовки из JSON.
func (m *Message) SetHeadersFromJSON(data []byte) error {
	m.Headers = map[string]string{}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &m.Headers)
}
