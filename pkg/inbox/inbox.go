// Package inbox реализует входящую половину Inbox Pattern.
//
// Входящее сообщение сначала сохраняется в inbox (Receiver): повторная
// доставка с тем же id отсекается как дубликат и не применяется второй раз.
// Consumer забирает Pending записи и доставляет их локальным обработчикам.
// Записи с message_group и sequence_number обрабатываются строго по порядку
// внутри группы: сбой записи n останавливает группу до её разрешения.
package inbox

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"example.com/reliable-messaging/pkg/messaging"
)

// DefaultMaxRetryCount - лимит попыток для новых записей.
const DefaultMaxRetryCount = 3

// Message - запись inbox.
type Message struct {
	ID             string // Id от отправителя, ключ дедупликации
	MessageType    string
	Content        []byte
	Headers        map[string]string
	Status         messaging.Status
	ReceivedAt     time.Time
	StartedAt      *time.Time
	ProcessedAt    *time.Time
	RetryCount     int
	MaxRetryCount  int
	Error          string
	CorrelationID  string
	MessageGroup   string // Ключ упорядочивания
	SequenceNumber *int64 // Позиция внутри группы
	UpdatedBy      string
}

// NewMessage создаёт запись Pending с id отправителя.
func NewMessage(id, messageType string, content []byte) *Message {
	return &Message{
		ID:            id,
		MessageType:   messageType,
		Content:       content,
		Headers:       map[string]string{},
		Status:        messaging.StatusPending,
		ReceivedAt:    time.Now().UTC(),
		MaxRetryCount: DefaultMaxRetryCount,
	}
}

// FromHeaders строит запись по заголовкам входящего сообщения.
// Id берётся из MessageId, если не передан явно; тип из MessageType, если
// не передан явно. Группа и номер читаются из MessageGroup и SequenceNumber.
func FromHeaders(id, messageType string, content []byte, headers map[string]string) *Message {
	if id == "" {
		id = headers[messaging.HeaderMessageID]
	}
	if messageType == "" {
		messageType = headers[messaging.HeaderMessageType]
	}

	msg := NewMessage(id, messageType, content)
	msg.Headers = messaging.CopyHeaders(headers)
	msg.CorrelationID = headers[messaging.HeaderCorrelationID]

	if group := headers[messaging.HeaderMessageGroup]; group != "" {
		if seq, err := strconv.ParseInt(headers[messaging.HeaderSequenceNumber], 10, 64); err == nil {
			msg.MessageGroup = group
			msg.SequenceNumber = &seq
		}
	}
	return msg
}

// Validate проверяет обязательные поля перед вставкой.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return ErrMessageIDRequired
	}
	if strings.TrimSpace(m.MessageType) == "" {
		return messaging.ErrMessageTypeRequired
	}
	return nil
}

// IsOrdered сообщает, участвует ли запись в упорядоченной обработке группы.
func (m *Message) IsOrdered() bool {
	return m.MessageGroup != "" && m.SequenceNumber != nil
}

// IsRetryExhausted сообщает, что запись окончательно упала.
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
