package outbox

import (
	"time"

	"example.com/reliable-messaging/pkg/messaging"
)

// MessageModel - GORM модель таблицы outbox_messages.
type MessageModel struct {
	ID            string     `gorm:"column:id;type:varchar(36);primaryKey"`
	MessageType   string     `gorm:"column:message_type;type:varchar(255);not null"`
	Content       []byte     `gorm:"column:content;type:longblob;not null"`
	Headers       []byte     `gorm:"column:headers;type:text"`
	Status        string     `gorm:"column:status;type:varchar(20);not null;index:idx_outbox_pending,priority:1;index:idx_outbox_cleanup,priority:1"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null;index:idx_outbox_pending,priority:2"`
	StartedAt     *time.Time `gorm:"column:started_at"`
	ProcessedAt   *time.Time `gorm:"column:processed_at;index:idx_outbox_cleanup,priority:2"`
	RetryCount    int        `gorm:"column:retry_count;not null;default:0"`
	MaxRetryCount int        `gorm:"column:max_retry_count;not null;default:3"`
	Error         *string    `gorm:"column:error;type:text"`
	CorrelationID string     `gorm:"column:correlation_id;type:varchar(255);index:idx_outbox_correlation"`
	Destination   string     `gorm:"column:destination;type:varchar(255)"`
	UpdatedBy     string     `gorm:"column:updated_by;type:varchar(255)"`
}

// TableName возвращает имя таблицы в БД.
func (MessageModel) TableName() string {
	return "outbox_messages"
}

// ToDomain конвертирует GORM модель в доменную запись.
func (m *MessageModel) ToDomain() *Message {
	msg := &Message{
		ID:            m.ID,
		MessageType:   m.MessageType,
		Content:       m.Content,
		Status:        messaging.Status(m.Status),
		CreatedAt:     m.CreatedAt,
		StartedAt:     m.StartedAt,
		ProcessedAt:   m.ProcessedAt,
		RetryCount:    m.RetryCount,
		MaxRetryCount: m.MaxRetryCount,
		CorrelationID: m.CorrelationID,
		Destination:   m.Destination,
		UpdatedBy:     m.UpdatedBy,
	}
	if m.Error != nil {
		msg.Error = *m.Error
	}

	// битые заголовки не должны блокировать доставку
	_ = msg.SetHeadersFromJSON(m.Headers)

	return msg
}

// ModelFromDomain конвертирует доменную запись в GORM модель.
func ModelFromDomain(msg *Message) (*MessageModel, error) {
	headers, err := msg.HeadersJSON()
	if err != nil {
		return nil, err
	}

	model := &MessageModel{
		ID:            msg.ID,
		MessageType:   msg.MessageType,
		Content:       msg.Content,
		Headers:       headers,
		Status:        string(msg.Status),
		CreatedAt:     msg.CreatedAt,
		StartedAt:     msg.StartedAt,
		ProcessedAt:   msg.ProcessedAt,
		RetryCount:    msg.RetryCount,
		MaxRetryCount: msg.MaxRetryCount,
		CorrelationID: msg.CorrelationID,
		Destination:   msg.Destination,
		UpdatedBy:     msg.UpdatedBy,
	}
	if msg.Error != "" {
		e := msg.Error
		model.Error = &e
	}
	return model, nil
}
