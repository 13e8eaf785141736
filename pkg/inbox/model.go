package inbox

import (
	"time"

	"example.com/reliable-messaging/pkg/messaging"
)

// MessageModel - GORM модель таблицы inbox_messages.
// Индекс idx_inbox_group обслуживает упорядоченную выборку группы
// без просмотра всех Pending записей.
type MessageModel struct {
	ID             string     `gorm:"column:id;type:varchar(255);primaryKey"`
	MessageType    string     `gorm:"column:message_type;type:varchar(255);not null"`
	Content        []byte     `gorm:"column:content;type:longblob;not null"`
	Headers        []byte     `gorm:"column:headers;type:text"`
	Status         string     `gorm:"column:status;type:varchar(20);not null;index:idx_inbox_pending,priority:1;index:idx_inbox_cleanup,priority:1"`
	ReceivedAt     time.Time  `gorm:"column:received_at;not null;index:idx_inbox_pending,priority:2"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	ProcessedAt    *time.Time `gorm:"column:processed_at;index:idx_inbox_cleanup,priority:2"`
	RetryCount     int        `gorm:"column:retry_count;not null;default:0"`
	MaxRetryCount  int        `gorm:"column:max_retry_count;not null;default:3"`
	Error          *string    `gorm:"column:error;type:text"`
	CorrelationID  string     `gorm:"column:correlation_id;type:varchar(255);index:idx_inbox_correlation"`
	MessageGroup   string     `gorm:"column:message_group;type:varchar(255);not null;default:'';index:idx_inbox_group,priority:1"`
	SequenceNumber *int64     `gorm:"column:sequence_number;index:idx_inbox_group,priority:2"`
	UpdatedBy      string     `gorm:"column:updated_by;type:varchar(255)"`
}

// TableName возвращает имя таблицы в БД.
func (MessageModel) TableName() string {
	return "inbox_messages"
}

// ToDomain конвертирует GORM модель в доменную запись.
func (m *MessageModel) ToDomain() *Message {
	msg := &Message{
		ID:             m.ID,
		MessageType:    m.MessageType,
		Content:        m.Content,
		Status:         messaging.Status(m.Status),
		ReceivedAt:     m.ReceivedAt,
		StartedAt:      m.StartedAt,
		ProcessedAt:    m.ProcessedAt,
		RetryCount:     m.RetryCount,
		MaxRetryCount:  m.MaxRetryCount,
		CorrelationID:  m.CorrelationID,
		MessageGroup:   m.MessageGroup,
		SequenceNumber: m.SequenceNumber,
		UpdatedBy:      m.UpdatedBy,
	}
	if m.Error != nil {
		msg.Error = *m.Error
	}
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
		ID:             msg.ID,
		MessageType:    msg.MessageType,
		Content:        msg.Content,
		Headers:        headers,
		Status:         string(msg.Status),
		ReceivedAt:     msg.ReceivedAt,
		StartedAt:      msg.StartedAt,
		ProcessedAt:    msg.ProcessedAt,
		RetryCount:     msg.RetryCount,
		MaxRetryCount:  msg.MaxRetryCount,
		CorrelationID:  msg.CorrelationID,
		MessageGroup:   msg.MessageGroup,
		SequenceNumber: msg.SequenceNumber,
		UpdatedBy:      msg.UpdatedBy,
	}
	if msg.Error != "" {
		e := msg.Error
		model.Error = &e
	}
	return model, nil
}
