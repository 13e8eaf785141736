package messaging

import "time"

// Ключи заголовков сообщения.
const (
	HeaderMessageType   = "MessageType"
	HeaderMessageID     = "MessageId"
	HeaderCorrelationID = "CorrelationId"
	HeaderReplyTo       = "ReplyTo"
	HeaderTimestamp     = "Timestamp"
	HeaderContentType   = "ContentType"

	// HeaderError - текст ошибки в ответе request/reply.
	HeaderError = "Error"

	// HeaderMessageGroup и HeaderSequenceNumber описывают упорядоченное сообщение inbox.
	HeaderMessageGroup   = "MessageGroup"
	HeaderSequenceNumber = "SequenceNumber"
)

// CopyHeaders возвращает независимую копию заголовков (никогда не nil).
func CopyHeaders(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src)+4)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// FormatTimestamp форматирует время для заголовка Timestamp.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
