package messaging

import (
	"errors"
	"fmt"
	"strings"
)

// Таксономия ошибок ядра доставки сообщений.
var (
	// ErrDuplicateKey - запись с таким id уже существует ("уже видели, пропускаем").
	ErrDuplicateKey = errors.New("запись с таким id уже существует")

	// ErrNotFound - запись не найдена или находится в статусе, не допускающем операцию.
	ErrNotFound = errors.New("запись не найдена")

	// ErrProcessingFailure - ошибка обработчика, сериализации или шины во время обработки записи.
	ErrProcessingFailure = errors.New("ошибка обработки сообщения")

	// ErrTimeout - истекло время ожидания ответа в request/reply.
	ErrTimeout = errors.New("истекло время ожидания ответа")

	// ErrNotStarted - шина используется вне окна Start/Stop.
	ErrNotStarted = errors.New("шина не запущена")

	// ErrUnknownMessageType - для типа сообщения не зарегистрирован обработчик.
	ErrUnknownMessageType = errors.New("неизвестный тип сообщения")

	ErrInvalidStatus       = errors.New("недопустимый статус")
	ErrInvalidTransition   = errors.New("недопустимый переход статуса")
	ErrMessageTypeRequired = errors.New("не указан тип сообщения")
	ErrHandlerRequired     = errors.New("не указан обработчик")
	ErrHandlerRegistered   = errors.New("обработчик уже зарегистрирован")
	ErrActorRequired       = errors.New("не указан оператор")
)

// ProcessingError оборачивает причину сбоя обработки записи.
// errors.Is(err, ErrProcessingFailure) возвращает true.
type ProcessingError struct {
	MessageID string
	Cause     error
}

// NewProcessingError создаёт ProcessingError для записи id.
func NewProcessingError(id string, cause error) *ProcessingError {
	return &ProcessingError{MessageID: id, Cause: cause}
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("обработка сообщения %s: %v", e.MessageID, e.Cause)
}

func (e *ProcessingError) Unwrap() []error {
	return []error{ErrProcessingFailure, e.Cause}
}

// maxErrorLength - предел длины текста ошибки, сохраняемого в записи.
const maxErrorLength = 4000

// ErrorText возвращает текст ошибки для поля error записи, обрезанный до maxErrorLength байт
// без разрыва многобайтовых символов.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	text := err.Error()
	if len(text) > maxErrorLength {
		text = strings.ToValidUTF8(text[:maxErrorLength], "")
	}
	return text
}

// StatusStrings приводит статусы к строкам для условий WHERE status IN ?.
func StatusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
