// Package messaging содержит общие для outbox и inbox понятия:
// статусы записи и допустимые переходы между ними, таксономию ошибок,
// ключи заголовков и реестр типизированных обработчиков.
package messaging

import "fmt"

// Status - статус записи в outbox / inbox.
type Status string

const (
	// StatusPending - запись ожидает обработки.
	StatusPending Status = "Pending"

	// StatusProcessing - запись захвачена обработчиком.
	StatusProcessing Status = "Processing"

	// StatusProcessed - запись успешно обработана (терминальный статус).
	StatusProcessed Status = "Processed"

	// StatusFailed - обработка завершилась ошибкой.
	// Терминален только когда retry_count >= max_retry_count.
	StatusFailed Status = "Failed"

	// StatusCancelled - запись отменена оператором (терминальный статус).
	StatusCancelled Status = "Cancelled"

	// StatusSkipped - запись пропущена оператором или дедупликацией (терминальный статус).
	StatusSkipped Status = "Skipped"
)

// ParseStatus проверяет строку и приводит её к Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// IsValid сообщает, входит ли статус в жизненный цикл записи.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsTerminal сообщает, что из статуса нет автоматических переходов.
// Failed сюда не входит: исчерпание попыток зависит от счётчиков записи.
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusCancelled || s == StatusSkipped
}

// CanTransitionTo сообщает, разрешён ли переход s -> next.
//
//	Pending    -> Processing | Cancelled | Skipped
//	Processing -> Processed | Failed | Pending (освобождение зависшего захвата)
//	Failed     -> Pending | Cancelled | Skipped
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCancelled || next == StatusSkipped
	case StatusProcessing:
		return next == StatusProcessed || next == StatusFailed || next == StatusPending
	case StatusFailed:
		return next == StatusPending || next == StatusCancelled || next == StatusSkipped
	default:
		return false
	}
}

// SourcesFor возвращает статусы, из которых допустим переход в next.
// Используется репозиториями в условии WHERE status IN (...),
// чтобы переход был атомарным на уровне одной строки.
func SourcesFor(next Status) []Status {
	all := []Status{StatusPending, StatusProcessing, StatusProcessed, StatusFailed, StatusCancelled, StatusSkipped}
	sources := make([]Status, 0, 2)
	for _, s := range all {
		if s.CanTransitionTo(next) {
			sources = append(sources, s)
		}
	}
	return sources
}

// ValidateTransition возвращает ErrInvalidTransition, если переход запрещён.
func ValidateTransition(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s Status) String() string {
	return string(s)
}
