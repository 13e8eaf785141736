// Package serializer предоставляет подключаемые сериализаторы содержимого сообщений.
// Ядро outbox/inbox не зависит от формата: достаточно точного round-trip.
package serializer

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Поддерживаемые форматы.
const (
	FormatJSON = "json"
	FormatZstd = "zstd"
)

// ErrUnknownFormat - запрошен неизвестный формат сериализации.
var ErrUnknownFormat = errors.New("неизвестный формат сериализации")

// Serializer превращает типизированное сообщение в байты и обратно.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
	ContentType() string
}

// JSON - сериализатор на базе goccy/go-json.
type JSON struct{}

// NewJSON создаёт JSON сериализатор.
func NewJSON() *JSON {
	return &JSON{}
}

func (JSON) Serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json сериализация: %w", err)
	}
	return data, nil
}

func (JSON) Deserialize(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("json десериализация: пустое содержимое")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json десериализация: %w", err)
	}
	return nil
}

func (JSON) ContentType() string {
	return "application/json"
}

// New возвращает сериализатор по имени формата (значение MESSAGING_SERIALIZER).
func New(format string) (Serializer, error) {
	switch format {
	case "", FormatJSON:
		return NewJSON(), nil
	case FormatZstd:
		return NewZstd()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}
