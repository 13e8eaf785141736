package messaging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"example.com/reliable-messaging/pkg/serializer"
)

// RawHandler обрабатывает сериализованное сообщение.
type RawHandler func(ctx context.Context, content []byte, headers map[string]string) error

// Registry связывает строковый тип сообщения с типизированным обработчиком.
// Маршрутизация - явная таблица, без рефлексии и switch по типам.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]RawHandler
	codec    serializer.Serializer
}

// NewRegistry создаёт реестр, десериализующий содержимое через codec.
func NewRegistry(codec serializer.Serializer) *Registry {
	if codec == nil {
		codec = serializer.NewJSON()
	}
	return &Registry{
		handlers: make(map[string]RawHandler),
		codec:    codec,
	}
}

// Register регистрирует обработчик сообщений типа T под именем messageType.
//
// Пример:
//
//	messaging.Register(reg, "order.created", func(ctx context.Context, e OrderCreated, h map[string]string) error {
//	    return svc.Apply(ctx, e)
//	})
func Register[T any](r *Registry, messageType string, handler func(ctx context.Context, msg T, headers map[string]string) error) error {
	if handler == nil {
		return ErrHandlerRequired
	}
	codec := r.codec
	return r.RegisterRaw(messageType, func(ctx context.Context, content []byte, headers map[string]string) error {
		var msg T
		if err := codec.Deserialize(content, &msg); err != nil {
			return fmt.Errorf("десериализация %s: %w", messageType, err)
		}
		return handler(ctx, msg, headers)
	})
}

// RegisterRaw регистрирует обработчик, работающий с байтами напрямую.
func (r *Registry) RegisterRaw(messageType string, handler RawHandler) error {
	messageType = strings.TrimSpace(messageType)
	if messageType == "" {
		return ErrMessageTypeRequired
	}
	if handler == nil {
		return ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[messageType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, messageType)
	}
	r.handlers[messageType] = handler
	return nil
}

// Handler возвращает обработчик для типа сообщения.
func (r *Registry) Handler(messageType string) (RawHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.TrimSpace(messageType)]
	return h, ok
}

// Dispatch находит обработчик по типу и вызывает его.
// Для незарегистрированного типа возвращает ErrUnknownMessageType.
func (r *Registry) Dispatch(ctx context.Context, messageType string, content []byte, headers map[string]string) error {
	h, ok := r.Handler(messageType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, messageType)
	}
	return h(ctx, content, headers)
}

// Types возвращает отсортированный список зарегистрированных типов.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Codec возвращает сериализатор реестра.
func (r *Registry) Codec() serializer.Serializer {
	return r.codec
}
