package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
	"example.com/reliable-messaging/pkg/metrics"
)

// replyTopicPrefix - префикс приватных топиков ответов.
const replyTopicPrefix = "_reply."

// InMemoryBus - шина внутри процесса.
// Таблица подписок защищена RWMutex: Publish берёт снимок обработчиков
// под RLock, Subscribe/Unsubscribe меняют таблицу под Lock.
type InMemoryBus struct {
	mu         sync.RWMutex
	subs       map[string][]Handler
	middleware Middleware
	started    bool
	stopCh     chan struct{}

	// requestTimeout - таймаут Request по умолчанию.
	requestTimeout time.Duration
}

var _ Bus = (*InMemoryBus)(nil)

// Option - функциональная опция InMemoryBus.
type Option func(*InMemoryBus)

// WithMiddleware оборачивает каждый подписанный обработчик цепочкой mws.
func WithMiddleware(mws ...Middleware) Option {
	return func(b *InMemoryBus) {
		b.middleware = Chain(mws...)
	}
}

// WithRequestTimeout задаёт таймаут Request для вызовов с timeout <= 0.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(b *InMemoryBus) {
		if timeout > 0 {
			b.requestTimeout = timeout
		}
	}
}

// NewInMemoryBus создаёт шину. До Start публикация запрещена.
func NewInMemoryBus(opts ...Option) *InMemoryBus {
	b := &InMemoryBus{
		subs:           make(map[string][]Handler),
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start открывает окно работы шины. Повторный вызов - no-op.
func (b *InMemoryBus) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}
	b.started = true
	b.stopCh = make(chan struct{})

	logger.Info().Msg("Шина сообщений запущена")
	return nil
}

// Stop отменяет все ожидающие Request и очищает подписки.
func (b *InMemoryBus) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return nil
	}
	b.started = false
	close(b.stopCh)
	b.subs = make(map[string][]Handler)

	logger.Info().Msg("Шина сообщений остановлена")
	return nil
}

// Subscribe добавляет обработчик топика.
// Подписка допустима и до Start: обработчики обычно регистрируются при сборке приложения.
func (b *InMemoryBus) Subscribe(topic string, handler Handler) error {
	if handler == nil {
		return messaging.ErrHandlerRequired
	}
	if b.middleware != nil {
		handler = b.middleware(handler)
	}
	return b.addHandler(topic, handler)
}

func (b *InMemoryBus) addHandler(topic string, handler Handler) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrTopicRequired
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], handler)
	b.mu.Unlock()
	return nil
}

// Unsubscribe удаляет все обработчики топика.
func (b *InMemoryBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	delete(b.subs, strings.TrimSpace(topic))
	b.mu.Unlock()
	return nil
}

// HandlerCount возвращает число обработчиков топика.
func (b *InMemoryBus) HandlerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Publish доставляет сообщение всем обработчикам топика конкурентно и ждёт всех.
// Сбой одного обработчика не мешает остальным; ошибки всех
// упавших обработчиков возвращаются объединённой ошибкой.
// Топик без подписчиков - не ошибка.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, msg *Message) error {
	b.mu.RLock()
	if !b.started {
		b.mu.RUnlock()
		return messaging.ErrNotStarted
	}
	handlers := append([]Handler(nil), b.subs[topic]...)
	b.mu.RUnlock()

	log := logger.FromContext(ctx)

	if len(handlers) == 0 {
		log.Debug().Str("topic", topic).Msg("Нет подписчиков на топик")
		return nil
	}

	p := pool.New().WithErrors()
	for _, h := range handlers {
		delivery := msg.Clone()
		delivery.Topic = topic
		p.Go(func() error {
			if err := invoke(ctx, h, delivery); err != nil {
				metrics.RecordBusDelivery("error")
				log.Debug().
					Err(err).
					Str("topic", topic).
					Str("message_type", delivery.Type).
					Msg("Ошибка обработчика подписки")
				return fmt.Errorf("обработчик топика %s: %w", topic, err)
			}
			metrics.RecordBusDelivery("success")
			return nil
		})
	}
	return p.Wait()
}

// invoke вызывает обработчик, превращая панику в ошибку.
func invoke(ctx context.Context, h Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("topic", msg.Topic).
				Msg("Перехвачена паника в обработчике шины")
			err = fmt.Errorf("паника в обработчике: %v", r)
		}
	}()
	return h(ctx, msg)
}

// Request публикует запрос с новым CorrelationId и приватным топиком ответа,
// подписывается на него и ждёт ответ, таймаут, отмену ctx или остановку шины.
// Подписка на топик ответа снимается в любом исходе.
//
// Ошибки:
//   - messaging.ErrTimeout - ответа нет за timeout;
//   - ErrRemoteHandler - ответ пришёл с заголовком Error;
//   - ошибка обработчика запроса, если Publish вернул её раньше ответа;
//   - ErrBusStopped - шина остановлена во время ожидания.
func (b *InMemoryBus) Request(ctx context.Context, topic string, msg *Message, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = b.requestTimeout
	}

	b.mu.RLock()
	if !b.started {
		b.mu.RUnlock()
		return nil, messaging.ErrNotStarted
	}
	stopCh := b.stopCh
	b.mu.RUnlock()

	correlationID := uuid.New().String()
	replyTopic := replyTopicPrefix + correlationID

	replies := make(chan *Message, 1)
	err := b.addHandler(replyTopic, func(_ context.Context, reply *Message) error {
		select {
		case replies <- reply:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = b.Unsubscribe(replyTopic) }()

	req := msg.Clone()
	req.Headers[messaging.HeaderCorrelationID] = correlationID
	req.Headers[messaging.HeaderReplyTo] = replyTopic

	reqCtx, cancel := context.WithTimeout(logger.WithCorrelationID(ctx, correlationID), timeout)
	defer cancel()

	published := make(chan error, 1)
	go func() { published <- b.Publish(reqCtx, topic, req) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case reply := <-replies:
			if remote := reply.Header(messaging.HeaderError); remote != "" {
				metrics.RecordBusRequest("remote_error")
				return reply, fmt.Errorf("%w: %s", ErrRemoteHandler, remote)
			}
			metrics.RecordBusRequest("success")
			return reply, nil
		case err := <-published:
			if err != nil {
				metrics.RecordBusRequest("handler_error")
				return nil, err
			}
			// Обработчики отработали без ошибок, ответ может прийти позже.
			published = nil
		case <-timer.C:
			metrics.RecordBusRequest("timeout")
			return nil, fmt.Errorf("%w: топик %s, %s", messaging.ErrTimeout, topic, timeout)
		case <-ctx.Done():
			metrics.RecordBusRequest("cancelled")
			return nil, ctx.Err()
		case <-stopCh:
			metrics.RecordBusRequest("cancelled")
			return nil, ErrBusStopped
		}
	}
}
