package bus

import (
	"context"

	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
)

// Reply отправляет ответ на запрос req в его топик ReplyTo,
// копируя CorrelationId запроса.
func Reply(ctx context.Context, b Bus, req *Message, resp *Message) error {
	replyTo := req.Header(messaging.HeaderReplyTo)
	if replyTo == "" {
		return ErrNoReplyTo
	}

	out := resp.Clone()
	out.Headers[messaging.HeaderCorrelationID] = req.CorrelationID()
	return b.Publish(ctx, replyTo, out)
}

// ReplyError отправляет ответ с заголовком Error.
// Запрашивающая сторона получит ErrRemoteHandler, а не таймаут.
func ReplyError(ctx context.Context, b Bus, req *Message, cause error) error {
	return Reply(ctx, b, req, &Message{
		Type:    req.Type,
		Headers: map[string]string{messaging.HeaderError: cause.Error()},
	})
}

// ResponderFunc вычисляет ответ на запрос.
type ResponderFunc func(ctx context.Context, req *Message) (*Message, error)

// Respond подписывает на topic обработчик, который отвечает результатом fn.
// Ошибка fn уходит запрашивающей стороне заголовком Error.
func Respond(b Bus, topic string, fn ResponderFunc) error {
	return b.Subscribe(topic, func(ctx context.Context, req *Message) error {
		resp, err := fn(ctx, req)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("topic", topic).Msg("Обработчик запроса вернул ошибку")
			return ReplyError(ctx, b, req, err)
		}
		return Reply(ctx, b, req, resp)
	})
}
