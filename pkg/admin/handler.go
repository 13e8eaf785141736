package admin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"example.com/reliable-messaging/pkg/inbox"
	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
	"example.com/reliable-messaging/pkg/outbox"
	"example.com/reliable-messaging/pkg/serializer"
)

const operatorKey = "operator"

// ErrorResponse - стандартный формат ошибки API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ActionRequest - тело запроса skip / cancel.
type ActionRequest struct {
	Reason string `json:"reason" binding:"max=1000"`
}

// MessageResponse - запись outbox или inbox в ответе API.
// Content - содержимое, раскодированное сериализатором в JSON.
// Если раскодировать не удалось, исходные байты отдаются в ContentBase64.
type MessageResponse struct {
	ID             string            `json:"id"`
	MessageType    string            `json:"message_type"`
	Status         string            `json:"status"`
	Content        json.RawMessage   `json:"content,omitempty"`
	ContentBase64  []byte            `json:"content_base64,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	RetryCount     int               `json:"retry_count"`
	MaxRetryCount  int               `json:"max_retry_count"`
	Error          string            `json:"error,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Destination    string            `json:"destination,omitempty"`
	MessageGroup   string            `json:"message_group,omitempty"`
	SequenceNumber *int64            `json:"sequence_number,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
	UpdatedBy      string            `json:"updated_by,omitempty"`
}

// ListResponse - ответ на запрос списка.
type ListResponse struct {
	Status   string            `json:"status"`
	Count    int               `json:"count"`
	Messages []MessageResponse `json:"messages"`
}

// renderContent раскодирует содержимое записи в JSON для ответа.
func renderContent(codec serializer.Serializer, data []byte, resp *MessageResponse) {
	var raw json.RawMessage
	if err := codec.Deserialize(data, &raw); err == nil {
		resp.Content = raw
		return
	}
	resp.ContentBase64 = data
}

func fromOutbox(codec serializer.Serializer, m *outbox.Message) MessageResponse {
	resp := MessageResponse{
		ID:            m.ID,
		MessageType:   m.MessageType,
		Status:        string(m.Status),
		Headers:       m.Headers,
		RetryCount:    m.RetryCount,
		MaxRetryCount: m.MaxRetryCount,
		Error:         m.Error,
		CorrelationID: m.CorrelationID,
		Destination:   m.Destination,
		CreatedAt:     m.CreatedAt,
		ProcessedAt:   m.ProcessedAt,
		UpdatedBy:     m.UpdatedBy,
	}
	renderContent(codec, m.Content, &resp)
	return resp
}

func fromInbox(codec serializer.Serializer, m *inbox.Message) MessageResponse {
	resp := MessageResponse{
		ID:             m.ID,
		MessageType:    m.MessageType,
		Status:         string(m.Status),
		Headers:        m.Headers,
		RetryCount:     m.RetryCount,
		MaxRetryCount:  m.MaxRetryCount,
		Error:          m.Error,
		CorrelationID:  m.CorrelationID,
		MessageGroup:   m.MessageGroup,
		SequenceNumber: m.SequenceNumber,
		CreatedAt:      m.ReceivedAt,
		ProcessedAt:    m.ProcessedAt,
		UpdatedBy:      m.UpdatedBy,
	}
	renderContent(codec, m.Content, &resp)
	return resp
}

// =============================================================================
// Outbox
// =============================================================================

type outboxHandler struct {
	store OutboxStore
	codec serializer.Serializer
}

// List - GET /api/v1/outbox?status=Failed&limit=50
func (h *outboxHandler) List(c *gin.Context) {
	status, limit, ok := parseListQuery(c)
	if !ok {
		return
	}

	msgs, err := h.store.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		handleError(c, err, "outbox.List")
		return
	}

	resp := ListResponse{Status: string(status), Messages: make([]MessageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, fromOutbox(h.codec, m))
	}
	resp.Count = len(resp.Messages)
	c.JSON(http.StatusOK, resp)
}

// Get - GET /api/v1/outbox/:id
func (h *outboxHandler) Get(c *gin.Context) {
	msg, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err, "outbox.Get")
		return
	}
	c.JSON(http.StatusOK, fromOutbox(h.codec, msg))
}

// Retry - POST /api/v1/outbox/:id/retry
func (h *outboxHandler) Retry(c *gin.Context) {
	id, actor := c.Param("id"), c.GetString(operatorKey)
	if err := h.store.ResetForRetry(c.Request.Context(), id, actor); err != nil {
		handleError(c, err, "outbox.Retry")
		return
	}
	logAction(c, "outbox", "retry", id, "")
	h.Get(c)
}

// Cancel - POST /api/v1/outbox/:id/cancel
func (h *outboxHandler) Cancel(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}

	id, actor := c.Param("id"), c.GetString(operatorKey)
	if err := h.store.Cancel(c.Request.Context(), id, actor, req.Reason); err != nil {
		handleError(c, err, "outbox.Cancel")
		return
	}
	logAction(c, "outbox", "cancel", id, req.Reason)
	h.Get(c)
}

// =============================================================================
// Inbox
// =============================================================================

type inboxHandler struct {
	store InboxStore
	codec serializer.Serializer
}

// List - GET /api/v1/inbox?status=Failed&limit=50
func (h *inboxHandler) List(c *gin.Context) {
	status, limit, ok := parseListQuery(c)
	if !ok {
		return
	}

	msgs, err := h.store.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		handleError(c, err, "inbox.List")
		return
	}

	resp := ListResponse{Status: string(status), Messages: make([]MessageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, fromInbox(h.codec, m))
	}
	resp.Count = len(resp.Messages)
	c.JSON(http.StatusOK, resp)
}

// Get - GET /api/v1/inbox/:id
func (h *inboxHandler) Get(c *gin.Context) {
	msg, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err, "inbox.Get")
		return
	}
	c.JSON(http.StatusOK, fromInbox(h.codec, msg))
}

// Retry - POST /api/v1/inbox/:id/retry
func (h *inboxHandler) Retry(c *gin.Context) {
	id, actor := c.Param("id"), c.GetString(operatorKey)
	if err := h.store.ResetForRetry(c.Request.Context(), id, actor); err != nil {
		handleError(c, err, "inbox.Retry")
		return
	}
	logAction(c, "inbox", "retry", id, "")
	h.Get(c)
}

// Skip - POST /api/v1/inbox/:id/skip. Снимает блокировку упорядоченной группы.
func (h *inboxHandler) Skip(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}

	id, actor := c.Param("id"), c.GetString(operatorKey)
	if err := h.store.Skip(c.Request.Context(), id, actor, req.Reason); err != nil {
		handleError(c, err, "inbox.Skip")
		return
	}
	logAction(c, "inbox", "skip", id, req.Reason)
	h.Get(c)
}

// =============================================================================
// Общие части
// =============================================================================

// requireOperator отклоняет изменяющие запросы без X-Operator.
func requireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(HeaderOperator))
		if actor == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
				Error:   "operator_required",
				Message: "не указан заголовок " + HeaderOperator,
			})
			return
		}
		c.Set(operatorKey, actor)
		c.Next()
	}
}

func parseListQuery(c *gin.Context) (messaging.Status, int, bool) {
	status, err := messaging.ParseStatus(c.DefaultQuery("status", string(messaging.StatusFailed)))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_status", Message: err.Error()})
		return "", 0, false
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_limit", Message: "limit должен быть положительным числом"})
			return "", 0, false
		}
		limit = min(n, maxListLimit)
	}
	return status, limit, true
}

// bindAction читает необязательное тело с причиной.
func bindAction(c *gin.Context) (ActionRequest, bool) {
	var req ActionRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return req, false
	}
	return req, true
}

// handleError преобразует ошибку хранилища в HTTP ответ.
func handleError(c *gin.Context, err error, method string) {
	switch {
	case errors.Is(err, messaging.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, messaging.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "invalid_transition", Message: err.Error()})
	case errors.Is(err, messaging.ErrActorRequired):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "operator_required", Message: err.Error()})
	case errors.Is(err, messaging.ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_status", Message: err.Error()})
	default:
		// детали ошибки БД наружу не отдаём
		logger.Ctx(c.Request.Context()).Error().
			Err(err).
			Str("method", method).
			Msg("Ошибка admin API")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "внутренняя ошибка"})
	}
}

func logAction(c *gin.Context, store, action, id, reason string) {
	logger.Info().
		Str("store", store).
		Str("action", action).
		Str("id", id).
		Str("operator", c.GetString(operatorKey)).
		Str("reason", reason).
		Msg("Ручное действие оператора")
}
