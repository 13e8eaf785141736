// Package admin содержит операторский HTTP API для разбора проблемных записей:
// просмотр Failed записей outbox и inbox, ручной повтор, пропуск и отмена.
//
// Каждое изменяющее действие требует идентичность оператора в заголовке
// X-Operator: она сохраняется в updated_by записи.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/reliable-messaging/pkg/inbox"
	"example.com/reliable-messaging/pkg/messaging"
	"example.com/reliable-messaging/pkg/metrics"
	"example.com/reliable-messaging/pkg/outbox"
	"example.com/reliable-messaging/pkg/serializer"
)

// HeaderOperator - заголовок с идентичностью оператора.
const HeaderOperator = "X-Operator"

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// OutboxStore - операции outbox, доступные оператору (outbox.Store).
type OutboxStore interface {
	Get(ctx context.Context, id string) (*outbox.Message, error)
	ListByStatus(ctx context.Context, status messaging.Status, limit int) ([]*outbox.Message, error)
	ResetForRetry(ctx context.Context, id, actor string) error
	Cancel(ctx context.Context, id, actor, reason string) error
}

// InboxStore - операции inbox, доступные оператору (inbox.Store).
type InboxStore interface {
	Get(ctx context.Context, id string) (*inbox.Message, error)
	ListByStatus(ctx context.Context, status messaging.Status, limit int) ([]*inbox.Message, error)
	ResetForRetry(ctx context.Context, id, actor string) error
	Skip(ctx context.Context, id, actor, reason string) error
}

// RouterConfig - параметры для создания роутера. Любое хранилище может быть nil.
type RouterConfig struct {
	Outbox  OutboxStore
	Inbox   InboxStore
	Service string // Имя сервиса в метриках
	Debug   bool   // Режим отладки Gin

	// Codec раскодирует содержимое записей для ответа. По умолчанию JSON.
	Codec serializer.Serializer
}

// Router - admin API поверх gin.
type Router struct {
	engine *gin.Engine
	cfg    RouterConfig
}

// NewRouter создаёт и настраивает роутер.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Service == "" {
		cfg.Service = "admin"
	}
	if cfg.Codec == nil {
		cfg.Codec = serializer.NewJSON()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(cfg.Service))
	engine.Use(metrics.GinMetricsMiddleware(cfg.Service))

	r := &Router{engine: engine, cfg: cfg}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})

	v1 := r.engine.Group("/api/v1")

	if r.cfg.Outbox != nil {
		h := &outboxHandler{store: r.cfg.Outbox, codec: r.cfg.Codec}
		g := v1.Group("/outbox")
		{
			g.GET("", h.List)
			g.GET("/:id", h.Get)
			g.POST("/:id/retry", requireOperator(), h.Retry)
			g.POST("/:id/cancel", requireOperator(), h.Cancel)
		}
	}

	if r.cfg.Inbox != nil {
		h := &inboxHandler{store: r.cfg.Inbox, codec: r.cfg.Codec}
		g := v1.Group("/inbox")
		{
			g.GET("", h.List)
			g.GET("/:id", h.Get)
			g.POST("/:id/retry", requireOperator(), h.Retry)
			g.POST("/:id/skip", requireOperator(), h.Skip)
		}
	}
}

// Engine возвращает Gin engine.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// NewServer оборачивает роутер в http.Server с таймаутами.
func (r *Router) NewServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.engine,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}
