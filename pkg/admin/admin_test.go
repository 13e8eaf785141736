package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"example.com/reliable-messaging/pkg/inbox"
	"example.com/reliable-messaging/pkg/messaging"
	"example.com/reliable-messaging/pkg/outbox"
	"example.com/reliable-messaging/pkg/serializer"
)

// =============================================================================
// Вспомогательные функции
// =============================================================================

type fixture struct {
	outbox outbox.Store
	inbox  inbox.Store
	router *gin.Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, gdb.AutoMigrate(&outbox.MessageModel{}, &inbox.MessageModel{}))

	f := &fixture{outbox: outbox.NewStore(gdb), inbox: inbox.NewStore(gdb)}
	f.router = NewRouter(RouterConfig{Outbox: f.outbox, Inbox: f.inbox, Service: "admin-test"}).Engine()
	return f
}

func (f *fixture) failedOutbox(t *testing.T) *outbox.Message {
	t.Helper()
	ctx := context.Background()
	msg := outbox.NewMessage("payment.captured", []byte(`{"amount":10}`))
	require.NoError(t, f.outbox.Add(ctx, msg))
	claimed, err := f.outbox.Claim(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, f.outbox.MarkFailed(ctx, msg.ID, errors.New("шина недоступна")))
	return msg
}

func (f *fixture) failedInbox(t *testing.T) *inbox.Message {
	t.Helper()
	ctx := context.Background()
	msg := inbox.NewMessage(uuid.NewString(), "account.changed", []byte(`{}`))
	require.NoError(t, f.inbox.Add(ctx, msg))
	claimed, err := f.inbox.Claim(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, f.inbox.MarkFailed(ctx, msg.ID, errors.New("обработчик упал")))
	return msg
}

func (f *fixture) do(t *testing.T, method, path, operator string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if operator != "" {
		req.Header.Set(HeaderOperator, operator)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// =============================================================================
// Просмотр
// =============================================================================

func TestList_Failed(t *testing.T) {
	f := setup(t)
	failed := f.failedOutbox(t)
	require.NoError(t, f.outbox.Add(context.Background(), outbox.NewMessage("order.created", []byte(`{}`))))

	w := f.do(t, http.MethodGet, "/api/v1/outbox", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ListResponse](t, w)
	assert.Equal(t, "Failed", resp.Status, "по умолчанию Failed")
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, failed.ID, resp.Messages[0].ID)
	assert.Equal(t, 1, resp.Messages[0].RetryCount)
	assert.Equal(t, "шина недоступна", resp.Messages[0].Error)
	assert.JSONEq(t, `{"amount":10}`, string(resp.Messages[0].Content))
	assert.Empty(t, resp.Messages[0].ContentBase64)
}

func TestGet_ContentDecodedWithCodec(t *testing.T) {
	f := setup(t)
	z, err := serializer.NewZstd()
	require.NoError(t, err)
	defer z.Close()
	f.router = NewRouter(RouterConfig{Outbox: f.outbox, Codec: z}).Engine()

	payload, err := z.Serialize(map[string]int{"amount": 10})
	require.NoError(t, err)
	compressed := outbox.NewMessage("payment.captured", payload)
	require.NoError(t, f.outbox.Add(context.Background(), compressed))

	w := f.do(t, http.MethodGet, "/api/v1/outbox/"+compressed.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[MessageResponse](t, w)
	assert.JSONEq(t, `{"amount":10}`, string(resp.Content), "zstd содержимое раскодировано")
	assert.Empty(t, resp.ContentBase64)

	t.Run("нераскодируемое содержимое отдаётся в base64", func(t *testing.T) {
		binary := []byte{0xff, 0xfe, 0x00, 0x01}
		msg := outbox.NewMessage("blob.stored", binary)
		require.NoError(t, f.outbox.Add(context.Background(), msg))

		w := f.do(t, http.MethodGet, "/api/v1/outbox/"+msg.ID, "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[MessageResponse](t, w)
		assert.Empty(t, resp.Content)
		assert.Equal(t, binary, resp.ContentBase64)
	})
}

func TestList_QueryValidation(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name     string
		path     string
		wantCode int
	}{
		{"другой статус", "/api/v1/inbox?status=Pending", http.StatusOK},
		{"неизвестный статус", "/api/v1/inbox?status=Lost", http.StatusBadRequest},
		{"limit не число", "/api/v1/outbox?limit=abc", http.StatusBadRequest},
		{"отрицательный limit", "/api/v1/outbox?limit=-1", http.StatusBadRequest},
		{"limit больше предела", "/api/v1/outbox?limit=100000", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, tt.path, "", nil)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}
}

func TestGet(t *testing.T) {
	f := setup(t)
	msg := f.failedInbox(t)

	w := f.do(t, http.MethodGet, "/api/v1/inbox/"+msg.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "account.changed", decode[MessageResponse](t, w).MessageType)

	w = f.do(t, http.MethodGet, "/api/v1/inbox/нет", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Ручные действия
// =============================================================================

func TestOutboxRetry(t *testing.T) {
	f := setup(t)
	msg := f.failedOutbox(t)

	t.Run("без оператора", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/outbox/"+msg.ID+"/retry", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "operator_required", decode[ErrorResponse](t, w).Error)
	})

	t.Run("сброс в Pending", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/outbox/"+msg.ID+"/retry", "alice", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		resp := decode[MessageResponse](t, w)
		assert.Equal(t, "Pending", resp.Status)
		assert.Equal(t, 0, resp.RetryCount)
		assert.Equal(t, "alice", resp.UpdatedBy)
	})

	t.Run("повтор уже Pending записи", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/outbox/"+msg.ID+"/retry", "alice", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("нет записи", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/outbox/"+uuid.NewString()+"/retry", "alice", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestOutboxCancel(t *testing.T) {
	f := setup(t)
	msg := f.failedOutbox(t)

	w := f.do(t, http.MethodPost, "/api/v1/outbox/"+msg.ID+"/cancel", "bob", ActionRequest{Reason: "клиент удалён"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[MessageResponse](t, w)
	assert.Equal(t, "Cancelled", resp.Status)
	assert.Equal(t, "bob", resp.UpdatedBy)
	assert.Contains(t, resp.Error, "клиент удалён")

	w = f.do(t, http.MethodPost, "/api/v1/outbox/"+msg.ID+"/cancel", "bob", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "Cancelled - конечный статус")
}

func TestInboxSkip(t *testing.T) {
	f := setup(t)
	msg := f.failedInbox(t)

	w := f.do(t, http.MethodPost, "/api/v1/inbox/"+msg.ID+"/skip", "carol", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stored, err := f.inbox.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, messaging.StatusSkipped, stored.Status)
	assert.Equal(t, "carol", stored.UpdatedBy)
}

func TestInboxRetry(t *testing.T) {
	f := setup(t)
	msg := f.failedInbox(t)

	w := f.do(t, http.MethodPost, "/api/v1/inbox/"+msg.ID+"/retry", "carol", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Pending", decode[MessageResponse](t, w).Status)
}

func TestAction_InvalidBody(t *testing.T) {
	f := setup(t)
	msg := f.failedInbox(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/inbox/"+msg.ID+"/skip", bytes.NewBufferString("{не json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderOperator, "carol")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_OnlyConfiguredStores(t *testing.T) {
	r := NewRouter(RouterConfig{}).Engine()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/outbox", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
