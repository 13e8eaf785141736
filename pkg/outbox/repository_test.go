package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"example.com/reliable-messaging/pkg/logger"
	"example.com/reliable-messaging/pkg/messaging"
)

// =============================================================================
// Вспомогательные функции
// =============================================================================

// newTestDB открывает отдельную SQLite базу в памяти с таблицей outbox_messages.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err, "Ошибка открытия SQLite")

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, gdb.AutoMigrate(&MessageModel{}))
	return gdb
}

func newTestStore(t *testing.T) (Store, *gorm.DB) {
	gdb := newTestDB(t)
	return NewStore(gdb), gdb
}

// addMessage добавляет запись order.created, предварительно применив mutate.
func addMessage(t *testing.T, store Store, mutate func(m *Message)) *Message {
	t.Helper()
	msg := NewMessage("order.created", []byte(`{"order_id":"o-1"}`))
	if mutate != nil {
		mutate(msg)
	}
	require.NoError(t, store.Add(context.Background(), msg))
	return msg
}

func mustGet(t *testing.T, store Store, id string) *Message {
	t.Helper()
	msg, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return msg
}

// failOnce захватывает запись и помечает её как failed.
func failOnce(t *testing.T, store Store, id string) {
	t.Helper()
	ctx := context.Background()
	claimed, err := store.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.MarkFailed(ctx, id, errors.New("bus unavailable")))
}

// =============================================================================
// Add / Get
// =============================================================================

func TestStore_AddAndGet(t *testing.T) {
	store, _ := newTestStore(t)

	msg := addMessage(t, store, func(m *Message) {
		m.Headers["tenant"] = "acme"
		m.CorrelationID = "corr-1"
		m.Destination = "billing.events"
	})

	got := mustGet(t, store, msg.ID)

	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "order.created", got.MessageType)
	assert.Equal(t, `{"order_id":"o-1"}`, string(got.Content))
	assert.Equal(t, map[string]string{"tenant": "acme"}, got.Headers)
	assert.Equal(t, messaging.StatusPending, got.Status)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "billing.events", got.Topic())
	assert.Equal(t, DefaultMaxRetryCount, got.MaxRetryCount)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.ProcessedAt)
}

func TestStore_Add_Errors(t *testing.T) {
	store, _ := newTestStore(t)
	msg := addMessage(t, store, nil)

	t.Run("дубликат id", func(t *testing.T) {
		dup := NewMessage("order.created", []byte(`{}`))
		dup.ID = msg.ID

		err := store.Add(context.Background(), dup)
		assert.ErrorIs(t, err, messaging.ErrDuplicateKey)
	})

	t.Run("пустой тип сообщения", func(t *testing.T) {
		err := store.Add(context.Background(), NewMessage(" ", []byte(`{}`)))
		assert.ErrorIs(t, err, messaging.ErrMessageTypeRequired)
	})

	t.Run("запись не найдена", func(t *testing.T) {
		_, err := store.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, messaging.ErrNotFound)
	})
}

// =============================================================================
// GetPending
// =============================================================================

func TestStore_GetPending_OldestFirstAndReadOnly(t *testing.T) {
	store, _ := newTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	newest := addMessage(t, store, func(m *Message) { m.CreatedAt = base.Add(2 * time.Second) })
	oldest := addMessage(t, store, func(m *Message) { m.CreatedAt = base })
	middle := addMessage(t, store, func(m *Message) { m.CreatedAt = base.Add(time.Second) })
	addMessage(t, store, func(m *Message) {
		m.CreatedAt = base.Add(-time.Minute)
		m.Status = messaging.StatusFailed
	})

	pending, err := store.GetPending(context.Background(), 2)
	require.NoError(t, err)

	require.Len(t, pending, 2)
	assert.Equal(t, oldest.ID, pending[0].ID)
	assert.Equal(t, middle.ID, pending[1].ID)

	// Чтение не меняет статус
	assert.Equal(t, messaging.StatusPending, mustGet(t, store, oldest.ID).Status)

	all, err := store.GetPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, newest.ID, all[2].ID)
}

// =============================================================================
// Переходы статусов
// =============================================================================

func TestStore_Claim(t *testing.T) {
	store, _ := newTestStore(t)
	msg := addMessage(t, store, nil)
	ctx := context.Background()

	claimed, err := store.Claim(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	got := mustGet(t, store, msg.ID)
	assert.Equal(t, messaging.StatusProcessing, got.Status)
	assert.NotNil(t, got.StartedAt)

	claimed, err = store.Claim(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "повторный захват должен проиграть")
}

func TestStore_MarkProcessed(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	t.Run("из Processing", func(t *testing.T) {
		msg := addMessage(t, store, nil)
		_, err := store.Claim(ctx, msg.ID)
		require.NoError(t, err)

		require.NoError(t, store.MarkProcessed(ctx, msg.ID))

		got := mustGet(t, store, msg.ID)
		assert.Equal(t, messaging.StatusProcessed, got.Status)
		require.NotNil(t, got.ProcessedAt)
		assert.Empty(t, got.Error)

		err = store.MarkProcessed(ctx, msg.ID)
		assert.ErrorIs(t, err, messaging.ErrInvalidTransition, "processed_at устанавливается один раз")
	})

	t.Run("из Pending запрещено", func(t *testing.T) {
		msg := addMessage(t, store, nil)
		err := store.MarkProcessed(ctx, msg.ID)
		assert.ErrorIs(t, err, messaging.ErrInvalidTransition)
		assert.Contains(t, err.Error(), msg.ID)
		assert.Contains(t, err.Error(), "Pending -> Processed")
	})

	t.Run("неизвестная запись", func(t *testing.T) {
		err := store.MarkProcessed(ctx, "missing")
		assert.ErrorIs(t, err, messaging.ErrNotFound)
	})
}

func TestStore_FailedRecordIsRetried(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	msg := addMessage(t, store, nil)

	failOnce(t, store, msg.ID)

	got := mustGet(t, store, msg.ID)
	assert.Equal(t, messaging.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "bus unavailable", got.Error)

	pending, err := store.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	reset, err := store.RetryEligible(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)

	got = mustGet(t, store, msg.ID)
	assert.Equal(t, messaging.StatusPending, got.Status)
	assert.Empty(t, got.Error)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, 1, got.RetryCount, "retry_count не сбрасывается автоматическим повтором")

	pending, err = store.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, msg.ID, pending[0].ID)
}

func TestStore_RetryCap(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	msg := addMessage(t, store, func(m *Message) { m.MaxRetryCount = 2 })

	failOnce(t, store, msg.ID)
	reset, err := store.RetryEligible(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), reset)

	failOnce(t, store, msg.ID)
	reset, err = store.RetryEligible(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, reset)

	got := mustGet(t, store, msg.ID)
	assert.Equal(t, messaging.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.True(t, got.IsRetryExhausted())

	// Повторные циклы тоже не возвращают запись
	reset, err = store.RetryEligible(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, reset)
}

func TestStore_RetryEligible_GlobalCap(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	msg := addMessage(t, store, func(m *Message) {
		m.Status = messaging.StatusFailed
		m.RetryCount = 3
		m.MaxRetryCount = 5
	})

	reset, err := store.RetryEligible(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, reset, "общий предел строже предела записи")

	reset, err = store.RetryEligible(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)
	assert.Equal(t, messaging.StatusPending, mustGet(t, store, msg.ID).Status)
}

func TestStore_ReleaseStale(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	msg := addMessage(t, store, nil)

	_, err := store.Claim(ctx, msg.ID)
	require.NoError(t, err)

	released, err := store.ReleaseStale(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, released, "свежий захват не трогаем")

	released, err = store.ReleaseStale(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	got := mustGet(t, store, msg.ID)
	assert.Equal(t, messaging.StatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
}

// =============================================================================
// Cleanup
// =============================================================================

func TestStore_Cleanup(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)

	oldProcessed := addMessage(t, store, func(m *Message) {
		m.Status = messaging.StatusProcessed
		m.CreatedAt = old
		m.ProcessedAt = &old
	})
	recentProcessed := addMessage(t, store, func(m *Message) {
		m.Status = messaging.StatusProcessed
		m.ProcessedAt = &recent
	})
	oldPending := addMessage(t, store, func(m *Message) { m.CreatedAt = old })
	oldFailed := addMessage(t, store, func(m *Message) {
		m.Status = messaging.StatusFailed
		m.CreatedAt = old
		m.RetryCount = 3
	})

	deleted, err := store.Cleanup(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.Get(ctx, oldProcessed.ID)
	assert.ErrorIs(t, err, messaging.ErrNotFound)

	for _, id := range []string{recentProcessed.ID, oldPending.ID, oldFailed.ID} {
		_, err := store.Get(ctx, id)
		assert.NoError(t, err, "запись %s не должна удаляться", id)
	}
}

// =============================================================================
// Ручные операции
// =============================================================================

func TestStore_ResetForRetry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	exhausted := addMessage(t, store, func(m *Message) {
		m.Status = messaging.StatusFailed
		m.RetryCount = 3
		m.MaxRetryCount = 3
		m.Error = "bus unavailable"
	})

	t.Run("без оператора", func(t *testing.T) {
		err := store.ResetForRetry(ctx, exhausted.ID, " ")
		assert.ErrorIs(t, err, messaging.ErrActorRequired)
	})

	t.Run("исчерпанная запись", func(t *testing.T) {
		require.NoError(t, store.ResetForRetry(ctx, exhausted.ID, "ops@example.com"))

		got := mustGet(t, store, exhausted.ID)
		assert.Equal(t, messaging.StatusPending, got.Status)
		assert.Zero(t, got.RetryCount)
		assert.Empty(t, got.Error)
		assert.Equal(t, "ops@example.com", got.UpdatedBy)
	})

	t.Run("запись не в Failed", func(t *testing.T) {
		err := store.ResetForRetry(ctx, exhausted.ID, "ops@example.com")
		assert.ErrorIs(t, err, messaging.ErrInvalidTransition)
	})
}

func TestStore_Cancel(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	pending := addMessage(t, store, nil)
	processed := addMessage(t, store, func(m *Message) { m.Status = messaging.StatusProcessed })

	require.NoError(t, store.Cancel(ctx, pending.ID, "ops@example.com", "устаревшее событие"))

	got := mustGet(t, store, pending.ID)
	assert.Equal(t, messaging.StatusCancelled, got.Status)
	assert.Equal(t, "ops@example.com", got.UpdatedBy)
	assert.Contains(t, got.Error, "устаревшее событие")

	err := store.Cancel(ctx, processed.ID, "ops@example.com", "")
	assert.ErrorIs(t, err, messaging.ErrInvalidTransition)

	cancelled, err := store.ListByStatus(ctx, messaging.StatusCancelled, 10)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, pending.ID, cancelled[0].ID)

	_, err = store.ListByStatus(ctx, messaging.Status("Lost"), 10)
	assert.ErrorIs(t, err, messaging.ErrInvalidStatus)
}

// =============================================================================
// Writer
// =============================================================================

type orderCreated struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

func TestWriter_Enqueue(t *testing.T) {
	store, gdb := newTestStore(t)
	writer := NewWriter(store, nil)
	ctx := logger.WithCorrelationID(context.Background(), "corr-42")

	t.Run("фиксация транзакции", func(t *testing.T) {
		var written *Message
		err := gdb.Transaction(func(tx *gorm.DB) error {
			var err error
			written, err = writer.Enqueue(ctx, tx, "order.created", orderCreated{OrderID: "o-1", Amount: 500},
				WithDestination("billing.events"), WithHeaders(map[string]string{"tenant": "acme"}))
			return err
		})
		require.NoError(t, err)

		got := mustGet(t, store, written.ID)
		assert.JSONEq(t, `{"order_id":"o-1","amount":500}`, string(got.Content))
		assert.Equal(t, "corr-42", got.CorrelationID)
		assert.Equal(t, "billing.events", got.Destination)
		assert.Equal(t, "acme", got.Headers["tenant"])
		assert.Equal(t, "application/json", got.Headers[messaging.HeaderContentType])
	})

	t.Run("откат транзакции", func(t *testing.T) {
		var written *Message
		err := gdb.Transaction(func(tx *gorm.DB) error {
			var err error
			written, err = writer.Enqueue(ctx, tx, "order.created", orderCreated{OrderID: "o-2"})
			require.NoError(t, err)
			return errors.New("бизнес-операция упала")
		})
		require.Error(t, err)

		_, err = store.Get(context.Background(), written.ID)
		assert.ErrorIs(t, err, messaging.ErrNotFound, "запись outbox откатывается вместе с бизнес-данными")
	})

	t.Run("идемпотентная повторная запись", func(t *testing.T) {
		_, err := writer.Enqueue(ctx, nil, "order.created", orderCreated{OrderID: "o-3"}, WithMessageID("fixed-id"))
		require.NoError(t, err)

		_, err = writer.Enqueue(ctx, nil, "order.created", orderCreated{OrderID: "o-3"}, WithMessageID("fixed-id"))
		assert.ErrorIs(t, err, messaging.ErrDuplicateKey)
	})
}
