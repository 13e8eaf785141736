package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/reliable-messaging/pkg/bus"
	"example.com/reliable-messaging/pkg/messaging"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// =============================================================================
// Receive без Redis
// =============================================================================

func TestReceiver_Receive_PrimaryKeyDedup(t *testing.T) {
	store := newTestStore(t)
	receiver := NewReceiver(store)
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, receiver.Receive(ctx, NewMessage(id, "payment.captured", []byte(`{}`))))

	err := receiver.Receive(ctx, NewMessage(id, "payment.captured", []byte(`{}`)))
	assert.ErrorIs(t, err, messaging.ErrDuplicateKey)

	pending, err := store.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestReceiver_Receive_Validation(t *testing.T) {
	receiver := NewReceiver(newTestStore(t))

	err := receiver.Receive(context.Background(), NewMessage("", "payment.captured", nil))
	assert.ErrorIs(t, err, ErrMessageIDRequired)
}

// =============================================================================
// Receive с Redis
// =============================================================================

func TestReceiver_Receive_RedisDedup(t *testing.T) {
	mr, client := setupRedis(t)
	store := newTestStore(t)
	receiver := NewReceiver(store, WithRedisDedup(client, time.Hour))
	ctx := context.Background()
	id := uuid.NewString()

	t.Run("отметка ставится после вставки", func(t *testing.T) {
		require.NoError(t, receiver.Receive(ctx, NewMessage(id, "payment.captured", []byte(`{}`))))

		assert.True(t, mr.Exists(dedupKeyPrefix+id))
		assert.Equal(t, time.Hour, mr.TTL(dedupKeyPrefix+id))
	})

	t.Run("повтор отсекается по отметке", func(t *testing.T) {
		err := receiver.Receive(ctx, NewMessage(id, "payment.captured", []byte(`{}`)))
		assert.ErrorIs(t, err, messaging.ErrDuplicateKey)
	})

	t.Run("отметка истекла, дубликат ловит первичный ключ", func(t *testing.T) {
		mr.FastForward(2 * time.Hour)
		require.False(t, mr.Exists(dedupKeyPrefix+id))

		err := receiver.Receive(ctx, NewMessage(id, "payment.captured", []byte(`{}`)))
		assert.ErrorIs(t, err, messaging.ErrDuplicateKey)
		assert.True(t, mr.Exists(dedupKeyPrefix+id), "отметка восстановлена")
	})
}

func TestReceiver_Receive_RedisDown(t *testing.T) {
	mr, client := setupRedis(t)
	store := newTestStore(t)
	receiver := NewReceiver(store, WithRedisDedup(client, 0))
	ctx := context.Background()
	id := uuid.NewString()

	mr.Close()

	require.NoError(t, receiver.Receive(ctx, NewMessage(id, "payment.captured", []byte(`{}`))),
		"недоступный Redis не мешает приёму")

	err := receiver.Receive(ctx, NewMessage(id, "payment.captured", []byte(`{}`)))
	assert.ErrorIs(t, err, messaging.ErrDuplicateKey)
}

// =============================================================================
// BusHandler
// =============================================================================

func TestReceiver_BusHandler(t *testing.T) {
	store := newTestStore(t)
	b := bus.NewInMemoryBus()
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	require.NoError(t, b.Subscribe("ledger.events", NewReceiver(store).BusHandler()))

	id := uuid.NewString()
	msg := &bus.Message{
		ID:      id,
		Type:    "account.changed",
		Payload: []byte(`{"account":"a-1"}`),
		Headers: map[string]string{
			messaging.HeaderCorrelationID:  "c-1",
			messaging.HeaderMessageGroup:   "account-1",
			messaging.HeaderSequenceNumber: "1",
		},
	}

	require.NoError(t, b.Publish(context.Background(), "ledger.events", msg))
	require.NoError(t, b.Publish(context.Background(), "ledger.events", msg), "дубликат не ошибка доставки")

	got := mustGet(t, store, id)
	assert.Equal(t, "account.changed", got.MessageType)
	assert.Equal(t, "c-1", got.CorrelationID)
	assert.True(t, got.IsOrdered())

	group, err := store.GetPendingGroup(context.Background(), "account-1")
	require.NoError(t, err)
	assert.Len(t, group, 1)
}
