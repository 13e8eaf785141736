package relay

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

	"example.com/reliable-messaging/pkg/bus"
	"example.com/reliable-messaging/pkg/messaging"
	"example.com/reliable-messaging/pkg/outbox"
	"example.com/reliable-messaging/pkg/serializer"
)

func newDB(t *testing.T) *gorm.DB {
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
	require.NoError(t, gdb.AutoMigrate(&outbox.MessageModel{}, &InstanceModel{}))
	return gdb
}

func startBus(t *testing.T) *bus.InMemoryBus {
	t.Helper()
	b := bus.NewInMemoryBus()
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

// =============================================================================
// Heartbeat
// =============================================================================

func TestBeat_WritesInstanceAndOutbox(t *testing.T) {
	gdb := newDB(t)
	store := outbox.NewStore(gdb)
	svc := New("relay-1", gdb, outbox.NewWriter(store, nil))

	first, err := svc.Beat(context.Background())
	require.NoError(t, err)
	_, err = svc.Beat(context.Background())
	require.NoError(t, err)

	var instances []InstanceModel
	require.NoError(t, gdb.Find(&instances).Error)
	require.Len(t, instances, 1, "upsert по инстансу")
	assert.Equal(t, "relay-1", instances[0].Instance)

	pending, err := store.GetPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, TypeHeartbeat, pending[0].MessageType)
	assert.NotEmpty(t, pending[0].CorrelationID)
}

type failingWriter struct{}

func (failingWriter) Enqueue(context.Context, *gorm.DB, string, any, ...outbox.EnqueueOption) (*outbox.Message, error) {
	return nil, errors.New("outbox недоступен")
}

func TestBeat_RollsBackOnOutboxFailure(t *testing.T) {
	gdb := newDB(t)
	svc := New("relay-1", gdb, failingWriter{})

	_, err := svc.Beat(context.Background())
	require.Error(t, err)

	var count int64
	require.NoError(t, gdb.Model(&InstanceModel{}).Count(&count).Error)
	assert.Zero(t, count, "без записи outbox нет и изменения домена")
}

func TestHeartbeat_DeliveredThroughPublisher(t *testing.T) {
	gdb := newDB(t)
	store := outbox.NewStore(gdb)
	b := startBus(t)
	svc := New("relay-1", gdb, outbox.NewWriter(store, nil))

	reg := messaging.NewRegistry(nil)
	require.NoError(t, svc.Register(reg))
	require.NoError(t, bus.SubscribeRegistry(b, reg))

	msg, err := svc.Beat(context.Background())
	require.NoError(t, err)

	res, err := outbox.NewPublisher(store, b, outbox.DefaultPublisherConfig()).ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	seen, ok := svc.LastSeen("relay-1")
	require.True(t, ok)
	assert.False(t, seen.IsZero())

	stored, err := store.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, messaging.StatusProcessed, stored.Status)
}

func TestHandleHeartbeat_KeepsLatest(t *testing.T) {
	svc := New("relay-1", nil, nil)
	now := time.Now().UTC()

	require.NoError(t, svc.handleHeartbeat(context.Background(), Heartbeat{Instance: "relay-2", SentAt: now}, nil))
	require.NoError(t, svc.handleHeartbeat(context.Background(), Heartbeat{Instance: "relay-2", SentAt: now.Add(-time.Minute)}, nil))

	seen, ok := svc.LastSeen("relay-2")
	require.True(t, ok)
	assert.True(t, seen.Equal(now), "запоздавший heartbeat не откатывает время")

	_, ok = svc.LastSeen("relay-3")
	assert.False(t, ok)
}

func TestRunHeartbeat_StopsOnCancel(t *testing.T) {
	gdb := newDB(t)
	store := outbox.NewStore(gdb)
	svc := New("relay-1", gdb, outbox.NewWriter(store, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunHeartbeat(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		pending, err := store.GetPending(context.Background(), 10)
		return err == nil && len(pending) > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunHeartbeat не остановился")
	}
}

// =============================================================================
// Ping
// =============================================================================

func TestRespond_Ping(t *testing.T) {
	b := startBus(t)
	codec := serializer.NewJSON()
	svc := New("relay-1", nil, nil)
	require.NoError(t, svc.Respond(b, codec))

	resp, err := b.Request(context.Background(), TopicPing, &bus.Message{Type: TopicPing}, time.Second)
	require.NoError(t, err)

	var pong Pong
	require.NoError(t, codec.Deserialize(resp.Payload, &pong))
	assert.Equal(t, "relay-1", pong.Instance)
	assert.NotEmpty(t, pong.Uptime)
}
