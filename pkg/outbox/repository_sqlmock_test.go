package outbox

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"example.com/reliable-messaging/pkg/messaging"
)

// setupMockDB создаёт GORM поверх sqlmock с диалектом MySQL.
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err, "Ошибка создания sqlmock")
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err, "Ошибка инициализации GORM")

	return gdb, mock
}

func TestMySQLStore_GetPending(t *testing.T) {
	gdb, mock := setupMockDB(t)
	store := NewStore(gdb)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "message_type", "content", "headers", "status", "created_at", "retry_count", "max_retry_count"}).
		AddRow("m-1", "order.created", []byte(`{}`), []byte(`{"tenant":"acme"}`), "Pending", created, 0, 3)

	mock.ExpectQuery("SELECT \\* FROM `outbox_messages` WHERE status = \\? ORDER BY created_at ASC, id ASC LIMIT").
		WillReturnRows(rows)

	pending, err := store.GetPending(context.Background(), 2)

	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "m-1", pending[0].ID)
	assert.Equal(t, "acme", pending[0].Headers["tenant"])
	assert.Equal(t, messaging.StatusPending, pending[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_Claim(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "захват выигран", affected: 1, want: true},
		{name: "захват проигран", affected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gdb, mock := setupMockDB(t)
			store := NewStore(gdb)

			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta("UPDATE `outbox_messages` SET")).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))
			mock.ExpectCommit()

			claimed, err := store.Claim(context.Background(), "m-1")

			require.NoError(t, err)
			assert.Equal(t, tt.want, claimed)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMySQLStore_MarkFailed_DBError(t *testing.T) {
	gdb, mock := setupMockDB(t)
	store := NewStore(gdb)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `outbox_messages` SET")).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := store.MarkFailed(context.Background(), "m-1", assert.AnError)

	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_Add_Duplicate(t *testing.T) {
	gdb, mock := setupMockDB(t)
	store := NewStore(gdb)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `outbox_messages`")).
		WillReturnError(&mysqlDuplicateError{})
	mock.ExpectRollback()

	err := store.Add(context.Background(), NewMessage("order.created", []byte(`{}`)))

	assert.ErrorIs(t, err, messaging.ErrDuplicateKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_Cleanup_Batches(t *testing.T) {
	gdb, mock := setupMockDB(t)
	store := NewStore(gdb)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `outbox_messages` WHERE")).
		WillReturnResult(sqlmock.NewResult(0, cleanupBatchSize))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `outbox_messages` WHERE")).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	deleted, err := store.Cleanup(context.Background(), time.Now().UTC())

	require.NoError(t, err)
	assert.Equal(t, int64(cleanupBatchSize+3), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// mysqlDuplicateError имитирует ошибку 1062 драйвера MySQL.
type mysqlDuplicateError struct{}

func (*mysqlDuplicateError) Error() string {
	return "Error 1062 (23000): Duplicate entry 'm-1' for key 'PRIMARY'"
}
