package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dialector := postgres.New(postgres.Config{Conn: db, DriverName: "postgres"})
	gormDB, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return gormDB, mock
}

func TestTransaction_Commit(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectCommit()

	var inTx bool
	err := repo.Transaction(context.Background(), func(ctx context.Context) error {
		inTx = InTransaction(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, inTx)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransaction_Rollback(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := repo.Transaction(context.Background(), func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionWithRetry_NonRetryable(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	err := repo.TransactionWithRetry(context.Background(), 3, func(ctx context.Context) error {
		calls++
		return errors.New("constraint")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionWithRetry_Deadlock(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := repo.TransactionWithRetry(context.Background(), 3, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: pgErrDeadlockDetected}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"serialization", &pgconn.PgError{Code: pgErrSerializationFailure}, true},
		{"too many connections", &pgconn.PgError{Code: pgErrTooManyConnections}, true},
		{"unique violation", &pgconn.PgError{Code: pgErrUniqueViolation}, false},
		{"plain error", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRetryableError(tt.err))
		})
	}
}

func TestIsDuplicateKeyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"postgres message", errors.New("duplicate key value violates unique constraint"), true},
		{"postgres code", &pgconn.PgError{Code: "23505"}, true},
		{"sqlite", errors.New("UNIQUE constraint failed: evmx_blocks.hash"), true},
		{"gorm translated", gorm.ErrDuplicatedKey, true},
		{"other", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsDuplicateKeyError(tt.err))
		})
	}
}
