package repository

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// PostgreSQL 可重试错误码
// 参考: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	// Class 40: Transaction Rollback
	pgErrSerializationFailure = "40001" // serialization_failure
	pgErrDeadlockDetected     = "40P01" // deadlock_detected

	// Class 08: Connection Exception
	pgErrConnectionFailure    = "08006" // connection_failure
	pgErrConnectionException  = "08000" // connection_exception
	pgErrSQLClientCantConnect = "08001" // sqlclient_unable_to_establish_sqlconnection

	// Class 53: Insufficient Resources
	pgErrInsufficientResources = "53000" // insufficient_resources
	pgErrTooManyConnections    = "53300" // too_many_connections

	// Class 57: Operator Intervention
	pgErrQueryCanceled    = "57014" // query_canceled
	pgErrCannotConnectNow = "57P03" // cannot_connect_now

	// Class 23: Integrity Constraint Violation
	pgErrUniqueViolation = "23505" // unique_violation
)

// Repository 基础仓储
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建基础仓储
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// TxManager 事务管理
type TxManager interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	TransactionWithRetry(ctx context.Context, maxRetries int, fn func(ctx context.Context) error) error
}

var _ TxManager = (*Repository)(nil)

// txKey 事务上下文键
type txKey struct{}

// DB 返回数据库连接, 上下文中有事务时使用事务
func (r *Repository) DB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db.WithContext(ctx)
}

// Transaction 执行事务, 已在事务中时使用保存点嵌套
func (r *Repository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, txKey{}, tx)
		return fn(txCtx)
	})
}

// TransactionWithRetry 带重试的事务执行
func (r *Repository) TransactionWithRetry(ctx context.Context, maxRetries int, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = r.Transaction(ctx, fn)
		if err == nil {
			return nil
		}
		// 仅对可重试错误进行重试
		if !isRetryableError(err) {
			return err
		}
		// 指数退避
		time.Sleep(time.Duration(1<<uint(i)) * 100 * time.Millisecond)
	}
	return err
}

// InTransaction 上下文是否已在事务中
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*gorm.DB)
	return ok
}

// isRetryableError 判断是否为可重试错误
// 主要包括: 死锁、序列化失败、连接问题、资源不足等临时性错误
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrSerializationFailure, pgErrDeadlockDetected:
			return true
		case pgErrConnectionFailure, pgErrConnectionException, pgErrSQLClientCantConnect:
			return true
		case pgErrInsufficientResources, pgErrTooManyConnections:
			return true
		case pgErrQueryCanceled, pgErrCannotConnectNow:
			return true
		}
	}
	return false
}

// IsDuplicateKeyError 判断是否为唯一键冲突
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate key") ||
		strings.Contains(errStr, pgErrUniqueViolation) ||
		strings.Contains(errStr, "UNIQUE constraint failed")
}

// nowMillis 当前毫秒时间戳
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
