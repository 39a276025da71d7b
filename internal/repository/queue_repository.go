package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ihawking/evmx/internal/model"
	bizerr "github.com/ihawking/evmx/pkg/errors"
)

var (
	ErrQueueEntryNotFound = errors.New("queue entry not found")
	ErrDuplicateNonce     = errors.New("duplicate nonce")
)

// QueueRepository 出账交易队列仓储接口, 队列记录不允许删除
type QueueRepository interface {
	// Count 账户在链上已分配的 nonce 数量
	Count(ctx context.Context, accountID, chainID int64) (int64, error)
	Create(ctx context.Context, entry *model.QueueEntry) error
	GetByID(ctx context.Context, id int64) (*model.QueueEntry, error)
	GetByAccountNonce(ctx context.Context, accountID, chainID, nonce int64) (*model.QueueEntry, error)
	// ListDispatchable 未发送, 或发送超时仍未上链, 且创建已满最小间隔的记录
	ListDispatchable(ctx context.Context, staleBefore, createdBefore int64, limit int) ([]*model.QueueEntry, error)
	MarkTransacted(ctx context.Context, id int64, at int64) error
	LinkTransaction(ctx context.Context, id, transactionID int64) error
	UnlinkTransactions(ctx context.Context, transactionIDs []int64) error
	ListByTransactions(ctx context.Context, transactionIDs []int64) ([]*model.QueueEntry, error)
	Delete(ctx context.Context, id int64) error
}

type queueRepository struct {
	*Repository
}

// NewQueueRepository 创建出账交易队列仓储
func NewQueueRepository(db *gorm.DB) QueueRepository {
	return &queueRepository{Repository: NewRepository(db)}
}

func (r *queueRepository) Count(ctx context.Context, accountID, chainID int64) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.QueueEntry{}).
		Where("account_id = ? AND chain_id = ?", accountID, chainID).
		Count(&count).Error
	return count, err
}

func (r *queueRepository) Create(ctx context.Context, entry *model.QueueEntry) error {
	entry.CreatedAt = nowMillis()
	err := r.DB(ctx).Create(entry).Error
	if IsDuplicateKeyError(err) {
		return ErrDuplicateNonce
	}
	return err
}

func (r *queueRepository) GetByID(ctx context.Context, id int64) (*model.QueueEntry, error) {
	var entry model.QueueEntry
	err := r.DB(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrQueueEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *queueRepository) GetByAccountNonce(ctx context.Context, accountID, chainID, nonce int64) (*model.QueueEntry, error) {
	var entry model.QueueEntry
	err := r.DB(ctx).
		Where("account_id = ? AND chain_id = ? AND nonce = ?", accountID, chainID, nonce).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrQueueEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *queueRepository) ListDispatchable(ctx context.Context, staleBefore, createdBefore int64, limit int) ([]*model.QueueEntry, error) {
	var entries []*model.QueueEntry
	err := r.DB(ctx).
		Where("(transacted_at IS NULL OR (transacted_at < ? AND transaction_id IS NULL))", staleBefore).
		Where("created_at < ?", createdBefore).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *queueRepository) MarkTransacted(ctx context.Context, id int64, at int64) error {
	result := r.DB(ctx).Model(&model.QueueEntry{}).Where("id = ?", id).Update("transacted_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrQueueEntryNotFound
	}
	return nil
}

func (r *queueRepository) LinkTransaction(ctx context.Context, id, transactionID int64) error {
	return r.DB(ctx).Model(&model.QueueEntry{}).
		Where("id = ?", id).
		Update("transaction_id", transactionID).Error
}

func (r *queueRepository) UnlinkTransactions(ctx context.Context, transactionIDs []int64) error {
	if len(transactionIDs) == 0 {
		return nil
	}
	return r.DB(ctx).Model(&model.QueueEntry{}).
		Where("transaction_id IN ?", transactionIDs).
		Update("transaction_id", nil).Error
}

func (r *queueRepository) ListByTransactions(ctx context.Context, transactionIDs []int64) ([]*model.QueueEntry, error) {
	var entries []*model.QueueEntry
	if len(transactionIDs) == 0 {
		return entries, nil
	}
	err := r.DB(ctx).Where("transaction_id IN ?", transactionIDs).Find(&entries).Error
	return entries, err
}

// Delete 队列记录不可删除
func (r *queueRepository) Delete(ctx context.Context, id int64) error {
	return bizerr.ErrDeletionForbidden.WithDetail("queue_entry_id", formatID(id))
}
