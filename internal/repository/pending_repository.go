package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/ihawking/evmx/internal/model"
)

// PendingRepository 待重试分类交易仓储接口
type PendingRepository interface {
	// Create 同一区块的同一交易只保留一条, 重复写入返回 false
	Create(ctx context.Context, pending *model.PendingTransaction) (bool, error)
	// ListDue 到期的重试记录, 按到期时间升序
	ListDue(ctx context.Context, now int64, limit int) ([]*model.PendingTransaction, error)
	Reschedule(ctx context.Context, id int64, attempts int, next int64, lastError string) error
	Delete(ctx context.Context, id int64) error
	DeleteByBlock(ctx context.Context, blockID int64) error
	CountByChain(ctx context.Context, chainID int64) (int64, error)
}

type pendingRepository struct {
	*Repository
}

// NewPendingRepository 创建待重试交易仓储
func NewPendingRepository(db *gorm.DB) PendingRepository {
	return &pendingRepository{Repository: NewRepository(db)}
}

func (r *pendingRepository) Create(ctx context.Context, pending *model.PendingTransaction) (bool, error) {
	pending.CreatedAt = nowMillis()
	err := r.DB(ctx).Create(pending).Error
	if IsDuplicateKeyError(err) {
		return false, nil
	}
	return err == nil, err
}

func (r *pendingRepository) ListDue(ctx context.Context, now int64, limit int) ([]*model.PendingTransaction, error) {
	var pending []*model.PendingTransaction
	err := r.DB(ctx).
		Where("next_attempt_at <= ?", now).
		Order("next_attempt_at ASC, id ASC").
		Limit(limit).
		Find(&pending).Error
	return pending, err
}

func (r *pendingRepository) Reschedule(ctx context.Context, id int64, attempts int, next int64, lastError string) error {
	return r.DB(ctx).Model(&model.PendingTransaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":        attempts,
			"next_attempt_at": next,
			"last_error":      lastError,
		}).Error
}

func (r *pendingRepository) Delete(ctx context.Context, id int64) error {
	return r.DB(ctx).Where("id = ?", id).Delete(&model.PendingTransaction{}).Error
}

func (r *pendingRepository) DeleteByBlock(ctx context.Context, blockID int64) error {
	return r.DB(ctx).Where("block_id = ?", blockID).Delete(&model.PendingTransaction{}).Error
}

func (r *pendingRepository) CountByChain(ctx context.Context, chainID int64) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.PendingTransaction{}).
		Where("chain_id = ?", chainID).
		Count(&count).Error
	return count, err
}
