package repository

import (
	"context"
	"database/sql"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ihawking/evmx/internal/model"
)

var (
	ErrBlockNotFound  = errors.New("block not found")
	ErrDuplicateBlock = errors.New("duplicate block")
)

// BlockRepository 区块仓储接口
type BlockRepository interface {
	Create(ctx context.Context, block *model.Block) error
	GetByID(ctx context.Context, id int64) (*model.Block, error)
	// GetByIDForUpdate 事务内加行锁读取, 与确认、删除互斥
	GetByIDForUpdate(ctx context.Context, id int64) (*model.Block, error)
	GetByHash(ctx context.Context, hash string) (*model.Block, error)
	// MaxNumber 链上已存储的最高块号, 无区块时 ok 为 false
	MaxNumber(ctx context.Context, chainID int64) (number int64, ok bool, err error)
	HasAny(ctx context.Context, chainID int64) (bool, error)
	HasBelow(ctx context.Context, chainID, number int64) (bool, error)
	ListUnconfirmedFrom(ctx context.Context, chainID, number int64) ([]*model.Block, error)
	HasConfirmedFrom(ctx context.Context, chainID, number int64) (bool, error)
	ListUnconfirmed(ctx context.Context) ([]*model.Block, error)
	// RecentTimestamps 按块号倒序的出块时间
	RecentTimestamps(ctx context.Context, chainID int64, limit int) ([]int64, error)
	// MarkConfirmed 未确认 -> 已确认, 返回是否本次完成切换
	MarkConfirmed(ctx context.Context, id int64) (bool, error)
	// DeleteUnconfirmed 删除未确认区块, 返回是否删除
	DeleteUnconfirmed(ctx context.Context, id int64) (bool, error)
}

type blockRepository struct {
	*Repository
}

// NewBlockRepository 创建区块仓储
func NewBlockRepository(db *gorm.DB) BlockRepository {
	return &blockRepository{Repository: NewRepository(db)}
}

func (r *blockRepository) Create(ctx context.Context, block *model.Block) error {
	block.CreatedAt = nowMillis()
	err := r.DB(ctx).Create(block).Error
	if IsDuplicateKeyError(err) {
		return ErrDuplicateBlock
	}
	return err
}

func (r *blockRepository) GetByID(ctx context.Context, id int64) (*model.Block, error) {
	var block model.Block
	err := r.DB(ctx).Where("id = ?", id).First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (r *blockRepository) GetByIDForUpdate(ctx context.Context, id int64) (*model.Block, error) {
	var block model.Block
	err := r.DB(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (r *blockRepository) GetByHash(ctx context.Context, hash string) (*model.Block, error) {
	var block model.Block
	err := r.DB(ctx).Where("hash = ?", hash).First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (r *blockRepository) MaxNumber(ctx context.Context, chainID int64) (int64, bool, error) {
	var max sql.NullInt64
	err := r.DB(ctx).Model(&model.Block{}).
		Where("chain_id = ?", chainID).
		Select("MAX(number)").
		Row().
		Scan(&max)
	if err != nil {
		return 0, false, err
	}
	return max.Int64, max.Valid, nil
}

func (r *blockRepository) HasAny(ctx context.Context, chainID int64) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Block{}).
		Where("chain_id = ?", chainID).
		Count(&count).Error
	return count > 0, err
}

func (r *blockRepository) HasBelow(ctx context.Context, chainID, number int64) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Block{}).
		Where("chain_id = ? AND number < ?", chainID, number).
		Count(&count).Error
	return count > 0, err
}

func (r *blockRepository) ListUnconfirmedFrom(ctx context.Context, chainID, number int64) ([]*model.Block, error) {
	var blocks []*model.Block
	err := r.DB(ctx).
		Where("chain_id = ? AND number >= ? AND confirmed = ?", chainID, number, false).
		Order("number DESC").
		Find(&blocks).Error
	return blocks, err
}

func (r *blockRepository) HasConfirmedFrom(ctx context.Context, chainID, number int64) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Block{}).
		Where("chain_id = ? AND number >= ? AND confirmed = ?", chainID, number, true).
		Count(&count).Error
	return count > 0, err
}

func (r *blockRepository) ListUnconfirmed(ctx context.Context) ([]*model.Block, error) {
	var blocks []*model.Block
	err := r.DB(ctx).
		Where("confirmed = ?", false).
		Order("chain_id ASC, number ASC").
		Find(&blocks).Error
	return blocks, err
}

func (r *blockRepository) RecentTimestamps(ctx context.Context, chainID int64, limit int) ([]int64, error) {
	var timestamps []int64
	err := r.DB(ctx).Model(&model.Block{}).
		Where("chain_id = ?", chainID).
		Order("number DESC").
		Limit(limit).
		Pluck("timestamp", &timestamps).Error
	return timestamps, err
}

func (r *blockRepository) MarkConfirmed(ctx context.Context, id int64) (bool, error) {
	result := r.DB(ctx).Model(&model.Block{}).
		Where("id = ? AND confirmed = ?", id, false).
		Update("confirmed", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *blockRepository) DeleteUnconfirmed(ctx context.Context, id int64) (bool, error) {
	result := r.DB(ctx).
		Where("id = ? AND confirmed = ?", id, false).
		Delete(&model.Block{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
