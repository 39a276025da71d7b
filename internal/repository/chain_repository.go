package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ihawking/evmx/internal/model"
)

var (
	ErrChainNotFound  = errors.New("chain not found")
	ErrDuplicateChain = errors.New("duplicate chain")
)

// ChainRepository 公链仓储接口
type ChainRepository interface {
	Create(ctx context.Context, chain *model.Chain) error
	Update(ctx context.Context, chain *model.Chain) error
	GetByID(ctx context.Context, chainID int64) (*model.Chain, error)
	ListActive(ctx context.Context) ([]*model.Chain, error)
	SetActive(ctx context.Context, chainID int64, active bool) error
}

type chainRepository struct {
	*Repository
}

// NewChainRepository 创建公链仓储
func NewChainRepository(db *gorm.DB) ChainRepository {
	return &chainRepository{Repository: NewRepository(db)}
}

func (r *chainRepository) Create(ctx context.Context, chain *model.Chain) error {
	now := nowMillis()
	chain.CreatedAt = now
	chain.UpdatedAt = now
	err := r.DB(ctx).Create(chain).Error
	if IsDuplicateKeyError(err) {
		return ErrDuplicateChain
	}
	return err
}

func (r *chainRepository) Update(ctx context.Context, chain *model.Chain) error {
	chain.UpdatedAt = nowMillis()
	return r.DB(ctx).Save(chain).Error
}

func (r *chainRepository) GetByID(ctx context.Context, chainID int64) (*model.Chain, error) {
	var chain model.Chain
	err := r.DB(ctx).Where("chain_id = ?", chainID).First(&chain).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChainNotFound
	}
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

func (r *chainRepository) ListActive(ctx context.Context) ([]*model.Chain, error) {
	var chains []*model.Chain
	err := r.DB(ctx).Where("active = ?", true).Order("chain_id ASC").Find(&chains).Error
	return chains, err
}

func (r *chainRepository) SetActive(ctx context.Context, chainID int64, active bool) error {
	result := r.DB(ctx).Model(&model.Chain{}).
		Where("chain_id = ?", chainID).
		Updates(map[string]interface{}{
			"active":     active,
			"updated_at": nowMillis(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrChainNotFound
	}
	return nil
}
