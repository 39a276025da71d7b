package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ihawking/evmx/internal/model"
)

var (
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
)

// TransactionRepository 链上交易仓储接口
type TransactionRepository interface {
	Create(ctx context.Context, tx *model.Transaction) error
	GetByID(ctx context.Context, id int64) (*model.Transaction, error)
	GetByHash(ctx context.Context, hash string) (*model.Transaction, error)
	ExistsByHash(ctx context.Context, hash string) (bool, error)
	ListByBlock(ctx context.Context, blockID int64) ([]*model.Transaction, error)
	UpdateClassification(ctx context.Context, id int64, category model.TxCategory, projectID *int64) error
	DeleteByIDs(ctx context.Context, ids []int64) error
}

type transactionRepository struct {
	*Repository
}

// NewTransactionRepository 创建链上交易仓储
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{Repository: NewRepository(db)}
}

func (r *transactionRepository) Create(ctx context.Context, tx *model.Transaction) error {
	tx.CreatedAt = nowMillis()
	err := r.DB(ctx).Create(tx).Error
	if IsDuplicateKeyError(err) {
		return ErrDuplicateTransaction
	}
	return err
}

func (r *transactionRepository) GetByID(ctx context.Context, id int64) (*model.Transaction, error) {
	var tx model.Transaction
	err := r.DB(ctx).Where("id = ?", id).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *transactionRepository) GetByHash(ctx context.Context, hash string) (*model.Transaction, error) {
	var tx model.Transaction
	err := r.DB(ctx).Where("hash = ?", hash).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *transactionRepository) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Transaction{}).Where("hash = ?", hash).Count(&count).Error
	return count > 0, err
}

func (r *transactionRepository) ListByBlock(ctx context.Context, blockID int64) ([]*model.Transaction, error) {
	var txs []*model.Transaction
	err := r.DB(ctx).Where("block_id = ?", blockID).Order("tx_index ASC").Find(&txs).Error
	return txs, err
}

func (r *transactionRepository) UpdateClassification(ctx context.Context, id int64, category model.TxCategory, projectID *int64) error {
	result := r.DB(ctx).Model(&model.Transaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"category":   category,
			"project_id": projectID,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *transactionRepository) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.DB(ctx).Where("id IN ?", ids).Delete(&model.Transaction{}).Error
}
