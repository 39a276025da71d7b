package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ihawking/evmx/internal/model"
)

var (
	ErrDepositNotFound     = errors.New("deposit not found")
	ErrDuplicateDeposit    = errors.New("duplicate deposit")
	ErrWithdrawalNotFound  = errors.New("withdrawal not found")
	ErrDuplicateWithdrawal = errors.New("duplicate withdrawal")
)

// DepositRepository 充值与提币记录仓储接口
type DepositRepository interface {
	Create(ctx context.Context, deposit *model.Deposit) error
	GetByTransaction(ctx context.Context, transactionID int64) (*model.Deposit, error)
	DeleteByTransactions(ctx context.Context, transactionIDs []int64) error

	CreateWithdrawal(ctx context.Context, withdrawal *model.Withdrawal) error
	GetWithdrawalByQueue(ctx context.Context, queueID int64) (*model.Withdrawal, error)
	GetWithdrawalByNo(ctx context.Context, projectID int64, no string) (*model.Withdrawal, error)
}

type depositRepository struct {
	*Repository
}

// NewDepositRepository 创建充值记录仓储
func NewDepositRepository(db *gorm.DB) DepositRepository {
	return &depositRepository{Repository: NewRepository(db)}
}

func (r *depositRepository) Create(ctx context.Context, deposit *model.Deposit) error {
	deposit.CreatedAt = nowMillis()
	err := r.DB(ctx).Create(deposit).Error
	if IsDuplicateKeyError(err) {
		return ErrDuplicateDeposit
	}
	return err
}

func (r *depositRepository) GetByTransaction(ctx context.Context, transactionID int64) (*model.Deposit, error) {
	var deposit model.Deposit
	err := r.DB(ctx).Where("transaction_id = ?", transactionID).First(&deposit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDepositNotFound
	}
	if err != nil {
		return nil, err
	}
	return &deposit, nil
}

func (r *depositRepository) DeleteByTransactions(ctx context.Context, transactionIDs []int64) error {
	if len(transactionIDs) == 0 {
		return nil
	}
	return r.DB(ctx).Where("transaction_id IN ?", transactionIDs).Delete(&model.Deposit{}).Error
}

func (r *depositRepository) CreateWithdrawal(ctx context.Context, withdrawal *model.Withdrawal) error {
	withdrawal.CreatedAt = nowMillis()
	err := r.DB(ctx).Create(withdrawal).Error
	if IsDuplicateKeyError(err) {
		return ErrDuplicateWithdrawal
	}
	return err
}

func (r *depositRepository) GetWithdrawalByQueue(ctx context.Context, queueID int64) (*model.Withdrawal, error) {
	var withdrawal model.Withdrawal
	err := r.DB(ctx).Where("queue_id = ?", queueID).First(&withdrawal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &withdrawal, nil
}

func (r *depositRepository) GetWithdrawalByNo(ctx context.Context, projectID int64, no string) (*model.Withdrawal, error) {
	var withdrawal model.Withdrawal
	err := r.DB(ctx).Where("project_id = ? AND no = ?", projectID, no).First(&withdrawal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &withdrawal, nil
}
