package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ihawking/evmx/internal/model"
	bizerr "github.com/ihawking/evmx/pkg/errors"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrDuplicateAccount = errors.New("duplicate account")
)

// AccountRepository 托管账户仓储接口, 账户不允许删除
type AccountRepository interface {
	Create(ctx context.Context, account *model.Account) error
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	GetByAddress(ctx context.Context, address string) (*model.Account, error)
	ExistsByAddress(ctx context.Context, address string) (bool, error)
	Delete(ctx context.Context, id int64) error
}

type accountRepository struct {
	*Repository
}

// NewAccountRepository 创建托管账户仓储
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{Repository: NewRepository(db)}
}

func (r *accountRepository) Create(ctx context.Context, account *model.Account) error {
	account.CreatedAt = nowMillis()
	err := r.DB(ctx).Create(account).Error
	if IsDuplicateKeyError(err) {
		return ErrDuplicateAccount
	}
	return err
}

func (r *accountRepository) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	var account model.Account
	err := r.DB(ctx).Where("id = ?", id).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) GetByAddress(ctx context.Context, address string) (*model.Account, error) {
	var account model.Account
	err := r.DB(ctx).Where("address = ?", address).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) ExistsByAddress(ctx context.Context, address string) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Account{}).Where("address = ?", address).Count(&count).Error
	return count > 0, err
}

// Delete 账户永远不可删除
func (r *accountRepository) Delete(ctx context.Context, id int64) error {
	return bizerr.ErrDeletionForbidden.WithDetail("account_id", formatID(id))
}
