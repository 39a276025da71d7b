package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ihawking/evmx/internal/model"
)

var (
	ErrTokenNotFound        = errors.New("token not found")
	ErrTokenAddressNotFound = errors.New("token address not found")
	ErrDuplicateToken       = errors.New("duplicate token")
)

// TokenRepository 代币仓储接口
type TokenRepository interface {
	Create(ctx context.Context, token *model.Token) error
	GetByID(ctx context.Context, id int64) (*model.Token, error)
	GetBySymbol(ctx context.Context, symbol string) (*model.Token, error)
	UpdatePrice(ctx context.Context, id int64, price decimal.Decimal) error

	CreateAddress(ctx context.Context, ta *model.TokenAddress) error
	GetAddress(ctx context.Context, tokenID, chainID int64) (*model.TokenAddress, error)
	GetByAddress(ctx context.Context, chainID int64, address string) (*model.TokenAddress, error)
	// ListERC20 链上已启用的 ERC-20 代币 (不含原生币)
	ListERC20(ctx context.Context, chainID int64) ([]*model.TokenAddress, error)
	ListActiveAddresses(ctx context.Context) ([]*model.TokenAddress, error)
}

type tokenRepository struct {
	*Repository
}

// NewTokenRepository 创建代币仓储
func NewTokenRepository(db *gorm.DB) TokenRepository {
	return &tokenRepository{Repository: NewRepository(db)}
}

func (r *tokenRepository) Create(ctx context.Context, token *model.Token) error {
	token.CreatedAt = nowMillis()
	err := r.DB(ctx).Create(token).Error
	if IsDuplicateKeyError(err) {
		return ErrDuplicateToken
	}
	return err
}

func (r *tokenRepository) GetByID(ctx context.Context, id int64) (*model.Token, error) {
	var token model.Token
	err := r.DB(ctx).Where("id = ?", id).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *tokenRepository) GetBySymbol(ctx context.Context, symbol string) (*model.Token, error) {
	var token model.Token
	err := r.DB(ctx).Where("symbol = ?", symbol).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *tokenRepository) UpdatePrice(ctx context.Context, id int64, price decimal.Decimal) error {
	result := r.DB(ctx).Model(&model.Token{}).Where("id = ?", id).Update("price_usd", price)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (r *tokenRepository) CreateAddress(ctx context.Context, ta *model.TokenAddress) error {
	ta.CreatedAt = nowMillis()
	err := r.DB(ctx).Create(ta).Error
	if IsDuplicateKeyError(err) {
		return ErrDuplicateToken
	}
	return err
}

func (r *tokenRepository) GetAddress(ctx context.Context, tokenID, chainID int64) (*model.TokenAddress, error) {
	var ta model.TokenAddress
	err := r.DB(ctx).
		Where("token_id = ? AND chain_id = ? AND active = ?", tokenID, chainID, true).
		First(&ta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenAddressNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ta, nil
}

func (r *tokenRepository) GetByAddress(ctx context.Context, chainID int64, address string) (*model.TokenAddress, error) {
	var ta model.TokenAddress
	err := r.DB(ctx).
		Where("chain_id = ? AND address = ? AND active = ?", chainID, address, true).
		First(&ta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenAddressNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ta, nil
}

func (r *tokenRepository) ListERC20(ctx context.Context, chainID int64) ([]*model.TokenAddress, error) {
	var list []*model.TokenAddress
	err := r.DB(ctx).
		Where("chain_id = ? AND active = ? AND address <> ?", chainID, true, model.ZeroAddress).
		Find(&list).Error
	return list, err
}

func (r *tokenRepository) ListActiveAddresses(ctx context.Context) ([]*model.TokenAddress, error) {
	var list []*model.TokenAddress
	err := r.DB(ctx).Where("active = ?", true).Order("id ASC").Find(&list).Error
	return list, err
}
