package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ihawking/evmx/internal/model"
)

// GatherQuery 归集候选查询条件
type GatherQuery struct {
	ProjectID    int64
	ChainID      int64
	TokenID      int64
	GatherValue  decimal.Decimal // 达到即归集 (最小单位)
	MinimalValue decimal.Decimal // 长时间未归集时的最低值 (最小单位)
	IdleBefore   int64           // last_gathered_at 早于此时间视为长时间未归集
	RecentBefore int64           // last_gathered_at 必须早于此时间
	Limit        int
}

// BalanceRepository 账本余额仓储接口
type BalanceRepository interface {
	// ApplyDelta 原子增减余额, 不存在时创建
	ApplyDelta(ctx context.Context, accountID, chainID, tokenID int64, delta decimal.Decimal) error
	Get(ctx context.Context, accountID, chainID, tokenID int64) (*model.Balance, error)
	TouchGathered(ctx context.Context, id int64, at int64) error
	ListGatherCandidates(ctx context.Context, q *GatherQuery) ([]*model.Balance, error)
}

type balanceRepository struct {
	*Repository
}

// NewBalanceRepository 创建账本余额仓储
func NewBalanceRepository(db *gorm.DB) BalanceRepository {
	return &balanceRepository{Repository: NewRepository(db)}
}

func (r *balanceRepository) ApplyDelta(ctx context.Context, accountID, chainID, tokenID int64, delta decimal.Decimal) error {
	now := nowMillis()
	balance := &model.Balance{
		AccountID: accountID,
		ChainID:   chainID,
		TokenID:   tokenID,
		Value:     delta,
		UpdatedAt: now,
	}
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "chain_id"}, {Name: "token_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"value":      gorm.Expr("evmx_balances.value + excluded.value"),
			"updated_at": now,
		}),
	}).Create(balance).Error
}

func (r *balanceRepository) Get(ctx context.Context, accountID, chainID, tokenID int64) (*model.Balance, error) {
	var balance model.Balance
	err := r.DB(ctx).
		Where("account_id = ? AND chain_id = ? AND token_id = ?", accountID, chainID, tokenID).
		First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.Balance{AccountID: accountID, ChainID: chainID, TokenID: tokenID, Value: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (r *balanceRepository) TouchGathered(ctx context.Context, id int64, at int64) error {
	return r.DB(ctx).Model(&model.Balance{}).
		Where("id = ?", id).
		Update("last_gathered_at", at).Error
}

func (r *balanceRepository) ListGatherCandidates(ctx context.Context, q *GatherQuery) ([]*model.Balance, error) {
	players := r.DB(ctx).Model(&model.Player{}).
		Select("deposit_account_id").
		Where("project_id = ?", q.ProjectID)

	var balances []*model.Balance
	err := r.DB(ctx).
		Where("chain_id = ? AND token_id = ?", q.ChainID, q.TokenID).
		Where("account_id IN (?)", players).
		Where("(value >= ? OR (last_gathered_at <= ? AND value >= ?))", q.GatherValue, q.IdleBefore, q.MinimalValue).
		Where("last_gathered_at <= ?", q.RecentBefore).
		Order("id ASC").
		Limit(q.Limit).
		Find(&balances).Error
	return balances, err
}
