package model

import (
	"github.com/shopspring/decimal"
)

// AccountKind 账户类型
type AccountKind string

const (
	AccountKindSystem  AccountKind = "system"  // 项目系统账户
	AccountKindDeposit AccountKind = "deposit" // 玩家充值账户
)

// Account 平台托管的 EVM 账户, 不允许删除
type Account struct {
	ID           int64       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Address      string      `gorm:"column:address;type:varchar(42);not null;uniqueIndex" json:"address"`
	EncryptedKey string      `gorm:"column:encrypted_key;type:text;not null" json:"-"`
	Kind         AccountKind `gorm:"column:kind;type:varchar(16);not null" json:"kind"`
	CreatedAt    int64       `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName 返回表名
func (Account) TableName() string {
	return "evmx_accounts"
}

// Balance 账户在某条链上某个代币的账本余额 (最小单位)
type Balance struct {
	ID             int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	AccountID      int64           `gorm:"column:account_id;not null;uniqueIndex:uk_balances_account_chain_token,priority:1" json:"account_id"`
	ChainID        int64           `gorm:"column:chain_id;not null;uniqueIndex:uk_balances_account_chain_token,priority:2" json:"chain_id"`
	TokenID        int64           `gorm:"column:token_id;not null;uniqueIndex:uk_balances_account_chain_token,priority:3" json:"token_id"`
	Value          decimal.Decimal `gorm:"column:value;type:numeric(78,0);not null;default:0" json:"value"`
	LastGatheredAt int64           `gorm:"column:last_gathered_at;not null;default:0" json:"last_gathered_at"`
	UpdatedAt      int64           `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName 返回表名
func (Balance) TableName() string {
	return "evmx_balances"
}
