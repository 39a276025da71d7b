package model

import (
	"github.com/shopspring/decimal"
)

// Deposit 用户充值记录
type Deposit struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TransactionID int64           `gorm:"column:transaction_id;not null;uniqueIndex" json:"transaction_id"`
	PlayerID      int64           `gorm:"column:player_id;not null;index" json:"player_id"`
	TokenID       int64           `gorm:"column:token_id;not null" json:"token_id"`
	Value         decimal.Decimal `gorm:"column:value;type:decimal(36,18);not null" json:"value"`
	Worth         decimal.Decimal `gorm:"column:worth;type:decimal(36,18);not null;default:0" json:"worth"`
	CreatedAt     int64           `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName 返回表名
func (Deposit) TableName() string {
	return "evmx_deposits"
}

// Withdrawal 提币记录
type Withdrawal struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProjectID int64           `gorm:"column:project_id;not null;uniqueIndex:uk_withdrawals_project_no,priority:1" json:"project_id"`
	No        string          `gorm:"column:no;type:varchar(64);not null;uniqueIndex:uk_withdrawals_project_no,priority:2" json:"no"`
	To        string          `gorm:"column:to_address;type:varchar(42);not null" json:"to"`
	ChainID   int64           `gorm:"column:chain_id;not null" json:"chain_id"`
	TokenID   int64           `gorm:"column:token_id;not null" json:"token_id"`
	Value     decimal.Decimal `gorm:"column:value;type:decimal(36,18);not null" json:"value"`
	QueueID   int64           `gorm:"column:queue_id;not null;uniqueIndex" json:"queue_id"`
	CreatedAt int64           `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName 返回表名
func (Withdrawal) TableName() string {
	return "evmx_withdrawals"
}
