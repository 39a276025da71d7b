package model

import (
	"github.com/shopspring/decimal"
)

// Token 代币
type Token struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Symbol    string          `gorm:"column:symbol;type:varchar(16);not null;uniqueIndex" json:"symbol"`
	Decimals  int32           `gorm:"column:decimals;not null;default:18" json:"decimals"`
	PriceUSD  decimal.Decimal `gorm:"column:price_usd;type:decimal(36,18);not null;default:0" json:"price_usd"`
	CreatedAt int64           `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName 返回表名
func (Token) TableName() string {
	return "evmx_tokens"
}

// ToDisplay 链上最小单位换算为展示数值
func (t *Token) ToDisplay(units decimal.Decimal) decimal.Decimal {
	return units.Shift(-t.Decimals)
}

// ToUnits 展示数值换算为链上最小单位
func (t *Token) ToUnits(value decimal.Decimal) decimal.Decimal {
	return value.Shift(t.Decimals).Truncate(0)
}

// Worth 计算美元价值
func (t *Token) Worth(value decimal.Decimal) decimal.Decimal {
	return t.PriceUSD.Mul(value)
}

// TokenAddress 代币在某条链上的合约地址, 原生币为零地址
type TokenAddress struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TokenID   int64  `gorm:"column:token_id;not null;uniqueIndex:uk_token_addresses_token_chain,priority:1" json:"token_id"`
	ChainID   int64  `gorm:"column:chain_id;not null;uniqueIndex:uk_token_addresses_token_chain,priority:2;uniqueIndex:uk_token_addresses_chain_address,priority:1" json:"chain_id"`
	Address   string `gorm:"column:address;type:varchar(42);not null;uniqueIndex:uk_token_addresses_chain_address,priority:2" json:"address"`
	Active    bool   `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt int64  `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName 返回表名
func (TokenAddress) TableName() string {
	return "evmx_token_addresses"
}

// IsNative 是否原生币
func (ta *TokenAddress) IsNative() bool {
	return ta.Address == ZeroAddress
}
