package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTxCategory_String(t *testing.T) {
	tests := []struct {
		category TxCategory
		expected string
	}{
		{TxCategoryPaying, "paying"},
		{TxCategoryDGathering, "d_gathering"},
		{TxCategoryGasRecharging, "gas_recharging"},
		{TxCategoryUnknown, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.category.String())
		})
	}
}

func TestToken_Units(t *testing.T) {
	usdt := Token{Symbol: "USDT", Decimals: 6, PriceUSD: decimal.NewFromInt(1)}

	display := usdt.ToDisplay(decimal.NewFromInt(1_000_000))
	assert.True(t, display.Equal(decimal.RequireFromString("1.00")))
	assert.True(t, usdt.ToUnits(decimal.RequireFromString("2.5")).Equal(decimal.NewFromInt(2_500_000)))
	// 超出精度的部分截断
	assert.True(t, usdt.ToUnits(decimal.RequireFromString("0.0000019")).Equal(decimal.NewFromInt(1)))
	assert.True(t, usdt.Worth(decimal.NewFromInt(3)).Equal(decimal.NewFromInt(3)))
}

func TestTokenAddress_IsNative(t *testing.T) {
	assert.True(t, (&TokenAddress{Address: ZeroAddress}).IsNative())
	assert.False(t, (&TokenAddress{Address: "0x55d398326f99059fF775485246999027B3197955"}).IsNative())
}

func TestInvoice_Expired(t *testing.T) {
	inv := Invoice{ExpiredAt: 1000}
	assert.False(t, inv.Expired(999))
	assert.True(t, inv.Expired(1000))
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "evmx_blocks", Block{}.TableName())
	assert.Equal(t, "evmx_transaction_queues", QueueEntry{}.TableName())
	assert.Len(t, AllModels(), 17)
}
