package blockchain

import (
	"math/big"
)

// Gas 上限
const (
	BaseTransferGas  uint64 = 21_000
	ERC20TransferGas uint64 = 100_000
	DeployInvoiceGas uint64 = 160_000
)

// GasLimit 根据调用数据与转账金额选择 Gas 上限
func GasLimit(data string, value *big.Int) uint64 {
	if data != "" && data != "0x" && !IsERC20Transfer(data) {
		return DeployInvoiceGas
	}
	if value != nil && value.Sign() != 0 {
		return BaseTransferGas
	}
	return ERC20TransferGas
}

// ERC20TransferCost 一次 ERC-20 转账的 Gas 成本
func ERC20TransferCost(gasPrice *big.Int) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(ERC20TransferGas), gasPrice)
}
