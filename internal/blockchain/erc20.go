package blockchain

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TransferSelector ERC-20 transfer(address,uint256) 方法选择器
const TransferSelector = "0xa9059cbb"

// ERC20ABI 网关用到的最小 ERC-20 ABI
const ERC20ABI = `[
	{
		"type": "function",
		"name": "transfer",
		"inputs": [{"name": "to", "type": "address"}, {"name": "value", "type": "uint256"}],
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "balanceOf",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "event",
		"name": "Transfer",
		"anonymous": false,
		"inputs": [
			{"name": "from", "type": "address", "indexed": true},
			{"name": "to", "type": "address", "indexed": true},
			{"name": "value", "type": "uint256", "indexed": false}
		]
	}
]`

var (
	ErrInvalidTransferLog = errors.New("invalid transfer log")

	erc20ABI = mustParseABI(ERC20ABI)

	// TransferTopic Transfer(address,address,uint256) 事件签名
	TransferTopic = erc20ABI.Events["Transfer"].ID
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(err)
	}
	return parsed
}

// TransferLog 解码后的 Transfer 事件
type TransferLog struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// IsERC20Transfer 判断调用数据是否为 ERC-20 transfer
func IsERC20Transfer(input string) bool {
	return strings.HasPrefix(strings.ToLower(input), TransferSelector)
}

// EncodeTransfer 生成 transfer(to, value) 调用数据
func EncodeTransfer(to common.Address, value *big.Int) (string, error) {
	data, err := erc20ABI.Pack("transfer", to, value)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(data), nil
}

// FirstTransferLog 返回回执中的第一个 Transfer 事件
func FirstTransferLog(logs []*Log) (*TransferLog, error) {
	for _, l := range logs {
		if len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
			continue
		}
		if len(l.Data) != 32 {
			return nil, ErrInvalidTransferLog
		}
		return &TransferLog{
			Token: l.Address,
			From:  common.BytesToAddress(l.Topics[1].Bytes()),
			To:    common.BytesToAddress(l.Topics[2].Bytes()),
			Value: new(big.Int).SetBytes(l.Data),
		}, nil
	}
	return nil, ErrInvalidTransferLog
}

func unpackBalance(result []byte) (*big.Int, error) {
	out, err := erc20ABI.Unpack("balanceOf", result)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected balanceOf output")
	}
	return balance, nil
}
