package blockchain

import (
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Block 从原始 JSON 解码的区块，不校验 extraData 长度，兼容 POA 链
type Block struct {
	Hash         common.Hash
	ParentHash   common.Hash
	Number       int64
	Timestamp    int64
	ExtraData    []byte
	Transactions []*Transaction
}

// Transaction 区块内的交易
type Transaction struct {
	Hash             common.Hash
	BlockHash        common.Hash
	From             common.Address
	To               *common.Address
	Nonce            uint64
	Value            *big.Int
	Input            string
	Gas              uint64
	GasPrice         *big.Int
	TransactionIndex int64
	Raw              json.RawMessage
}

// ToHex 返回接收方地址，合约创建时为空串
func (tx *Transaction) ToHex() string {
	if tx.To == nil {
		return ""
	}
	return tx.To.Hex()
}

// Log 回执日志
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// Receipt 交易回执
type Receipt struct {
	Status            uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	Logs              []*Log
	Raw               json.RawMessage
}

// Succeeded 回执状态是否成功
func (r *Receipt) Succeeded() bool {
	return r.Status == 1
}

type rpcBlock struct {
	Hash         common.Hash       `json:"hash"`
	ParentHash   common.Hash       `json:"parentHash"`
	Number       hexutil.Uint64    `json:"number"`
	Timestamp    hexutil.Uint64    `json:"timestamp"`
	ExtraData    hexutil.Bytes     `json:"extraData"`
	Transactions []json.RawMessage `json:"transactions"`
}

type rpcTransaction struct {
	Hash             common.Hash     `json:"hash"`
	BlockHash        common.Hash     `json:"blockHash"`
	From             common.Address  `json:"from"`
	To               *common.Address `json:"to"`
	Nonce            hexutil.Uint64  `json:"nonce"`
	Value            *hexutil.Big    `json:"value"`
	Input            string          `json:"input"`
	Gas              hexutil.Uint64  `json:"gas"`
	GasPrice         *hexutil.Big    `json:"gasPrice"`
	TransactionIndex hexutil.Uint64  `json:"transactionIndex"`
}

type rpcLog struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

type rpcReceipt struct {
	Status            hexutil.Uint64 `json:"status"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice"`
	Logs              []rpcLog       `json:"logs"`
}

func decodeBlock(raw json.RawMessage) (*Block, error) {
	var head rpcBlock
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}

	block := &Block{
		Hash:         head.Hash,
		ParentHash:   head.ParentHash,
		Number:       int64(head.Number),
		Timestamp:    int64(head.Timestamp),
		ExtraData:    head.ExtraData,
		Transactions: make([]*Transaction, 0, len(head.Transactions)),
	}

	for _, item := range head.Transactions {
		// 仅有交易哈希时跳过
		if len(item) > 0 && item[0] == '"' {
			continue
		}
		tx, err := decodeTransaction(item)
		if err != nil {
			return nil, err
		}
		block.Transactions = append(block.Transactions, tx)
	}
	return block, nil
}

func decodeTransaction(raw json.RawMessage) (*Transaction, error) {
	var rt rpcTransaction
	if err := json.Unmarshal(raw, &rt); err != nil {
		return nil, err
	}

	tx := &Transaction{
		Hash:             rt.Hash,
		BlockHash:        rt.BlockHash,
		From:             rt.From,
		To:               rt.To,
		Nonce:            uint64(rt.Nonce),
		Value:            new(big.Int),
		Input:            strings.ToLower(rt.Input),
		Gas:              uint64(rt.Gas),
		GasPrice:         new(big.Int),
		TransactionIndex: int64(rt.TransactionIndex),
		Raw:              append(json.RawMessage(nil), raw...),
	}
	if tx.Input == "" {
		tx.Input = "0x"
	}
	if rt.Value != nil {
		tx.Value = rt.Value.ToInt()
	}
	if rt.GasPrice != nil {
		tx.GasPrice = rt.GasPrice.ToInt()
	}
	return tx, nil
}

func decodeReceipt(raw json.RawMessage) (*Receipt, error) {
	var rr rpcReceipt
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, err
	}

	receipt := &Receipt{
		Status:            uint64(rr.Status),
		GasUsed:           uint64(rr.GasUsed),
		EffectiveGasPrice: new(big.Int),
		Logs:              make([]*Log, 0, len(rr.Logs)),
		Raw:               append(json.RawMessage(nil), raw...),
	}
	if rr.EffectiveGasPrice != nil {
		receipt.EffectiveGasPrice = rr.EffectiveGasPrice.ToInt()
	}
	for _, l := range rr.Logs {
		receipt.Logs = append(receipt.Logs, &Log{
			Address: l.Address,
			Topics:  l.Topics,
			Data:    l.Data,
		})
	}
	return receipt, nil
}
