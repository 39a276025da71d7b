package model

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TxCategory 交易类别
type TxCategory string

const (
	TxCategoryUnknown       TxCategory = ""
	TxCategoryPaying        TxCategory = "paying"         // 账单支付
	TxCategoryDepositing    TxCategory = "depositing"     // 用户充值
	TxCategoryWithdrawal    TxCategory = "withdrawal"     // 提币
	TxCategoryDGathering    TxCategory = "d_gathering"    // 充值账户归集
	TxCategoryIGathering    TxCategory = "i_gathering"    // 合约账单归集
	TxCategoryGasRecharging TxCategory = "gas_recharging" // Gas 补充
	TxCategoryFunding       TxCategory = "funding"        // 系统账户注资
)

func (c TxCategory) String() string {
	if c == TxCategoryUnknown {
		return "unknown"
	}
	return string(c)
}

// Transaction 已接受的链上交易
type Transaction struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ChainID   int64          `gorm:"column:chain_id;not null;index:idx_transactions_chain_from_nonce,priority:1" json:"chain_id"`
	BlockID   int64          `gorm:"column:block_id;not null;index" json:"block_id"`
	Hash      string         `gorm:"column:hash;type:varchar(66);not null;uniqueIndex" json:"hash"`
	Index     int64          `gorm:"column:tx_index;not null" json:"index"`
	From      string         `gorm:"column:from_address;type:varchar(42);not null;index:idx_transactions_chain_from_nonce,priority:2" json:"from"`
	To        string         `gorm:"column:to_address;type:varchar(42);not null;default:''" json:"to"`
	Nonce     int64          `gorm:"column:nonce;not null;index:idx_transactions_chain_from_nonce,priority:3" json:"nonce"`
	Category  TxCategory     `gorm:"column:category;type:varchar(16);not null;default:''" json:"category"`
	ProjectID *int64         `gorm:"column:project_id;index" json:"project_id"`
	Success   bool           `gorm:"column:success;not null" json:"success"`
	Metadata  datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	Receipt   datatypes.JSON `gorm:"column:receipt" json:"receipt"`

	// effectiveGasPrice × gasUsed, 主币最小单位
	GasFee decimal.Decimal `gorm:"column:gas_fee;type:numeric(78,0);not null;default:0" json:"gas_fee"`

	// 解析出的有效转账, 回执失败或无法解析时为空
	TransferTokenID *int64          `gorm:"column:transfer_token_id" json:"transfer_token_id"`
	TransferFrom    string          `gorm:"column:transfer_from;type:varchar(42);not null;default:''" json:"transfer_from"`
	TransferTo      string          `gorm:"column:transfer_to;type:varchar(42);not null;default:''" json:"transfer_to"`
	TransferValue   decimal.Decimal `gorm:"column:transfer_value;type:numeric(78,0);not null;default:0" json:"transfer_value"`

	CreatedAt int64 `gorm:"column:created_at;not null" json:"created_at"`
}

// Transfer 返回已记录的有效转账
func (t *Transaction) Transfer() (*TokenTransfer, bool) {
	if t.TransferTokenID == nil {
		return nil, false
	}
	return &TokenTransfer{
		TokenID: *t.TransferTokenID,
		From:    t.TransferFrom,
		To:      t.TransferTo,
		Value:   t.TransferValue,
	}, true
}

// SetTransfer 记录有效转账
func (t *Transaction) SetTransfer(transfer *TokenTransfer) {
	tokenID := transfer.TokenID
	t.TransferTokenID = &tokenID
	t.TransferFrom = transfer.From
	t.TransferTo = transfer.To
	t.TransferValue = transfer.Value
}

// TableName 返回表名
func (Transaction) TableName() string {
	return "evmx_transactions"
}

// TokenTransfer 交易解析出的有效转账
type TokenTransfer struct {
	TokenID int64
	From    string
	To      string
	Value   decimal.Decimal // 最小单位
}

// QueueEntry 出账交易队列, nonce 按 (account, chain) 从 0 连续递增, 不允许删除
type QueueEntry struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	AccountID     int64           `gorm:"column:account_id;not null;uniqueIndex:uk_queue_account_chain_nonce,priority:1" json:"account_id"`
	ChainID       int64           `gorm:"column:chain_id;not null;uniqueIndex:uk_queue_account_chain_nonce,priority:2" json:"chain_id"`
	Nonce         int64           `gorm:"column:nonce;not null;uniqueIndex:uk_queue_account_chain_nonce,priority:3" json:"nonce"`
	To            string          `gorm:"column:to_address;type:varchar(42);not null" json:"to"`
	Value         decimal.Decimal `gorm:"column:value;type:numeric(78,0);not null;default:0" json:"value"`
	Data          string          `gorm:"column:data;type:text;not null;default:''" json:"data"`
	Category      TxCategory      `gorm:"column:category;type:varchar(16);not null" json:"category"`
	TransactedAt  *int64          `gorm:"column:transacted_at;index" json:"transacted_at"`
	TransactionID *int64          `gorm:"column:transaction_id;uniqueIndex" json:"transaction_id"`
	CreatedAt     int64           `gorm:"column:created_at;not null;index" json:"created_at"`
}

// TableName 返回表名
func (QueueEntry) TableName() string {
	return "evmx_transaction_queues"
}

// PendingTransaction 分类失败、等待重试的区块交易
type PendingTransaction struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ChainID       int64          `gorm:"column:chain_id;not null" json:"chain_id"`
	BlockID       int64          `gorm:"column:block_id;not null;uniqueIndex:uk_pending_block_hash,priority:1" json:"block_id"`
	Hash          string         `gorm:"column:hash;type:varchar(66);not null;uniqueIndex:uk_pending_block_hash,priority:2" json:"hash"`
	Payload       datatypes.JSON `gorm:"column:payload;not null" json:"payload"` // 区块内交易原样
	Attempts      int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	NextAttemptAt int64          `gorm:"column:next_attempt_at;not null;index" json:"next_attempt_at"`
	LastError     string         `gorm:"column:last_error;type:text;not null;default:''" json:"last_error"`
	CreatedAt     int64          `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName 返回表名
func (PendingTransaction) TableName() string {
	return "evmx_pending_transactions"
}
