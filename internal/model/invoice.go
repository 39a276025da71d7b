package model

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// InvoiceType 账单类型
type InvoiceType string

const (
	InvoiceTypeContract InvoiceType = "contract" // 一次性合约地址
	InvoiceTypeDiffer   InvoiceType = "differ"   // 共享地址 + 金额差异
)

// InvoiceStatus 账单状态
type InvoiceStatus string

const (
	InvoiceStatusPending    InvoiceStatus = "pending"
	InvoiceStatusExpired    InvoiceStatus = "expired"
	InvoiceStatusConfirming InvoiceStatus = "confirming"
	InvoiceStatusPaid       InvoiceStatus = "paid"
)

// Invoice 账单
type Invoice struct {
	ID                int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProjectID         int64           `gorm:"column:project_id;not null;uniqueIndex:uk_invoices_project_no,priority:1" json:"project_id"`
	No                string          `gorm:"column:no;type:varchar(64);not null;uniqueIndex:uk_invoices_project_no,priority:2" json:"no"`
	SysNo             string          `gorm:"column:sys_no;type:varchar(32);not null;uniqueIndex" json:"sys_no"`
	Type              InvoiceType     `gorm:"column:type;type:varchar(16);not null" json:"type"`
	Subject           string          `gorm:"column:subject;type:varchar(64);not null;default:''" json:"subject"`
	Detail            datatypes.JSON  `gorm:"column:detail" json:"detail"`
	ChainID           int64           `gorm:"column:chain_id;not null;index:idx_invoices_pay,priority:1" json:"chain_id"`
	TokenID           int64           `gorm:"column:token_id;not null;index:idx_invoices_pay,priority:2" json:"token_id"`
	OriginalValue     decimal.Decimal `gorm:"column:original_value;type:decimal(36,18);not null" json:"original_value"`
	Value             decimal.Decimal `gorm:"column:value;type:decimal(36,18);not null" json:"value"`
	ActualValue       decimal.Decimal `gorm:"column:actual_value;type:decimal(36,18);not null;default:0" json:"actual_value"`
	Worth             decimal.Decimal `gorm:"column:worth;type:decimal(36,18);not null;default:0" json:"worth"`
	PayAddress        string          `gorm:"column:pay_address;type:varchar(42);not null;index:idx_invoices_pay,priority:3" json:"pay_address"`
	CollectionAddress string          `gorm:"column:collection_address;type:varchar(42);not null" json:"collection_address"`
	Salt              string          `gorm:"column:salt;type:varchar(66);not null;default:''" json:"salt"`
	InitCode          string          `gorm:"column:init_code;type:text;not null;default:''" json:"-"`
	Paid              bool            `gorm:"column:paid;not null;default:false;index" json:"paid"`
	QueueID           *int64          `gorm:"column:queue_id" json:"queue_id"` // 合约账单归集队列
	PreNotified       bool            `gorm:"column:pre_notified;not null;default:false" json:"-"`
	Notified          bool            `gorm:"column:notified;not null;default:false" json:"-"`
	ExpiredAt         int64           `gorm:"column:expired_at;not null;index" json:"expired_at"`
	CreatedAt         int64           `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt         int64           `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName 返回表名
func (Invoice) TableName() string {
	return "evmx_invoices"
}

// Expired 是否已过期
func (i *Invoice) Expired(nowMs int64) bool {
	return i.ExpiredAt <= nowMs
}

// Payment 账单支付记录, 值为最小单位
type Payment struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TransactionID int64           `gorm:"column:transaction_id;not null;uniqueIndex" json:"transaction_id"`
	InvoiceID     int64           `gorm:"column:invoice_id;not null;index" json:"invoice_id"`
	Value         decimal.Decimal `gorm:"column:value;type:numeric(78,0);not null" json:"value"`
	CreatedAt     int64           `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName 返回表名
func (Payment) TableName() string {
	return "evmx_payments"
}
