package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ihawking/evmx/internal/model"
)

var (
	ErrInvoiceNotFound  = errors.New("invoice not found")
	ErrDuplicateInvoice = errors.New("duplicate invoice")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrDuplicatePayment = errors.New("duplicate payment")
)

// InvoiceRepository 账单与支付记录仓储接口
type InvoiceRepository interface {
	Create(ctx context.Context, invoice *model.Invoice) error
	GetByID(ctx context.Context, id int64) (*model.Invoice, error)
	GetBySysNo(ctx context.Context, sysNo string) (*model.Invoice, error)
	GetByQueue(ctx context.Context, queueID int64) (*model.Invoice, error)
	ExistsByNo(ctx context.Context, projectID int64, no string) (bool, error)
	// HasOpenPayAddress 是否存在以该地址收款且未过期未支付的账单
	HasOpenPayAddress(ctx context.Context, address string, now int64) (bool, error)
	// FindContractForPayment 未过期且未归集上链的合约账单
	FindContractForPayment(ctx context.Context, chainID, tokenID int64, payAddress string, now int64) (*model.Invoice, error)
	// ListOpenDiffer 未过期未支付的 differ 账单
	ListOpenDiffer(ctx context.Context, chainID, tokenID int64, payAddress string, now int64) ([]*model.Invoice, error)
	// ListOpenByAddresses 地址池中未过期未支付的账单
	ListOpenByAddresses(ctx context.Context, addresses []string, now int64) ([]*model.Invoice, error)
	// AddActualValue 原子增减实收数量并刷新 paid 标记
	AddActualValue(ctx context.Context, id int64, delta decimal.Decimal) (*model.Invoice, error)
	ListGatherable(ctx context.Context, now int64, limit int) ([]*model.Invoice, error)
	SetQueue(ctx context.Context, id, queueID int64) error
	// HasUnconfirmedPayment 是否有支付交易位于未确认区块
	HasUnconfirmedPayment(ctx context.Context, id int64) (bool, error)
	// MarkNotified 已支付账单首次标记 (预) 通知时返回 true
	MarkNotified(ctx context.Context, id int64, pre bool) (bool, error)

	CreatePayment(ctx context.Context, payment *model.Payment) error
	GetPaymentByTransaction(ctx context.Context, transactionID int64) (*model.Payment, error)
	ListPaymentsByInvoice(ctx context.Context, invoiceID int64) ([]*model.Payment, error)
	ListPaymentsByTransactions(ctx context.Context, transactionIDs []int64) ([]*model.Payment, error)
	DeletePayment(ctx context.Context, id int64) error
}

type invoiceRepository struct {
	*Repository
}

// NewInvoiceRepository 创建账单仓储
func NewInvoiceRepository(db *gorm.DB) InvoiceRepository {
	return &invoiceRepository{Repository: NewRepository(db)}
}

func (r *invoiceRepository) Create(ctx context.Context, invoice *model.Invoice) error {
	now := nowMillis()
	invoice.CreatedAt = now
	invoice.UpdatedAt = now
	err := r.DB(ctx).Create(invoice).Error
	if IsDuplicateKeyError(err) {
		return ErrDuplicateInvoice
	}
	return err
}

func (r *invoiceRepository) GetByID(ctx context.Context, id int64) (*model.Invoice, error) {
	return r.first(r.DB(ctx).Where("id = ?", id))
}

func (r *invoiceRepository) GetBySysNo(ctx context.Context, sysNo string) (*model.Invoice, error) {
	return r.first(r.DB(ctx).Where("sys_no = ?", sysNo))
}

func (r *invoiceRepository) GetByQueue(ctx context.Context, queueID int64) (*model.Invoice, error) {
	return r.first(r.DB(ctx).Where("queue_id = ?", queueID))
}

func (r *invoiceRepository) first(db *gorm.DB) (*model.Invoice, error) {
	var invoice model.Invoice
	err := db.First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *invoiceRepository) ExistsByNo(ctx context.Context, projectID int64, no string) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Invoice{}).
		Where("project_id = ? AND no = ?", projectID, no).
		Count(&count).Error
	return count > 0, err
}

func (r *invoiceRepository) HasOpenPayAddress(ctx context.Context, address string, now int64) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Invoice{}).
		Where("pay_address = ? AND expired_at > ? AND paid = ?", address, now, false).
		Count(&count).Error
	return count > 0, err
}

func (r *invoiceRepository) FindContractForPayment(ctx context.Context, chainID, tokenID int64, payAddress string, now int64) (*model.Invoice, error) {
	gathered := r.DB(ctx).Model(&model.QueueEntry{}).
		Select("id").
		Where("transaction_id IS NOT NULL")

	return r.first(r.DB(ctx).
		Where("type = ? AND chain_id = ? AND token_id = ? AND pay_address = ? AND expired_at > ?",
			model.InvoiceTypeContract, chainID, tokenID, payAddress, now).
		Where("(queue_id IS NULL OR queue_id NOT IN (?))", gathered).
		Order("id ASC"))
}

func (r *invoiceRepository) ListOpenDiffer(ctx context.Context, chainID, tokenID int64, payAddress string, now int64) ([]*model.Invoice, error) {
	var invoices []*model.Invoice
	err := r.DB(ctx).
		Where("type = ? AND chain_id = ? AND token_id = ? AND pay_address = ? AND expired_at > ? AND paid = ?",
			model.InvoiceTypeDiffer, chainID, tokenID, payAddress, now, false).
		Order("id ASC").
		Find(&invoices).Error
	return invoices, err
}

func (r *invoiceRepository) ListOpenByAddresses(ctx context.Context, addresses []string, now int64) ([]*model.Invoice, error) {
	var invoices []*model.Invoice
	if len(addresses) == 0 {
		return invoices, nil
	}
	err := r.DB(ctx).
		Where("pay_address IN ? AND expired_at > ? AND paid = ?", addresses, now, false).
		Find(&invoices).Error
	return invoices, err
}

func (r *invoiceRepository) AddActualValue(ctx context.Context, id int64, delta decimal.Decimal) (*model.Invoice, error) {
	var invoice *model.Invoice
	err := r.Transaction(ctx, func(ctx context.Context) error {
		result := r.DB(ctx).Model(&model.Invoice{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"actual_value": gorm.Expr("actual_value + ?", delta),
				"updated_at":   nowMillis(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrInvoiceNotFound
		}
		if err := r.DB(ctx).Model(&model.Invoice{}).
			Where("id = ?", id).
			Update("paid", gorm.Expr("actual_value >= value")).Error; err != nil {
			return err
		}
		// 支付回退后账单未付, 预通知随之失效
		if err := r.DB(ctx).Model(&model.Invoice{}).
			Where("id = ? AND paid = ? AND pre_notified = ?", id, false, true).
			Update("pre_notified", false).Error; err != nil {
			return err
		}
		var err error
		invoice, err = r.GetByID(ctx, id)
		return err
	})
	return invoice, err
}

func (r *invoiceRepository) ListGatherable(ctx context.Context, now int64, limit int) ([]*model.Invoice, error) {
	var invoices []*model.Invoice
	err := r.DB(ctx).
		Where("type = ? AND paid = ? AND queue_id IS NULL AND expired_at < ?", model.InvoiceTypeContract, true, now).
		Order("id ASC").
		Limit(limit).
		Find(&invoices).Error
	return invoices, err
}

func (r *invoiceRepository) SetQueue(ctx context.Context, id, queueID int64) error {
	return r.DB(ctx).Model(&model.Invoice{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"queue_id":   queueID,
			"updated_at": nowMillis(),
		}).Error
}

func (r *invoiceRepository) HasUnconfirmedPayment(ctx context.Context, id int64) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Payment{}).
		Joins("JOIN evmx_transactions ON evmx_transactions.id = evmx_payments.transaction_id").
		Joins("JOIN evmx_blocks ON evmx_blocks.id = evmx_transactions.block_id").
		Where("evmx_payments.invoice_id = ? AND evmx_blocks.confirmed = ?", id, false).
		Count(&count).Error
	return count > 0, err
}

func (r *invoiceRepository) MarkNotified(ctx context.Context, id int64, pre bool) (bool, error) {
	column := "notified"
	if pre {
		column = "pre_notified"
	}
	result := r.DB(ctx).Model(&model.Invoice{}).
		Where("id = ? AND paid = ? AND "+column+" = ?", id, true, false).
		Update(column, true)
	return result.RowsAffected > 0, result.Error
}

func (r *invoiceRepository) CreatePayment(ctx context.Context, payment *model.Payment) error {
	payment.CreatedAt = nowMillis()
	err := r.DB(ctx).Create(payment).Error
	if IsDuplicateKeyError(err) {
		return ErrDuplicatePayment
	}
	return err
}

func (r *invoiceRepository) GetPaymentByTransaction(ctx context.Context, transactionID int64) (*model.Payment, error) {
	var payment model.Payment
	err := r.DB(ctx).Where("transaction_id = ?", transactionID).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *invoiceRepository) ListPaymentsByInvoice(ctx context.Context, invoiceID int64) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := r.DB(ctx).Where("invoice_id = ?", invoiceID).Order("id ASC").Find(&payments).Error
	return payments, err
}

func (r *invoiceRepository) ListPaymentsByTransactions(ctx context.Context, transactionIDs []int64) ([]*model.Payment, error) {
	var payments []*model.Payment
	if len(transactionIDs) == 0 {
		return payments, nil
	}
	err := r.DB(ctx).Where("transaction_id IN ?", transactionIDs).Find(&payments).Error
	return payments, err
}

func (r *invoiceRepository) DeletePayment(ctx context.Context, id int64) error {
	return r.DB(ctx).Where("id = ?", id).Delete(&model.Payment{}).Error
}
