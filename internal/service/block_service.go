package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ihawking/evmx/internal/metrics"
	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/internal/repository"
	"github.com/ihawking/evmx/pkg/logger"
)

var errBlockConfirmed = errors.New("block already confirmed")

// BlockService 区块删除及其级联清理
type BlockService struct {
	stores   *Stores
	invoices *InvoiceService
}

// NewBlockService 创建区块服务
func NewBlockService(stores *Stores, invoices *InvoiceService) *BlockService {
	return &BlockService{
		stores:   stores,
		invoices: invoices,
	}
}

// Discard 删除未确认区块, 级联删除交易、支付 (回退账单实收)、充值、未送达通知、待重试交易, 并解除队列关联
// 已确认或已删除的区块返回 false
func (s *BlockService) Discard(ctx context.Context, block *model.Block) (bool, error) {
	err := s.stores.Tx.Transaction(ctx, func(ctx context.Context) error {
		current, err := s.stores.Blocks.GetByIDForUpdate(ctx, block.ID)
		if err != nil {
			return err
		}
		if current.Confirmed {
			return errBlockConfirmed
		}

		txs, err := s.stores.Transactions.ListByBlock(ctx, block.ID)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(txs))
		for _, tx := range txs {
			ids = append(ids, tx.ID)
		}

		if err := s.invoices.ReversePayments(ctx, ids); err != nil {
			return err
		}
		if err := s.stores.Deposits.DeleteByTransactions(ctx, ids); err != nil {
			return err
		}
		if err := s.stores.Notifications.DeleteByTransactions(ctx, ids); err != nil {
			return err
		}
		if err := s.stores.Queue.UnlinkTransactions(ctx, ids); err != nil {
			return err
		}
		if err := s.stores.Transactions.DeleteByIDs(ctx, ids); err != nil {
			return err
		}
		if err := s.stores.Pending.DeleteByBlock(ctx, block.ID); err != nil {
			return err
		}

		deleted, err := s.stores.Blocks.DeleteUnconfirmed(ctx, block.ID)
		if err != nil {
			return err
		}
		if !deleted {
			return errBlockConfirmed
		}
		return nil
	})
	if errors.Is(err, errBlockConfirmed) || errors.Is(err, repository.ErrBlockNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	metrics.RecordBlockDiscarded(block.ChainID)
	logger.Info("block discarded",
		logger.Chain(block.ChainID),
		logger.Block(block.Number),
		zap.String("hash", block.Hash))
	return true, nil
}
