package service

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ihawking/evmx/internal/blockchain"
	"github.com/ihawking/evmx/internal/lease"
	"github.com/ihawking/evmx/internal/metrics"
	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/pkg/logger"
)

// SendRequest 出账请求
type SendRequest struct {
	Account  *model.Account
	ChainID  int64
	To       string
	Value    decimal.Decimal // 主币最小单位
	Data     string
	Category model.TxCategory
}

// DispatcherService 按 nonce 顺序发送平台账户的出账交易
type DispatcherService struct {
	stores   *Stores
	chains   *ChainService
	accounts *AccountService
	leaser   lease.Leaser

	batchSize  int
	staleAfter time.Duration
	minAge     time.Duration
	now        func() time.Time
}

// DispatcherServiceConfig 配置
type DispatcherServiceConfig struct {
	BatchSize  int
	StaleAfter time.Duration
	MinAge     time.Duration
}

// NewDispatcherService 创建出账服务
func NewDispatcherService(
	stores *Stores,
	chains *ChainService,
	accounts *AccountService,
	leaser lease.Leaser,
	cfg *DispatcherServiceConfig,
) *DispatcherService {
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 8
	}
	staleAfter := cfg.StaleAfter
	if staleAfter == 0 {
		staleAfter = 16 * time.Minute
	}
	minAge := cfg.MinAge
	if minAge == 0 {
		minAge = 4 * time.Second
	}

	return &DispatcherService{
		stores:     stores,
		chains:     chains,
		accounts:   accounts,
		leaser:     leaser,
		batchSize:  batchSize,
		staleAfter: staleAfter,
		minAge:     minAge,
		now:        time.Now,
	}
}

// WithAccountLease 在账户租约下执行
func (s *DispatcherService) WithAccountLease(ctx context.Context, account *model.Account, fn func(ctx context.Context) error) error {
	return lease.WithLease(ctx, s.leaser, account.Address, fn)
}

// Enqueue 获取账户租约后分配 nonce 并写入队列
func (s *DispatcherService) Enqueue(ctx context.Context, req *SendRequest) (*model.QueueEntry, error) {
	var entry *model.QueueEntry
	err := s.WithAccountLease(ctx, req.Account, func(ctx context.Context) error {
		var err error
		entry, err = s.EnqueueLocked(ctx, req)
		return err
	})
	return entry, err
}

// EnqueueLocked 调用方已持有账户租约，nonce 为已分配的数量
func (s *DispatcherService) EnqueueLocked(ctx context.Context, req *SendRequest) (*model.QueueEntry, error) {
	nonce, err := s.stores.Queue.Count(ctx, req.Account.ID, req.ChainID)
	if err != nil {
		return nil, err
	}

	entry := &model.QueueEntry{
		AccountID: req.Account.ID,
		ChainID:   req.ChainID,
		Nonce:     nonce,
		To:        req.To,
		Value:     req.Value,
		Data:      req.Data,
		Category:  req.Category,
	}
	if err := s.stores.Queue.Create(ctx, entry); err != nil {
		return nil, err
	}

	logger.Info("queue entry created",
		logger.Chain(entry.ChainID),
		zap.String("account", req.Account.Address),
		zap.Int64("nonce", entry.Nonce),
		zap.String("category", entry.Category.String()))
	return entry, nil
}

// TransferRequest 构造代币转账请求，ERC-20 转账发往代币合约
func (s *DispatcherService) TransferRequest(
	ctx context.Context,
	account *model.Account,
	chain *model.Chain,
	tokenID int64,
	to string,
	value decimal.Decimal,
	category model.TxCategory,
) (*SendRequest, error) {
	req := &SendRequest{
		Account:  account,
		ChainID:  chain.ChainID,
		Category: category,
	}

	if tokenID == chain.CurrencyID {
		req.To = to
		req.Value = value
		return req, nil
	}

	ta, err := s.stores.Tokens.GetAddress(ctx, tokenID, chain.ChainID)
	if err != nil {
		return nil, err
	}
	data, err := blockchain.EncodeTransfer(common.HexToAddress(to), value.BigInt())
	if err != nil {
		return nil, err
	}
	req.To = ta.Address
	req.Value = decimal.Zero
	req.Data = data
	return req, nil
}

// SendToken 将代币转账写入队列
func (s *DispatcherService) SendToken(
	ctx context.Context,
	account *model.Account,
	chain *model.Chain,
	tokenID int64,
	to string,
	value decimal.Decimal,
	category model.TxCategory,
) (*model.QueueEntry, error) {
	req, err := s.TransferRequest(ctx, account, chain, tokenID, to, value, category)
	if err != nil {
		return nil, err
	}
	return s.Enqueue(ctx, req)
}

// Dispatch 发送一批待执行或超时未上链的队列记录
func (s *DispatcherService) Dispatch(ctx context.Context) (int, error) {
	now := s.now()
	entries, err := s.stores.Queue.ListDispatchable(ctx,
		now.Add(-s.staleAfter).UnixMilli(),
		now.Add(-s.minAge).UnixMilli(),
		s.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, entry := range entries {
		if err := s.transact(ctx, entry); err != nil {
			metrics.RecordQueueDispatched(entry.ChainID, "failed")
			logger.Error("failed to dispatch queue entry",
				logger.Chain(entry.ChainID),
				zap.Int64("queue_id", entry.ID),
				zap.Int64("nonce", entry.Nonce),
				zap.Error(err))
			continue
		}
		metrics.RecordQueueDispatched(entry.ChainID, "sent")
		sent++
	}
	return sent, nil
}

// transact 先记录发送时间，再签名广播
func (s *DispatcherService) transact(ctx context.Context, entry *model.QueueEntry) error {
	if err := s.stores.Queue.MarkTransacted(ctx, entry.ID, s.now().UnixMilli()); err != nil {
		return err
	}

	account, err := s.stores.Accounts.GetByID(ctx, entry.AccountID)
	if err != nil {
		return err
	}
	key, err := s.accounts.PrivateKey(account)
	if err != nil {
		return err
	}

	chain, rpc, err := s.chains.ClientByID(ctx, entry.ChainID)
	if err != nil {
		return err
	}
	gasPrice, err := s.chains.GasPrice(ctx, chain)
	if err != nil {
		return err
	}

	value := new(big.Int)
	if !entry.Value.IsZero() {
		value = entry.Value.BigInt()
	}

	tx, err := blockchain.SignLegacy(key, &blockchain.LegacyTx{
		ChainID:  entry.ChainID,
		Nonce:    uint64(entry.Nonce),
		To:       common.HexToAddress(entry.To),
		Value:    value,
		Data:     entry.Data,
		GasPrice: gasPrice,
	})
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	if err := rpc.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}

	logger.Info("queue entry broadcast",
		logger.Chain(entry.ChainID),
		zap.String("account", account.Address),
		zap.Int64("nonce", entry.Nonce),
		zap.String("hash", tx.Hash().Hex()))
	return nil
}
