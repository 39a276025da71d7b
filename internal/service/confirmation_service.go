package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ihawking/evmx/internal/metrics"
	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/internal/repository"
	"github.com/ihawking/evmx/pkg/logger"
)

// RecheckResult 区块复查结果
type RecheckResult int

const (
	RecheckDone      RecheckResult = iota // 已确认或已删除, 无需再查
	RecheckPending                        // 确认数不足
	RecheckConfirmed                      // 本次确认
	RecheckDiscarded                      // 哈希不一致, 已删除
)

func (r RecheckResult) String() string {
	switch r {
	case RecheckDone:
		return "done"
	case RecheckPending:
		return "pending"
	case RecheckConfirmed:
		return "confirmed"
	case RecheckDiscarded:
		return "discarded"
	}
	return "unknown"
}

// ConfirmationService 区块延迟复查, 区块只会 pending -> confirmed 或 pending -> deleted
type ConfirmationService struct {
	stores     *Stores
	chains     *ChainService
	blocks     *BlockService
	classifier *ClassifierService
	notifier   *NotifierService

	slack      time.Duration
	recheck    time.Duration
	maxBackoff time.Duration

	baseCtx  context.Context
	mu       sync.Mutex
	timers   map[int64]*time.Timer
	failures map[int64]int
	stopped  bool
}

// ConfirmationServiceConfig 配置
type ConfirmationServiceConfig struct {
	Slack           time.Duration
	RecheckInterval time.Duration
	MaxBackoff      time.Duration
}

// NewConfirmationService 创建确认调度服务
func NewConfirmationService(
	stores *Stores,
	chains *ChainService,
	blocks *BlockService,
	classifier *ClassifierService,
	notifier *NotifierService,
	cfg *ConfirmationServiceConfig,
) *ConfirmationService {
	slack := cfg.Slack
	if slack == 0 {
		slack = 4 * time.Second
	}
	recheck := cfg.RecheckInterval
	if recheck == 0 {
		recheck = 4 * time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 300 * time.Second
	}

	return &ConfirmationService{
		stores:     stores,
		chains:     chains,
		blocks:     blocks,
		classifier: classifier,
		notifier:   notifier,
		slack:      slack,
		recheck:    recheck,
		maxBackoff: maxBackoff,
		baseCtx:    context.Background(),
		timers:     make(map[int64]*time.Timer),
		failures:   make(map[int64]int),
	}
}

// Delay 首次复查延迟: 确认数 × 估算出块时间 + slack
func (s *ConfirmationService) Delay(ctx context.Context, chain *model.Chain) (time.Duration, error) {
	blockTime, err := s.chains.BlockTime(ctx, chain.ChainID)
	if err != nil {
		return 0, err
	}
	return time.Duration(chain.Confirmations)*blockTime + s.slack, nil
}

// Schedule 为新区块安排复查
func (s *ConfirmationService) Schedule(ctx context.Context, block *model.Block) error {
	chain, err := s.stores.Chains.GetByID(ctx, block.ChainID)
	if err != nil {
		return err
	}
	delay, err := s.Delay(ctx, chain)
	if err != nil {
		return err
	}
	s.after(block.ID, delay)
	return nil
}

// Recover 进程启动时为全部未确认区块重新安排复查
func (s *ConfirmationService) Recover(ctx context.Context) (int, error) {
	blocks, err := s.stores.Blocks.ListUnconfirmed(ctx)
	if err != nil {
		return 0, err
	}
	for _, block := range blocks {
		if err := s.Schedule(ctx, block); err != nil {
			return 0, err
		}
	}
	logger.Info("confirmation rechecks recovered", zap.Int("blocks", len(blocks)))
	return len(blocks), nil
}

// Scheduled 当前等待中的复查数量
func (s *ConfirmationService) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop 取消全部等待中的复查
func (s *ConfirmationService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *ConfirmationService) after(blockID int64, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[blockID]; ok {
		t.Stop()
	}
	s.timers[blockID] = time.AfterFunc(delay, func() { s.run(blockID) })
}

func (s *ConfirmationService) finish(blockID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, blockID)
	delete(s.failures, blockID)
}

// backoff 第 n 次失败后的等待时间, 指数增长并封顶
func (s *ConfirmationService) backoff(blockID int64) time.Duration {
	s.mu.Lock()
	s.failures[blockID]++
	n := s.failures[blockID]
	s.mu.Unlock()

	delay := s.recheck
	for i := 1; i < n && delay < s.maxBackoff; i++ {
		delay *= 2
	}
	if delay > s.maxBackoff {
		delay = s.maxBackoff
	}
	return delay
}

func (s *ConfirmationService) run(blockID int64) {
	result, err := s.Recheck(s.baseCtx, blockID)
	if err != nil {
		delay := s.backoff(blockID)
		logger.Warn("block recheck failed",
			zap.Int64("block_id", blockID),
			zap.Duration("retry_after", delay),
			zap.Error(err))
		s.after(blockID, delay)
		return
	}

	if result == RecheckPending {
		s.after(blockID, s.recheck)
		return
	}
	s.finish(blockID)
}

// Recheck 复查区块: 确认数足够后与链上同高度区块比较哈希, 一致则确认, 否则删除
func (s *ConfirmationService) Recheck(ctx context.Context, blockID int64) (RecheckResult, error) {
	block, err := s.stores.Blocks.GetByID(ctx, blockID)
	if errors.Is(err, repository.ErrBlockNotFound) {
		return RecheckDone, nil
	}
	if err != nil {
		return RecheckDone, err
	}
	if block.Confirmed {
		return RecheckDone, nil
	}

	chain, err := s.stores.Chains.GetByID(ctx, block.ChainID)
	if err != nil {
		return RecheckDone, err
	}
	highest, _, err := s.stores.Blocks.MaxNumber(ctx, chain.ChainID)
	if err != nil {
		return RecheckDone, err
	}
	if block.Number+chain.Confirmations > highest {
		return RecheckPending, nil
	}

	rpc, err := s.chains.Client(ctx, chain)
	if err != nil {
		return RecheckDone, err
	}
	remote, err := rpc.BlockByNumber(ctx, block.Number)
	if err != nil {
		return RecheckDone, err
	}

	if remote.Hash.Hex() != block.Hash {
		discarded, err := s.blocks.Discard(ctx, block)
		if err != nil {
			return RecheckDone, err
		}
		if !discarded {
			return RecheckDone, nil
		}
		return RecheckDiscarded, nil
	}

	confirmed, err := s.confirm(ctx, chain, block)
	if err != nil {
		return RecheckDone, err
	}
	if !confirmed {
		return RecheckDone, nil
	}
	return RecheckConfirmed, nil
}

// confirm 在同一事务中标记区块已确认并执行交易的确认副作用, 提交后发布事件
func (s *ConfirmationService) confirm(ctx context.Context, chain *model.Chain, block *model.Block) (bool, error) {
	var notifications []*model.Notification
	err := s.stores.Tx.Transaction(ctx, func(ctx context.Context) error {
		ok, err := s.stores.Blocks.MarkConfirmed(ctx, block.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errBlockConfirmed
		}
		block.Confirmed = true

		txs, err := s.stores.Transactions.ListByBlock(ctx, block.ID)
		if err != nil {
			return err
		}
		for _, tx := range txs {
			n, err := s.classifier.Confirm(ctx, chain, block, tx)
			if err != nil {
				return err
			}
			if n != nil {
				notifications = append(notifications, n)
			}
		}
		return nil
	})
	if errors.Is(err, errBlockConfirmed) {
		return false, nil
	}
	if err != nil {
		block.Confirmed = false
		return false, err
	}

	s.notifier.Publish(ctx, notifications, chain.ChainID)
	metrics.RecordBlockConfirmed(chain.ChainID)
	logger.Info("block confirmed",
		logger.Chain(chain.ChainID),
		logger.Block(block.Number),
		zap.String("hash", block.Hash),
		zap.Int("notifications", len(notifications)))
	return true, nil
}
