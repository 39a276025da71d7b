package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ihawking/evmx/internal/blockchain"
	"github.com/ihawking/evmx/internal/config"
	"github.com/ihawking/evmx/internal/metrics"
	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/internal/repository"
	"github.com/ihawking/evmx/pkg/logger"
)

var errParentTooDeep = errors.New("parent chain exceeds max depth")

// MonitorService 每条启用的公链一个监听协程, 链配置代数变化时全部退出并重建
type MonitorService struct {
	stores        *Stores
	chains        *ChainService
	blocks        *BlockService
	classifier    *ClassifierService
	confirmations *ConfirmationService

	realignThreshold int64
	maxParentDepth   int
	pollInterval     time.Duration
	errorBackoff     time.Duration
	fetchConcurrency int
	classifyWorkers  int
	classifyAttempts int
}

// MonitorServiceConfig 配置
type MonitorServiceConfig struct {
	RealignThreshold int
	MaxParentDepth   int
	PollInterval     time.Duration
	ErrorBackoff     time.Duration
	FetchConcurrency int
	ClassifyWorkers  int
	// ClassifyAttempts 单笔交易就地分类的次数, 用尽后转入重试队列
	ClassifyAttempts int
}

// NewMonitorService 创建区块监控服务
func NewMonitorService(
	stores *Stores,
	chains *ChainService,
	blocks *BlockService,
	classifier *ClassifierService,
	confirmations *ConfirmationService,
	cfg *MonitorServiceConfig,
) *MonitorService {
	realign := cfg.RealignThreshold
	if realign == 0 {
		realign = 31
	}
	maxDepth := cfg.MaxParentDepth
	if maxDepth == 0 {
		maxDepth = 64
	}
	poll := cfg.PollInterval
	if poll == 0 {
		poll = time.Second
	}
	backoff := cfg.ErrorBackoff
	if backoff == 0 {
		backoff = time.Second
	}
	fetch := cfg.FetchConcurrency
	if fetch == 0 {
		fetch = 8
	}
	workers := cfg.ClassifyWorkers
	if workers == 0 {
		workers = 4
	}
	attempts := cfg.ClassifyAttempts
	if attempts == 0 {
		attempts = 3
	}

	return &MonitorService{
		stores:           stores,
		chains:           chains,
		blocks:           blocks,
		classifier:       classifier,
		confirmations:    confirmations,
		realignThreshold: int64(realign),
		maxParentDepth:   maxDepth,
		pollInterval:     poll,
		errorBackoff:     backoff,
		fetchConcurrency: fetch,
		classifyWorkers:  workers,
		classifyAttempts: attempts,
	}
}

// Run 监控监督循环: 按当前代数为全部启用公链启动监听, 代数变化后重建
func (s *MonitorService) Run(ctx context.Context) error {
	for {
		generation := config.Generation.Load()

		chains, err := s.stores.Chains.ListActive(ctx)
		if err != nil {
			logger.Error("failed to list active chains", zap.Error(err))
			if !sleepCtx(ctx, s.errorBackoff) {
				return ctx.Err()
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, chain := range chains {
			chain := chain
			g.Go(func() error {
				s.watch(gctx, chain, generation)
				return nil
			})
		}
		if len(chains) == 0 {
			g.Go(func() error {
				s.waitGeneration(gctx, generation)
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Info("chain configuration changed, restarting monitors",
			zap.Int64("generation", config.Generation.Load()))
	}
}

func (s *MonitorService) stale(ctx context.Context, generation int64) bool {
	return ctx.Err() != nil || config.Generation.Load() != generation
}

func (s *MonitorService) waitGeneration(ctx context.Context, generation int64) {
	for !s.stale(ctx, generation) {
		sleepCtx(ctx, s.pollInterval)
	}
}

// watch 单条链的监听循环, RPC 出错时休眠后重新安装过滤器
func (s *MonitorService) watch(ctx context.Context, chain *model.Chain, generation int64) {
	logger.Info("chain monitor started",
		logger.Chain(chain.ChainID),
		zap.Int64("generation", generation))

	for !s.stale(ctx, generation) {
		err := s.follow(ctx, chain, generation)
		if err == nil || s.stale(ctx, generation) {
			break
		}
		metrics.RecordMonitorRestart(chain.ChainID, "rpc_error")
		logger.Warn("chain monitor error",
			logger.Chain(chain.ChainID),
			zap.Error(err))
		sleepCtx(ctx, s.errorBackoff)
	}

	logger.Info("chain monitor stopped", logger.Chain(chain.ChainID))
}

func (s *MonitorService) follow(ctx context.Context, chain *model.Chain, generation int64) error {
	rpc, err := s.chains.Client(ctx, chain)
	if err != nil {
		return err
	}
	filterID, err := rpc.NewBlockFilter(ctx)
	if err != nil {
		return fmt.Errorf("install block filter: %w", err)
	}

	for !s.stale(ctx, generation) {
		hashes, err := rpc.GetFilterChanges(ctx, filterID)
		if err != nil {
			return fmt.Errorf("poll block filter: %w", err)
		}
		if len(hashes) == 0 {
			sleepCtx(ctx, s.pollInterval)
			continue
		}

		fetched, err := s.fetchByHash(ctx, rpc, hashes)
		if err != nil {
			return err
		}
		if err := s.Ingest(ctx, chain, rpc, fetched); err != nil {
			return err
		}
	}
	return nil
}

// fetchByHash 并发获取区块
func (s *MonitorService) fetchByHash(ctx context.Context, rpc blockchain.ChainRPC, hashes []common.Hash) ([]*blockchain.Block, error) {
	out := make([]*blockchain.Block, len(hashes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetchConcurrency)
	for i, hash := range hashes {
		i, hash := i, hash
		g.Go(func() error {
			block, err := rpc.BlockByHash(gctx, hash)
			if err != nil {
				return fmt.Errorf("fetch block %s: %w", hash.Hex(), err)
			}
			out[i] = block
			return nil
		})
	}
	return out, g.Wait()
}

// fetchRange 并发获取 [from, to] 区间的区块
func (s *MonitorService) fetchRange(ctx context.Context, rpc blockchain.ChainRPC, from, to int64) ([]*blockchain.Block, error) {
	out := make([]*blockchain.Block, to-from+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetchConcurrency)
	for n := from; n <= to; n++ {
		n := n
		g.Go(func() error {
			block, err := rpc.BlockByNumber(gctx, n)
			if err != nil {
				return fmt.Errorf("fetch block %d: %w", n, err)
			}
			out[n-from] = block
			return nil
		})
	}
	return out, g.Wait()
}

// Ingest 按高度顺序处理一批区块; 与已存最高块相距过远时丢弃该批, 改为补齐其后的连续区间
func (s *MonitorService) Ingest(ctx context.Context, chain *model.Chain, rpc blockchain.ChainRPC, fetched []*blockchain.Block) error {
	if len(fetched) == 0 {
		return nil
	}
	sort.Slice(fetched, func(i, j int) bool { return fetched[i].Number < fetched[j].Number })

	highest, ok, err := s.stores.Blocks.MaxNumber(ctx, chain.ChainID)
	if err != nil {
		return err
	}
	if ok && fetched[0].Number-highest > s.realignThreshold {
		from, to := highest+1, highest+1+s.realignThreshold
		metrics.RecordRealignment(chain.ChainID)
		logger.Info("realigning chain",
			logger.Chain(chain.ChainID),
			zap.Int64("observed", fetched[0].Number),
			zap.Int64("from", from),
			zap.Int64("to", to))
		if fetched, err = s.fetchRange(ctx, rpc, from, to); err != nil {
			return err
		}
	}

	for _, block := range fetched {
		if err := s.process(ctx, chain, rpc, block, 0); err != nil {
			if errors.Is(err, errParentTooDeep) {
				logger.Warn("block skipped, parent chain too deep",
					logger.Chain(chain.ChainID),
					logger.Block(block.Number),
					zap.String("hash", block.Hash.Hex()))
				continue
			}
			return err
		}
	}
	return nil
}

// process 清理同高度及以上的未确认区块, 补齐缺失的父区块, 保存区块并分类交易
func (s *MonitorService) process(ctx context.Context, chain *model.Chain, rpc blockchain.ChainRPC, block *blockchain.Block, depth int) error {
	hash := block.Hash.Hex()
	if _, err := s.stores.Blocks.GetByHash(ctx, hash); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrBlockNotFound) {
		return err
	}

	if err := s.cleanup(ctx, chain, block.Number); err != nil {
		return err
	}
	confirmed, err := s.stores.Blocks.HasConfirmedFrom(ctx, chain.ChainID, block.Number)
	if err != nil {
		return err
	}
	if confirmed {
		logger.Warn("block conflicts with confirmed history",
			logger.Chain(chain.ChainID),
			logger.Block(block.Number),
			zap.String("hash", hash))
		return nil
	}

	if err := s.resolveParent(ctx, chain, rpc, block, depth); err != nil {
		return err
	}

	stored := &model.Block{
		ChainID:    chain.ChainID,
		Hash:       hash,
		Number:     block.Number,
		ParentHash: block.ParentHash.Hex(),
		Timestamp:  block.Timestamp,
	}
	if err := s.stores.Blocks.Create(ctx, stored); err != nil {
		if errors.Is(err, repository.ErrDuplicateBlock) {
			return nil
		}
		return err
	}
	metrics.RecordBlockIngested(chain.ChainID)
	logger.Debug("block stored",
		logger.Chain(chain.ChainID),
		logger.Block(stored.Number),
		zap.String("hash", stored.Hash),
		zap.Int("transactions", len(block.Transactions)))

	if err := s.confirmations.Schedule(ctx, stored); err != nil {
		return err
	}
	return s.classify(ctx, chain, stored, block.Transactions)
}

// cleanup 删除高度 ≥ number 的未确认区块
func (s *MonitorService) cleanup(ctx context.Context, chain *model.Chain, number int64) error {
	stale, err := s.stores.Blocks.ListUnconfirmedFrom(ctx, chain.ChainID, number)
	if err != nil {
		return err
	}
	deleted := 0
	for _, b := range stale {
		ok, err := s.blocks.Discard(ctx, b)
		if err != nil {
			return err
		}
		if ok {
			deleted++
		}
	}
	if deleted > 0 {
		metrics.RecordReorgDeletions(chain.ChainID, deleted)
		logger.Info("reorg cleaned",
			logger.Chain(chain.ChainID),
			zap.Int64("from", number),
			zap.Int("deleted", deleted))
	}
	return nil
}

// resolveParent 父区块缺失且链上已有更低的历史区块时递归补齐
func (s *MonitorService) resolveParent(ctx context.Context, chain *model.Chain, rpc blockchain.ChainRPC, block *blockchain.Block, depth int) error {
	_, err := s.stores.Blocks.GetByHash(ctx, block.ParentHash.Hex())
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrBlockNotFound) {
		return err
	}

	history, err := s.stores.Blocks.HasBelow(ctx, chain.ChainID, block.Number)
	if err != nil || !history {
		return err
	}
	if depth >= s.maxParentDepth {
		return errParentTooDeep
	}

	parent, err := rpc.BlockByHash(ctx, block.ParentHash)
	if err != nil {
		return fmt.Errorf("fetch parent %s: %w", block.ParentHash.Hex(), err)
	}
	return s.process(ctx, chain, rpc, parent, depth+1)
}

// classify 并发分类区块中的交易
// 单笔交易就地重试 classifyAttempts 次, 仍失败则转入重试队列, 不阻塞后续区块
func (s *MonitorService) classify(ctx context.Context, chain *model.Chain, block *model.Block, txs []*blockchain.Transaction) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.classifyWorkers)
	for _, tx := range txs {
		tx := tx
		g.Go(func() error {
			var err error
			for attempt := 1; attempt <= s.classifyAttempts; attempt++ {
				if _, err = s.classifier.Classify(gctx, chain, block, tx); err == nil {
					return nil
				}
				logger.Warn("failed to classify transaction",
					logger.Chain(chain.ChainID),
					logger.Block(block.Number),
					logger.TxHash(tx.Hash.Hex()),
					zap.Int("attempt", attempt),
					zap.Error(err))
				if attempt < s.classifyAttempts && !sleepCtx(gctx, s.errorBackoff) {
					return gctx.Err()
				}
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return s.classifier.Defer(gctx, block, tx, err)
		})
	}
	return g.Wait()
}

// sleepCtx 休眠, 上下文取消时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
