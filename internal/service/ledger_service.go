package service

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ihawking/evmx/internal/blockchain"
	"github.com/ihawking/evmx/internal/lease"
	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/internal/repository"
	"github.com/ihawking/evmx/pkg/logger"
)

// 代币无价格时的归集阈值 (展示单位)
var unpricedGatherValue = decimal.New(1, 10)

// LedgerService 账户余额账本与充值账户归集
type LedgerService struct {
	stores     *Stores
	leaser     lease.Leaser
	chains     *ChainService
	dispatcher *DispatcherService

	reserveMultiplier int64
	batchSize         int
	now               func() time.Time
}

// LedgerServiceConfig 配置
type LedgerServiceConfig struct {
	GasReserveMultiplier int64
	GatherBatchSize      int
}

// NewLedgerService 创建账本服务
func NewLedgerService(
	stores *Stores,
	leaser lease.Leaser,
	chains *ChainService,
	dispatcher *DispatcherService,
	cfg *LedgerServiceConfig,
) *LedgerService {
	multiplier := cfg.GasReserveMultiplier
	if multiplier == 0 {
		multiplier = 5
	}
	batchSize := cfg.GatherBatchSize
	if batchSize == 0 {
		batchSize = 8
	}
	return &LedgerService{
		stores:            stores,
		leaser:            leaser,
		chains:            chains,
		dispatcher:        dispatcher,
		reserveMultiplier: multiplier,
		batchSize:         batchSize,
		now:               time.Now,
	}
}

// ApplyDelta 在账户租约下原子增减余额
func (s *LedgerService) ApplyDelta(ctx context.Context, account *model.Account, chainID, tokenID int64, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	return lease.WithLease(ctx, s.leaser, account.Address, func(ctx context.Context) error {
		return s.stores.Balances.ApplyDelta(ctx, account.ID, chainID, tokenID, delta)
	})
}

// gasReserve 预留 reserveMultiplier 次 ERC-20 转账的 Gas
func (s *LedgerService) gasReserve(gasPrice decimal.Decimal) decimal.Decimal {
	return gasPrice.Mul(decimal.NewFromInt(int64(blockchain.ERC20TransferGas))).Mul(decimal.NewFromInt(s.reserveMultiplier))
}

// Gather 归集充值账户余额，先记录归集时间
// 主币余额不足一次 ERC-20 转账时由项目系统账户补充 Gas，本轮跳过
func (s *LedgerService) Gather(ctx context.Context, project *model.Project, chain *model.Chain, balance *model.Balance) (*model.QueueEntry, error) {
	if err := s.stores.Balances.TouchGathered(ctx, balance.ID, s.now().UnixMilli()); err != nil {
		return nil, err
	}

	account, err := s.stores.Accounts.GetByID(ctx, balance.AccountID)
	if err != nil {
		return nil, err
	}
	rpc, err := s.chains.Client(ctx, chain)
	if err != nil {
		return nil, err
	}
	price, err := s.chains.GasPrice(ctx, chain)
	if err != nil {
		return nil, err
	}
	native, err := rpc.BalanceAt(ctx, common.HexToAddress(account.Address))
	if err != nil {
		return nil, err
	}

	gasPrice := decimal.NewFromBigInt(price, 0)
	cost := decimal.NewFromBigInt(blockchain.ERC20TransferCost(price), 0)
	reserve := s.gasReserve(gasPrice)

	if decimal.NewFromBigInt(native, 0).LessThanOrEqual(cost) {
		return s.rechargeGas(ctx, project, chain, account, reserve)
	}

	value := balance.Value
	if balance.TokenID == chain.CurrencyID {
		value = value.Sub(reserve)
		if !value.IsPositive() {
			return nil, nil
		}
	}

	entry, err := s.dispatcher.SendToken(ctx, account, chain, balance.TokenID, project.CollectionAddress, value, model.TxCategoryDGathering)
	if err != nil {
		return nil, err
	}
	logger.Info("deposit account gathered",
		logger.Chain(chain.ChainID),
		zap.String("account", account.Address),
		zap.Int64("token_id", balance.TokenID),
		zap.String("value", value.String()))
	return entry, nil
}

// rechargeGas 系统账户向充值账户补充 Gas
func (s *LedgerService) rechargeGas(ctx context.Context, project *model.Project, chain *model.Chain, account *model.Account, value decimal.Decimal) (*model.QueueEntry, error) {
	system, err := s.stores.Accounts.GetByID(ctx, project.SystemAccountID)
	if err != nil {
		return nil, err
	}

	entry, err := s.dispatcher.Enqueue(ctx, &SendRequest{
		Account:  system,
		ChainID:  chain.ChainID,
		To:       account.Address,
		Value:    value,
		Category: model.TxCategoryGasRecharging,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("gas recharged",
		logger.Chain(chain.ChainID),
		zap.String("account", account.Address),
		zap.String("value", value.String()))
	return entry, nil
}

// gatherThreshold 将 USD 价值换算为代币最小单位
func gatherThreshold(worth decimal.Decimal, token *model.Token) decimal.Decimal {
	if token.PriceUSD.IsZero() {
		return token.ToUnits(unpricedGatherValue)
	}
	return token.ToUnits(worth.Div(token.PriceUSD))
}

// GatherDeposits 按 (项目, 公链, 代币) 挑选达到阈值的充值账户余额进行归集
func (s *LedgerService) GatherDeposits(ctx context.Context) (int, error) {
	projects, err := s.stores.Projects.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	chains, err := s.stores.Chains.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	addresses, err := s.stores.Tokens.ListActiveAddresses(ctx)
	if err != nil {
		return 0, err
	}

	tokensByChain := make(map[int64][]int64)
	for _, ta := range addresses {
		tokensByChain[ta.ChainID] = append(tokensByChain[ta.ChainID], ta.TokenID)
	}

	now := s.now()
	gathered := 0
	for _, project := range projects {
		for _, chain := range chains {
			blockTime, err := s.chains.BlockTime(ctx, chain.ChainID)
			if err != nil {
				return gathered, err
			}
			recentBefore := now.Add(-2 * time.Duration(chain.Confirmations) * blockTime).UnixMilli()
			idleBefore := now.AddDate(0, 0, -int(project.GatherTime)).UnixMilli()

			for _, tokenID := range tokensByChain[chain.ChainID] {
				token, err := s.stores.Tokens.GetByID(ctx, tokenID)
				if err != nil {
					return gathered, err
				}

				balances, err := s.stores.Balances.ListGatherCandidates(ctx, &repository.GatherQuery{
					ProjectID:    project.ID,
					ChainID:      chain.ChainID,
					TokenID:      tokenID,
					GatherValue:  gatherThreshold(project.GatherWorth, token),
					MinimalValue: gatherThreshold(project.MinimalGatherWorth, token),
					IdleBefore:   idleBefore,
					RecentBefore: recentBefore,
					Limit:        s.batchSize,
				})
				if err != nil {
					return gathered, err
				}

				for _, balance := range balances {
					if _, err := s.Gather(ctx, project, chain, balance); err != nil {
						logger.Error("failed to gather deposit account",
							logger.Chain(chain.ChainID),
							zap.Int64("account_id", balance.AccountID),
							zap.Error(err))
						continue
					}
					gathered++
				}
			}
		}
	}
	return gathered, nil
}
