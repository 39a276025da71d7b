package service

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ihawking/evmx/internal/blockchain"
	"github.com/ihawking/evmx/internal/cache"
	"github.com/ihawking/evmx/internal/config"
	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/internal/repository"
	bizerr "github.com/ihawking/evmx/pkg/errors"
	"github.com/ihawking/evmx/pkg/logger"
)

// ChainService 公链注册与链上访问
type ChainService struct {
	stores *Stores
	dial   blockchain.Dialer
	pool   *blockchain.ClientPool

	blockTimes *cache.TTLCache[int64, time.Duration]
	gasPrices  *cache.TTLCache[int64, *big.Int]

	sample           int
	defaultBlockTime time.Duration
}

// ChainServiceConfig 配置
type ChainServiceConfig struct {
	BlockTimeSample  int
	DefaultBlockTime time.Duration
	BlockTimeTTL     time.Duration
	GasPriceTTL      time.Duration
}

// NewChainService 创建公链服务
func NewChainService(stores *Stores, dial blockchain.Dialer, cfg *ChainServiceConfig) *ChainService {
	if dial == nil {
		dial = blockchain.DialClient
	}

	sample := cfg.BlockTimeSample
	if sample == 0 {
		sample = 32
	}
	defaultBlockTime := cfg.DefaultBlockTime
	if defaultBlockTime == 0 {
		defaultBlockTime = 16 * time.Second
	}
	blockTimeTTL := cfg.BlockTimeTTL
	if blockTimeTTL == 0 {
		blockTimeTTL = 32 * time.Second
	}
	gasPriceTTL := cfg.GasPriceTTL
	if gasPriceTTL == 0 {
		gasPriceTTL = 8 * time.Second
	}

	chainKey := func(id int64) string { return strconv.FormatInt(id, 10) }
	return &ChainService{
		stores:           stores,
		dial:             dial,
		pool:             blockchain.NewClientPool(dial),
		blockTimes:       cache.New[int64, time.Duration](256, blockTimeTTL, chainKey),
		gasPrices:        cache.New[int64, *big.Int](256, gasPriceTTL, chainKey),
		sample:           sample,
		defaultBlockTime: defaultBlockTime,
	}
}

// inspect 连接节点并读取 chain id、POA 标记和网络元数据
func (s *ChainService) inspect(ctx context.Context, endpoint string) (int64, bool, blockchain.Network, error) {
	rpc, err := s.dial(ctx, 0, endpoint)
	if err != nil {
		return 0, false, blockchain.Network{}, err
	}
	defer rpc.Close()

	chainID, err := rpc.FetchChainID(ctx)
	if err != nil {
		return 0, false, blockchain.Network{}, err
	}

	latest, err := rpc.LatestBlock(ctx)
	if err != nil {
		return 0, false, blockchain.Network{}, err
	}

	network, ok := blockchain.LookupNetwork(chainID)
	if !ok {
		return chainID, false, network, bizerr.ErrUnsupportedNetwork.WithDetail("chain_id", strconv.FormatInt(chainID, 10))
	}
	return chainID, blockchain.IsPOA(latest), network, nil
}

// Register 注册公链，首次探测确定 chain id 与元数据，并创建原生币
func (s *ChainService) Register(ctx context.Context, endpoint string, confirmations int64) (*model.Chain, error) {
	if confirmations <= 0 {
		return nil, bizerr.ErrInvalidRequest.WithMessagef("confirmations must be positive")
	}

	chainID, isPOA, network, err := s.inspect(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	chain := &model.Chain{
		ChainID:       chainID,
		Name:          network.Name,
		Endpoint:      endpoint,
		Confirmations: confirmations,
		IsPOA:         isPOA,
		Active:        true,
	}

	err = s.stores.Tx.Transaction(ctx, func(ctx context.Context) error {
		currency, err := s.ensureCurrency(ctx, network.Currency)
		if err != nil {
			return err
		}
		chain.CurrencyID = currency.ID

		if err := s.stores.Chains.Create(ctx, chain); err != nil {
			return err
		}
		return s.stores.Tokens.CreateAddress(ctx, &model.TokenAddress{
			TokenID: currency.ID,
			ChainID: chain.ChainID,
			Address: model.ZeroAddress,
			Active:  true,
		})
	})
	if err != nil {
		return nil, err
	}

	config.BumpGeneration()
	logger.Info("chain registered",
		logger.Chain(chain.ChainID),
		zap.String("name", chain.Name),
		zap.Bool("is_poa", chain.IsPOA))
	return chain, nil
}

// ensureCurrency 获取或创建原生币，同名代币精度不一致视为冲突
func (s *ChainService) ensureCurrency(ctx context.Context, currency blockchain.Currency) (*model.Token, error) {
	token, err := s.stores.Tokens.GetBySymbol(ctx, currency.Symbol)
	if err == nil {
		if token.Decimals != currency.Decimals {
			return nil, bizerr.ErrCurrencyConflict.WithDetail("symbol", currency.Symbol)
		}
		return token, nil
	}
	if !errors.Is(err, repository.ErrTokenNotFound) {
		return nil, err
	}

	token = &model.Token{
		Symbol:   currency.Symbol,
		Decimals: currency.Decimals,
	}
	if err := s.stores.Tokens.Create(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// Update 修改节点地址或确认数，重新探测的 chain id 必须一致
func (s *ChainService) Update(ctx context.Context, chainID int64, endpoint string, confirmations int64) (*model.Chain, error) {
	chain, err := s.stores.Chains.GetByID(ctx, chainID)
	if err != nil {
		return nil, err
	}

	if endpoint != "" && endpoint != chain.Endpoint {
		remoteID, isPOA, _, err := s.inspect(ctx, endpoint)
		if err != nil && remoteID == 0 {
			return nil, err
		}
		if remoteID != chain.ChainID {
			return nil, bizerr.ErrChainIDMismatch.WithDetail("chain_id", strconv.FormatInt(remoteID, 10))
		}
		chain.Endpoint = endpoint
		chain.IsPOA = isPOA
	}
	if confirmations > 0 {
		chain.Confirmations = confirmations
	}

	if err := s.stores.Chains.Update(ctx, chain); err != nil {
		return nil, err
	}

	s.pool.Evict(chain.ChainID)
	config.BumpGeneration()
	return chain, nil
}

// SetActive 启停公链监听
func (s *ChainService) SetActive(ctx context.Context, chainID int64, active bool) error {
	if err := s.stores.Chains.SetActive(ctx, chainID, active); err != nil {
		return err
	}
	if !active {
		s.pool.Evict(chainID)
	}
	config.BumpGeneration()
	return nil
}

// ActiveChain 获取启用的公链，未启用或不存在返回 CHAIN_NOT_SUPPORTED
func (s *ChainService) ActiveChain(ctx context.Context, chainID int64) (*model.Chain, error) {
	chain, err := s.stores.Chains.GetByID(ctx, chainID)
	if errors.Is(err, repository.ErrChainNotFound) || (err == nil && !chain.Active) {
		return nil, bizerr.ErrChainNotSupported.WithDetail("chain_id", strconv.FormatInt(chainID, 10))
	}
	return chain, err
}

// Client 获取公链客户端
func (s *ChainService) Client(ctx context.Context, chain *model.Chain) (blockchain.ChainRPC, error) {
	return s.pool.Get(ctx, chain.ChainID, chain.Endpoint)
}

// ClientByID 按 chain id 获取公链及其客户端
func (s *ChainService) ClientByID(ctx context.Context, chainID int64) (*model.Chain, blockchain.ChainRPC, error) {
	chain, err := s.stores.Chains.GetByID(ctx, chainID)
	if err != nil {
		return nil, nil, err
	}
	rpc, err := s.Client(ctx, chain)
	if err != nil {
		return nil, nil, err
	}
	return chain, rpc, nil
}

// BlockTime 估算出块时间: 最近 sample 个区块的时间跨度 / sample
func (s *ChainService) BlockTime(ctx context.Context, chainID int64) (time.Duration, error) {
	return s.blockTimes.GetOrLoad(chainID, func() (time.Duration, error) {
		timestamps, err := s.stores.Blocks.RecentTimestamps(ctx, chainID, s.sample)
		if err != nil {
			return 0, err
		}
		if len(timestamps) < s.sample {
			return s.defaultBlockTime, nil
		}
		span := timestamps[0] - timestamps[s.sample-1]
		return time.Duration(float64(span) / float64(s.sample) * float64(time.Second)), nil
	})
}

// GasPrice 当前 Gas 价格，短时间缓存
func (s *ChainService) GasPrice(ctx context.Context, chain *model.Chain) (*big.Int, error) {
	price, err := s.gasPrices.GetOrLoad(chain.ChainID, func() (*big.Int, error) {
		rpc, err := s.Client(ctx, chain)
		if err != nil {
			return nil, err
		}
		return rpc.GasPrice(ctx)
	})
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(price), nil
}

// Close 关闭全部客户端
func (s *ChainService) Close() {
	s.pool.Close()
}

// AddToken 在公链上登记 ERC-20 代币, 同名代币精度必须一致
func (s *ChainService) AddToken(ctx context.Context, chainID int64, symbol string, decimals int32, address string) (*model.TokenAddress, error) {
	checksummed, err := blockchain.ChecksumAddress(address)
	if err != nil {
		return nil, bizerr.ErrInvalidRequest.WithMessagef("invalid token address %q", address)
	}
	if _, err := s.ActiveChain(ctx, chainID); err != nil {
		return nil, err
	}

	ta := &model.TokenAddress{
		ChainID: chainID,
		Address: checksummed,
		Active:  true,
	}
	err = s.stores.Tx.Transaction(ctx, func(ctx context.Context) error {
		token, err := s.ensureCurrency(ctx, blockchain.Currency{Symbol: symbol, Decimals: decimals})
		if err != nil {
			return err
		}
		ta.TokenID = token.ID
		return s.stores.Tokens.CreateAddress(ctx, ta)
	})
	if err != nil {
		return nil, err
	}

	logger.Info("token registered",
		logger.Chain(chainID),
		zap.String("symbol", symbol),
		zap.String("address", checksummed))
	return ta, nil
}

// SetTokenPrice 更新代币美元价格
func (s *ChainService) SetTokenPrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	token, err := s.stores.Tokens.GetBySymbol(ctx, symbol)
	if err != nil {
		return err
	}
	return s.stores.Tokens.UpdatePrice(ctx, token.ID, price)
}
