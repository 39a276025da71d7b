package blockchain

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrNoHealthyRPC     = errors.New("no healthy RPC endpoint available")
	ErrBlockNotFound    = errors.New("block not found")
	ErrReceiptNotFound  = errors.New("receipt not found")
	ErrChainIDMismatch  = errors.New("endpoint chain id mismatch")
	ErrFilterNotFound   = errors.New("filter not found")
	ErrEmptyRPCEndpoint = errors.New("at least one RPC URL is required")
)

// ChainRPC 监听、确认、发送所需的链上调用
type ChainRPC interface {
	ChainID() int64
	FetchChainID(ctx context.Context) (int64, error)
	NewBlockFilter(ctx context.Context) (string, error)
	GetFilterChanges(ctx context.Context, filterID string) ([]common.Hash, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*Block, error)
	BlockByNumber(ctx context.Context, number int64) (*Block, error)
	LatestBlock(ctx context.Context) (*Block, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	ERC20BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// RPCEndpoint RPC 端点信息
type RPCEndpoint struct {
	URL        string
	IsHealthy  bool
	ErrorCount int
	LastCheck  time.Time
}

// Client 区块链客户端
type Client struct {
	chainID int64

	endpoints  []*RPCEndpoint
	currentIdx int
	mu         sync.RWMutex

	client *ethclient.Client

	maxRetries      int
	retryInterval   time.Duration
	healthCheckFreq time.Duration
}

// ClientConfig 客户端配置
type ClientConfig struct {
	// ChainID 为 0 时以节点返回的 chain id 为准
	ChainID         int64
	RPCURLs         []string
	MaxRetries      int
	RetryInterval   time.Duration
	HealthCheckFreq time.Duration
}

// SplitEndpoints 将逗号分隔的节点地址拆分为列表
func SplitEndpoints(endpoint string) []string {
	var urls []string
	for _, u := range strings.Split(endpoint, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// NewClient 创建区块链客户端
func NewClient(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, ErrEmptyRPCEndpoint
	}

	endpoints := make([]*RPCEndpoint, len(cfg.RPCURLs))
	for i, url := range cfg.RPCURLs {
		endpoints[i] = &RPCEndpoint{
			URL:       url,
			IsHealthy: true,
		}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	retryInterval := cfg.RetryInterval
	if retryInterval == 0 {
		retryInterval = time.Second
	}

	healthCheckFreq := cfg.HealthCheckFreq
	if healthCheckFreq == 0 {
		healthCheckFreq = 30 * time.Second
	}

	c := &Client{
		chainID:         cfg.ChainID,
		endpoints:       endpoints,
		maxRetries:      maxRetries,
		retryInterval:   retryInterval,
		healthCheckFreq: healthCheckFreq,
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// connect 连接到可用的 RPC，并校验 chain id
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mismatch := false
	for i := range c.endpoints {
		idx := (c.currentIdx + i) % len(c.endpoints)
		ep := c.endpoints[idx]

		if !ep.IsHealthy && time.Since(ep.LastCheck) < c.healthCheckFreq {
			continue
		}

		client, err := ethclient.DialContext(ctx, ep.URL)
		if err != nil {
			ep.IsHealthy = false
			ep.ErrorCount++
			ep.LastCheck = time.Now()
			continue
		}

		remoteID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			ep.IsHealthy = false
			ep.ErrorCount++
			ep.LastCheck = time.Now()
			continue
		}
		if c.chainID != 0 && remoteID.Int64() != c.chainID {
			client.Close()
			ep.IsHealthy = false
			ep.LastCheck = time.Now()
			mismatch = true
			continue
		}

		if c.client != nil {
			c.client.Close()
		}

		c.client = client
		c.chainID = remoteID.Int64()
		c.currentIdx = idx
		ep.IsHealthy = true
		ep.ErrorCount = 0
		ep.LastCheck = time.Now()
		return nil
	}

	if mismatch {
		return ErrChainIDMismatch
	}
	return ErrNoHealthyRPC
}

// getClient 获取客户端，如果不可用则尝试重连
func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, nil
}

// withRetry 带重试的操作，业务性错误不触发切换
func (c *Client) withRetry(ctx context.Context, fn func(*ethclient.Client) error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		client, err := c.getClient(ctx)
		if err != nil {
			lastErr = err
			if !sleepContext(ctx, c.retryInterval) {
				return ctx.Err()
			}
			continue
		}

		err = fn(client)
		if err == nil || isTerminal(err) {
			return err
		}

		lastErr = err

		c.mu.Lock()
		if c.currentIdx < len(c.endpoints) {
			c.endpoints[c.currentIdx].IsHealthy = false
			c.endpoints[c.currentIdx].ErrorCount++
			c.endpoints[c.currentIdx].LastCheck = time.Now()
		}
		c.mu.Unlock()

		if i < c.maxRetries-1 {
			_ = c.connect(ctx)
			if !sleepContext(ctx, c.retryInterval) {
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func isTerminal(err error) bool {
	return errors.Is(err, ErrBlockNotFound) ||
		errors.Is(err, ErrReceiptNotFound) ||
		errors.Is(err, ErrFilterNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// ChainID 返回链 ID
func (c *Client) ChainID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chainID
}

// FetchChainID 向节点查询 chain id
func (c *Client) FetchChainID(ctx context.Context) (int64, error) {
	var id *big.Int
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		id, err = client.ChainID(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id.Int64(), nil
}

// NewBlockFilter 安装新区块过滤器
func (c *Client) NewBlockFilter(ctx context.Context) (string, error) {
	var id string
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		return client.Client().CallContext(ctx, &id, "eth_newBlockFilter")
	})
	return id, err
}

// GetFilterChanges 拉取过滤器新增的区块哈希
func (c *Client) GetFilterChanges(ctx context.Context, filterID string) ([]common.Hash, error) {
	var hashes []common.Hash
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		err := client.Client().CallContext(ctx, &hashes, "eth_getFilterChanges", filterID)
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "filter not found") {
			return ErrFilterNotFound
		}
		return err
	})
	return hashes, err
}

// BlockByHash 按哈希获取完整区块
func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*Block, error) {
	return c.fetchBlock(ctx, "eth_getBlockByHash", hash)
}

// BlockByNumber 按高度获取完整区块
func (c *Client) BlockByNumber(ctx context.Context, number int64) (*Block, error) {
	return c.fetchBlock(ctx, "eth_getBlockByNumber", hexutil.EncodeUint64(uint64(number)))
}

// LatestBlock 获取最新区块
func (c *Client) LatestBlock(ctx context.Context) (*Block, error) {
	return c.fetchBlock(ctx, "eth_getBlockByNumber", "latest")
}

func (c *Client) fetchBlock(ctx context.Context, method string, arg interface{}) (*Block, error) {
	var raw json.RawMessage
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		if err := client.Client().CallContext(ctx, &raw, method, arg, true); err != nil {
			return err
		}
		if len(raw) == 0 || string(raw) == "null" {
			return ErrBlockNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeBlock(raw)
}

// TransactionReceipt 获取交易回执
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var raw json.RawMessage
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		if err := client.Client().CallContext(ctx, &raw, "eth_getTransactionReceipt", hash); err != nil {
			return err
		}
		if len(raw) == 0 || string(raw) == "null" {
			return ErrReceiptNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeReceipt(raw)
}

// GasPrice 获取当前 Gas 价格
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		gasPrice, err = client.SuggestGasPrice(ctx)
		return err
	})
	return gasPrice, err
}

// BalanceAt 获取主币余额
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	var balance *big.Int
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		balance, err = client.BalanceAt(ctx, account, nil)
		return err
	})
	return balance, err
}

// ERC20BalanceOf 调用 balanceOf 获取代币余额
func (c *Client) ERC20BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}

	var result []byte
	err = c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		result, err = client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return unpackBalance(result)
}

// SendTransaction 广播已签名交易
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.withRetry(ctx, func(client *ethclient.Client) error {
		err := client.SendTransaction(ctx, tx)
		if err != nil && isKnownTransaction(err) {
			return nil
		}
		return err
	})
}

// isKnownTransaction 节点已收到同一笔交易
func isKnownTransaction(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// Close 关闭客户端
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// GetHealthyEndpoints 获取健康的端点列表
func (c *Client) GetHealthyEndpoints() []*RPCEndpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var healthy []*RPCEndpoint
	for _, ep := range c.endpoints {
		if ep.IsHealthy {
			healthy = append(healthy, ep)
		}
	}
	return healthy
}

var _ ChainRPC = (*Client)(nil)
