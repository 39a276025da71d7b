package blockchain

import (
	"context"
	"sync"
)

// Dialer 按节点地址建立链上客户端
type Dialer func(ctx context.Context, chainID int64, endpoint string) (ChainRPC, error)

// DialClient 默认的 Dialer
func DialClient(ctx context.Context, chainID int64, endpoint string) (ChainRPC, error) {
	return NewClient(ctx, &ClientConfig{
		ChainID: chainID,
		RPCURLs: SplitEndpoints(endpoint),
	})
}

type pooledClient struct {
	endpoint string
	client   ChainRPC
}

// ClientPool 按 chain id 缓存客户端，节点地址变化时重建
type ClientPool struct {
	dial    Dialer
	mu      sync.Mutex
	clients map[int64]*pooledClient
}

// NewClientPool 创建客户端池
func NewClientPool(dial Dialer) *ClientPool {
	if dial == nil {
		dial = DialClient
	}
	return &ClientPool{
		dial:    dial,
		clients: make(map[int64]*pooledClient),
	}
}

// Get 获取链客户端
func (p *ClientPool) Get(ctx context.Context, chainID int64, endpoint string) (ChainRPC, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.clients[chainID]; ok {
		if pc.endpoint == endpoint {
			return pc.client, nil
		}
		pc.client.Close()
		delete(p.clients, chainID)
	}

	client, err := p.dial(ctx, chainID, endpoint)
	if err != nil {
		return nil, err
	}
	p.clients[chainID] = &pooledClient{endpoint: endpoint, client: client}
	return client, nil
}

// Evict 移除并关闭链客户端
func (p *ClientPool) Evict(chainID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.clients[chainID]; ok {
		pc.client.Close()
		delete(p.clients, chainID)
	}
}

// Close 关闭全部客户端
func (p *ClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, pc := range p.clients {
		pc.client.Close()
		delete(p.clients, id)
	}
}
